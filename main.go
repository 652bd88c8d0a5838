package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"

	"github.com/umputun/s3sftp/objectstore"
	"github.com/umputun/s3sftp/server"
)

type options struct {
	Listen         string        `long:"listen" env:"LISTEN" default:"127.0.0.1:2222" description:"address:port to listen on for SFTP connections"`
	MaxConnections int           `long:"max-connections" env:"MAX_CONNECTIONS" default:"100" description:"maximum concurrent SFTP connections"`
	HostKeyFile    string        `long:"host-key" env:"HOST_KEY" default:"gateway_rsa" description:"SSH host key file path, generated on first run if missing"`
	IdleTimeout    time.Duration `long:"idle-timeout" env:"IDLE_TIMEOUT" default:"60s" description:"emit a user-idle event after this much inactivity (also the connection-level read/write idle timeout)"`

	S3 struct {
		Bucket string `long:"bucket" env:"BUCKET" required:"true" description:"S3-compatible bucket name"`
		Region string `long:"region" env:"REGION" default:"us-east-1" description:"S3 region"`
	} `group:"S3 options" namespace:"s3" env-namespace:"S3"`

	UserBasePath          string        `long:"user-base-path" env:"USER_BASE_PATH" default:"users" description:"object-key prefix under which every user's home lives"`
	DefaultSubdirectories []string      `long:"default-subdir" env:"DEFAULT_SUBDIRECTORIES" env-delim:"," default:"invoices" default:"ledgers" description:"subdirectories provisioned for a user on first login (can be repeated)"`
	CreateDefaultSubdirs  bool          `long:"create-default-subdirs" env:"CREATE_DEFAULT_SUBDIRS" description:"write .directory markers for the default subdirectories on first login"`
	MaxFileSize           int64         `long:"max-file-size" env:"MAX_FILE_SIZE" default:"104857600" description:"advisory maximum upload size in bytes"`
	MaxDirectoryDepth     int           `long:"max-directory-depth" env:"MAX_DIRECTORY_DEPTH" default:"10" description:"advisory maximum nesting depth"`
	StalenessWindow       time.Duration `long:"staleness-window" env:"STALENESS_WINDOW" default:"10s" description:"how long after an upload a LIST is treated as possibly stale"`

	API struct {
		Enabled  bool   `long:"enabled" env:"ENABLED" description:"enable the read-only operator HTTP API"`
		Listen   string `long:"listen" env:"LISTEN" default:"127.0.0.1:8080" description:"address:port for the operator API"`
		AuthUser string `long:"auth-user" env:"AUTH_USER" default:"operator" description:"username for the operator API's basic auth"`
		Auth     string `long:"auth" env:"AUTH" description:"password for the operator API's basic auth"`
	} `group:"Operator API options" namespace:"api" env-namespace:"API"`

	Version bool `short:"v" long:"version" env:"VERSION" description:"show version and exit"`
	Dbg     bool `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var opts options

func main() {
	fmt.Printf("s3sftp %s\n", versionInfo())
	p := flags.NewParser(&opts, flags.PrintErrors|flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		var flagsErr *flags.Error
		if !errors.As(err, &flagsErr) || !errors.Is(flagsErr.Type, flags.ErrHelp) {
			fmt.Printf("%v", err)
		}
		os.Exit(1)
	}
	setupLog(opts.Dbg)

	if opts.Version {
		fmt.Printf("version: %s\n", versionInfo())
		os.Exit(0)
	}

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, &opts); err != nil {
		log.Printf("[FATAL] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	store, err := objectstore.NewS3Client(ctx, opts.S3.Region, opts.S3.Bucket)
	if err != nil {
		return fmt.Errorf("init object store client: %w", err)
	}

	cfg := server.DefaultConfig()
	cfg.ListenHost, cfg.ListenPort, err = splitListenAddr(opts.Listen)
	if err != nil {
		return fmt.Errorf("parse --listen: %w", err)
	}
	cfg.MaxConnections = opts.MaxConnections
	cfg.Bucket = opts.S3.Bucket
	cfg.Region = opts.S3.Region
	cfg.UserBasePath = opts.UserBasePath
	cfg.DefaultSubdirectories = opts.DefaultSubdirectories
	cfg.CreateDefaultSubdirs = opts.CreateDefaultSubdirs
	cfg.MaxFileSize = opts.MaxFileSize
	cfg.MaxDirectoryDepth = opts.MaxDirectoryDepth
	cfg.HostKeyFile = opts.HostKeyFile
	cfg.IdleTimeout = opts.IdleTimeout
	cfg.StalenessWindow = opts.StalenessWindow

	gw, err := server.NewSFTPGateway(cfg, store)
	if err != nil {
		return fmt.Errorf("init SFTP gateway: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Printf("[INFO] starting SFTP gateway on %s", opts.Listen)
		if err := gw.Run(ctx); err != nil {
			errCh <- fmt.Errorf("SFTP gateway failed: %w", err)
		}
	}()

	if opts.API.Enabled {
		apiSrv := server.NewOperatorAPI(server.OperatorAPIConfig{
			Listen:   opts.API.Listen,
			AuthUser: opts.API.AuthUser,
			Auth:     opts.API.Auth,
		}, gw)
		go func() {
			log.Printf("[INFO] starting operator API on %s", opts.API.Listen)
			if err := apiSrv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("operator API failed: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// splitListenAddr breaks a "host:port" string into Config's separate
// ListenHost/ListenPort fields.
func splitListenAddr(addr string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in listen address %q: %w", addr, err)
	}
	return h, portNum, nil
}

func versionInfo() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		version := info.Main.Version
		if version == "" {
			version = "dev"
		}
		return version
	}
	return "unknown"
}

func setupLog(dbg bool, secrets ...string) {
	logOpts := []lgr.Option{lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	if dbg {
		logOpts = []lgr.Option{lgr.Debug, lgr.CallerFile, lgr.CallerFunc, lgr.Msec, lgr.LevelBraces, lgr.StackTraceOnError}
	}

	colorizer := lgr.Mapper{
		ErrorFunc:  func(s string) string { return color.New(color.FgHiRed).Sprint(s) },
		WarnFunc:   func(s string) string { return color.New(color.FgRed).Sprint(s) },
		InfoFunc:   func(s string) string { return color.New(color.FgYellow).Sprint(s) },
		DebugFunc:  func(s string) string { return color.New(color.FgWhite).Sprint(s) },
		CallerFunc: func(s string) string { return color.New(color.FgBlue).Sprint(s) },
		TimeFunc:   func(s string) string { return color.New(color.FgCyan).Sprint(s) },
	}
	logOpts = append(logOpts, lgr.Map(colorizer))

	if len(secrets) > 0 {
		logOpts = append(logOpts, lgr.Secret(secrets...))
	}
	lgr.SetupStdLogger(logOpts...)
	lgr.Setup(logOpts...)
}
