package server

import "time"

// Config carries every setting the gateway's components need, populated
// from env/flags in main.go via jessevdk/go-flags.
type Config struct {
	// network
	ListenHost     string // server.host, default 127.0.0.1
	ListenPort     int    // server.port, default 2222
	MaxConnections int    // maxConnections, default 100

	// object store layout
	Bucket                string   // s3.bucket
	Region                string   // s3.region
	UserBasePath          string   // userBasePath, default "users"
	DefaultSubdirectories []string // defaultSubdirectories, default [invoices, ledgers]
	CreateDefaultSubdirs  bool     // createDefaultSubdirs, default true

	// policy
	MaxFileSize       int64    // maxFileSize, advisory, default 100 MiB
	AllowedExtensions []string // allowedExtensions, open list
	BlockedExtensions []string // blockedExtensions, reserved, not enforced
	MaxDirectoryDepth int      // maxDirectoryDepth, default 10

	// per-user path allow-list overrides; nil/absent entries fall back to
	// the default allow-list in AccessPolicy.
	UserAllowList map[string][]string

	// host key
	HostKeyFile string

	// idle handling
	IdleTimeout time.Duration // default 60s

	// eventual-consistency handling
	StalenessWindow time.Duration // default 10s
}

// DefaultConfig returns a Config with every field's production default
// filled in; callers override individual fields from parsed CLI options.
func DefaultConfig() Config {
	return Config{
		ListenHost:            "127.0.0.1",
		ListenPort:            2222,
		MaxConnections:        100,
		UserBasePath:          "users",
		DefaultSubdirectories: []string{"invoices", "ledgers"},
		CreateDefaultSubdirs:  true,
		MaxFileSize:           100 * 1024 * 1024,
		BlockedExtensions:     []string{".exe", ".bat", ".sh"},
		MaxDirectoryDepth:     10,
		HostKeyFile:           "gateway_rsa",
		IdleTimeout:           60 * time.Second,
		StalenessWindow:       10 * time.Second,
	}
}
