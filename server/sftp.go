package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/umputun/s3sftp/objectstore"
)

// SFTPGateway is the SFTP protocol front-end: it
// terminates SSH, authenticates users against the object store's auth
// registry, and dispatches every SFTP verb through the path mapper, access
// policy, and upload/download pipelines.
type SFTPGateway struct {
	config Config
	store  objectstore.Client

	pathMapper *pathMapper
	policy     *accessPolicy
	sessions   *sessionManager
	auth       *authAdapter
	events     *eventBus
	cache      *listingCache

	ipAttempts   map[string]ipAttemptsInfo
	ipAttemptsMu sync.Mutex
}

// ipAttemptsInfo tracks per-IP authentication attempts for rate limiting
// within a fixed window that starts at the first attempt.
type ipAttemptsInfo struct {
	count     int
	firstSeen time.Time
	lastSeen  time.Time
}

// NewSFTPGateway wires together the path mapper, access policy, session
// manager, auth adapter, event bus, and listing cache behind the gateway.
func NewSFTPGateway(cfg Config, store objectstore.Client) (*SFTPGateway, error) {
	cache, err := newListingCache()
	if err != nil {
		return nil, fmt.Errorf("init listing cache: %w", err)
	}
	events := newEventBus()
	events.Subscribe(loggingSubscriber{})

	return &SFTPGateway{
		config:     cfg,
		store:      store,
		pathMapper: newPathMapper(cfg.UserBasePath),
		policy:     newAccessPolicy(cfg.UserAllowList),
		sessions:   newSessionManager(cfg.IdleTimeout, events),
		auth:       newAuthAdapter(store, cfg.UserBasePath, cfg.CreateDefaultSubdirs, cfg.DefaultSubdirectories),
		events:     events,
		cache:      cache,
		ipAttempts: make(map[string]ipAttemptsInfo),
	}, nil
}

// Run starts the SFTP gateway and blocks until ctx is cancelled or a fatal
// accept error occurs.
func (s *SFTPGateway) Run(ctx context.Context) error {
	config, err := s.setupSSHServerConfig()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.config.ListenHost, s.config.ListenPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	defer listener.Close()

	log.Printf("[INFO] starting SFTP gateway on %s", addr)

	errorCh := make(chan error, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errorCh <- fmt.Errorf("accept error: %w", err)
				return
			}
			go s.handleConnection(conn, config)
		}
	}()

	select {
	case err := <-errorCh:
		return fmt.Errorf("SFTP gateway failed: %w", err)
	case <-ctx.Done():
		log.Printf("[DEBUG] SFTP gateway shutdown initiated")
		s.sessions.DisconnectAll()
		s.events.Close()
		if err := listener.Close(); err != nil {
			log.Printf("[WARN] error closing listener: %v", err)
		}
		log.Printf("[INFO] SFTP gateway shutdown completed")
		return nil
	}
}

// handleConnection performs the SSH handshake and multiplexes channels.
func (s *SFTPGateway) handleConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	tc := &timeoutConn{Conn: conn, idleTimeout: s.config.IdleTimeout, lastActivity: time.Now()}

	sshConn, chans, reqs, err := ssh.NewServerConn(tc, config)
	if err != nil {
		log.Printf("[WARN] SSH handshake failed: %v", err)
		return
	}
	defer sshConn.Close()

	sessionID := uuid.NewString()
	log.Printf("[DEBUG] new SSH connection from %s (%s) user=%s session=%s", sshConn.RemoteAddr(), sshConn.ClientVersion(), sshConn.User(), sessionID)
	s.events.Emit(Event{Type: EventLogin, Username: sshConn.User(), SessionID: sessionID})

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			if err := newChan.Reject(ssh.UnknownChannelType, "unknown channel type"); err != nil {
				log.Printf("[WARN] error rejecting channel: %v", err)
			}
			continue
		}

		channel, requests, err := newChan.Accept()
		if err != nil {
			log.Printf("[WARN] could not accept channel: %v", err)
			continue
		}
		go s.handleSession(channel, requests, sshConn, sessionID)
	}
}

// handleSession processes a single SSH session's out-of-band requests,
// starting the SFTP subsystem on request.
func (s *SFTPGateway) handleSession(channel ssh.Channel, requests <-chan *ssh.Request, sshConn *ssh.ServerConn, sessionID string) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "subsystem":
			if len(req.Payload) < 5 || string(req.Payload[4:]) != "sftp" {
				replyRequest(req, false, "unsupported subsystem")
				continue
			}
			replyRequest(req, true, "")
			s.startSFTPServer(channel, sshConn, sessionID)
			return

		case "shell":
			replyRequest(req, true, "")
			if _, err := io.WriteString(channel, "SFTP access only, interactive shell not available\r\n"); err != nil {
				log.Printf("[WARN] error writing to channel: %v", err)
			}
			return

		case "pty-req", "env":
			replyRequest(req, true, "")

		default:
			replyRequest(req, false, "unsupported request type")
		}
	}
}

func replyRequest(req *ssh.Request, accept bool, reason string) {
	if err := req.Reply(accept, nil); err != nil {
		log.Printf("[WARN] failed to reply to %s request: %v", req.Type, err)
		return
	}
	if !accept && reason != "" {
		log.Printf("[WARN] rejected %s request: %s", req.Type, reason)
	}
}

// startSFTPServer registers the session and runs a
// pkg/sftp.RequestServer against sftpHandlers until the channel closes.
func (s *SFTPGateway) startSFTPServer(channel ssh.Channel, sshConn *ssh.ServerConn, sessionID string) {
	username := sshConn.User()
	sess := &session{
		username:   username,
		sessionID:  sessionID,
		homePrefix: s.pathMapper.homePrefix(username),
		handles:    newHandleTable(),
		close:      func() { sshConn.Close() },
	}
	s.sessions.Register(sess)
	defer s.sessions.End(username, "sftp subsystem closed")

	if err := s.auth.ProvisionHome(context.Background(), username); err != nil {
		log.Printf("[WARN] SFTP: failed to provision home for %s: %v", username, err)
	}

	h := &sftpHandlers{gw: s, sess: sess}
	handlers := sftp.Handlers{FileGet: h, FilePut: h, FileCmd: h, FileList: h}
	reqServer := sftp.NewRequestServer(channel, handlers)
	defer reqServer.Close()

	log.Printf("[INFO] SFTP: subsystem started for user %s", username)
	if err := reqServer.Serve(); err != nil && !errors.Is(err, io.EOF) {
		log.Printf("[WARN] SFTP: session for %s terminated with error: %v", username, err)
		s.events.Emit(Event{Type: EventClientError, Username: username, SessionID: sessionID, Err: err})
	}
}

// setupSSHServerConfig wires password authentication through the object
// store's auth registry, with per-IP rate limiting.
func (s *SFTPGateway) setupSSHServerConfig() (*ssh.ServerConfig, error) {
	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			remoteIP := remoteIPOf(c)
			if !s.checkAuthRateLimit(remoteIP) {
				log.Printf("[WARN] SFTP: rate limit exceeded for IP %s", remoteIP)
				time.Sleep(2 * time.Second)
				return nil, fmt.Errorf("too many authentication attempts")
			}

			if !s.auth.Authenticate(context.Background(), c.User(), string(pass)) {
				log.Printf("[WARN] SFTP: authentication failed for user %s from %s", c.User(), c.RemoteAddr())
				return nil, fmt.Errorf("authentication failed")
			}

			s.resetAuthRateLimit(remoteIP)
			return &ssh.Permissions{}, nil
		},
		ServerVersion: "SSH-2.0-s3sftp",
		MaxAuthTries:  6,
	}

	hostKey, err := loadOrGenerateHostKey(s.config.HostKeyFile)
	if err != nil {
		return nil, fmt.Errorf("setup host key: %w", err)
	}
	config.AddHostKey(hostKey)
	return config, nil
}

func remoteIPOf(c ssh.ConnMetadata) string {
	if addr, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	return c.RemoteAddr().String()
}

// checkAuthRateLimit allows at most 5 attempts per IP in a 10-minute
// window counted from the first attempt; the window restarts once it has
// passed.
func (s *SFTPGateway) checkAuthRateLimit(remoteIP string) bool {
	s.ipAttemptsMu.Lock()
	defer s.ipAttemptsMu.Unlock()

	now := time.Now()
	info, exists := s.ipAttempts[remoteIP]
	if !exists || now.Sub(info.firstSeen) > 10*time.Minute {
		s.ipAttempts[remoteIP] = ipAttemptsInfo{count: 1, firstSeen: now, lastSeen: now}
		return true
	}

	info.count++
	info.lastSeen = now
	s.ipAttempts[remoteIP] = info
	return info.count <= 5
}

func (s *SFTPGateway) resetAuthRateLimit(remoteIP string) {
	s.ipAttemptsMu.Lock()
	defer s.ipAttemptsMu.Unlock()
	delete(s.ipAttempts, remoteIP)
}

// loadOrGenerateHostKey loads an existing SSH host key or generates and
// persists a new one.
func loadOrGenerateHostKey(keyFile string) (ssh.Signer, error) {
	if keyFile == "" {
		return nil, fmt.Errorf("empty key file path")
	}

	// #nosec G304 - keyFile is operator-controlled configuration
	keyData, err := os.ReadFile(keyFile)
	if err == nil {
		hostKey, err := ssh.ParsePrivateKey(keyData)
		if err == nil {
			log.Printf("[INFO] using existing SSH host key from %s", keyFile)
			return hostKey, nil
		}
		log.Printf("[WARN] failed to parse existing host key: %v", err)
	}

	log.Printf("[INFO] generating new SSH host key and saving to %s", keyFile)
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}

	pemBlock := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	keyData = pem.EncodeToMemory(pemBlock)

	// #nosec G304 - keyFile is operator-controlled configuration
	if err := os.WriteFile(keyFile, keyData, 0o600); err != nil {
		log.Printf("[WARN] could not save SSH host key to %s: %v", keyFile, err)
	}

	hostKey, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("parse generated host key: %w", err)
	}
	return hostKey, nil
}

// timeoutConn wraps a net.Conn with an idle timeout, applied to every byte
// of SSH traffic as a connection-level backstop beneath the application-level
// per-user idle tracking in sessionManager.
type timeoutConn struct {
	net.Conn
	idleTimeout  time.Duration
	lastActivity time.Time
	mu           sync.Mutex
}

func (c *timeoutConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	last := c.lastActivity
	c.mu.Unlock()
	if c.idleTimeout > 0 && time.Since(last) > c.idleTimeout {
		return 0, fmt.Errorf("idle timeout exceeded")
	}

	n, err := c.Conn.Read(b)
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return n, err
}

func (c *timeoutConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	last := c.lastActivity
	c.mu.Unlock()
	if c.idleTimeout > 0 && time.Since(last) > c.idleTimeout {
		return 0, fmt.Errorf("idle timeout exceeded")
	}

	n, err := c.Conn.Write(b)
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return n, err
}
