// ABOUTME: SSH server that accepts connections and hands session channels to the dispatcher
// ABOUTME: Tracks live connections so shutdown closes every session

package sshd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-sshd/internal/capability"
	"github.com/2389/coven-sshd/internal/executor"
	"github.com/2389/coven-sshd/internal/session"
)

const (
	DefaultPrompt           = "coven> "
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultMaxLineLength    = 64 * 1024
)

// Authenticator admits principals and reports their capabilities.
type Authenticator interface {
	PublicKeyCallback(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error)
	Capabilities(ctx context.Context, principalID string) (capability.Set, error)
}

// Dispatcher turns a command line into a scheduled invocation.
type Dispatcher interface {
	Dispatch(ctx context.Context, sess *session.Session, line string) (*executor.Handle, error)
}

// Config configures a Server.
type Config struct {
	HostKeys         []ssh.Signer
	Auth             Authenticator
	Dispatcher       Dispatcher
	Prompt           string
	Banner           string // written once when an interactive shell starts
	MaxLineLength    int
	HandshakeTimeout time.Duration
	Version          string
	Logger           *slog.Logger
}

// Server accepts SSH connections.
type Server struct {
	cfg       Config
	sshConfig *ssh.ServerConfig
	logger    *slog.Logger

	mu    sync.Mutex
	conns map[*connection]struct{}
	wg    sync.WaitGroup
}

// New validates cfg and builds a Server.
func New(cfg Config) (*Server, error) {
	if len(cfg.HostKeys) == 0 {
		return nil, errors.New("sshd: at least one host key is required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("sshd: authenticator is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("sshd: dispatcher is required")
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = DefaultMaxLineLength
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sshConfig := &ssh.ServerConfig{
		PublicKeyCallback: cfg.Auth.PublicKeyCallback,
		ServerVersion:     serverVersion(cfg.Version),
	}
	for _, k := range cfg.HostKeys {
		sshConfig.AddHostKey(k)
	}

	return &Server{
		cfg:       cfg,
		sshConfig: sshConfig,
		logger:    logger.With("component", "sshd"),
		conns:     make(map[*connection]struct{}),
	}, nil
}

func serverVersion(v string) string {
	if v == "" {
		v = "dev"
	}
	return fmt.Sprintf("SSH-2.0-coven-sshd_%s", v)
}

// Serve accepts connections on lis until ctx is cancelled, then closes every
// open connection and waits for their sessions to wind down.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	s.logger.Info("ssh server listening", "addr", lis.Addr().String())

	var serveErr error
	for {
		nc, err := lis.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				serveErr = fmt.Errorf("accepting connection: %w", err)
			}
			break
		}
		s.wg.Add(1)
		go s.handleConn(ctx, nc)
	}

	cancel()
	s.closeAll()
	s.wg.Wait()
	s.logger.Info("ssh server stopped")
	return serveErr
}

// Connections reports the number of authenticated connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *connection) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
