// ABOUTME: One authenticated SSH connection and its session channels
// ABOUTME: Connection teardown cancels the context every session derives from

package sshd

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/2389/coven-sshd/internal/auth"
)

type connection struct {
	srv      *Server
	conn     *ssh.ServerConn
	identity auth.Identity
	logger   *slog.Logger

	closeOnce sync.Once
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer s.wg.Done()

	_ = nc.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	sc, chans, reqs, err := ssh.NewServerConn(nc, s.sshConfig)
	if err != nil {
		s.logger.Debug("ssh handshake failed", "remote_addr", nc.RemoteAddr().String(), "error", err)
		nc.Close()
		return
	}
	_ = nc.SetDeadline(time.Time{})

	identity, err := auth.IdentityFromPermissions(sc.Permissions)
	if err != nil {
		s.logger.Error("authenticated connection without identity", "remote_addr", sc.RemoteAddr().String())
		sc.Close()
		return
	}

	c := &connection{
		srv:      s,
		conn:     sc,
		identity: identity,
		logger: s.logger.With(
			"remote_addr", sc.RemoteAddr().String(),
			"principal", identity.PrincipalID,
		),
	}
	s.track(c)
	defer s.untrack(c)

	// The server may have started shutting down while we were handshaking
	if ctx.Err() != nil {
		c.close()
	}

	c.logger.Info("connection opened",
		"client_version", string(sc.ClientVersion()),
		"name", identity.DisplayName,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go ssh.DiscardRequests(reqs)

	var channels sync.WaitGroup
	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, creqs, err := nch.Accept()
		if err != nil {
			c.logger.Warn("accepting session channel", "error", err)
			continue
		}
		channels.Add(1)
		go func() {
			defer channels.Done()
			c.handleChannel(ctx, ch, creqs)
		}()
	}

	// chans closes once the transport is gone; tear every session down
	cancel()
	channels.Wait()
	c.logger.Info("connection closed")
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}
