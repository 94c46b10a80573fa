// Package sftp serves one server definition over SFTP.
//
// The encrypted transport is golang.org/x/crypto/ssh; the file-transfer
// sub-protocol framing is github.com/pkg/sftp's request server. This package
// supplies password authentication through the gateway's login function and
// request handlers that funnel every operation through the
// authorize-then-execute session.
package sftp

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/drivegate/drivegate/internal/logger"
	"github.com/drivegate/drivegate/pkg/frontend"
	"github.com/drivegate/drivegate/pkg/metrics"
)

const protocolName = "sftp"

const drainGrace = 15 * time.Second

// Server is an SFTP front-end.
type Server struct {
	port    int
	login   frontend.LoginFunc
	hostKey ssh.Signer
	metrics metrics.GatewayMetrics

	listener net.Listener
	tracker  *frontend.ConnTracker
	stopOnce sync.Once
	stopped  chan struct{}
}

// New returns an SFTP server listening on port. hostKey may be nil, in
// which case an ephemeral ed25519 key is generated; clients will see a new
// fingerprint after every restart, so persistent deployments should supply
// one. m may be nil.
func New(port int, login frontend.LoginFunc, hostKey ssh.Signer, m metrics.GatewayMetrics) (*Server, error) {
	if hostKey == nil {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral host key: %w", err)
		}
		hostKey, err = ssh.NewSignerFromSigner(priv)
		if err != nil {
			return nil, fmt.Errorf("ephemeral host key signer: %w", err)
		}
		logger.Warn("sftp server on port %d using an ephemeral host key", port)
	}
	if m == nil {
		m = metrics.NewGatewayMetrics()
	}
	return &Server{
		port:    port,
		login:   login,
		hostKey: hostKey,
		metrics: m,
		tracker: frontend.NewConnTracker(),
		stopped: make(chan struct{}),
	}, nil
}

func (s *Server) Protocol() string { return protocolName }
func (s *Server) Port() int        { return s.port }

// Serve implements frontend.Frontend.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("sftp listener on port %d: %w", s.port, err)
	}
	s.listener = listener
	logger.Info("sftp server listening on port %d", s.port)

	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopped:
		}
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.stopped:
				return nil
			default:
				logger.Debug("sftp accept error: %v", err)
				continue
			}
		}

		release := s.tracker.Add(func() { _ = conn.Close() })
		s.metrics.ConnectionOpened(protocolName)
		go func() {
			defer release()
			defer s.metrics.ConnectionClosed(protocolName)
			s.handleConn(ctx, conn)
		}()
	}
}

// Stop implements frontend.Frontend.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stopped)
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})

	drainCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, drainGrace)
		defer cancel()
	}
	s.tracker.Drain(drainCtx)
	return nil
}

// handleConn runs the SSH handshake and serves sftp subsystem channels.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// The session authenticated by the password callback, captured per
	// connection so concurrent handshakes cannot cross wires.
	var authed *frontend.Session

	config := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			sess, err := s.login(ctx, meta.User(), string(password))
			if err != nil {
				s.metrics.RecordAuthentication(protocolName, false)
				logger.Warn("sftp login failed for %q from %s: %v", meta.User(), conn.RemoteAddr(), err)
				return nil, fmt.Errorf("authentication failed for %s", meta.User())
			}
			s.metrics.RecordAuthentication(protocolName, true)
			authed = sess
			return nil, nil
		},
	}
	config.AddHostKey(s.hostKey)

	sshConn, channels, requests, err := ssh.NewServerConn(conn, config)
	if err != nil {
		logger.Debug("sftp handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(requests)

	logger.Info("sftp session for %s from %s", authed.User().Name, conn.RemoteAddr())

	for newChannel := range channels {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, chanRequests, err := newChannel.Accept()
		if err != nil {
			logger.Debug("sftp channel accept failed: %v", err)
			continue
		}
		go s.serveChannel(ctx, channel, chanRequests, authed)
	}
}

// serveChannel waits for the sftp subsystem request and runs the request
// server on the channel.
func (s *Server) serveChannel(ctx context.Context, channel ssh.Channel, requests <-chan *ssh.Request, sess *frontend.Session) {
	defer channel.Close()

	for req := range requests {
		isSFTP := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
		if err := req.Reply(isSFTP, nil); err != nil {
			return
		}
		if !isSFTP {
			continue
		}

		server := sftp.NewRequestServer(channel, s.newHandlers(ctx, sess))
		if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
			logger.Debug("sftp request server for %s ended: %v", sess.User().Name, err)
		}
		_ = server.Close()
		return
	}
}
