package tunnel

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Wire protocol, client to server:
//
//	handshake (7 bytes) | command (4 bytes) | ticket (48 bytes, OPEN only)
//
// The server answers with one of the textual responses below, then OPEN
// switches the connection to a raw bidirectional relay.
var handshake = []byte{0x5a, 0x4d, 0x47, 0x42, 0xa5, 0x01, 0x00}

const (
	cmdOpen = "OPEN"
	cmdTest = "TEST"

	respOK           = "OK"
	respErrorTicket  = "ERROR_TICKET"
	respErrorCommand = "ERROR_COMMAND"
	respTimeout      = "TIMEOUT"
	respForbidden    = "FORBIDDEN"

	handshakeTimeout = 3 * time.Second
	commandTimeout   = 10 * time.Second
	dialTimeout      = 10 * time.Second
)

// Redeemer resolves a ticket to its endpoint. The broker implements it
// directly; a standalone tunnel node implements it over the control API.
type Redeemer interface {
	Redeem(ticketID string) (*types.TunnelTicket, error)
}

// ServerConfig holds tunnel listener settings
type ServerConfig struct {
	ListenAddr  string
	CertFile    string
	KeyFile     string
	IdleTimeout time.Duration
}

// Server accepts client connections, validates tickets and relays traffic
// to the resource endpoint. Clients never learn the endpoint address.
type Server struct {
	cfg      ServerConfig
	redeemer Redeemer
	logger   zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a tunnel server
func NewServer(cfg ServerConfig, redeemer Redeemer) *Server {
	return &Server{
		cfg:      cfg,
		redeemer: redeemer,
		logger:   log.WithComponent("tunnel"),
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start begins accepting connections. TLS is used when a certificate pair
// is configured; otherwise the listener is plain TCP (lab setups, tests).
func (s *Server) Start() error {
	var (
		ln  net.Listener
		err error
	)
	if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
		cert, cerr := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if cerr != nil {
			return fmt.Errorf("failed to load tunnel certificate: %w", cerr)
		}
		ln, err = tls.Listen("tcp", s.cfg.ListenAddr, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	} else {
		s.logger.Warn().Msg("tunnel listener running without TLS")
		ln, err = net.Listen("tcp", s.cfg.ListenAddr)
	}
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("tunnel server listening")

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address, for tests that listen on :0
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and all active relays
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Error().Err(err).Msg("accept failed")
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// handle runs the ticket exchange and, on success, the relay. Protocol
// violations are answered and the connection dropped; the handshake check
// weeds out port scanners before any state is touched.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	hs := make([]byte, len(handshake))
	if _, err := io.ReadFull(conn, hs); err != nil {
		s.logger.Debug().Str("remote", remote).Msg("connection closed before handshake")
		return
	}
	if !bytes.Equal(hs, handshake) {
		s.logger.Warn().Str("remote", remote).Msg("invalid handshake")
		conn.Write([]byte(respForbidden))
		return
	}

	conn.SetReadDeadline(time.Now().Add(commandTimeout))
	cmd := make([]byte, 4)
	if _, err := io.ReadFull(conn, cmd); err != nil {
		conn.Write([]byte(respTimeout))
		return
	}

	switch string(cmd) {
	case cmdTest:
		conn.Write([]byte(respOK))
		return
	case cmdOpen:
	default:
		s.logger.Warn().Str("remote", remote).Str("command", string(cmd)).Msg("unknown command")
		conn.Write([]byte(respErrorCommand))
		return
	}

	ticketBuf := make([]byte, types.TicketLength)
	if _, err := io.ReadFull(conn, ticketBuf); err != nil {
		conn.Write([]byte(respTimeout))
		return
	}

	ticket, err := s.redeemer.Redeem(string(ticketBuf))
	if err != nil {
		s.logger.Warn().Str("remote", remote).Str("reason", errdefs.Kind(err)).
			Msg("ticket rejected")
		conn.Write([]byte(respErrorTicket))
		return
	}

	target, err := net.DialTimeout("tcp",
		fmt.Sprintf("%s:%d", ticket.Endpoint.Host, ticket.Endpoint.Port), dialTimeout)
	if err != nil {
		s.logger.Error().Err(err).Str("resource_id", ticket.ResourceID).
			Msg("failed to reach resource endpoint")
		conn.Write([]byte(respErrorTicket))
		return
	}
	defer target.Close()

	if _, err := conn.Write([]byte(respOK)); err != nil {
		return
	}
	conn.SetReadDeadline(time.Time{})

	metrics.TunnelConnections.Inc()
	defer metrics.TunnelConnections.Dec()
	s.logger.Info().Str("remote", remote).Str("resource_id", ticket.ResourceID).
		Str("user_id", ticket.UserID).Msg("tunnel opened")

	s.relay(conn, target)
	s.logger.Info().Str("remote", remote).Str("resource_id", ticket.ResourceID).Msg("tunnel closed")
}

// relay copies both directions until either side closes or the idle
// timeout elapses with no traffic in either direction.
func (s *Server) relay(client, target net.Conn) {
	idle := s.cfg.IdleTimeout
	errCh := make(chan error, 2)

	copyLoop := func(dst, src net.Conn) {
		buf := make([]byte, 32*1024)
		for {
			if idle > 0 {
				src.SetReadDeadline(time.Now().Add(idle))
			}
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					errCh <- werr
					return
				}
			}
			if err != nil {
				errCh <- err
				return
			}
		}
	}

	go copyLoop(target, client)
	go copyLoop(client, target)

	err := <-errCh
	// Unblock the other direction
	client.Close()
	target.Close()
	<-errCh

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		s.logger.Debug().Msg("tunnel idle timeout")
	}
}
