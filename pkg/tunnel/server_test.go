package tunnel

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRedeemer resolves one known ticket and rejects everything else
type stubRedeemer struct {
	ticket   string
	endpoint *types.Endpoint
}

func (s *stubRedeemer) Redeem(ticketID string) (*types.TunnelTicket, error) {
	if ticketID != s.ticket {
		return nil, errdefs.ErrTicketAlreadyUsed
	}
	return &types.TunnelTicket{
		ID:         ticketID,
		ResourceID: "res-1",
		UserID:     "alice",
		Endpoint:   s.endpoint,
	}, nil
}

func validTicket() string {
	buf := make([]byte, types.TicketLength)
	for i := range buf {
		buf[i] = 'a'
	}
	return string(buf)
}

// startEchoServer returns the address of a TCP server echoing its input
func startEchoServer(t *testing.T) *types.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &types.Endpoint{Host: host, Port: port, Protocol: "rdp"}
}

func startTestServer(t *testing.T, redeemer Redeemer) *Server {
	t.Helper()
	srv := NewServer(ServerConfig{
		ListenAddr:  "127.0.0.1:0",
		IdleTimeout: 5 * time.Second,
	}, redeemer)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readResponse(t *testing.T, conn net.Conn, want string) {
	t.Helper()
	buf := make([]byte, len(want))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, want, string(buf))
}

func TestTunnelTestCommand(t *testing.T) {
	srv := startTestServer(t, &stubRedeemer{})
	conn := dial(t, srv)

	_, err := conn.Write(handshake)
	require.NoError(t, err)
	_, err = conn.Write([]byte(cmdTest))
	require.NoError(t, err)

	readResponse(t, conn, respOK)
}

func TestTunnelRejectsBadHandshake(t *testing.T) {
	srv := startTestServer(t, &stubRedeemer{})
	conn := dial(t, srv)

	_, err := conn.Write([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06})
	require.NoError(t, err)

	readResponse(t, conn, respForbidden)
}

func TestTunnelRejectsUnknownCommand(t *testing.T) {
	srv := startTestServer(t, &stubRedeemer{})
	conn := dial(t, srv)

	_, err := conn.Write(handshake)
	require.NoError(t, err)
	_, err = conn.Write([]byte("NOPE"))
	require.NoError(t, err)

	readResponse(t, conn, respErrorCommand)
}

func TestTunnelRejectsBadTicket(t *testing.T) {
	srv := startTestServer(t, &stubRedeemer{ticket: validTicket()})
	conn := dial(t, srv)

	_, err := conn.Write(handshake)
	require.NoError(t, err)
	_, err = conn.Write([]byte(cmdOpen))
	require.NoError(t, err)

	bad := make([]byte, types.TicketLength)
	for i := range bad {
		bad[i] = 'z'
	}
	_, err = conn.Write(bad)
	require.NoError(t, err)

	readResponse(t, conn, respErrorTicket)
}

func TestTunnelRelaysTraffic(t *testing.T) {
	endpoint := startEchoServer(t)
	ticket := validTicket()
	srv := startTestServer(t, &stubRedeemer{ticket: ticket, endpoint: endpoint})
	conn := dial(t, srv)

	_, err := conn.Write(handshake)
	require.NoError(t, err)
	_, err = conn.Write([]byte(cmdOpen))
	require.NoError(t, err)
	_, err = conn.Write([]byte(ticket))
	require.NoError(t, err)

	readResponse(t, conn, respOK)

	// Bytes flow both ways through the relay
	payload := []byte("rdp-session-bytes")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	echo := make([]byte, len(payload))
	_, err = io.ReadFull(conn, echo)
	require.NoError(t, err)
	assert.Equal(t, payload, echo)
}

func TestTunnelClosesWhenTargetCloses(t *testing.T) {
	endpoint := startEchoServer(t)
	ticket := validTicket()
	srv := startTestServer(t, &stubRedeemer{ticket: ticket, endpoint: endpoint})
	conn := dial(t, srv)

	_, err := conn.Write(handshake)
	require.NoError(t, err)
	_, err = conn.Write([]byte(cmdOpen))
	require.NoError(t, err)
	_, err = conn.Write([]byte(ticket))
	require.NoError(t, err)
	readResponse(t, conn, respOK)

	// Closing the client side ends the relay; the server must not hang
	require.NoError(t, conn.Close())

	deadline := time.After(3 * time.Second)
	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-deadline:
		t.Fatal("server did not shut down after relay ended")
	}
}

func TestHandshakeBytes(t *testing.T) {
	// The handshake is a fixed magic preamble; clients depend on it
	assert.Equal(t, []byte{0x5a, 0x4d, 0x47, 0x42, 0xa5, 0x01, 0x00}, handshake)
}
