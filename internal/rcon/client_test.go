package rcon

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/factai/factrcon/internal/protocol"
)

// fakeConn is an in-memory net.Conn whose reads are served from a
// scripted buffer. An empty buffer behaves like an idle socket: reads
// fail with a timeout, which is what the pending-bytes poll expects.
// With eof set, an empty buffer reports a closed stream instead.
type fakeConn struct {
	rd     bytes.Buffer // bytes the server will deliver
	wr     bytes.Buffer // bytes written by the client
	eof    bool
	closed bool
}

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func (f *fakeConn) Read(p []byte) (int, error) {
	if f.rd.Len() == 0 {
		if f.eof {
			return 0, io.EOF
		}
		return 0, timeoutError{}
	}
	return f.rd.Read(p)
}

func (f *fakeConn) Write(p []byte) (int, error) { return f.wr.Write(p) }
func (f *fakeConn) Close() error                { f.closed = true; return nil }
func (f *fakeConn) LocalAddr() net.Addr         { return fakeAddr{} }
func (f *fakeConn) RemoteAddr() net.Addr        { return fakeAddr{} }

func (f *fakeConn) SetDeadline(time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

// newFakeClient returns an authenticated client wired to a fakeConn.
func newFakeClient(t *testing.T) (*Client, *fakeConn) {
	t.Helper()
	fc := &fakeConn{}
	c := New(Config{Host: "127.0.0.1", CommandDelay: -1})
	c.conn = fc
	c.br = bufio.NewReader(fc)
	c.state = StateAuthenticated
	return c, fc
}

func queuePacket(t *testing.T, fc *fakeConn, p protocol.Packet) {
	t.Helper()
	if err := protocol.WritePacket(&fc.rd, p); err != nil {
		t.Fatal(err)
	}
}

func TestReassemblyAcrossPhysicalPackets(t *testing.T) {
	for n := 1; n <= 4; n++ {
		c, fc := newFakeClient(t)

		var want bytes.Buffer
		for i := 0; i < n; i++ {
			body := fmt.Sprintf("fragment-%d;", i)
			want.WriteString(body)
			queuePacket(t, fc, protocol.Packet{Type: protocol.TypeCommand, Body: []byte(body)})
		}

		got, err := c.Command("/observe 1")
		if err != nil {
			t.Fatalf("n=%d: %v", n, err)
		}
		if got != want.String() {
			t.Fatalf("n=%d: got %q, want %q", n, got, want.String())
		}

		// The request must be a single well-formed COMMAND packet.
		req, err := protocol.ReadPacket(&fc.wr)
		if err != nil {
			t.Fatalf("n=%d: reading request: %v", n, err)
		}
		if req.Type != protocol.TypeCommand || req.ID != 0 {
			t.Fatalf("n=%d: request id=%d type=%d", n, req.ID, req.Type)
		}
		if string(req.Body) != "/observe 1" {
			t.Fatalf("n=%d: request body %q", n, req.Body)
		}
		if fc.wr.Len() != 0 {
			t.Fatalf("n=%d: %d extra request bytes", n, fc.wr.Len())
		}
	}
}

func TestCommandTwoPacketResponse(t *testing.T) {
	c, fc := newFakeClient(t)
	queuePacket(t, fc, protocol.Packet{Type: protocol.TypeCommand, Body: []byte("ab")})
	queuePacket(t, fc, protocol.Packet{Type: protocol.TypeCommand, Body: []byte("cd")})

	got, err := c.Command("/observe 5")
	if err != nil {
		t.Fatal(err)
	}
	if got != "abcd" {
		t.Fatalf("got %q, want %q", got, "abcd")
	}
}

func TestCommandLargePhysicalPacket(t *testing.T) {
	// Observation responses arrive in server-chosen frame sizes well
	// past the outgoing request cap; a 5000-byte body must come back
	// intact.
	body := strings.Repeat("o", 5000)

	c, fc := newFakeClient(t)
	binary.Write(&fc.rd, binary.LittleEndian, int32(8+len(body)+2))
	binary.Write(&fc.rd, binary.LittleEndian, int32(0))
	binary.Write(&fc.rd, binary.LittleEndian, int32(protocol.TypeCommand))
	fc.rd.WriteString(body)
	fc.rd.Write([]byte{0, 0})

	got, err := c.Command("/observe 5")
	if err != nil {
		t.Fatal(err)
	}
	if got != body {
		t.Fatalf("got %d bytes, want %d", len(got), len(body))
	}
}

func TestCommandBinaryStripsPerPacketTerminator(t *testing.T) {
	payload, err := msgpack.Marshal("abcd")
	if err != nil {
		t.Fatal(err)
	}

	// Split the msgpack payload across two physical packets, each body
	// carrying the trailing NUL left over from text framing.
	mid := len(payload) / 2
	c, fc := newFakeClient(t)
	queuePacket(t, fc, protocol.Packet{Type: protocol.TypeCommand, Body: append(payload[:mid:mid], 0)})
	queuePacket(t, fc, protocol.Packet{Type: protocol.TypeCommand, Body: append(payload[mid:len(payload):len(payload)], 0)})

	v, err := c.CommandBinary("/observe 1")
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := v.(string); !ok || s != "abcd" {
		t.Fatalf("got %T %v, want string abcd", v, v)
	}
}

func TestCommandBinaryUndecodablePayload(t *testing.T) {
	c, fc := newFakeClient(t)
	// 0xc1 is the one byte msgpack reserves and never emits; trailing
	// NUL is the per-packet terminator.
	queuePacket(t, fc, protocol.Packet{Type: protocol.TypeCommand, Body: []byte{0xc1, 0x00}})

	_, err := c.CommandBinary("/observe 1")
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("got %v, want ErrProtocol", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state %s after decode failure", c.State())
	}
}

func TestBadPaddingIsProtocolError(t *testing.T) {
	c, fc := newFakeClient(t)

	// Hand-build a frame whose padding is 0x00 0x01 but is otherwise
	// valid.
	body := []byte("ok")
	size := int32(8 + len(body) + 2)
	binary.Write(&fc.rd, binary.LittleEndian, size)
	binary.Write(&fc.rd, binary.LittleEndian, int32(0))
	binary.Write(&fc.rd, binary.LittleEndian, int32(protocol.TypeCommand))
	fc.rd.Write(body)
	fc.rd.Write([]byte{0x00, 0x01})

	_, err := c.Command("/h")
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("got %v, want ErrProtocol", err)
	}
	if !fc.closed {
		t.Fatal("socket left open after protocol error")
	}
}

func TestAuthFailureSentinelOnAnyPacket(t *testing.T) {
	c, fc := newFakeClient(t)
	// Packet type 99 is unknown to the client; the -1 id must still win.
	queuePacket(t, fc, protocol.Packet{ID: protocol.AuthFailedID, Type: 99, Body: nil})

	_, err := c.Command("/h")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("got %v, want ErrAuthFailed", err)
	}
}

func TestCommandClosedMidRead(t *testing.T) {
	c, fc := newFakeClient(t)
	fc.eof = true

	// A truncated frame: length promises more bytes than the stream has.
	binary.Write(&fc.rd, binary.LittleEndian, int32(20))
	fc.rd.Write([]byte{1, 2, 3})

	_, err := c.Command("/h")
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("got %v, want ErrConnection", err)
	}
}

func TestCommandRequiresAuthenticatedState(t *testing.T) {
	c := New(Config{Host: "127.0.0.1"})
	if _, err := c.Command("/h"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	c, fc := newFakeClient(t)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("first disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if !fc.closed {
		t.Fatal("socket not closed")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state %s", c.State())
	}

	// And from a never-connected client.
	if err := New(Config{}).Disconnect(); err != nil {
		t.Fatalf("disconnect without connect: %v", err)
	}
}

func TestCommandDelayPolicy(t *testing.T) {
	cases := []struct {
		configured time.Duration
		want       time.Duration
	}{
		{0, DefaultCommandDelay},
		{-1, 0},
		{10 * time.Millisecond, 10 * time.Millisecond},
	}
	for _, tc := range cases {
		c := New(Config{CommandDelay: tc.configured})
		if got := c.commandDelay(); got != tc.want {
			t.Fatalf("delay %v: got %v, want %v", tc.configured, got, tc.want)
		}
	}
}

// --- loopback mock server tests ---

// startMockServer runs a single-connection RCON server on a loopback
// listener. It accepts the password, answers each command through
// handler, and closes when the test ends.
func startMockServer(t *testing.T, password string, cert *tls.Certificate, handler func(cmd string) []protocol.Packet) (host string, port int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if cert != nil {
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{*cert}})
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		req, err := protocol.ReadPacket(conn)
		if err != nil {
			return
		}
		if req.Type != protocol.TypeAuth || string(req.Body) != password {
			protocol.WritePacket(conn, protocol.Packet{ID: protocol.AuthFailedID, Type: protocol.TypeCommand})
			return
		}
		if err := protocol.WritePacket(conn, protocol.Packet{ID: 0, Type: protocol.TypeCommand}); err != nil {
			return
		}

		for {
			req, err := protocol.ReadPacket(conn)
			if err != nil {
				return
			}
			for _, resp := range handler(string(req.Body)) {
				if err := protocol.WritePacket(conn, resp); err != nil {
					return
				}
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

// testConfig widens PollInterval so loopback scheduling jitter cannot
// split a multi-packet response.
func testConfig(host string, port int, password string) Config {
	return Config{
		Host:         host,
		Port:         port,
		Password:     password,
		ReadTimeout:  5 * time.Second,
		CommandDelay: -1,
		PollInterval: 100 * time.Millisecond,
	}
}

func TestConnectAndAuthenticate(t *testing.T) {
	host, port := startMockServer(t, "pass", nil, func(string) []protocol.Packet { return nil })

	c, err := Dial(context.Background(), testConfig(host, port, "pass"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if c.State() != StateAuthenticated {
		t.Fatalf("state %s, want authenticated", c.State())
	}
}

func TestConnectWrongPassword(t *testing.T) {
	host, port := startMockServer(t, "pass", nil, func(string) []protocol.Packet { return nil })

	c := New(testConfig(host, port, "wrong"))
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("got %v, want ErrAuthFailed", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state %s, want disconnected", c.State())
	}
}

func TestConnectRefused(t *testing.T) {
	// Grab a port that nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := New(testConfig("127.0.0.1", port, "pass"))
	if err := c.Connect(context.Background()); !errors.Is(err, ErrConnection) {
		t.Fatalf("got %v, want ErrConnection", err)
	}
}

func TestCommandOverTCP(t *testing.T) {
	host, port := startMockServer(t, "pass", nil, func(cmd string) []protocol.Packet {
		if cmd != "/observe 5" {
			t.Errorf("server saw command %q", cmd)
		}
		return []protocol.Packet{
			{Type: protocol.TypeCommand, Body: []byte("ab")},
			{Type: protocol.TypeCommand, Body: []byte("cd")},
		}
	})

	c, err := Dial(context.Background(), testConfig(host, port, "pass"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	got, err := c.Command("/observe 5")
	if err != nil {
		t.Fatal(err)
	}
	if got != "abcd" {
		t.Fatalf("got %q, want %q", got, "abcd")
	}
}

func TestReadTimeout(t *testing.T) {
	// Server that authenticates but never answers commands.
	host, port := startMockServer(t, "pass", nil, func(string) []protocol.Packet { return nil })

	cfg := testConfig(host, port, "pass")
	cfg.ReadTimeout = 50 * time.Millisecond

	c, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.Command("/h"); !errors.Is(err, ErrConnection) {
		t.Fatalf("got %v, want ErrConnection", err)
	}
}

func TestConnectTLSInsecure(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatal(err)
	}
	host, port := startMockServer(t, "pass", &cert, func(string) []protocol.Packet {
		return []protocol.Packet{{Type: protocol.TypeCommand, Body: []byte("pong")}}
	})

	cfg := testConfig(host, port, "pass")
	cfg.Security = TLSInsecure

	c, err := Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	got, err := c.Command("/h")
	if err != nil {
		t.Fatal(err)
	}
	if got != "pong" {
		t.Fatalf("got %q, want %q", got, "pong")
	}
}

func TestConnectTLSVerifiedRejectsSelfSigned(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	if err != nil {
		t.Fatal(err)
	}
	host, port := startMockServer(t, "pass", &cert, func(string) []protocol.Packet { return nil })

	cfg := testConfig(host, port, "pass")
	cfg.Security = TLSVerified

	c := New(cfg)
	if err := c.Connect(context.Background()); !errors.Is(err, ErrTLSHandshake) {
		t.Fatalf("got %v, want ErrTLSHandshake", err)
	}
}
