// Package rcon implements a client for the RCON remote-console protocol:
// an authenticated request/response exchange of length-prefixed packets
// over a single TCP connection, optionally wrapped in TLS.
package rcon

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/factai/factrcon/internal/protocol"
)

// Defaults applied by New for zero-valued Config fields.
const (
	// DefaultPort is the RCON port the game server binds in this
	// deployment.
	DefaultPort = 9889

	// DefaultCommandDelay keeps a command stream under the server's
	// per-tick command-processing budget.
	DefaultCommandDelay = 3 * time.Millisecond

	// DefaultPollInterval bounds the pending-bytes check between
	// physical packets of one logical response.
	DefaultPollInterval = time.Millisecond
)

// Security selects the transport security mode for a connection.
type Security int

const (
	// Plaintext speaks RCON over bare TCP.
	Plaintext Security = iota

	// TLSVerified wraps the connection in TLS with full hostname and
	// certificate verification.
	TLSVerified

	// TLSInsecure wraps the connection in TLS but skips all
	// verification. Only suitable for trusted loopback servers.
	TLSInsecure
)

func (s Security) String() string {
	switch s {
	case Plaintext:
		return "plaintext"
	case TLSVerified:
		return "tls-verified"
	case TLSInsecure:
		return "tls-insecure"
	default:
		return "unknown"
	}
}

// State is the connection lifecycle state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Config controls a Client.
type Config struct {
	Host     string
	Port     int // 0 = DefaultPort
	Password string
	Security Security

	// ReadTimeout bounds each blocking read while waiting for a
	// response. Zero disables the deadline and a read can block
	// indefinitely against an unresponsive server.
	ReadTimeout time.Duration

	// CommandDelay is slept after each completed command. Zero means
	// DefaultCommandDelay; negative disables the delay.
	CommandDelay time.Duration

	// PollInterval is how long the pending-bytes check waits for the
	// next physical packet before declaring the response complete.
	// Zero means DefaultPollInterval.
	PollInterval time.Duration

	// Logger receives debug output. Nil means silent.
	Logger *slog.Logger
}

// Client owns one connection to an RCON server.
//
// A Client is not safe for concurrent use: the protocol has no request
// multiplexing (every request carries id 0), so two in-flight commands
// would interleave their frames and corrupt reassembly. Callers sharing a
// Client across goroutines must serialize access themselves.
type Client struct {
	cfg   Config
	log   *slog.Logger
	state State
	conn  net.Conn
	br    *bufio.Reader
}

// New creates a disconnected Client. Call Connect before issuing commands.
func New(cfg Config) *Client {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(discardHandler{})
	}
	return &Client{cfg: cfg, log: log}
}

// Dial is New followed by Connect.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	c := New(cfg)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return c.state
}

// Connect opens the TCP (and, depending on the security mode, TLS)
// connection and performs the authentication handshake: one AUTH packet
// carrying the password, answered by a packet whose request id is -1 on
// rejection and anything else on success. On any failure the socket is
// closed and the client returns to the disconnected state.
func (c *Client) Connect(ctx context.Context) error {
	if c.state != StateDisconnected {
		return fmt.Errorf("connect: client is %s", c.state)
	}
	c.state = StateConnecting

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	conn, err := c.dial(ctx, addr)
	if err != nil {
		c.state = StateDisconnected
		return err
	}
	c.conn = conn
	c.br = bufio.NewReader(conn)
	c.log.Debug("connected", "addr", addr, "security", c.cfg.Security)

	// The password stays out of the log; only the packet type is noted.
	c.log.Debug("sending auth request")
	if _, err := c.roundTrip(protocol.TypeAuth, []byte(c.cfg.Password), false); err != nil {
		c.fail()
		return err
	}

	c.state = StateAuthenticated
	c.log.Debug("authenticated")
	return nil
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, addr, err)
	}
	if c.cfg.Security == Plaintext {
		return raw, nil
	}

	tconn := tls.Client(raw, clientTLSConfig(c.cfg.Security, c.cfg.Host))
	if err := tconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("%w: %v", ErrTLSHandshake, err)
	}
	return tconn, nil
}

// Disconnect closes the connection if one is open. It is idempotent and
// safe to call from any state.
func (c *Client) Disconnect() error {
	c.state = StateDisconnected
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.br = nil
	return err
}

// Close is Disconnect, for use with defer and io.Closer.
func (c *Client) Close() error {
	return c.Disconnect()
}

// Command sends text as a console command and returns the reassembled
// response as UTF-8 text.
//
// The end of a logical response is detected heuristically: after each
// physical packet the client waits up to PollInterval for further bytes
// and treats silence as completion. This assumes the server flushes a
// whole logical response at once; issuing overlapping commands on one
// connection breaks that assumption.
func (c *Client) Command(text string) (string, error) {
	body, err := c.exec(text, false)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// CommandBinary sends text as a console command and deserializes the
// reassembled response from msgpack. Each physical packet body carries
// one trailing NUL left over from text framing, which is stripped before
// the fragments are concatenated and decoded.
func (c *Client) CommandBinary(text string) (any, error) {
	body, err := c.exec(text, true)
	if err != nil {
		return nil, err
	}
	var v any
	if err := msgpack.Unmarshal(body, &v); err != nil {
		c.fail()
		return nil, fmt.Errorf("%w: msgpack: %v", ErrProtocol, err)
	}
	return v, nil
}

func (c *Client) exec(text string, stripBinary bool) ([]byte, error) {
	if c.state != StateAuthenticated {
		return nil, ErrNotConnected
	}
	c.log.Debug("command", "text", text)

	data, err := c.roundTrip(protocol.TypeCommand, []byte(text), stripBinary)
	if err != nil {
		c.fail()
		return nil, err
	}

	if d := c.commandDelay(); d > 0 {
		time.Sleep(d)
	}
	return data, nil
}

// roundTrip sends one request packet and reassembles the logical
// response: physical packets are read and accumulated until the
// pending-bytes poll observes an idle stream.
func (c *Client) roundTrip(t protocol.PacketType, body []byte, stripBinary bool) ([]byte, error) {
	err := protocol.WritePacket(c.conn, protocol.Packet{ID: 0, Type: t, Body: body})
	if err != nil {
		if errors.Is(err, protocol.ErrPacketTooLarge) {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return nil, fmt.Errorf("%w: send: %v", ErrConnection, err)
	}

	var data []byte
	for {
		p, err := c.readPacket()
		if err != nil {
			return nil, err
		}

		frag := p.Body
		if stripBinary && len(frag) > 0 {
			frag = frag[:len(frag)-1]
		}
		data = append(data, frag...)

		pending, err := c.pending()
		if err != nil {
			return nil, err
		}
		if !pending {
			return data, nil
		}
	}
}

// readPacket reads one physical packet, applying the configured read
// deadline and mapping failures onto the package error taxonomy. A
// request id of -1 is the server's authentication-failure sentinel and
// is surfaced regardless of the packet type.
func (c *Client) readPacket() (protocol.Packet, error) {
	var deadline time.Time
	if c.cfg.ReadTimeout > 0 {
		deadline = time.Now().Add(c.cfg.ReadTimeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return protocol.Packet{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	p, err := protocol.ReadPacket(c.br)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrBadPadding),
			errors.Is(err, protocol.ErrPacketTooSmall),
			errors.Is(err, protocol.ErrPacketTooLarge):
			return protocol.Packet{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		default:
			return protocol.Packet{}, fmt.Errorf("%w: read: %v", ErrConnection, err)
		}
	}

	if p.ID == protocol.AuthFailedID {
		return protocol.Packet{}, ErrAuthFailed
	}
	return p, nil
}

// pending reports whether more response bytes are already queued: either
// buffered locally ahead of the parser, or readable on the socket within
// PollInterval. This is the Go rendering of a zero-timeout select() and
// inherits its timing assumption; a response fragment delayed past the
// interval is mistaken for end-of-response.
func (c *Client) pending() (bool, error) {
	if c.br.Buffered() > 0 {
		return true, nil
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.pollInterval())); err != nil {
		return false, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	_, err := c.br.Peek(1)
	switch {
	case err == nil:
		return true, nil
	case isTimeout(err):
		return false, nil
	case errors.Is(err, io.EOF):
		// Stream closed cleanly at a packet boundary: the response is
		// complete. The next command will fail with ErrConnection.
		return false, nil
	default:
		return false, fmt.Errorf("%w: poll: %v", ErrConnection, err)
	}
}

// fail releases the socket and returns the client to the disconnected
// state. Every error path out of Connect and exec lands here so a broken
// connection never leaks its descriptor.
func (c *Client) fail() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.br = nil
	}
	c.state = StateDisconnected
}

func (c *Client) commandDelay() time.Duration {
	switch {
	case c.cfg.CommandDelay < 0:
		return 0
	case c.cfg.CommandDelay == 0:
		return DefaultCommandDelay
	default:
		return c.cfg.CommandDelay
	}
}

func (c *Client) pollInterval() time.Duration {
	if c.cfg.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return c.cfg.PollInterval
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// discardHandler is a no-op slog handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
