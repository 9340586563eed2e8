// Package pgclient implements a PostgreSQL v3 frontend/backend wire
// protocol client: connection handshake and authentication, the binary
// frame codec, a runtime-loaded type registry driving the value codecs, and
// an extended-query pipeline with streaming results and cancellation.
package pgclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pgstream/pgclient/codes"
	"github.com/pgstream/pgclient/internal/errs"
	"github.com/pgstream/pgclient/internal/frame"
	"github.com/pgstream/pgclient/internal/protocol"
	"github.com/pgstream/pgclient/typeregistry"
)

// frameMsg is a fully-buffered server message handed from the dispatcher to
// whichever goroutine currently holds the turn lock.
type frameMsg struct {
	tag  protocol.ServerMessage
	body []byte
}

// newBodyReader wraps an already-buffered message body so the Get*
// accessors on frame.Reader can parse it the same way they parse a message
// fresh off the socket.
func newBodyReader(body []byte) *frame.Reader {
	return &frame.Reader{Msg: body}
}

// Connection is a single, non-pooled session against a PostgreSQL server.
// A Connection serialises extended-query round trips through turnLock but
// lets ParameterStatus/NoticeResponse/NotificationResponse traffic flow
// independently of whatever query is currently in flight.
type Connection struct {
	conn   net.Conn
	reader *frame.Reader
	writer *frame.Writer
	logger *slog.Logger

	registry *typeregistry.Registry
	metrics  *Metrics
	notice   func(*PgError)

	lock *turnLock
	resp *pipe[frameMsg]

	// closed settles exactly once, with nil for a graceful Close and a
	// non-nil error when the server sent a FATAL/PANIC ErrorResponse or the
	// transport died unexpectedly. Everything still waiting on the
	// connection (a blocked lock acquisition, a pending reply) rejects with
	// ErrConnectionClosed; the value closed resolves to is what Err reports.
	closed *deferred[error]

	backendPID    int32
	backendSecret int32

	paramsMu sync.RWMutex
	params   map[string]string

	listenMu sync.Mutex
	channels map[string]*listenerSet

	closeOnce sync.Once
}

// Notification is a single LISTEN/NOTIFY delivery.
type Notification struct {
	Channel string
	Payload string
	PID     int32
}

// Connect dials cfg's address, runs the startup handshake (including an
// optional TLS upgrade and authentication), loads the type registry, and
// returns a ready Connection.
func Connect(ctx context.Context, cfg ConnectConfig, opts ...OptionFn) (*Connection, error) {
	if cfg.Database == "" {
		cfg.Database = cfg.Username
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.ApplicationName == "" {
		options.ApplicationName = cfg.ApplicationName
	}

	dialCtx := ctx
	if options.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, options.ConnectTimeout)
		defer cancel()
	}

	tlsCfg, err := tlsConfigFor(cfg, options)
	if err != nil {
		return nil, err
	}
	options.TLSConfig = tlsCfg

	rawConn, err := dial(dialCtx, cfg)
	if err != nil {
		return nil, err
	}
	if dl, ok := dialCtx.Deadline(); ok {
		_ = rawConn.SetDeadline(dl)
	}

	c := &Connection{
		logger:   options.Logger,
		registry: typeregistry.New(),
		metrics:  options.Metrics,
		notice:   options.NoticeHandler,
		lock:     newTurnLock(),
		resp:     newPipe[frameMsg](),
		closed:   newDeferred[error](),
		params:   make(map[string]string),
		channels: make(map[string]*listenerSet),
	}

	netConn, reader, writer, err := c.handshake(dialCtx, rawConn, cfg, options)
	if err != nil {
		rawConn.Close()
		return nil, err
	}
	_ = netConn.SetDeadline(time.Time{})

	c.conn = netConn
	c.reader = reader
	c.writer = writer

	if err := c.assertServerEncoding(); err != nil {
		c.conn.Close()
		return nil, err
	}

	go c.dispatch()

	if err := c.reloadTypes(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("load type registry: %w", err)
	}

	return c, nil
}

// assertServerEncoding enforces the two ParameterStatus invariants this
// client depends on: binary timestamps require integer_datetimes=on (the
// default on every server since 9.0, but explicitly checked rather than
// assumed), and every text codec assumes UTF-8.
func (c *Connection) assertServerEncoding() error {
	if v, _ := c.Parameter("integer_datetimes"); v != "on" {
		return errs.WithCode(fmt.Errorf("pgclient: server reports integer_datetimes=%q, this client requires \"on\"", v), codes.FeatureNotSupported)
	}
	if v, _ := c.Parameter("client_encoding"); v != "" && v != "UTF8" {
		return errs.WithCode(fmt.Errorf("pgclient: server reports client_encoding=%q, this client requires UTF8", v), codes.FeatureNotSupported)
	}
	return nil
}

// Close terminates the connection, sending a Terminate message if the
// socket is still writable, and releases every goroutine blocked waiting on
// a reply.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writer.Start(protocol.ClientTerminate)
		_ = c.writer.End()
		// Settle the latch before tearing down the socket so the read loop
		// observes a deliberate close rather than a surprising read error.
		c.closed.resolve(nil)
		err = c.conn.Close()
	})
	return err
}

// Done returns a channel that closes once the connection has terminated,
// gracefully or otherwise. Call Err after it closes to find out which.
func (c *Connection) Done() <-chan struct{} { return c.closed.ch() }

// Err returns the error the connection terminated with, or nil if Close was
// called before any protocol-level failure occurred, or if the connection
// is still open.
func (c *Connection) Err() error {
	select {
	case <-c.closed.ch():
		return c.closed.wait()
	default:
		return nil
	}
}

// BackendPID returns the server process ID reported in BackendKeyData, used
// to address out-of-band cancel requests.
func (c *Connection) BackendPID() int32 { return c.backendPID }

func (c *Connection) setParam(key, value string) {
	c.paramsMu.Lock()
	defer c.paramsMu.Unlock()
	c.params[key] = value
}

// Parameter returns the last ParameterStatus value reported for key.
func (c *Connection) Parameter(key string) (string, bool) {
	c.paramsMu.RLock()
	defer c.paramsMu.RUnlock()
	v, ok := c.params[key]
	return v, ok
}

// Parameters returns a snapshot of every server parameter reported so far.
func (c *Connection) Parameters() map[string]string {
	c.paramsMu.RLock()
	defer c.paramsMu.RUnlock()
	out := make(map[string]string, len(c.params))
	for k, v := range c.params {
		out[k] = v
	}
	return out
}

// Registry exposes the connection's live type catalogue, e.g. for callers
// constructing typeregistry.Value parameters for composite/enum OIDs looked
// up by name.
func (c *Connection) Registry() *typeregistry.Registry { return c.registry }
