// Package transport carries a live voice session over one websocket.
//
// Text frames hold JSON control messages (see package protocol); binary frames
// hold raw little-endian PCM16 audio. A [Transport] owns at most one
// connection at a time. Opening a new one closes the previous connection
// first, and the two are never mixed.
//
// Faults never surface as panics or returned errors to the session logic:
// malformed inbound JSON becomes a synthetic [protocol.Error], and socket
// failures are reported through [Handlers]. Sending while no connection is
// open is a silent no-op. The transport never reconnects on its own.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/raksha/internal/observe"
	"github.com/MrWong99/raksha/internal/protocol"
	"github.com/MrWong99/raksha/pkg/audio"
)

// ErrNotOpen is returned by the send methods when no connection is open.
// Callers treat it as a no-op.
var ErrNotOpen = errors.New("transport: not open")

// Defaults.
const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultReadLimit    = 1 << 20
)

// Handlers receive inbound traffic and lifecycle notifications. All callbacks
// run on the connection's read goroutine, in arrival order, and must not
// block for long. Nil handlers are skipped.
type Handlers struct {
	// OnEvent receives every decoded control message.
	OnEvent func(protocol.Event)

	// OnAudio receives each binary payload. The slice is owned by the callee.
	OnAudio func([]byte)

	// OnError reports a socket failure. It is followed by OnClose.
	OnError func(error)

	// OnClose reports that the peer or the network ended the connection. err
	// is nil for a normal closure. It is not called after [Transport.Close].
	OnClose func(error)
}

// Transport is the session's duplex channel. It is safe for concurrent use.
type Transport struct {
	dialTimeout  time.Duration
	writeTimeout time.Duration
	readLimit    int64
	header       http.Header
	metrics      *observe.Metrics

	mu   sync.Mutex
	conn *connection
}

// Option is a functional option for [New].
type Option func(*Transport)

// WithDialTimeout bounds the websocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.dialTimeout = d
		}
	}
}

// WithWriteTimeout bounds each outbound write.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.writeTimeout = d
		}
	}
}

// WithReadLimit sets the maximum inbound message size in bytes.
func WithReadLimit(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.readLimit = n
		}
	}
}

// WithHTTPHeader adds headers to the websocket handshake request.
func WithHTTPHeader(h http.Header) Option {
	return func(t *Transport) {
		t.header = h.Clone()
	}
}

// WithMetrics records inbound events and socket errors on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transport) {
		t.metrics = m
	}
}

// New creates a Transport with no open connection.
func New(opts ...Option) *Transport {
	t := &Transport{
		dialTimeout:  DefaultDialTimeout,
		writeTimeout: DefaultWriteTimeout,
		readLimit:    DefaultReadLimit,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// BuildURL appends the user_id and timezone query parameters to base. The
// values are passed through as given.
func BuildURL(base, userID, timezone string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("transport: parse url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	q.Set("timezone", timezone)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open dials address and starts delivering inbound traffic to h. Any
// previously open connection is closed first, as by [Transport.Close].
func (t *Transport) Open(ctx context.Context, address string, h Handlers) error {
	t.Close()

	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, address, &websocket.DialOptions{
		HTTPHeader: t.header,
	})
	if err != nil {
		t.recordError(ctx, "dial")
		return fmt.Errorf("transport: dial: %w", err)
	}
	ws.SetReadLimit(t.readLimit)

	connCtx, connCancel := context.WithCancel(context.Background())
	c := &connection{
		ws:     ws,
		ctx:    connCtx,
		cancel: connCancel,
		h:      h,
		t:      t,
	}

	// A caller that gave up while the handshake finished must not end up
	// with a live socket: the check and the store share the lock with Close.
	t.mu.Lock()
	if err := ctx.Err(); err != nil {
		t.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "dial abandoned")
		connCancel()
		return fmt.Errorf("transport: dial: %w", err)
	}
	prev := t.conn
	t.conn = c
	t.mu.Unlock()
	if prev != nil {
		prev.shut()
	}

	go c.readLoop()
	return nil
}

// IsOpen reports whether a connection is currently open.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// SendEvent writes a control message. It returns [ErrNotOpen] when no
// connection is open. A failed write tears the connection down and is
// reported through OnError and OnClose as well as returned.
func (t *Transport) SendEvent(ev protocol.Outbound) error {
	c := t.current()
	if c == nil {
		slog.Debug("transport: dropping event, not open", "type", protocol.OutboundType(ev))
		return ErrNotOpen
	}
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	return c.write(websocket.MessageText, data)
}

// SendAudio writes one PCM16 frame as a binary message. Empty frames are
// skipped.
func (t *Transport) SendAudio(frame audio.AudioFrame) error {
	if frame.Len() == 0 {
		return nil
	}
	c := t.current()
	if c == nil {
		return ErrNotOpen
	}
	return c.write(websocket.MessageBinary, audio.EncodePCM16(frame))
}

// Close sends stop_session, then closes the connection normally. Handlers
// are not invoked for a local close. Close is idempotent and later sends are
// no-ops.
func (t *Transport) Close() {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()
	if c != nil {
		c.shut()
	}
}

// shut sends stop_session and closes the socket without invoking handlers.
func (c *connection) shut() {
	c.closing.Store(true)
	data, err := protocol.Encode(protocol.StopSession{})
	if err == nil {
		if err := c.writeRaw(websocket.MessageText, data); err != nil {
			slog.Debug("transport: stop_session not delivered", "err", err)
		}
	}
	_ = c.ws.Close(websocket.StatusNormalClosure, "session closed")
	c.cancel()
}

func (t *Transport) current() *connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// detach forgets c if it is still the current connection.
func (t *Transport) detach(c *connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == c {
		t.conn = nil
	}
}

func (t *Transport) recordError(ctx context.Context, op string) {
	if t.metrics != nil {
		t.metrics.RecordTransportError(ctx, op)
	}
}

func (t *Transport) recordEvent(ctx context.Context, typ string) {
	if t.metrics != nil {
		t.metrics.RecordInboundEvent(ctx, typ)
	}
}

// connection is one websocket plus its read goroutine.
type connection struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	h      Handlers
	t      *Transport

	// closing is set by a local Close; the read loop then exits silently.
	closing atomic.Bool

	// writeErr holds the first write failure so the read loop can report it
	// instead of the derived read error.
	writeErr atomic.Pointer[error]
}

func (c *connection) writeRaw(typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.t.writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, typ, data)
}

func (c *connection) write(typ websocket.MessageType, data []byte) error {
	err := c.writeRaw(typ, data)
	if err == nil || c.closing.Load() {
		return err
	}
	err = fmt.Errorf("transport: write: %w", err)
	c.t.recordError(c.ctx, "write")
	if c.writeErr.CompareAndSwap(nil, &err) {
		// The read loop reports the failure and unblocks once the socket is gone.
		_ = c.ws.Close(websocket.StatusInternalError, "write failed")
	}
	return err
}

// readLoop reads messages until the connection ends. It owns the handler
// invocations for this connection.
func (c *connection) readLoop() {
	defer c.cancel()

	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.finish(err)
			return
		}
		if c.closing.Load() {
			return
		}
		switch typ {
		case websocket.MessageText:
			c.dispatchText(data)
		case websocket.MessageBinary:
			if c.h.OnAudio != nil {
				c.h.OnAudio(data)
			}
		}
	}
}

func (c *connection) dispatchText(data []byte) {
	ev, err := protocol.Decode(data)
	if err != nil {
		slog.Warn("transport: invalid server message", "err", err, "bytes", len(data))
		c.t.recordError(c.ctx, "decode")
		ev = protocol.Error{Message: protocol.InvalidMessage}
	} else {
		c.t.recordEvent(c.ctx, protocol.TypeOf(ev))
	}
	if c.h.OnEvent != nil {
		c.h.OnEvent(ev)
	}
}

// finish reports the end of a connection that was not closed locally.
func (c *connection) finish(readErr error) {
	c.t.detach(c)
	if c.closing.Load() {
		return
	}

	if p := c.writeErr.Load(); p != nil {
		c.reportError(*p)
		return
	}

	switch websocket.CloseStatus(readErr) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		if c.h.OnClose != nil {
			c.h.OnClose(nil)
		}
	default:
		c.t.recordError(c.ctx, "read")
		c.reportError(fmt.Errorf("transport: read: %w", readErr))
	}
}

func (c *connection) reportError(err error) {
	if c.h.OnError != nil {
		c.h.OnError(err)
	}
	if c.h.OnClose != nil {
		c.h.OnClose(err)
	}
}
