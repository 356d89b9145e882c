// Package peer owns the client side of one connection to one remote node.
// All exchanges on a connection are serialized behind an exclusive gate so
// concurrent logical operations can never interleave bytes on the stream.
package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"peermesh/internal/telemetry"
	"peermesh/internal/wire"
)

const (
	// DefaultDialTimeout bounds a single connect attempt.
	DefaultDialTimeout = 10 * time.Second
	// DefaultCallTimeout applies when the caller's context has no deadline.
	DefaultCallTimeout = 30 * time.Second
	// HealthCheckTimeout is deliberately short; a probe that takes longer
	// than this is as good as failed.
	HealthCheckTimeout = 5 * time.Second

	initialDialCooldown = 1 * time.Second
	maxDialCooldown     = 30 * time.Second
)

// ErrClosed is returned for calls on a connection after Close.
var ErrClosed = errors.New("peer: connection closed")

// ErrCooldown is returned when a call arrives before the dial cooldown from
// the previous failure has elapsed. It counts as a transport failure for
// that call; the record stays and a later probe retries.
var ErrCooldown = errors.New("peer: dial cooldown in effect")

// UnexpectedResponseError is a protocol failure: the remote answered a
// request with the wrong message type.
type UnexpectedResponseError struct {
	Want, Got wire.MsgType
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("peer: expected %v response, got %v", e.Want, e.Got)
}

// Conn is one logical connection to one remote node. It reconnects lazily:
// a failed exchange tears the transport down and the next call redials,
// subject to the cooldown. The zero Conn is not usable; use New.
type Conn struct {
	id   string
	addr string
	log  *zap.Logger

	dialTimeout time.Duration

	// mu is the exclusive gate: held for a full write-then-read exchange.
	mu sync.Mutex

	// connMu guards tc assignment so Close can reach the transport while an
	// exchange holds mu. Closing a net.Conn concurrently with Read/Write is
	// safe and is exactly how an in-flight call gets cancelled.
	connMu sync.Mutex
	tc     net.Conn

	token    atomic.Uint64
	closed   atomic.Bool
	cooldown *backoff
	nextDial time.Time
}

// New returns an unconnected Conn for the peer at addr. The first call
// dials.
func New(id, addr string, log *zap.Logger) *Conn {
	return &Conn{
		id:          id,
		addr:        addr,
		log:         log.Named("peer").With(zap.String("peer", id), zap.String("addr", addr)),
		dialTimeout: DefaultDialTimeout,
		cooldown:    newBackoff(initialDialCooldown, maxDialCooldown),
	}
}

// ID returns the remote node identity this connection belongs to.
func (c *Conn) ID() string { return c.id }

// Addr returns the remote address.
func (c *Conn) Addr() string { return c.addr }

// Token identifies the current transport connection. It changes only when a
// fresh dial succeeds, so equal tokens across calls mean the same underlying
// connection was reused.
func (c *Conn) Token() uint64 { return c.token.Load() }

// Connected reports whether a live transport exists right now.
func (c *Conn) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.tc != nil
}

// Close tears the connection down and interrupts any in-flight exchange.
// Subsequent calls fail with ErrClosed.
func (c *Conn) Close() error {
	c.closed.Store(true)
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.tc == nil {
		return nil
	}
	err := c.tc.Close()
	c.tc = nil
	return err
}

// Call sends one request and reads its matching response, holding the
// exclusive gate throughout. Any failure mid-exchange invalidates the
// stream: even a late response could not be trusted for framing, so the
// next call gets a fresh transport.
func (c *Conn) Call(ctx context.Context, send wire.MsgType, payload []byte, want wire.MsgType) ([]byte, error) {
	start := time.Now()
	resp, err := c.exchange(ctx, send, payload, want)
	telemetry.ObserveCall(send.String(), err, time.Since(start))
	return resp, err
}

// Send writes one message that expects no response (send-result,
// opaque-status). It still takes the gate so it cannot split another
// exchange.
func (c *Conn) Send(ctx context.Context, send wire.MsgType, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tc, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}
	restore, err := c.applyDeadline(ctx, tc)
	if err != nil {
		return err
	}
	defer restore()

	if err := wire.Encode(tc, send, payload); err != nil {
		c.teardown(tc, err)
		return fmt.Errorf("send %v to %s: %w", send, c.id, err)
	}
	return nil
}

// HealthCheck issues a health-check exchange with a short timeout and
// reports liveness. Errors are absorbed: an unhealthy answer and an
// unreachable peer look the same to the caller.
func (c *Conn) HealthCheck(ctx context.Context) bool {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, HealthCheckTimeout)
		defer cancel()
	}

	resp, err := c.Call(ctx, wire.MsgHealthCheckRequest, nil, wire.MsgHealthCheckResponse)
	if err != nil {
		c.log.Debug("health check failed", zap.Error(err))
		return false
	}
	var body wire.HealthCheckResponse
	if err := wire.DecodeJSON(resp, &body); err != nil {
		return false
	}
	return body.IsHealthy
}

func (c *Conn) exchange(ctx context.Context, send wire.MsgType, payload []byte, want wire.MsgType) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tc, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}
	restore, err := c.applyDeadline(ctx, tc)
	if err != nil {
		return nil, err
	}
	defer restore()

	if err := wire.Encode(tc, send, payload); err != nil {
		c.teardown(tc, err)
		return nil, fmt.Errorf("send %v to %s: %w", send, c.id, err)
	}

	gotType, resp, err := wire.Decode(tc)
	if err != nil {
		c.teardown(tc, err)
		return nil, fmt.Errorf("recv %v from %s: %w", want, c.id, err)
	}
	if gotType != want {
		err := &UnexpectedResponseError{Want: want, Got: gotType}
		c.teardown(tc, err)
		return nil, err
	}
	return resp, nil
}

// ensureConnected returns the live transport, dialing if needed. Caller
// holds mu.
func (c *Conn) ensureConnected(ctx context.Context) (net.Conn, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.connMu.Lock()
	tc := c.tc
	c.connMu.Unlock()
	if tc != nil {
		return tc, nil
	}

	if !c.nextDial.IsZero() && time.Now().Before(c.nextDial) {
		return nil, fmt.Errorf("dial %s: %w (until %s)", c.addr, ErrCooldown, c.nextDial.Format(time.RFC3339))
	}

	d := net.Dialer{Timeout: c.dialTimeout}
	tc, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.nextDial = time.Now().Add(c.cooldown.Next())
		return nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}

	c.connMu.Lock()
	if c.closed.Load() {
		c.connMu.Unlock()
		tc.Close()
		return nil, ErrClosed
	}
	c.tc = tc
	c.connMu.Unlock()

	if c.token.Add(1) > 1 {
		telemetry.ReconnectsTotal.Inc()
	}
	c.cooldown.Reset()
	c.nextDial = time.Time{}
	c.log.Debug("connected", zap.Uint64("token", c.token.Load()))
	return tc, nil
}

// applyDeadline maps the context onto socket deadlines and arranges for
// cancellation to interrupt a blocked read or write.
func (c *Conn) applyDeadline(ctx context.Context, tc net.Conn) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(DefaultCallTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := tc.SetDeadline(deadline); err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Force the blocked I/O to return immediately.
			tc.SetDeadline(time.Unix(1, 0))
		case <-stop:
		}
	}()
	return func() { close(stop) }, nil
}

// teardown drops the transport after a failed exchange. Framing and
// protocol failures differ from transport ones only in the log line; the
// remedy is the same.
func (c *Conn) teardown(tc net.Conn, cause error) {
	if wire.Fatal(cause) {
		c.log.Warn("protocol failure, dropping connection", zap.Error(cause))
	} else {
		c.log.Debug("transport failure, dropping connection", zap.Error(cause))
	}
	tc.Close()
	c.connMu.Lock()
	if c.tc == tc {
		c.tc = nil
	}
	c.connMu.Unlock()
	// No cooldown here: only failed dials back off. A slow-but-alive remote
	// gets a fresh connection on the very next call.
}

// IsTimeout reports whether err was a per-call timeout rather than a hard
// transport failure.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
