package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hexaline/weighbridge/config"
)

// Failure sentinels. The client retries reads internally; callers see these
// only on Send or when a session explicitly requires a live link.
var (
	ErrConnect   = errors.New("transport: connect failed")
	ErrRead      = errors.New("transport: read failed")
	ErrWrite     = errors.New("transport: write failed")
	ErrCancelled = errors.New("transport: cancelled")
	ErrClosed    = errors.New("transport: closed")
)

// State describes the link to the serial-to-Ethernet converter.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// DataFunc receives raw chunks with their reception timestamp.
type DataFunc func(data []byte, ts time.Time)

// StateFunc receives link state transitions.
type StateFunc func(state State)

// Transport is the byte-transparent contract the discovery engine and the
// runtime ingest loop consume. No framing logic lives behind it.
type Transport interface {
	Subscribe(fn DataFunc) (cancel func())
	SubscribeState(fn StateFunc) (cancel func())
	Send(ctx context.Context, data []byte) error
	State() State
}

// Client maintains a raw-TCP connection with bounded exponential backoff
// reconnects. Byte chunks fan out to subscribers in arrival order.
type Client struct {
	cfg  config.TransportConfig
	addr string

	mu     sync.RWMutex
	conn   net.Conn
	state  State
	closed atomic.Bool

	subMu     sync.RWMutex
	nextSubID int64
	dataSubs  map[int64]DataFunc
	stateSubs map[int64]StateFunc

	randMu sync.Mutex
	rand   *rand.Rand

	stopCh   chan struct{}
	stopOnce sync.Once
	runWG    sync.WaitGroup
}

// NewClient builds a client for the configured endpoint. Run must be called
// to open the link.
func NewClient(cfg config.TransportConfig) *Client {
	return &Client{
		cfg:       cfg,
		addr:      net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		state:     StateDisconnected,
		dataSubs:  make(map[int64]DataFunc),
		stateSubs: make(map[int64]StateFunc),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:    make(chan struct{}),
	}
}

// Subscribe registers a data callback; the returned cancel detaches it.
func (c *Client) Subscribe(fn DataFunc) (cancel func()) {
	c.subMu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.dataSubs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.dataSubs, id)
		c.subMu.Unlock()
	}
}

// SubscribeState registers a state callback; the returned cancel detaches it.
func (c *Client) SubscribeState(fn StateFunc) (cancel func()) {
	c.subMu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.stateSubs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.stateSubs, id)
		c.subMu.Unlock()
	}
}

// State returns the current link state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Run connects and pumps bytes until ctx is done or Close is called.
// Read failures trigger reconnection with bounded exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	c.runWG.Add(1)
	defer c.runWG.Done()
	attempt := 0
	for {
		if err := c.checkDone(ctx); err != nil {
			return err
		}
		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			c.setState(StateDisconnected)
			attempt++
			if !c.sleepBackoff(ctx, attempt) {
				return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
			continue
		}
		attempt = 0
		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.mu.Unlock()
		c.notifyState(StateConnected)

		err = c.readLoop(ctx, conn)
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
		c.setState(StateDisconnected)
		if errors.Is(err, context.Canceled) || c.closed.Load() {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		attempt++
		if !c.sleepBackoff(ctx, attempt) {
			return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
	}
}

func (c *Client) checkDone(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case <-c.stopCh:
		return ErrClosed
	default:
		return nil
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn) error {
	size := c.cfg.ReadBufferSize
	if size <= 0 {
		size = config.DefaultReadBufferSize
	}
	buf := make([]byte, size)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return ErrClosed
		default:
		}
		// Deadline keeps the loop responsive to cancellation.
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.notifyData(chunk, time.Now().UTC())
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("%w: %v", ErrRead, err)
		}
	}
}

// Send transmits bytes on the live connection. Used for a template's
// request-weight and recovery commands.
func (c *Client) Send(ctx context.Context, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrWrite)
	}
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// Close stops the run loop and drops the connection.
func (c *Client) Close() error {
	c.stopOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopCh)
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
	c.runWG.Wait()
	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.notifyState(s)
	}
}

func (c *Client) notifyData(data []byte, ts time.Time) {
	c.subMu.RLock()
	subs := make([]DataFunc, 0, len(c.dataSubs))
	for _, fn := range c.dataSubs {
		subs = append(subs, fn)
	}
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(data, ts)
	}
}

func (c *Client) notifyState(s State) {
	c.subMu.RLock()
	subs := make([]StateFunc, 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		subs = append(subs, fn)
	}
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(s)
	}
}

// sleepBackoff waits the bounded exponential backoff delay for attempt,
// returning false when cancelled.
func (c *Client) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := c.backoffDelay(attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	base := c.cfg.ReconnectBaseDelay
	max := c.cfg.ReconnectMaxDelay
	if base <= 0 {
		base = config.DefaultReconnectBaseDelay
	}
	if max <= 0 {
		max = config.DefaultReconnectMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > max || delay <= 0 {
		delay = max
	}
	// Half-jitter keeps reconnect storms from synchronizing.
	c.randMu.Lock()
	jitter := time.Duration(c.rand.Float64() * float64(delay) / 2)
	c.randMu.Unlock()
	return delay/2 + jitter
}

var _ Transport = (*Client)(nil)
