// Package stream is the websocket transport for the primary venue's public and
// authenticated event streams.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var (
	ErrReconnectExhausted = errors.New("stream reconnect attempts exhausted")
	ErrNoAuthenticator    = errors.New("private stream requires an authenticator")
	ErrClosed             = errors.New("stream client closed")
)

// Authenticator signs the stream authentication payload for the configured
// subaccount.
type Authenticator interface {
	SignStreamAuth(expirationMs uint64) (sender string, signature string, err error)
}

type Settings struct {
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	PingInterval         time.Duration
	AuthTTL              time.Duration
	// DialTimeout bounds the dial plus the auth and subscription replay.
	DialTimeout          time.Duration
}

type Client struct {
	url      string
	settings Settings
	auth     Authenticator
	log      *zap.Logger

	nextID atomic.Int64

	mu            sync.Mutex
	conn          *websocket.Conn
	subs          []Subscription
	routes        map[routeKey]chan<- Frame
	sent          map[routeKey]bool
	authenticated bool
	closed        bool
	dialing       chan struct{}
	cancelDial    context.CancelFunc
	onConnect     []func(context.Context) error
	onReconnect   func()
}

func New(url string, settings Settings, auth Authenticator, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if settings.ReconnectDelay <= 0 {
		settings.ReconnectDelay = time.Second
	}
	if settings.MaxReconnectDelay < settings.ReconnectDelay {
		settings.MaxReconnectDelay = settings.ReconnectDelay
	}
	if settings.AuthTTL <= 0 {
		settings.AuthTTL = 90 * time.Second
	}
	if settings.DialTimeout <= 0 {
		settings.DialTimeout = 10 * time.Second
	}
	return &Client{
		url:      url,
		settings: settings,
		auth:     auth,
		log:      log,
		routes:   make(map[routeKey]chan<- Frame),
		sent:     make(map[routeKey]bool),
	}
}

// OnConnect registers a hook run after every (re)connection, once all
// subscriptions have been resent and before inbound frames are dispatched.
func (c *Client) OnConnect(fn func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnReconnect is called each time a dropped connection is re-established.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = fn
}

// Connect dials the venue and replays authentication and every registered
// subscription. It is a no-op when already connected; a caller arriving while
// another dial is in flight waits for that dial. The dial runs outside c.mu
// and Disconnect cancels it.
func (c *Client) Connect(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if c.conn != nil {
			c.mu.Unlock()
			return nil
		}
		if wait := c.dialing; wait != nil {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		done := make(chan struct{})
		dialCtx, cancel := context.WithTimeout(ctx, c.settings.DialTimeout)
		c.dialing = done
		c.cancelDial = cancel
		subs := append([]Subscription(nil), c.subs...)
		c.mu.Unlock()

		conn, authed, err := c.handshake(dialCtx, subs)
		cancel()

		c.mu.Lock()
		c.dialing = nil
		c.cancelDial = nil
		close(done)
		if err == nil && c.closed {
			_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
			err = ErrClosed
		}
		if err == nil {
			c.conn = conn
			c.authenticated = authed
			c.sent = make(map[routeKey]bool, len(subs))
			for _, sub := range subs {
				c.sent[sub.key()] = true
			}
		}
		c.mu.Unlock()
		return err
	}
}

func (c *Client) handshake(ctx context.Context, subs []Subscription) (*websocket.Conn, bool, error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(1 << 22)
	authed := false
	for _, sub := range subs {
		if sub.Type.Private() && !authed {
			if err := c.authenticate(ctx, conn); err != nil {
				_ = conn.Close(websocket.StatusInternalError, "auth failed")
				return nil, false, err
			}
			authed = true
		}
		if err := c.writeJSON(ctx, conn, request{Method: "subscribe", Stream: &sub, ID: c.nextID.Add(1)}); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
			return nil, false, err
		}
	}
	return conn, authed, nil
}

// Subscribe registers sub and routes its frames to out. When disconnected the
// subscription is queued and a connection is opened first.
func (c *Client) Subscribe(ctx context.Context, sub Subscription, out chan<- Frame) error {
	if sub.Type.Private() && c.auth == nil {
		return ErrNoAuthenticator
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, exists := c.routes[sub.key()]; !exists {
		c.subs = append(c.subs, sub)
	}
	c.routes[sub.key()] = out
	c.mu.Unlock()
	if err := c.Connect(ctx); err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.settings.DialTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.sent[sub.key()] {
		// dropped in between (Run replays it) or already sent by the dial
		return nil
	}
	if sub.Type.Private() && !c.authenticated {
		if err := c.authenticate(writeCtx, c.conn); err != nil {
			return err
		}
		c.authenticated = true
	}
	if err := c.writeJSON(writeCtx, c.conn, request{Method: "subscribe", Stream: &sub, ID: c.nextID.Add(1)}); err != nil {
		return err
	}
	c.sent[sub.key()] = true
	return nil
}

func (c *Client) Unsubscribe(ctx context.Context, sub Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.routes, sub.key())
	delete(c.sent, sub.key())
	kept := c.subs[:0]
	for _, s := range c.subs {
		if s.key() != sub.key() {
			kept = append(kept, s)
		}
	}
	c.subs = kept
	if c.conn == nil {
		return nil
	}
	return c.writeJSON(ctx, c.conn, request{Method: "unsubscribe", Stream: &sub, ID: c.nextID.Add(1)})
}

// Subscriptions returns the active subscription set.
func (c *Client) Subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Subscription(nil), c.subs...)
}

// Run reads and dispatches frames until ctx is done or Disconnect is called,
// reconnecting with exponential backoff. It returns ErrReconnectExhausted once
// MaxReconnectAttempts consecutive attempts fail.
func (c *Client) Run(ctx context.Context) error {
	failures := 0
	dropped := false
	for {
		if c.isClosed() {
			return nil
		}
		err := c.Connect(ctx)
		if err == nil {
			if dropped {
				c.notifyReconnect()
				c.log.Info("stream reconnected", zap.String("url", c.url))
			}
			if err = c.runHooks(ctx); err == nil {
				var got bool
				got, err = c.serve(ctx)
				if got {
					failures = 0
				}
			}
		}
		if ctx.Err() != nil {
			c.resetConn()
			return ctx.Err()
		}
		if c.isClosed() {
			return nil
		}
		c.logReadLoopError(err)
		c.resetConn()
		dropped = true
		failures++
		if c.settings.MaxReconnectAttempts > 0 && failures > c.settings.MaxReconnectAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, failures-1, err)
		}
		delay := Backoff(c.settings.ReconnectDelay, c.settings.MaxReconnectDelay, failures)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Disconnect closes the socket, aborts any dial in flight and stops Run.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cancelDial != nil {
		c.cancelDial()
	}
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(websocket.StatusNormalClosure, "shutdown")
	c.conn = nil
	return err
}

// Backoff doubles base per attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// serve reports whether at least one frame was read on this connection.
func (c *Client) serve(ctx context.Context) (bool, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false, errors.New("stream not connected")
	}
	pingCtx, cancel := context.WithCancel(ctx)
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		c.pingLoop(pingCtx, conn)
	}()
	defer func() {
		cancel()
		<-pingDone
	}()
	got := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return got, err
		}
		got = true
		if err := c.dispatch(ctx, data); err != nil {
			return got, err
		}
	}
}

func (c *Client) dispatch(ctx context.Context, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.log.Debug("stream frame decode failed", zap.Error(err))
		return nil
	}
	if len(env.Error) > 0 && string(env.Error) != "null" {
		c.log.Warn("stream request rejected", zap.ByteString("error", env.Error))
		return nil
	}
	if env.Type == "" {
		return nil
	}
	c.mu.Lock()
	out, ok := c.routes[routeKey{streamType: env.Type, productID: env.ProductID}]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	frame := Frame{Type: env.Type, ProductID: env.ProductID, Received: time.Now(), Raw: json.RawMessage(data)}
	select {
	case out <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	interval := c.settings.PingInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("stream ping failed", zap.Error(err))
					_ = conn.Close(websocket.StatusGoingAway, "ping timeout")
				}
				return
			}
		}
	}
}

func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) error {
	if c.auth == nil {
		return ErrNoAuthenticator
	}
	expiration := uint64(time.Now().Add(c.settings.AuthTTL).UnixMilli())
	sender, sig, err := c.auth.SignStreamAuth(expiration)
	if err != nil {
		return fmt.Errorf("sign stream auth: %w", err)
	}
	req := authRequest{
		Method:    "authenticate",
		ID:        c.nextID.Add(1),
		Tx:        authTx{Sender: sender, Expiration: strconv.FormatUint(expiration, 10)},
		Signature: sig,
	}
	return c.writeJSON(ctx, conn, req)
}

func (c *Client) runHooks(ctx context.Context) error {
	c.mu.Lock()
	hooks := append([]func(context.Context) error(nil), c.onConnect...)
	c.mu.Unlock()
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) notifyReconnect() {
	c.mu.Lock()
	fn := c.onReconnect
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) logReadLoopError(err error) {
	if err == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		c.log.Info("stream read loop ended", zap.Error(err))
		return
	}
	c.log.Warn("stream read loop ended", zap.Error(err))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
	c.authenticated = false
	c.sent = make(map[routeKey]bool)
}

func (c *Client) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
