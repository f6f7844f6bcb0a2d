package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/fedrun/api"
	"github.com/BaSui01/fedrun/internal/eventbus"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("stream: client closed")

// Handler receives events in arrival order. It runs on the read loop and
// must not block.
type Handler func(ev eventbus.Event)

// Callbacks observe the connection lifecycle. Every field is optional.
type Callbacks struct {
	// OnConnecting fires before each dial; delay is the wait that preceded it.
	OnConnecting func(attempt int, delay time.Duration)
	// OnOpened fires when the websocket handshake succeeded.
	OnOpened func()
	// OnConnected fires when every topic has been acknowledged.
	OnConnected func()
	OnClosed    func(err error)
	OnError     func(err error)
}

// ReconnectObserver counts reconnect attempts.
type ReconnectObserver interface {
	RecordReconnectAttempt()
}

// Client is one event-stream subscription. Its token and topics are fixed;
// a changed credential means building a new Client.
type Client struct {
	url     string
	token   string
	topics  []string
	handler Handler

	policy       ReconnectPolicy
	pingInterval time.Duration
	pingTimeout  time.Duration
	httpClient   *http.Client
	callbacks    Callbacks
	observer     ReconnectObserver
	logger       *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	closed  bool
	attempt int
}

type Option func(*Client)

func WithPolicy(p ReconnectPolicy) Option {
	return func(c *Client) { c.policy = p }
}

// WithPingInterval sets the keep-alive period. Zero disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) { c.pingInterval = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithCallbacks(cb Callbacks) Option {
	return func(c *Client) { c.callbacks = cb }
}

func WithReconnectObserver(o ReconnectObserver) Option {
	return func(c *Client) { c.observer = o }
}

// NewClient subscribes to topics at url once Run is called.
func NewClient(url, token string, topics []string, handler Handler, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		url:          url,
		token:        token,
		topics:       append([]string(nil), topics...),
		handler:      handler,
		policy:       DefaultReconnectPolicy(),
		pingInterval: 15 * time.Second,
		pingTimeout:  10 * time.Second,
		logger:       logger.With(zap.String("component", "event_stream"), zap.String("url", url)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Topics returns the subscribed topics.
func (c *Client) Topics() []string { return append([]string(nil), c.topics...) }

// Attempt returns the current reconnect attempt counter.
func (c *Client) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// Run connects and keeps reconnecting until ctx ends or Close is called.
// It never gives up on its own.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	var delay time.Duration
	for {
		c.connecting(delay)
		err := c.session(ctx)
		if ctx.Err() != nil {
			return c.stopErr(ctx)
		}
		c.closedWith(err)

		c.mu.Lock()
		attempt := c.attempt
		c.attempt++
		c.mu.Unlock()
		delay = c.policy.Delay(attempt)
		if c.observer != nil {
			c.observer.RecordReconnectAttempt()
		}
		c.logger.Info("reconnecting",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return c.stopErr(ctx)
		case <-timer.C:
		}
	}
}

func (c *Client) stopErr(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	return ctx.Err()
}

// Close stops Run and drops the connection. It is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) session(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			err = fmt.Errorf("event stream rejected credential (HTTP %d): %w", resp.StatusCode, err)
		}
		c.fail(err)
		return err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 << 20)
	c.logger.Debug("event stream opened")
	if c.callbacks.OnOpened != nil {
		c.callbacks.OnOpened()
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.pingInterval > 0 {
		go c.keepAlive(sessCtx, conn)
	}

	for _, topic := range c.topics {
		data, err := json.Marshal(api.ClientFrame{Type: api.FrameSubscribe, Topic: topic})
		if err != nil {
			return err
		}
		if err := conn.Write(sessCtx, websocket.MessageText, data); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	pending := make(map[string]bool, len(c.topics))
	for _, t := range c.topics {
		pending[t] = true
	}
	if len(pending) == 0 {
		c.connected()
	}
	for {
		_, data, err := conn.Read(sessCtx)
		if err != nil {
			return err
		}
		var frame api.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("malformed frame from central", zap.Error(err))
			continue
		}
		switch frame.Type {
		case api.FrameAck:
			if pending[frame.Topic] {
				delete(pending, frame.Topic)
				if len(pending) == 0 {
					c.connected()
				}
			}
		case api.FrameEvent:
			if c.handler != nil {
				c.handler(eventbus.Event{
					ID:        frame.ID,
					Topic:     frame.Topic,
					Payload:   frame.Payload,
					Timestamp: frame.TS,
				})
			}
		case api.FrameError:
			c.fail(fmt.Errorf("central: %s (topic %q)", frame.Message, frame.Topic))
		default:
			c.logger.Debug("ignoring frame", zap.String("type", frame.Type))
		}
	}
}

// keepAlive pings on a fixed interval and drops the connection on a missed
// pong so the read loop notices a silently dead socket.
func (c *Client) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
		err := conn.Ping(pctx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("keep-alive ping failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "ping timeout")
			}
			return
		}
	}
}

func (c *Client) connecting(delay time.Duration) {
	attempt := c.Attempt()
	c.logger.Debug("connecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
	if c.callbacks.OnConnecting != nil {
		c.callbacks.OnConnecting(attempt, delay)
	}
}

// connected resets the attempt counter.
func (c *Client) connected() {
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
	c.logger.Info("event stream connected", zap.Strings("topics", c.topics))
	if c.callbacks.OnConnected != nil {
		c.callbacks.OnConnected()
	}
}

func (c *Client) closedWith(err error) {
	c.logger.Info("event stream closed", zap.Error(err))
	if c.callbacks.OnClosed != nil {
		c.callbacks.OnClosed(err)
	}
}

func (c *Client) fail(err error) {
	c.logger.Warn("event stream error", zap.Error(err))
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(err)
	}
}
