package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/esp32panel/panel-core/internal/infrastructure/config"
)

// Client owns one broker session on top of paho.mqtt.golang.
//
// It provides connection management with an explicit state machine
// (see ConnectionState), message publishing, subscription handling and an
// optional bounded backoff reconnect policy.
//
// Every connect attempt opens a new generation. Disconnect bumps the generation,
// so results and callbacks belonging to an older session are discarded: a late
// connect success after Disconnect never resurrects the session, and message or
// connection-lost callbacks from the old transport are ignored.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Subscriptions are automatically restored on reconnection.
type Client struct {
	cfg       config.MQTTConfig
	clientID  string
	newClient ClientFactory

	// mu guards the session fields below.
	mu              sync.Mutex
	client          pahomqtt.Client
	state           ConnectionState
	generation      uint64
	lastErr         error
	cancelAttempt   context.CancelFunc
	cancelReconnect context.CancelFunc

	// subscriptions tracks active subscriptions for re-subscription on reconnect.
	subscriptions map[string]subscription
	subMu         sync.RWMutex

	onConnectionLost func(err error)
	onStateChange    func(state ConnectionState)
	callbackMu       sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// ClientFactory creates the underlying paho client for one connect attempt.
type ClientFactory func(opts *pahomqtt.ClientOptions) pahomqtt.Client

// Option configures a Client.
type Option func(*Client)

// WithClientFactory replaces pahomqtt.NewClient. Tests use it to inject a fake transport.
func WithClientFactory(factory ClientFactory) Option {
	return func(c *Client) {
		c.newClient = factory
	}
}

// WithLogger sets the logger used for connection and handler diagnostics.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// subscription holds subscription details for re-subscription on reconnect.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// Handlers run on paho's delivery goroutine, one at a time in arrival order.
// They must return promptly; hand work off instead of blocking.
//
// Returns:
//   - error: Logged but does not affect message acknowledgment
type MessageHandler func(topic string, payload []byte) error

// NewClient creates a disconnected Client for the configured broker.
//
// The client identifier is taken from cfg.Broker.ClientID, or generated once
// per Client when empty.
func NewClient(cfg config.MQTTConfig, opts ...Option) *Client {
	c := &Client{
		cfg:           cfg,
		clientID:      cfg.Broker.ClientID,
		newClient:     pahomqtt.NewClient,
		state:         StateDisconnected,
		subscriptions: make(map[string]subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clientID == "" {
		c.clientID = generateClientID()
	}
	return c
}

// Connect attempts a clean session with the configured broker.
//
// The state moves to Connecting and then to Connected or back to Disconnected.
// Transport and authentication failures never escape as errors or panics: they
// are recorded (see LastError) and reported through the returned state.
//
// Calling Connect while Connecting or Connected returns the current state.
// The attempt is bounded by the configured connect timeout and by ctx.
func (c *Client) Connect(ctx context.Context) ConnectionState {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		state := c.state
		c.mu.Unlock()
		return state
	}
	if err := ctx.Err(); err != nil {
		state := c.state
		c.lastErr = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		c.mu.Unlock()
		return state
	}

	c.generation++
	gen := c.generation

	opts := buildClientOptions(c.cfg, c.clientID)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleConnectionLost(gen, err)
	})

	transport := c.newClient(opts)
	attemptCtx, cancel := context.WithTimeout(ctx, connectTimeout(c.cfg))
	c.client = transport
	c.cancelAttempt = cancel
	c.state = StateConnecting
	c.mu.Unlock()

	c.emitState(StateConnecting)
	c.log().Info("connecting to MQTT broker",
		"broker", c.cfg.BrokerAddress(),
		"client_id", c.clientID,
	)

	token := transport.Connect()
	err := waitToken(attemptCtx, token)
	cancel()

	c.mu.Lock()
	if c.generation != gen {
		// Superseded by Disconnect while waiting.
		state := c.state
		c.mu.Unlock()
		c.log().Debug("discarding superseded connect attempt", "client_id", c.clientID)
		c.closeWhenDone(transport, token)
		return state
	}

	c.cancelAttempt = nil
	if err != nil {
		c.lastErr = fmt.Errorf("%w: %w", ErrConnectionFailed, err)
		c.client = nil
		c.state = StateDisconnected
		c.mu.Unlock()

		c.log().Warn("MQTT connect failed",
			"broker", c.cfg.BrokerAddress(),
			"error", err,
		)
		c.closeWhenDone(transport, token)
		c.emitState(StateDisconnected)
		return StateDisconnected
	}

	c.lastErr = nil
	c.state = StateConnected
	c.mu.Unlock()

	if err := c.restoreSubscriptions(transport, gen); err != nil {
		c.mu.Lock()
		if c.generation == gen {
			c.lastErr = err
		}
		c.mu.Unlock()
	}
	c.log().Info("MQTT connected",
		"broker", c.cfg.BrokerAddress(),
		"client_id", c.clientID,
	)
	c.emitState(StateConnected)
	return StateConnected
}

// Disconnect ends the session and always leaves the client Disconnected.
//
// It is idempotent: calling it while already Disconnected is a no-op. Any
// in-flight connect attempt or reconnect loop is cancelled, tracked
// subscriptions are released, and transport failures during close are logged
// and swallowed.
func (c *Client) Disconnect() ConnectionState {
	c.mu.Lock()
	c.generation++
	prev := c.state
	transport := c.client
	if c.cancelAttempt != nil {
		c.cancelAttempt()
	}
	if c.cancelReconnect != nil {
		c.cancelReconnect()
	}
	c.client = nil
	c.cancelAttempt = nil
	c.cancelReconnect = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.subMu.Lock()
	c.subscriptions = make(map[string]subscription)
	c.subMu.Unlock()

	if transport != nil && prev == StateConnected {
		c.closeTransport(transport)
	}

	if prev != StateDisconnected {
		c.log().Info("MQTT disconnected", "previous_state", prev.String())
		c.emitState(StateDisconnected)
	}
	return StateDisconnected
}

// Close disconnects from the broker. It satisfies io.Closer and never fails.
func (c *Client) Close() error {
	c.Disconnect()
	return nil
}

// handleConnectionLost is installed as paho's connection-lost handler for one generation.
func (c *Client) handleConnectionLost(gen uint64, err error) {
	c.mu.Lock()
	if c.generation != gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateConnectionLost
	c.lastErr = err

	var reconnectCtx context.Context
	if c.cfg.Reconnect.Enabled {
		if c.cancelReconnect != nil {
			c.cancelReconnect()
		}
		reconnectCtx, c.cancelReconnect = context.WithCancel(context.Background())
	}
	c.mu.Unlock()

	c.log().Warn("MQTT connection lost", "error", err)
	c.emitState(StateConnectionLost)

	c.callbackMu.RLock()
	callback := c.onConnectionLost
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}

	if reconnectCtx != nil {
		go c.reconnectLoop(reconnectCtx)
	}
}

// restoreSubscriptions re-subscribes to all tracked topics after a (re)connect.
// A topic whose SUBSCRIBE fails or times out is no longer tracked, so a later
// Subscribe registers it again. The first failure is returned.
func (c *Client) restoreSubscriptions(transport pahomqtt.Client, gen uint64) error {
	c.subMu.RLock()
	subs := make([]subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.subMu.RUnlock()

	var first error
	for _, sub := range subs {
		token := transport.Subscribe(sub.topic, sub.qos, c.wrapHandler(gen, sub.handler))
		var err error
		if !token.WaitTimeout(defaultSubscribeTimeout) {
			err = fmt.Errorf("%w: %s: timeout after %v", ErrSubscribeFailed, sub.topic, defaultSubscribeTimeout)
		} else if tokenErr := token.Error(); tokenErr != nil {
			err = fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, sub.topic, tokenErr)
		}
		if err == nil {
			continue
		}
		c.untrack(sub.topic)
		c.log().Warn("restoring subscription failed", "topic", sub.topic, "error", err)
		if first == nil {
			first = err
		}
	}
	return first
}

// closeTransport disconnects a paho client, logging instead of propagating failures.
func (c *Client) closeTransport(transport pahomqtt.Client) {
	defer func() {
		if r := recover(); r != nil {
			c.log().Error("MQTT disconnect panic recovered", "panic", r)
		}
	}()
	transport.Disconnect(defaultDisconnectQuiesce)
}

// closeWhenDone closes a transport whose connect attempt was abandoned, once
// paho finishes with it. A connect that succeeds late is torn down immediately.
func (c *Client) closeWhenDone(transport pahomqtt.Client, token pahomqtt.Token) {
	go func() {
		<-token.Done()
		if token.Error() == nil {
			c.closeTransport(transport)
		}
	}()
}

// waitToken waits for a paho token or for ctx, whichever comes first.
func waitToken(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return ctx.Err()
	}
}

// HealthCheck verifies the MQTT connection is alive.
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// State returns the current connection state without blocking on I/O.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the state is Connected.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// LastError returns the cause recorded by the most recent failed connect,
// connection loss or failed subscription restore. A successful connect that
// restored every subscription clears it.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ClientID returns the identifier presented to the broker.
func (c *Client) ClientID() string {
	return c.clientID
}

// SetOnConnectionLost sets a callback invoked exactly once per connection-loss event.
// The error parameter describes why the connection was lost. Pass nil to unregister.
func (c *Client) SetOnConnectionLost(callback func(err error)) {
	c.callbackMu.Lock()
	c.onConnectionLost = callback
	c.callbackMu.Unlock()
}

// SetOnStateChange sets a callback invoked after every state transition.
// It runs outside the client's locks, so it may call State. Pass nil to unregister.
func (c *Client) SetOnStateChange(callback func(state ConnectionState)) {
	c.callbackMu.Lock()
	c.onStateChange = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for connection and handler diagnostics.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// emitState notifies the state-change callback, if any.
func (c *Client) emitState(state ConnectionState) {
	c.callbackMu.RLock()
	callback := c.onStateChange
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(state)
	}
}

// log returns the current logger, or a no-op logger when none is set.
func (c *Client) log() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	if c.logger == nil {
		return nopLogger{}
	}
	return c.logger
}

// current reports whether gen is the live, connected generation.
func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen && c.state == StateConnected
}

// wrapHandler wraps a MessageHandler with a generation check, panic recovery
// and error logging.
func (c *Client) wrapHandler(gen uint64, handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if !c.current(gen) {
			return
		}

		defer func() {
			if r := recover(); r != nil {
				c.log().Error("MQTT handler panic recovered",
					"topic", msg.Topic(),
					"panic", r,
				)
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.log().Warn("MQTT handler returned error",
				"topic", msg.Topic(),
				"error", err,
			)
		}
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
