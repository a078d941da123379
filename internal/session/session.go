// Package session is the single object the presentation layer talks to.
//
// A Session composes the broker client, the topic router, the reading
// history and the command publisher:
//
//	s, err := session.New(session.Deps{MQTT: cfg.MQTT, Logger: logger})
//	if err != nil { ... }
//	s.Start(ctx)
//	defer s.Shutdown()
//
//	if err := s.ConnectAndSubscribe(ctx); err != nil { ... }
//	readings, cancel := s.ObserveReadings()
//	defer cancel()
//	for snap := range readings { render(snap) }
//
// Observers are latest-value channels: each holds at most one pending value,
// and a newer value replaces an unread one. Shutdown closes them all.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/esp32panel/panel-core/internal/control"
	"github.com/esp32panel/panel-core/internal/infrastructure/config"
	"github.com/esp32panel/panel-core/internal/infrastructure/metrics"
	"github.com/esp32panel/panel-core/internal/infrastructure/mqtt"
	"github.com/esp32panel/panel-core/internal/router"
	"github.com/esp32panel/panel-core/internal/telemetry"
)

// ErrSessionClosed is returned by every entry point after Shutdown.
var ErrSessionClosed = errors.New("session: closed")

// Deps holds everything a Session needs.
type Deps struct {
	MQTT config.MQTTConfig

	// HistorySize is the reading ring capacity (<=0 selects 20).
	HistorySize int

	// QueueSize is the inbound dispatch queue depth (<=0 selects the router default).
	QueueSize int

	Logger  mqtt.Logger
	Metrics *metrics.Metrics

	// ClientOptions are passed to mqtt.NewClient, e.g. a fake transport factory.
	ClientOptions []mqtt.Option
}

// Session owns one broker session and the state derived from it.
//
// Thread Safety: All methods are safe for concurrent use.
type Session struct {
	cfg       config.MQTTConfig
	logger    mqtt.Logger
	metrics   *metrics.Metrics
	client    *mqtt.Client
	router    *router.Router
	history   *telemetry.History
	publisher *control.Publisher

	readings *latest[[]telemetry.SensorReading]
	states   *latest[mqtt.ConnectionState]

	sensorTopic string

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc

	// subMu serialises ConnectAndSubscribe so concurrent callers do not
	// register the sensor route twice.
	subMu sync.Mutex

	// stateMu makes reading the client state and publishing it one step.
	stateMu sync.Mutex
}

// New builds a disconnected session. It does not touch the network.
func New(deps Deps) (*Session, error) {
	if deps.MQTT.QoS < 0 || deps.MQTT.QoS > 1 {
		return nil, fmt.Errorf("session: %w: %d", mqtt.ErrInvalidQoS, deps.MQTT.QoS)
	}

	logger := deps.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	opts := append([]mqtt.Option{mqtt.WithLogger(logger)}, deps.ClientOptions...)
	client := mqtt.NewClient(deps.MQTT, opts...)

	sensorTopic := deps.MQTT.Topics.Sensor
	if sensorTopic == "" {
		sensorTopic = mqtt.Topics{}.SensorDHT()
	}

	s := &Session{
		cfg:     deps.MQTT,
		logger:  logger,
		metrics: deps.Metrics,
		client:  client,
		router: router.New(client, router.Options{
			QueueSize: deps.QueueSize,
			Logger:    logger,
			Metrics:   deps.Metrics,
		}),
		history: telemetry.NewHistory(deps.HistorySize),
		publisher: control.NewPublisher(client, deps.MQTT.Topics.Control,
			control.WithLogger(logger),
			control.WithMetrics(deps.Metrics),
		),
		readings:    newLatest[[]telemetry.SensorReading](),
		states:      newLatest[mqtt.ConnectionState](),
		sensorTopic: sensorTopic,
	}

	client.SetOnStateChange(s.onStateChange)
	client.SetOnConnectionLost(s.onConnectionLost)
	s.metrics.SetConnectionState(int(mqtt.StateDisconnected))

	return s, nil
}

// Start begins message dispatch. ctx bounds the session's lifetime: when it
// is cancelled the session shuts down as if Shutdown had been called.
// Repeated calls are no-ops.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.router.Start(runCtx)
	go func() {
		<-runCtx.Done()
		s.Shutdown()
	}()

	s.logger.Info("session started", "client_id", s.client.ClientID())
	return nil
}

// ConnectAndSubscribe connects to the broker (if not already connected) and
// subscribes to the sensor topic.
//
// A failed connect returns an error wrapping mqtt.ErrConnectionFailed; the
// session stays usable and the call may be retried.
func (s *Session) ConnectAndSubscribe(ctx context.Context) error {
	if err := s.Start(context.Background()); err != nil {
		return err
	}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	if state := s.client.Connect(ctx); state != mqtt.StateConnected {
		if s.isClosed() {
			return ErrSessionClosed
		}
		if cause := s.client.LastError(); cause != nil {
			if errors.Is(cause, mqtt.ErrConnectionFailed) {
				return cause
			}
			return fmt.Errorf("%w: %w", mqtt.ErrConnectionFailed, cause)
		}
		return fmt.Errorf("%w: state %s", mqtt.ErrConnectionFailed, state)
	}

	// Tracked subscriptions are restored by the client on reconnect.
	if s.client.HasSubscription(s.sensorTopic) {
		return nil
	}

	if err := s.router.SubscribeReadings(s.sensorTopic, byte(s.cfg.QoS), s.onReading); err != nil {
		if errors.Is(err, router.ErrClosed) {
			return ErrSessionClosed
		}
		return fmt.Errorf("subscribing to %s: %w", s.sensorTopic, err)
	}

	s.logger.Info("subscribed to sensor telemetry", "topic", s.sensorTopic)
	return nil
}

// SendCommand publishes cmd on the control topic once. It needs a Connected
// session and returns an error wrapping mqtt.ErrNotConnected otherwise.
func (s *Session) SendCommand(cmd control.RGBCommand) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if err := s.publisher.Publish(cmd, byte(s.cfg.QoS)); err != nil {
		return fmt.Errorf("sending rgb command: %w", err)
	}
	return nil
}

// ObserveReadings returns a channel of history snapshots, primed with the
// current snapshot, and a func that stops observing.
func (s *Session) ObserveReadings() (<-chan []telemetry.SensorReading, func()) {
	return s.readings.observe(s.history.Snapshot)
}

// ObserveConnectionState returns a channel of connection states, primed with
// the current state, and a func that stops observing.
func (s *Session) ObserveConnectionState() (<-chan mqtt.ConnectionState, func()) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.states.observe(s.client.State)
}

// Readings returns a copy of the retained readings, oldest first.
func (s *Session) Readings() []telemetry.SensorReading {
	return s.history.Snapshot()
}

// HistoryCapacity returns the most readings the session retains.
func (s *Session) HistoryCapacity() int {
	return s.history.Cap()
}

// State returns the current connection state.
func (s *Session) State() mqtt.ConnectionState {
	return s.client.State()
}

// LastError returns the cause of the most recent connect failure or loss.
func (s *Session) LastError() error {
	return s.client.LastError()
}

// ClientID returns the identifier presented to the broker.
func (s *Session) ClientID() string {
	return s.client.ClientID()
}

// HealthCheck reports whether the broker session is Connected.
func (s *Session) HealthCheck(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.client.HealthCheck(ctx)
}

// ObserverCount returns the number of active observers, for diagnostics.
func (s *Session) ObserverCount() int {
	return s.readings.count() + s.states.count()
}

// Shutdown disconnects, stops dispatch, unregisters every client callback and
// closes all observer channels. It is idempotent and leaves the client
// Disconnected on every path.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	s.client.SetOnStateChange(nil)
	s.client.SetOnConnectionLost(nil)

	s.router.Close()
	s.client.Disconnect()
	if cancel != nil {
		cancel()
	}

	s.readings.close()
	s.states.close()
	s.metrics.SetConnectionState(int(mqtt.StateDisconnected))

	s.logger.Info("session shut down", "client_id", s.client.ClientID())
}

// Stop is Shutdown, named for the process-lifecycle host.
func (s *Session) Stop() {
	s.Shutdown()
}

// onReading runs on the router's dispatch goroutine.
func (s *Session) onReading(r telemetry.SensorReading) {
	if s.isClosed() {
		return
	}
	s.history.Append(r)
	s.metrics.SetHistoryLength(s.history.Len())
	s.readings.publish(s.history.Snapshot())
}

// onStateChange may run on any goroutine. It republishes the current state
// rather than the argument, holding stateMu so the last published value is
// always the newest one read.
func (s *Session) onStateChange(mqtt.ConnectionState) {
	if s.isClosed() {
		return
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	current := s.client.State()
	s.metrics.SetConnectionState(int(current))
	s.states.publish(current)
}

func (s *Session) onConnectionLost(err error) {
	s.logger.Warn("broker connection lost", "error", err, "reconnect", s.cfg.Reconnect.Enabled)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
