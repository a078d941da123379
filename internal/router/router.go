// Package router dispatches inbound broker messages to typed handlers.
//
// The transport callback does as little as possible: it stamps the receipt
// time and pushes the message onto a bounded queue. One dispatch goroutine
// drains the queue in arrival order, so handlers never run on paho's
// delivery goroutine and never run concurrently with each other.
//
//	r := router.New(client, router.Options{Logger: logger})
//	r.Start(ctx)
//	defer r.Close()
//	err := r.SubscribeReadings("esp32/sensor/dht", 1, func(rd telemetry.SensorReading) {
//	    history.Append(rd)
//	})
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/esp32panel/panel-core/internal/infrastructure/metrics"
	"github.com/esp32panel/panel-core/internal/infrastructure/mqtt"
	"github.com/esp32panel/panel-core/internal/telemetry"
)

const (
	// DefaultQueueSize is the inbound queue depth when none is configured.
	DefaultQueueSize = 64

	// DefaultEnqueueTimeout bounds how long the transport callback waits on a full queue.
	DefaultEnqueueTimeout = 250 * time.Millisecond
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("router: closed")

// Subscriber registers transport-level handlers. *mqtt.Client satisfies it.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Message is one inbound delivery.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Handler processes a message on the dispatch goroutine.
type Handler func(msg Message)

// Options configures a Router. Zero values select defaults.
type Options struct {
	QueueSize      int
	EnqueueTimeout time.Duration
	Logger         mqtt.Logger
	Metrics        *metrics.Metrics

	// Now stamps receipt times. Defaults to time.Now.
	Now func() time.Time
}

type delivery struct {
	msg     Message
	handler Handler
}

// Router owns the bounded inbound queue and its single dispatch goroutine.
//
// Thread Safety: All methods are safe for concurrent use. Close must not be
// called from inside a Handler.
type Router struct {
	sub     Subscriber
	queue   chan delivery
	timeout time.Duration
	logger  mqtt.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	routes []string
	closed bool

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a router on top of sub. Call Start to begin dispatching.
func New(sub Subscriber, opts Options) *Router {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Router{
		sub:     sub,
		queue:   make(chan delivery, opts.QueueSize),
		timeout: opts.EnqueueTimeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		done:    make(chan struct{}),
	}
}

// Start launches the dispatch goroutine. It runs until ctx is cancelled or
// Close is called. Later calls are no-ops.
func (r *Router) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.run(ctx)
	})
}

// Subscribe registers h for topic through the transport.
//
// The transport must be Connected; mqtt.ErrNotConnected is returned otherwise.
func (r *Router) Subscribe(topic string, qos byte, h Handler) error {
	if h == nil {
		return fmt.Errorf("router: nil handler for %q", topic)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()

	if err := r.sub.Subscribe(topic, qos, r.enqueuer(h)); err != nil {
		return err
	}

	r.mu.Lock()
	r.routes = append(r.routes, topic)
	r.mu.Unlock()
	return nil
}

// SubscribeReadings subscribes to a sensor topic and passes every payload
// that decodes to fn. Malformed payloads are logged, counted and dropped.
func (r *Router) SubscribeReadings(topic string, qos byte, fn func(telemetry.SensorReading)) error {
	if fn == nil {
		return fmt.Errorf("router: nil reading handler for %q", topic)
	}
	return r.Subscribe(topic, qos, func(msg Message) {
		reading, err := telemetry.Decode(msg.Payload, msg.ReceivedAt)
		if err != nil {
			r.metrics.DecodeFailed(msg.Topic)
			r.logger.Warn("dropping malformed sensor payload",
				"topic", msg.Topic,
				"error", err,
			)
			return
		}
		fn(reading)
	})
}

// Close stops dispatch and unsubscribes every route. Queued messages that have
// not been dispatched are dropped. It is idempotent and waits for a running
// handler to return.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		routes := r.routes
		r.routes = nil
		r.mu.Unlock()

		close(r.done)
		r.wg.Wait()

		for _, topic := range routes {
			if err := r.sub.Unsubscribe(topic); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
				r.logger.Debug("unsubscribe on close failed", "topic", topic, "error", err)
			}
		}
	})
}

// QueueLen returns the number of messages waiting for dispatch.
func (r *Router) QueueLen() int {
	return len(r.queue)
}

// enqueuer returns the transport callback for h. It never blocks for longer
// than the enqueue timeout.
func (r *Router) enqueuer(h Handler) mqtt.MessageHandler {
	return func(topic string, payload []byte) error {
		d := delivery{
			msg: Message{
				Topic:      topic,
				Payload:    append([]byte(nil), payload...),
				ReceivedAt: r.now(),
			},
			handler: h,
		}

		select {
		case <-r.done:
			r.metrics.MessageDropped(topic)
			return nil
		default:
		}

		select {
		case r.queue <- d:
			r.metrics.MessageReceived(topic)
			return nil
		default:
		}

		timer := time.NewTimer(r.timeout)
		defer timer.Stop()

		select {
		case r.queue <- d:
			r.metrics.MessageReceived(topic)
			return nil
		case <-timer.C:
			r.metrics.MessageDropped(topic)
			r.logger.Warn("dispatch queue full, dropping message",
				"topic", topic,
				"queue_size", cap(r.queue),
			)
			return nil
		case <-r.done:
			r.metrics.MessageDropped(topic)
			return nil
		}
	}
}

func (r *Router) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Stop accepting deliveries too; Close waits for this goroutine.
			go r.Close()
			return
		case <-r.done:
			return
		case d := <-r.queue:
			if r.isClosed() {
				return
			}
			r.dispatch(d)
		}
	}
}

func (r *Router) dispatch(d delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("router handler panic recovered",
				"topic", d.msg.Topic,
				"panic", rec,
			)
		}
	}()
	d.handler(d.msg)
}

func (r *Router) isClosed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
