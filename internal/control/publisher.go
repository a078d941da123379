package control

import (
	"errors"

	"github.com/esp32panel/panel-core/internal/infrastructure/metrics"
	"github.com/esp32panel/panel-core/internal/infrastructure/mqtt"
)

// MessagePublisher is the slice of the broker client the publisher needs.
// *mqtt.Client satisfies it.
type MessagePublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Logger is the logging interface used by the publisher.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Publisher sends RGB commands to a fixed control topic.
type Publisher struct {
	pub     MessagePublisher
	topic   string
	logger  Logger
	metrics *metrics.Metrics
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithLogger sets the publisher's logger.
func WithLogger(logger Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithMetrics counts publishes by result.
func WithMetrics(m *metrics.Metrics) PublisherOption {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// NewPublisher creates a publisher for topic. An empty topic selects
// mqtt.Topics{}.ControlRGB().
func NewPublisher(pub MessagePublisher, topic string, opts ...PublisherOption) *Publisher {
	if topic == "" {
		topic = mqtt.Topics{}.ControlRGB()
	}
	p := &Publisher{pub: pub, topic: topic}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Topic returns the control topic commands are sent to.
func (p *Publisher) Topic() string {
	return p.topic
}

// Publish clamps cmd to [0,255], encodes it and sends it once at qos.
//
// Errors from the transport are returned wrapped, so errors.Is with
// mqtt.ErrNotConnected or mqtt.ErrPublishFailed works on the result.
func (p *Publisher) Publish(cmd RGBCommand, qos byte) error {
	if p.pub == nil {
		return ErrNoPublisher
	}

	clamped := cmd.Clamp()
	if clamped != cmd && p.logger != nil {
		p.logger.Warn("rgb command clamped to 0-255",
			"requested", cmd,
			"sent", clamped,
		)
	}

	payload, err := clamped.Payload()
	if err != nil {
		p.metrics.Published(metrics.ResultError)
		return err
	}

	if err := p.pub.Publish(p.topic, payload, qos, false); err != nil {
		if errors.Is(err, mqtt.ErrNotConnected) {
			p.metrics.Published(metrics.ResultNotConnected)
		} else {
			p.metrics.Published(metrics.ResultError)
		}
		return err
	}

	p.metrics.Published(metrics.ResultOK)
	if p.logger != nil {
		p.logger.Debug("rgb command published", "topic", p.topic, "command", clamped)
	}
	return nil
}
