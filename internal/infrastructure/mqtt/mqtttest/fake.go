// Package mqtttest provides an in-memory stand-in for the paho client.
//
// A Factory plugs into mqtt.WithClientFactory and records every Transport it
// creates, so tests can drive connect results, inbound deliveries and
// connection-loss events without a broker.
package mqtttest

import (
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Factory creates fake transports.
type Factory struct {
	mu          sync.Mutex
	connectErr  error
	holdConnect bool
	transports  []*Transport
}

// NewFactory returns a factory whose transports connect successfully.
func NewFactory() *Factory {
	return &Factory{}
}

// NewClient satisfies mqtt.ClientFactory.
func (f *Factory) NewClient(opts *pahomqtt.ClientOptions) pahomqtt.Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &Transport{
		opts:        opts,
		connectErr:  f.connectErr,
		holdConnect: f.holdConnect,
		handlers:    make(map[string]pahomqtt.MessageHandler),
	}
	f.transports = append(f.transports, t)
	return t
}

// SetConnectError makes subsequently created transports fail Connect with err.
func (f *Factory) SetConnectError(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

// HoldConnect makes subsequently created transports leave Connect pending
// until Transport.CompleteConnect is called.
func (f *Factory) HoldConnect(hold bool) {
	f.mu.Lock()
	f.holdConnect = hold
	f.mu.Unlock()
}

// Count returns the number of transports created so far.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

// Last returns the most recently created transport, or nil.
func (f *Factory) Last() *Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

// WaitForTransport polls until at least n transports exist or timeout elapses.
func (f *Factory) WaitForTransport(n int, timeout time.Duration) *Transport {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.Count() >= n {
			return f.Last()
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// Publication is one recorded Publish call.
type Publication struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// Transport is a fake pahomqtt.Client.
type Transport struct {
	mu           sync.Mutex
	opts         *pahomqtt.ClientOptions
	connectErr   error
	holdConnect  bool
	connectToken *Token
	connected    bool
	disconnects  int
	subscribeErr error
	publishErr   error
	handlers     map[string]pahomqtt.MessageHandler
	published    []Publication
}

var _ pahomqtt.Client = (*Transport)(nil)

// Options returns the client options the transport was created with.
func (t *Transport) Options() *pahomqtt.ClientOptions {
	return t.opts
}

// IsConnected reports whether Connect succeeded and Disconnect has not been called.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// IsConnectionOpen mirrors IsConnected.
func (t *Transport) IsConnectionOpen() bool {
	return t.IsConnected()
}

// Connect returns a completed token, or a pending one when the factory holds connects.
func (t *Transport) Connect() pahomqtt.Token {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connectToken = NewToken()
	if t.holdConnect {
		return t.connectToken
	}
	t.connected = t.connectErr == nil
	t.connectToken.Complete(t.connectErr)
	return t.connectToken
}

// ConnectCalled reports whether Connect has been called on the transport.
func (t *Transport) ConnectCalled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connectToken != nil
}

// CompleteConnect finishes a held Connect with err.
func (t *Transport) CompleteConnect(err error) {
	t.mu.Lock()
	token := t.connectToken
	t.connected = err == nil
	t.mu.Unlock()
	if token != nil {
		token.Complete(err)
	}
}

// Disconnect records the call and marks the transport closed.
func (t *Transport) Disconnect(uint) {
	t.mu.Lock()
	t.connected = false
	t.disconnects++
	t.mu.Unlock()
}

// Disconnects returns how many times Disconnect was called.
func (t *Transport) Disconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

// SetPublishError makes later Publish calls fail with err.
func (t *Transport) SetPublishError(err error) {
	t.mu.Lock()
	t.publishErr = err
	t.mu.Unlock()
}

// SetSubscribeError makes later Subscribe calls fail with err.
func (t *Transport) SetSubscribeError(err error) {
	t.mu.Lock()
	t.subscribeErr = err
	t.mu.Unlock()
}

// Publish records the message.
func (t *Transport) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	t.mu.Lock()
	defer t.mu.Unlock()

	token := NewToken()
	if t.publishErr != nil {
		token.Complete(t.publishErr)
		return token
	}

	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = append([]byte(nil), p...)
	case string:
		data = []byte(p)
	}
	t.published = append(t.published, Publication{Topic: topic, QoS: qos, Retained: retained, Payload: data})
	token.Complete(nil)
	return token
}

// Published returns a copy of every recorded publication.
func (t *Transport) Published() []Publication {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Publication(nil), t.published...)
}

// Subscribe stores the handler for the topic filter.
func (t *Transport) Subscribe(topic string, _ byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	t.mu.Lock()
	defer t.mu.Unlock()

	token := NewToken()
	if t.subscribeErr != nil {
		token.Complete(t.subscribeErr)
		return token
	}
	t.handlers[topic] = callback
	token.Complete(nil)
	return token
}

// SubscribeMultiple stores the handler for every filter.
func (t *Transport) SubscribeMultiple(filters map[string]byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	var token pahomqtt.Token = completedToken()
	for topic, qos := range filters {
		token = t.Subscribe(topic, qos, callback)
	}
	return token
}

// Unsubscribe drops the handlers for the given filters.
func (t *Transport) Unsubscribe(topics ...string) pahomqtt.Token {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, topic := range topics {
		delete(t.handlers, topic)
	}
	return completedToken()
}

// AddRoute stores a handler without a broker subscription.
func (t *Transport) AddRoute(topic string, callback pahomqtt.MessageHandler) {
	t.mu.Lock()
	t.handlers[topic] = callback
	t.mu.Unlock()
}

// OptionsReader returns an empty reader; the fake exposes Options instead.
func (t *Transport) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

// HasSubscription reports whether a handler is registered for the exact filter.
func (t *Transport) HasSubscription(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.handlers[topic]
	return ok
}

// Deliver invokes every handler whose filter matches topic, as paho's
// delivery goroutine would. It reports whether any handler matched.
func (t *Transport) Deliver(topic string, payload []byte) bool {
	t.mu.Lock()
	var matched []pahomqtt.MessageHandler
	for filter, handler := range t.handlers {
		if Match(filter, topic) {
			matched = append(matched, handler)
		}
	}
	t.mu.Unlock()

	msg := &Message{topic: topic, payload: payload}
	for _, handler := range matched {
		handler(t, msg)
	}
	return len(matched) > 0
}

// LoseConnection fires the options' connection-lost handler with err.
func (t *Transport) LoseConnection(err error) {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	if t.opts != nil && t.opts.OnConnectionLost != nil {
		t.opts.OnConnectionLost(t, err)
	}
}

// Match reports whether an MQTT topic filter (with + and # wildcards) matches topic.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")
	for i, f := range fParts {
		if f == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if f != "+" && f != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}

// Token is a fake pahomqtt.Token completed by the test.
type Token struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewToken returns a pending token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

func completedToken() *Token {
	token := NewToken()
	token.Complete(nil)
	return token
}

// Complete finishes the token with err. Later calls are ignored.
func (t *Token) Complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Wait blocks until the token completes.
func (t *Token) Wait() bool {
	<-t.done
	return true
}

// WaitTimeout waits up to d for completion.
func (t *Token) WaitTimeout(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

// Done returns a channel closed on completion.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Error returns the completion error. Only meaningful once Done is closed.
func (t *Token) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Message is a fake pahomqtt.Message.
type Message struct {
	topic   string
	payload []byte
}

var _ pahomqtt.Message = (*Message)(nil)

// NewMessage builds a message for direct handler invocation.
func NewMessage(topic string, payload []byte) *Message {
	return &Message{topic: topic, payload: payload}
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return 1 }
func (m *Message) Retained() bool    { return false }
func (m *Message) Topic() string     { return m.topic }
func (m *Message) MessageID() uint16 { return 0 }
func (m *Message) Payload() []byte   { return m.payload }
func (m *Message) Ack()              {}
