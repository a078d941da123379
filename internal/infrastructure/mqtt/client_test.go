package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/esp32panel/panel-core/internal/infrastructure/config"
	"github.com/esp32panel/panel-core/internal/infrastructure/mqtt/mqtttest"
)

// testConfig returns a valid MQTT configuration for testing.
// Transports are faked, so no broker is needed.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "broker.local",
			Port:     1883,
			ClientID: "panelcore-test",
		},
		Auth: config.MQTTAuthConfig{
			Username: "panel",
			Password: "secret",
		},
		QoS:            1,
		ConnectTimeout: 2,
	}
}

func newTestClient(t *testing.T, cfg config.MQTTConfig) (*Client, *mqtttest.Factory) {
	t.Helper()
	factory := mqtttest.NewFactory()
	client := NewClient(cfg, WithClientFactory(factory.NewClient))
	t.Cleanup(func() { client.Disconnect() })
	return client, factory
}

// stateRecorder collects state-change notifications.
type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) record(s ConnectionState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	client, factory := newTestClient(t, testConfig())
	rec := &stateRecorder{}
	client.SetOnStateChange(rec.record)

	if got := client.Connect(context.Background()); got != StateConnected {
		t.Fatalf("Connect() = %v, want connected", got)
	}
	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if err := client.LastError(); err != nil {
		t.Errorf("LastError() = %v, want nil", err)
	}
	if factory.Count() != 1 {
		t.Errorf("transports created = %d, want 1", factory.Count())
	}

	want := []ConnectionState{StateConnecting, StateConnected}
	got := rec.snapshot()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("states[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestConnectOptions(t *testing.T) {
	client, factory := newTestClient(t, testConfig())
	client.Connect(context.Background())

	opts := factory.Last().Options()
	if !opts.CleanSession {
		t.Error("CleanSession = false, want true")
	}
	if opts.Username != "panel" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want panel/secret", opts.Username, opts.Password)
	}
	if opts.ClientID != "panelcore-test" {
		t.Errorf("ClientID = %q, want panelcore-test", opts.ClientID)
	}
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://broker.local:1883" {
		t.Errorf("Servers = %v, want [tcp://broker.local:1883]", opts.Servers)
	}
	if opts.AutoReconnect {
		t.Error("AutoReconnect = true, want false")
	}
}

func TestConnectWithoutCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.MQTTAuthConfig{}
	client, factory := newTestClient(t, cfg)
	client.Connect(context.Background())

	if got := factory.Last().Options().Username; got != "" {
		t.Errorf("Username = %q, want empty", got)
	}
}

func TestGeneratedClientIDIsStable(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = ""
	client, factory := newTestClient(t, cfg)

	id := client.ClientID()
	if len(id) != len(clientIDPrefix)+clientIDSuffixLen {
		t.Errorf("ClientID() = %q, unexpected length", id)
	}

	client.Connect(context.Background())
	client.Disconnect()
	client.Connect(context.Background())

	if got := factory.Last().Options().ClientID; got != id {
		t.Errorf("second session ClientID = %q, want %q", got, id)
	}
}

func TestConnectFailure(t *testing.T) {
	client, factory := newTestClient(t, testConfig())
	factory.SetConnectError(errors.New("not authorized"))
	rec := &stateRecorder{}
	client.SetOnStateChange(rec.record)

	if got := client.Connect(context.Background()); got != StateDisconnected {
		t.Fatalf("Connect() = %v, want disconnected", got)
	}
	if !errors.Is(client.LastError(), ErrConnectionFailed) {
		t.Errorf("LastError() = %v, want ErrConnectionFailed", client.LastError())
	}

	got := rec.snapshot()
	if len(got) != 2 || got[0] != StateConnecting || got[1] != StateDisconnected {
		t.Errorf("states = %v, want [connecting disconnected]", got)
	}
}

func TestConnectTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 0
	client, factory := newTestClient(t, cfg)
	factory.HoldConnect(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if got := client.Connect(ctx); got != StateDisconnected {
		t.Fatalf("Connect() = %v, want disconnected", got)
	}
	if !errors.Is(client.LastError(), ErrTimeout) {
		t.Errorf("LastError() = %v, want ErrTimeout", client.LastError())
	}
}

func TestConnectCancelledContext(t *testing.T) {
	client, factory := newTestClient(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if got := client.Connect(ctx); got != StateDisconnected {
		t.Errorf("Connect() = %v, want disconnected", got)
	}
	if factory.Count() != 0 {
		t.Errorf("transports created = %d, want 0", factory.Count())
	}
}

func TestConnectWhileConnected(t *testing.T) {
	client, factory := newTestClient(t, testConfig())
	client.Connect(context.Background())

	if got := client.Connect(context.Background()); got != StateConnected {
		t.Errorf("second Connect() = %v, want connected", got)
	}
	if factory.Count() != 1 {
		t.Errorf("transports created = %d, want 1", factory.Count())
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	client, factory := newTestClient(t, testConfig())
	rec := &stateRecorder{}

	// Disconnect before any Connect is a no-op.
	client.SetOnStateChange(rec.record)
	if got := client.Disconnect(); got != StateDisconnected {
		t.Fatalf("Disconnect() = %v, want disconnected", got)
	}
	if len(rec.snapshot()) != 0 {
		t.Errorf("states = %v, want none", rec.snapshot())
	}

	client.Connect(context.Background())
	client.Disconnect()
	client.Disconnect()

	if n := factory.Last().Disconnects(); n != 1 {
		t.Errorf("transport Disconnect calls = %d, want 1", n)
	}
	if client.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", client.State())
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestLateConnectSuccessIsDiscarded(t *testing.T) {
	client, factory := newTestClient(t, testConfig())
	factory.HoldConnect(true)

	result := make(chan ConnectionState, 1)
	go func() { result <- client.Connect(context.Background()) }()

	waitFor(t, "connecting state", func() bool { return client.State() == StateConnecting })
	transport := factory.Last()

	client.Disconnect()
	transport.CompleteConnect(nil)

	select {
	case got := <-result:
		if got != StateDisconnected {
			t.Errorf("Connect() = %v, want disconnected", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect() did not return")
	}

	if client.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", client.State())
	}
	waitFor(t, "late transport close", func() bool { return transport.Disconnects() == 1 })
}

// =============================================================================
// Connection Loss Tests
// =============================================================================

func TestConnectionLostFiresOnce(t *testing.T) {
	client, factory := newTestClient(t, testConfig())
	var mu sync.Mutex
	var calls []error
	client.SetOnConnectionLost(func(err error) {
		mu.Lock()
		calls = append(calls, err)
		mu.Unlock()
	})

	client.Connect(context.Background())
	transport := factory.Last()

	lost := errors.New("keepalive timeout")
	transport.LoseConnection(lost)
	transport.LoseConnection(lost)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("connection-lost callbacks = %d, want 1", len(calls))
	}
	if !errors.Is(calls[0], lost) {
		t.Errorf("callback err = %v, want %v", calls[0], lost)
	}
	if client.State() != StateConnectionLost {
		t.Errorf("State() = %v, want connection_lost", client.State())
	}
	if !errors.Is(client.LastError(), lost) {
		t.Errorf("LastError() = %v, want %v", client.LastError(), lost)
	}
}

func TestStaleConnectionLostIgnored(t *testing.T) {
	client, factory := newTestClient(t, testConfig())
	called := false
	client.SetOnConnectionLost(func(error) { called = true })

	client.Connect(context.Background())
	stale := factory.Last()
	client.Disconnect()

	stale.LoseConnection(errors.New("late"))

	if called {
		t.Error("connection-lost callback fired for a superseded session")
	}
	if client.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", client.State())
	}
}

func TestStaleMessageIgnored(t *testing.T) {
	client, factory := newTestClient(t, testConfig())
	client.Connect(context.Background())

	received := 0
	if err := client.Subscribe("esp32/sensor/dht", 1, func(string, []byte) error {
		received++
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	stale := factory.Last()
	stale.Deliver("esp32/sensor/dht", []byte(`{}`))
	client.Disconnect()
	stale.Deliver("esp32/sensor/dht", []byte(`{}`))

	if received != 1 {
		t.Errorf("handler calls = %d, want 1", received)
	}
}

func TestReconnectAfterLossManual(t *testing.T) {
	client, factory := newTestClient(t, testConfig())
	client.Connect(context.Background())
	factory.Last().LoseConnection(errors.New("broker restart"))

	// Reconnect is disabled: nothing happens until Connect is called again.
	time.Sleep(20 * time.Millisecond)
	if factory.Count() != 1 {
		t.Fatalf("transports created = %d, want 1", factory.Count())
	}

	if got := client.Connect(context.Background()); got != StateConnected {
		t.Errorf("Connect() after loss = %v, want connected", got)
	}
}

func TestReconnectLoop(t *testing.T) {
	cfg := testConfig()
	cfg.Reconnect = config.MQTTReconnectConfig{Enabled: true, MaxAttempts: 3}
	client, factory := newTestClient(t, cfg)

	client.Connect(context.Background())
	if err := client.Subscribe("esp32/sensor/dht", 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	factory.Last().LoseConnection(errors.New("broker restart"))

	waitFor(t, "automatic reconnect with restored subscription", func() bool {
		return factory.Count() == 2 &&
			client.State() == StateConnected &&
			factory.Last().HasSubscription("esp32/sensor/dht")
	})
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		initial time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{1, time.Second, time.Minute, time.Second},
		{2, time.Second, time.Minute, 2 * time.Second},
		{4, time.Second, time.Minute, 8 * time.Second},
		{10, time.Second, time.Minute, time.Minute},
		{3, time.Second, 0, 4 * time.Second},
		{5, 0, time.Minute, 0},
	}

	for _, tt := range tests {
		if got := backoffDelay(tt.attempt, tt.initial, tt.max); got != tt.want {
			t.Errorf("backoffDelay(%d, %v, %v) = %v, want %v", tt.attempt, tt.initial, tt.max, got, tt.want)
		}
	}
}

// =============================================================================
// Subscribe / Publish Tests
// =============================================================================

func TestSubscribeNotConnected(t *testing.T) {
	client, _ := newTestClient(t, testConfig())

	err := client.Subscribe("esp32/sensor/dht", 1, func(string, []byte) error { return nil })
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
}

func TestSubscribeValidation(t *testing.T) {
	client, _ := newTestClient(t, testConfig())
	client.Connect(context.Background())
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		wantErr error
	}{
		{"empty topic", "", 1, noop, ErrInvalidTopic},
		{"qos 2", "esp32/sensor/dht", 2, noop, ErrInvalidQoS},
		{"nil handler", "esp32/sensor/dht", 1, nil, ErrSubscribeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Subscribe(tt.topic, tt.qos, tt.handler)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeBrokerError(t *testing.T) {
	client, factory := newTestClient(t, testConfig())
	client.Connect(context.Background())
	factory.Last().SetSubscribeError(errors.New("not authorised"))

	err := client.Subscribe("esp32/sensor/dht", 1, func(string, []byte) error { return nil })
	if !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("Subscribe() error = %v, want ErrSubscribeFailed", err)
	}
	if client.HasSubscription("esp32/sensor/dht") {
		t.Error("failed subscription is still tracked")
	}
}

func TestSubscribeWildcardDelivery(t *testing.T) {
	client, factory := newTestClient(t, testConfig())
	client.Connect(context.Background())

	var topics []string
	err := client.Subscribe(Topics{}.AllSensors(), 1, func(topic string, _ []byte) error {
		topics = append(topics, topic)
		return errors.New("handler errors are logged, not propagated")
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	factory.Last().Deliver("esp32/sensor/dht", []byte(`{}`))
	factory.Last().Deliver("esp32/control/rgb", []byte(`{}`))

	if len(topics) != 1 || topics[0] != "esp32/sensor/dht" {
		t.Errorf("delivered topics = %v, want [esp32/sensor/dht]", topics)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	client, factory := newTestClient(t, testConfig())
	client.Connect(context.Background())

	if err := client.Subscribe("esp32/sensor/dht", 0, func(string, []byte) error {
		panic("boom")
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	factory.Last().Deliver("esp32/sensor/dht", nil)

	if !client.IsConnected() {
		t.Error("client disconnected after handler panic")
	}
}

func TestUnsubscribe(t *testing.T) {
	client, factory := newTestClient(t, testConfig())
	client.Connect(context.Background())
	_ = client.Subscribe("esp32/sensor/dht", 1, func(string, []byte) error { return nil })

	if err := client.Unsubscribe("esp32/sensor/dht"); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription("esp32/sensor/dht") {
		t.Error("HasSubscription() = true after Unsubscribe")
	}
	if factory.Last().HasSubscription("esp32/sensor/dht") {
		t.Error("transport still holds the subscription")
	}
	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
}

func TestDisconnectClearsSubscriptions(t *testing.T) {
	client, _ := newTestClient(t, testConfig())
	client.Connect(context.Background())
	_ = client.Subscribe("esp32/sensor/dht", 1, func(string, []byte) error { return nil })

	client.Disconnect()

	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
}

func TestRestoreSubscriptionsAfterLoss(t *testing.T) {
	client, factory := newTestClient(t, testConfig())
	client.Connect(context.Background())
	_ = client.Subscribe("esp32/sensor/dht", 1, func(string, []byte) error { return nil })

	factory.Last().LoseConnection(errors.New("gone"))
	client.Connect(context.Background())

	if !factory.Last().HasSubscription("esp32/sensor/dht") {
		t.Error("subscription not restored on new transport")
	}
}

func TestRestoreSubscriptionsFailureUntracks(t *testing.T) {
	client, factory := newTestClient(t, testConfig())
	client.Connect(context.Background())
	_ = client.Subscribe("esp32/sensor/dht", 1, func(string, []byte) error { return nil })

	factory.Last().LoseConnection(errors.New("gone"))
	factory.HoldConnect(true)

	result := make(chan ConnectionState, 1)
	go func() { result <- client.Connect(context.Background()) }()

	transport := factory.WaitForTransport(2, 2*time.Second)
	if transport == nil {
		t.Fatal("no second transport created")
	}
	waitFor(t, "held connect", transport.ConnectCalled)
	transport.SetSubscribeError(errors.New("not authorized"))
	transport.CompleteConnect(nil)

	select {
	case got := <-result:
		if got != StateConnected {
			t.Fatalf("Connect() = %v, want connected", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect() did not return")
	}

	if client.HasSubscription("esp32/sensor/dht") {
		t.Error("failed restore still tracked")
	}
	if !errors.Is(client.LastError(), ErrSubscribeFailed) {
		t.Errorf("LastError() = %v, want ErrSubscribeFailed", client.LastError())
	}

	// A fresh Subscribe registers the topic again once the broker allows it.
	transport.SetSubscribeError(nil)
	if err := client.Subscribe("esp32/sensor/dht", 1, func(string, []byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !transport.HasSubscription("esp32/sensor/dht") {
		t.Error("topic not subscribed on transport")
	}
}

func TestPublish(t *testing.T) {
	client, factory := newTestClient(t, testConfig())
	client.Connect(context.Background())

	if err := client.PublishString("esp32/control/rgb", `{"red":1}`, 1, false); err != nil {
		t.Fatalf("PublishString() error = %v", err)
	}

	pubs := factory.Last().Published()
	if len(pubs) != 1 {
		t.Fatalf("publications = %d, want 1", len(pubs))
	}
	if pubs[0].Topic != "esp32/control/rgb" || pubs[0].QoS != 1 || pubs[0].Retained {
		t.Errorf("publication = %+v", pubs[0])
	}
	if string(pubs[0].Payload) != `{"red":1}` {
		t.Errorf("payload = %s", pubs[0].Payload)
	}
}

func TestPublishErrors(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		client, _ := newTestClient(t, testConfig())
		err := client.Publish("esp32/control/rgb", []byte(`{}`), 1, false)
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("Publish() error = %v, want ErrNotConnected", err)
		}
	})

	t.Run("connection lost", func(t *testing.T) {
		client, factory := newTestClient(t, testConfig())
		client.Connect(context.Background())
		factory.Last().LoseConnection(errors.New("gone"))

		err := client.Publish("esp32/control/rgb", []byte(`{}`), 1, false)
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("Publish() error = %v, want ErrNotConnected", err)
		}
	})

	t.Run("invalid qos", func(t *testing.T) {
		client, _ := newTestClient(t, testConfig())
		client.Connect(context.Background())
		if err := client.Publish("esp32/control/rgb", nil, 2, false); !errors.Is(err, ErrInvalidQoS) {
			t.Errorf("Publish() error = %v, want ErrInvalidQoS", err)
		}
	})

	t.Run("oversized payload", func(t *testing.T) {
		client, _ := newTestClient(t, testConfig())
		client.Connect(context.Background())
		err := client.Publish("esp32/control/rgb", make([]byte, maxPayloadSize+1), 1, false)
		if !errors.Is(err, ErrPublishFailed) {
			t.Errorf("Publish() error = %v, want ErrPublishFailed", err)
		}
	})

	t.Run("broker error", func(t *testing.T) {
		client, factory := newTestClient(t, testConfig())
		client.Connect(context.Background())
		factory.Last().SetPublishError(errors.New("quota"))
		err := client.Publish("esp32/control/rgb", []byte(`{}`), 1, false)
		if !errors.Is(err, ErrPublishFailed) {
			t.Errorf("Publish() error = %v, want ErrPublishFailed", err)
		}
	})
}

func TestHealthCheck(t *testing.T) {
	client, _ := newTestClient(t, testConfig())

	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() before connect = %v, want ErrNotConnected", err)
	}

	client.Connect(context.Background())
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) = %v, want context.Canceled", err)
	}
}

// =============================================================================
// State / Topic Tests
// =============================================================================

func TestConnectionStateText(t *testing.T) {
	for _, s := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateConnectionLost} {
		text, err := s.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v) error = %v", s, err)
		}
		var back ConnectionState
		if err := back.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%s) error = %v", text, err)
		}
		if back != s {
			t.Errorf("round trip %v -> %s -> %v", s, text, back)
		}
	}

	var s ConnectionState
	if err := s.UnmarshalText([]byte("online")); err == nil {
		t.Error("UnmarshalText(online) expected error")
	}
	if got := ConnectionState(42).String(); got != "unknown(42)" {
		t.Errorf("String() = %q", got)
	}
}

func TestTopics(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		got, want string
	}{
		{topics.SensorDHT(), "esp32/sensor/dht"},
		{topics.ControlRGB(), "esp32/control/rgb"},
		{topics.AllSensors(), "esp32/sensor/#"},
		{topics.Sensor("light"), "esp32/sensor/light"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}
