// Package mqtt provides the broker session for the panel core.
//
// This package manages:
//   - One clean session to the broker, with username/password auth
//   - An explicit connection state machine (Disconnected, Connecting,
//     Connected, ConnectionLost) with change notifications
//   - Message publishing at QoS 0 or 1
//   - Topic subscriptions with wildcard support, restored after reconnect
//   - Optional bounded exponential-backoff reconnect (manual by default)
//
// # Architecture
//
// The panel and the embedded device never talk directly; both connect to
// the broker, which routes telemetry one way and commands the other.
//
//	ESP32 ↔ MQTT Broker ↔ Panel Core ↔ UI
//
// # Session generations
//
// Each Connect opens a new generation and Disconnect closes it. Paho
// callbacks are bound to the generation they were registered under, so a
// message or connection-lost event from a superseded session is dropped
// instead of mutating current state.
//
// # Usage
//
//	client := mqtt.NewClient(cfg.MQTT, mqtt.WithLogger(logger))
//	if client.Connect(ctx) != mqtt.StateConnected {
//	    log.Printf("connect failed: %v", client.LastError())
//	}
//	defer client.Disconnect()
//
//	err := client.Subscribe(mqtt.Topics{}.SensorDHT(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("Received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	client.Publish(mqtt.Topics{}.ControlRGB(), []byte(`{"red":255,"green":0,"blue":0,"brightness":128}`), 1, false)
package mqtt
