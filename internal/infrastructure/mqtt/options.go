package mqtt

import (
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/esp32panel/panel-core/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is used when the config leaves connect_timeout unset.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultSubscribeTimeout is the maximum time to wait for a SUBACK.
	defaultSubscribeTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the highest QoS level accepted (at-least-once).
	maxQoS = 1

	// clientIDPrefix prefixes generated client identifiers.
	clientIDPrefix = "panelcore-"

	// clientIDSuffixLen is the number of uuid characters kept in generated ids.
	clientIDSuffixLen = 12
)

// buildClientOptions creates paho MQTT options from the panel config.
//
// This configures:
//   - Broker URL (tcp://host:port)
//   - Client ID for identification
//   - Authentication credentials (if provided)
//   - Clean session mode
//   - Ordered, in-line handler invocation
//
// Paho's own reconnect machinery is disabled; Client owns the reconnect policy
// so every transition goes through its state machine.
func buildClientOptions(cfg config.MQTTConfig, clientID string) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(clientID)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Clean session - no persisted subscription state on the broker
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	opts.SetConnectTimeout(connectTimeout(cfg))
	opts.SetKeepAlive(defaultKeepAlive)

	// Handlers run one at a time in arrival order on paho's delivery goroutine.
	opts.SetOrderMatters(true)

	return opts
}

// connectTimeout returns the per-attempt connect bound.
func connectTimeout(cfg config.MQTTConfig) time.Duration {
	if d := cfg.GetConnectTimeout(); d > 0 {
		return d
	}
	return defaultConnectTimeout
}

// generateClientID returns a client identifier unique to this process.
func generateClientID() string {
	return clientIDPrefix + uuid.NewString()[:clientIDSuffixLen]
}
