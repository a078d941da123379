package mqtt

import "fmt"

// TopicPrefixDevice is the base for all embedded-device topics.
const TopicPrefixDevice = "esp32"

// Topics provides builders for device MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	topics.SensorDHT()  // "esp32/sensor/dht"
//	topics.ControlRGB() // "esp32/control/rgb"
type Topics struct{}

// Sensor returns the telemetry topic for a sensor kind.
//
// Example: esp32/sensor/dht
func (Topics) Sensor(kind string) string {
	return fmt.Sprintf("%s/sensor/%s", TopicPrefixDevice, kind)
}

// Control returns the command topic for an actuator kind.
//
// Example: esp32/control/rgb
func (Topics) Control(kind string) string {
	return fmt.Sprintf("%s/control/%s", TopicPrefixDevice, kind)
}

// SensorDHT returns the temperature/humidity telemetry topic.
func (t Topics) SensorDHT() string {
	return t.Sensor("dht")
}

// ControlRGB returns the RGB lighting command topic.
func (t Topics) ControlRGB() string {
	return t.Control("rgb")
}

// AllSensors returns a pattern matching every sensor topic of the device.
//
// Pattern: esp32/sensor/#
func (Topics) AllSensors() string {
	return fmt.Sprintf("%s/sensor/#", TopicPrefixDevice)
}
