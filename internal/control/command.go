package control

import (
	"encoding/json"
	"fmt"
)

// Channel bounds.
const (
	MinValue = 0
	MaxValue = 255
)

// DefaultBrightness is the brightness of a fresh panel with no saved preference.
const DefaultBrightness = 100

// RGBCommand sets the colour and brightness of the device's RGB light.
type RGBCommand struct {
	Red        int `json:"red"`
	Green      int `json:"green"`
	Blue       int `json:"blue"`
	Brightness int `json:"brightness"`
}

// DefaultRGB returns the slider values shown before the user has changed anything.
func DefaultRGB() RGBCommand {
	return RGBCommand{Brightness: DefaultBrightness}
}

// Validate reports the first channel outside [0,255].
func (c RGBCommand) Validate() error {
	for _, ch := range c.channels() {
		if ch.value < MinValue || ch.value > MaxValue {
			return fmt.Errorf("%w: %s=%d (want %d-%d)", ErrOutOfRange, ch.name, ch.value, MinValue, MaxValue)
		}
	}
	return nil
}

// Clamp returns a copy with every channel limited to [0,255].
func (c RGBCommand) Clamp() RGBCommand {
	return RGBCommand{
		Red:        clamp(c.Red),
		Green:      clamp(c.Green),
		Blue:       clamp(c.Blue),
		Brightness: clamp(c.Brightness),
	}
}

// Payload encodes the command as the device expects on the control topic.
func (c RGBCommand) Payload() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding rgb command: %w", err)
	}
	return data, nil
}

type channel struct {
	name  string
	value int
}

func (c RGBCommand) channels() []channel {
	return []channel{
		{"red", c.Red},
		{"green", c.Green},
		{"blue", c.Blue},
		{"brightness", c.Brightness},
	}
}

func clamp(v int) int {
	return max(MinValue, min(v, MaxValue))
}
