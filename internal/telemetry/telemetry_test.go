package telemetry

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func reading(i int) SensorReading {
	return SensorReading{
		Temperature: 20.1 + 0.12*float64(i),
		Humidity:    45.0 + 0.2*float64(i),
		ObservedAt:  time.Unix(1_700_000_000+int64(i), 0),
	}
}

// =============================================================================
// Decode Tests
// =============================================================================

func TestDecode(t *testing.T) {
	received := time.Now()

	got, err := Decode([]byte(`{"temperature": 21.5, "humidity": 48.0}`), received)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Temperature != 21.5 {
		t.Errorf("Temperature = %v, want 21.5", got.Temperature)
	}
	if got.Humidity != 48.0 {
		t.Errorf("Humidity = %v, want 48.0", got.Humidity)
	}
	if !got.ObservedAt.Equal(received) {
		t.Errorf("ObservedAt = %v, want %v", got.ObservedAt, received)
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	got, err := Decode([]byte(`{"temperature":-3,"humidity":90,"rssi":-71}`), time.Now())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Temperature != -3 || got.Humidity != 90 {
		t.Errorf("Decode() = %+v", got)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{"missing humidity", `{"temperature": 21.5}`, ErrMissingField},
		{"missing temperature", `{"humidity": 48}`, ErrMissingField},
		{"non-numeric temperature", `{"temperature": "warm", "humidity": 48}`, ErrInvalidField},
		{"numeric string", `{"temperature": "21.5", "humidity": 48}`, ErrInvalidField},
		{"null humidity", `{"temperature": 21.5, "humidity": null}`, ErrInvalidField},
		{"boolean", `{"temperature": true, "humidity": 48}`, ErrInvalidField},
		{"not json", `temperature=21.5`, ErrInvalidPayload},
		{"array", `[21.5, 48]`, ErrInvalidPayload},
		{"null payload", `null`, ErrInvalidPayload},
		{"empty", ``, ErrInvalidPayload},
		{"truncated", `{"temperature": 21.5, "humid`, ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload), time.Now())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode(%q) error = %v, want %v", tt.payload, err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// History Tests
// =============================================================================

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(20)

	var appended []SensorReading
	for i := 0; i < 25; i++ {
		r := reading(i)
		appended = append(appended, r)
		h.Append(r)
	}

	snap := h.Snapshot()
	if len(snap) != 20 {
		t.Fatalf("len(Snapshot()) = %d, want 20", len(snap))
	}
	if snap[0] != appended[5] {
		t.Errorf("first = %+v, want 6th appended %+v", snap[0], appended[5])
	}
	if snap[19] != appended[24] {
		t.Errorf("last = %+v, want 25th appended %+v", snap[19], appended[24])
	}
	for i := range snap {
		if snap[i] != appended[5+i] {
			t.Errorf("snap[%d] = %+v, want %+v", i, snap[i], appended[5+i])
		}
	}
}

func TestHistoryRetainsLastN(t *testing.T) {
	for _, count := range []int{0, 1, 3, 4, 5, 9, 13} {
		h := NewHistory(4)
		for i := 0; i < count; i++ {
			h.Append(reading(i))
			if h.Len() > h.Cap() {
				t.Fatalf("Len() = %d exceeds Cap() = %d", h.Len(), h.Cap())
			}
		}

		want := min(count, 4)
		snap := h.Snapshot()
		if len(snap) != want {
			t.Fatalf("count %d: len = %d, want %d", count, len(snap), want)
		}
		for i, r := range snap {
			if r != reading(count-want+i) {
				t.Errorf("count %d: snap[%d] = %+v, want reading %d", count, i, r, count-want+i)
			}
		}
	}
}

func TestHistoryDefaultCapacity(t *testing.T) {
	if got := NewHistory(0).Cap(); got != DefaultHistorySize {
		t.Errorf("Cap() = %d, want %d", got, DefaultHistorySize)
	}
	if got := NewHistory(-5).Cap(); got != DefaultHistorySize {
		t.Errorf("Cap() = %d, want %d", got, DefaultHistorySize)
	}
}

func TestHistorySnapshotIsCopy(t *testing.T) {
	h := NewHistory(3)
	h.Append(reading(0))
	h.Append(reading(1))

	snap := h.Snapshot()
	h.Append(reading(2))
	h.Append(reading(3))

	if len(snap) != 2 || snap[0] != reading(0) || snap[1] != reading(1) {
		t.Errorf("snapshot changed after append: %+v", snap)
	}

	snap[0].Temperature = 99
	if h.Snapshot()[0].Temperature == 99 {
		t.Error("mutating a snapshot changed the history")
	}
}

func TestHistoryLatest(t *testing.T) {
	h := NewHistory(2)
	if _, ok := h.Latest(); ok {
		t.Error("Latest() on empty history reported a reading")
	}

	for i := 0; i < 5; i++ {
		h.Append(reading(i))
	}
	got, ok := h.Latest()
	if !ok || got != reading(4) {
		t.Errorf("Latest() = %+v, %v; want reading 4", got, ok)
	}
}

func TestHistoryConcurrentAppend(t *testing.T) {
	h := NewHistory(50)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.Append(reading(i))
				_ = h.Snapshot()
			}
		}()
	}
	wg.Wait()

	if h.Len() != 50 {
		t.Errorf("Len() = %d, want 50", h.Len())
	}
}
