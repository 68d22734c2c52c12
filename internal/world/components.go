package world

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"hostswap/internal/sim"
)

// ErrShortPayload is returned when a component blob is truncated.
var ErrShortPayload = errors.New("world: component payload too short")

// ComponentFactory builds a fresh component for a newly instantiated object.
type ComponentFactory func() sim.Component

// Blob is a component whose state is an opaque byte slice.
type Blob struct {
	mu   sync.Mutex
	data []byte
}

// NewBlob returns a factory for blob components seeded with initial.
func NewBlob(initial []byte) ComponentFactory {
	return func() sim.Component {
		return &Blob{data: append([]byte(nil), initial...)}
	}
}

// Serialize copies the current state.
func (b *Blob) Serialize() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...), nil
}

// Deserialize replaces the current state.
func (b *Blob) Deserialize(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data[:0], data...)
	return nil
}

// Set overwrites the state, used by gameplay code and tests.
func (b *Blob) Set(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data[:0], data...)
}

// Health is a fixed-width component holding current and maximum health.
type Health struct {
	mu      sync.Mutex
	Current float64
	Max     float64
}

// NewHealth returns a factory for full-health components.
func NewHealth(max float64) ComponentFactory {
	return func() sim.Component {
		return &Health{Current: max, Max: max}
	}
}

// Serialize encodes both values as little-endian float64s.
func (h *Health) Serialize() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(h.Current))
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(h.Max))
	return buf, nil
}

// Deserialize decodes a payload produced by Serialize.
func (h *Health) Deserialize(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("health: %w (%d bytes)", ErrShortPayload, len(data))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Current = math.Float64frombits(binary.LittleEndian.Uint64(data[0:8]))
	h.Max = math.Float64frombits(binary.LittleEndian.Uint64(data[8:16]))
	return nil
}

// Values returns the current and maximum health.
func (h *Health) Values() (float64, float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Current, h.Max
}
