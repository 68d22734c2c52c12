// Package tick serialises transport events into a fixed-timestep loop so the
// host mutates its ownership state from a single goroutine.
package tick

import (
	"sync"

	"hostswap/internal/telemetry"
)

// CommandBuffer stores staged commands in a fixed-size ring. Lossless
// commands that arrive while the ring is full spill into an overflow lane
// that drains after the ring. While the lane holds anything, lossy commands
// are refused so nothing overtakes a spilled command. It is safe for
// concurrent producers and a single consumer.
type CommandBuffer struct {
	mu       sync.Mutex
	data     []Command
	head     int
	tail     int
	count    int
	overflow []Command
	metrics  telemetry.Metrics
}

// NewCommandBuffer constructs a ring buffer with the provided capacity.
func NewCommandBuffer(capacity int, metrics telemetry.Metrics) *CommandBuffer {
	if capacity < 1 {
		capacity = 1
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &CommandBuffer{
		data:    make([]Command, capacity),
		metrics: metrics,
	}
}

// Capacity reports the maximum number of lossy commands the buffer can hold.
func (b *CommandBuffer) Capacity() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Push stages a command, returning false if it was dropped. Lossless
// commands are never dropped.
func (b *CommandBuffer) Push(cmd Command) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == len(b.data) || len(b.overflow) > 0 {
		if !cmd.Type.Lossless() {
			b.metrics.Add(telemetry.MetricCommandDropsTotal, 1)
			return false
		}
		b.overflow = append(b.overflow, cmd)
		b.metrics.Add(telemetry.MetricCommandSpilledTotal, 1)
		b.metrics.Store(telemetry.MetricCommandQueueDepth, uint64(b.count+len(b.overflow)))
		return true
	}
	b.data[b.tail] = cmd
	b.tail = (b.tail + 1) % len(b.data)
	b.count++
	b.metrics.Store(telemetry.MetricCommandQueueDepth, uint64(b.count))
	return true
}

// Drain returns all staged commands in arrival order and clears the buffer.
func (b *CommandBuffer) Drain() []Command {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	total := b.count + len(b.overflow)
	if total == 0 {
		return nil
	}
	commands := make([]Command, 0, total)
	for i := 0; i < b.count; i++ {
		commands = append(commands, b.data[(b.head+i)%len(b.data)])
		b.data[(b.head+i)%len(b.data)] = Command{}
	}
	commands = append(commands, b.overflow...)
	b.overflow = nil
	b.head = 0
	b.tail = 0
	b.count = 0
	b.metrics.Store(telemetry.MetricCommandQueueDepth, 0)
	return commands
}

// Len reports the number of staged commands, spilled ones included.
func (b *CommandBuffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count + len(b.overflow)
}
