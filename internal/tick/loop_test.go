package tick

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"hostswap/internal/telemetry"
)

func TestCommandBufferWraparound(t *testing.T) {
	buffer := NewCommandBuffer(3, nil)
	cmds := []Command{
		{Conn: "a", Type: CommandConnect},
		{Conn: "b", Type: CommandAnnounce},
		{Conn: "c", Type: CommandDisconnect},
	}
	for _, cmd := range cmds {
		if !buffer.Push(cmd) {
			t.Fatalf("expected push to succeed for %+v", cmd)
		}
	}
	if buffer.Push(Command{Conn: "overflow"}) {
		t.Fatalf("expected push to fail when buffer full")
	}
	drained := buffer.Drain()
	if len(drained) != len(cmds) {
		t.Fatalf("expected %d commands, got %d", len(cmds), len(drained))
	}
	for i, cmd := range drained {
		if cmd.Conn != cmds[i].Conn {
			t.Fatalf("expected drain order %v, got %v", cmds[i].Conn, cmd.Conn)
		}
	}
	for _, cmd := range []Command{{Conn: "d"}, {Conn: "e"}} {
		if !buffer.Push(cmd) {
			t.Fatalf("expected push to succeed after drain for %+v", cmd)
		}
	}
	wrapped := buffer.Drain()
	if len(wrapped) != 2 || wrapped[0].Conn != "d" || wrapped[1].Conn != "e" {
		t.Fatalf("unexpected order after wraparound: %+v", wrapped)
	}
	if buffer.Drain() != nil {
		t.Fatalf("expected empty drain to return nil")
	}
}

func TestCommandBufferSpillsDisconnectsInOrder(t *testing.T) {
	metrics := newRecordingMetrics()
	buffer := NewCommandBuffer(2, metrics)
	buffer.Push(Command{Conn: "a", Type: CommandConnect})
	buffer.Push(Command{Conn: "b", Type: CommandConnect})

	if !buffer.Push(Command{Conn: "a", Type: CommandDisconnect}) {
		t.Fatalf("expected disconnect to be accepted by a full buffer")
	}
	if buffer.Push(Command{Conn: "c", Type: CommandConnect}) {
		t.Fatalf("expected connect to be refused while disconnects are spilled")
	}
	if !buffer.Push(Command{Conn: "b", Type: CommandDisconnect}) {
		t.Fatalf("expected second disconnect to be accepted")
	}
	if buffer.Len() != 4 {
		t.Fatalf("expected 4 staged commands, got %d", buffer.Len())
	}

	drained := buffer.Drain()
	want := []Command{
		{Conn: "a", Type: CommandConnect},
		{Conn: "b", Type: CommandConnect},
		{Conn: "a", Type: CommandDisconnect},
		{Conn: "b", Type: CommandDisconnect},
	}
	if len(drained) != len(want) {
		t.Fatalf("expected %d commands, got %+v", len(want), drained)
	}
	for i := range want {
		if drained[i].Conn != want[i].Conn || drained[i].Type != want[i].Type {
			t.Fatalf("position %d: expected %s %s, got %s %s", i, want[i].Type, want[i].Conn, drained[i].Type, drained[i].Conn)
		}
	}
	if metrics.counters[telemetry.MetricCommandSpilledTotal] != 2 || metrics.counters[telemetry.MetricCommandDropsTotal] != 1 {
		t.Fatalf("unexpected counters %+v", metrics.counters)
	}

	if !buffer.Push(Command{Conn: "c", Type: CommandConnect}) {
		t.Fatalf("expected connect to be accepted after drain")
	}
}

type recordingMetrics struct {
	mu       sync.Mutex
	counters map[string]uint64
	gauges   map[string]uint64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counters: map[string]uint64{}, gauges: map[string]uint64{}}
}

func (m *recordingMetrics) Add(key string, delta uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key] += delta
}

func (m *recordingMetrics) Store(key string, value uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[key] = value
}

func TestLoopEnqueueReportsDrops(t *testing.T) {
	metrics := newRecordingMetrics()
	var logged []string
	var dropped []Command
	loop := NewLoop(StepperFunc(func(context.Context, Context, []Command) {}), Config{CommandCapacity: 1}, Deps{
		Metrics: metrics,
		Logger: telemetry.LoggerFunc(func(format string, args ...any) {
			logged = append(logged, fmt.Sprintf(format, args...))
		}),
	}, Hooks{OnCommandDrop: func(cmd Command) { dropped = append(dropped, cmd) }})

	if !loop.Enqueue(Command{Conn: "first", Type: CommandConnect}) {
		t.Fatalf("expected first enqueue to succeed")
	}
	for i := 0; i < 3; i++ {
		if loop.Enqueue(Command{Conn: "spam", Type: CommandAnnounce}) {
			t.Fatalf("expected enqueue %d to be dropped", i)
		}
	}
	if len(dropped) != 3 {
		t.Fatalf("expected 3 drop callbacks, got %d", len(dropped))
	}
	// counts 1 and 2 are powers of two, 3 is not
	if len(logged) != 2 {
		t.Fatalf("expected 2 backpressure log lines, got %d: %v", len(logged), logged)
	}
	if metrics.counters[telemetry.MetricCommandDropsTotal] != 3 {
		t.Fatalf("expected 3 drops recorded, got %d", metrics.counters[telemetry.MetricCommandDropsTotal])
	}
	if loop.Pending() != 1 {
		t.Fatalf("expected 1 pending command, got %d", loop.Pending())
	}
	if !loop.Enqueue(Command{Conn: "first", Type: CommandDisconnect}) {
		t.Fatalf("expected disconnect to survive a saturated buffer")
	}
	if len(dropped) != 3 || loop.Pending() != 2 {
		t.Fatalf("expected disconnect to be staged without a drop, got %d drops %d pending", len(dropped), loop.Pending())
	}
}

func TestLoopAdvanceDrainsIntoStepper(t *testing.T) {
	var seen []Context
	var batches [][]Command
	loop := NewLoop(StepperFunc(func(_ context.Context, tc Context, cmds []Command) {
		seen = append(seen, tc)
		batches = append(batches, cmds)
	}), Config{CommandCapacity: 8}, Deps{}, Hooks{})

	loop.Enqueue(Command{Conn: "a", Type: CommandConnect})
	loop.Enqueue(Command{Conn: "a", Type: CommandAnnounce})
	now := time.Unix(1700000000, 0)
	first := loop.Advance(context.Background(), now, 0.1)
	second := loop.Advance(context.Background(), now, 0.1)

	if first.Tick != 1 || second.Tick != 2 || loop.Tick() != 2 {
		t.Fatalf("expected ticks 1 and 2, got %d and %d", first.Tick, second.Tick)
	}
	if first.Commands != 2 || second.Commands != 0 {
		t.Fatalf("unexpected command counts %d/%d", first.Commands, second.Commands)
	}
	if len(batches[0]) != 2 || batches[0][1].Type != CommandAnnounce {
		t.Fatalf("unexpected first batch %+v", batches[0])
	}
	if batches[0][0].IssuedAt.IsZero() {
		t.Fatalf("expected enqueue to stamp IssuedAt")
	}
	if !seen[1].Now.Equal(now) {
		t.Fatalf("expected tick context to carry now")
	}
}

func TestLoopRunStopsOnCancel(t *testing.T) {
	stepped := make(chan uint64, 16)
	loop := NewLoop(StepperFunc(func(_ context.Context, tc Context, _ []Command) {
		select {
		case stepped <- tc.Tick:
		default:
		}
	}), Config{TickRate: 200}, Deps{}, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	select {
	case <-stepped:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected at least one tick")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not stop after cancel")
	}
}
