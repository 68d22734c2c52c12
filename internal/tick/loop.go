package tick

import (
	"context"
	"sync/atomic"
	"time"

	"hostswap/internal/telemetry"
	"hostswap/logging"
)

// DefaultTickRate is used when the configuration leaves the rate unset.
const DefaultTickRate = 15

// Config tunes the command buffer and tick loop orchestration.
type Config struct {
	TickRate        int
	CatchupMaxTicks int
	CommandCapacity int
}

// Context describes the tick being executed.
type Context struct {
	Tick  uint64
	Now   time.Time
	Delta float64
}

// Stepper consumes one tick's worth of commands.
type Stepper interface {
	Step(ctx context.Context, tick Context, commands []Command)
}

// StepperFunc adapts a function into a Stepper.
type StepperFunc func(ctx context.Context, tick Context, commands []Command)

// Step implements Stepper.
func (f StepperFunc) Step(ctx context.Context, tick Context, commands []Command) {
	f(ctx, tick, commands)
}

// Result summarises a completed step.
type Result struct {
	Tick         uint64
	Commands     int
	Duration     time.Duration
	Budget       time.Duration
	ClampedDelta bool
}

// Hooks observe the loop without participating in it.
type Hooks struct {
	AfterStep     func(Result)
	OnCommandDrop func(Command)
}

// Deps carries the ambient collaborators.
type Deps struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Clock   logging.Clock
}

// Loop coordinates command ingestion and the fixed-timestep runner.
type Loop struct {
	stepper Stepper
	buffer  *CommandBuffer
	config  Config
	hooks   Hooks
	logger  telemetry.Logger
	metrics telemetry.Metrics
	clock   logging.Clock

	tick  atomic.Uint64
	drops atomic.Uint64
}

// NewLoop wraps stepper with a ring-buffer queue and a fixed-timestep loop.
func NewLoop(stepper Stepper, cfg Config, deps Deps, hooks Hooks) *Loop {
	if stepper == nil {
		return nil
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultTickRate
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics()
	}
	if deps.Clock == nil {
		deps.Clock = logging.SystemClock{}
	}
	return &Loop{
		stepper: stepper,
		buffer:  NewCommandBuffer(cfg.CommandCapacity, deps.Metrics),
		config:  cfg,
		hooks:   hooks,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		clock:   deps.Clock,
	}
}

// Enqueue stages a command for the next tick. It returns false when the
// buffer is saturated and cmd is lossy. Disconnects always return true.
func (l *Loop) Enqueue(cmd Command) bool {
	if l == nil {
		return false
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = l.clock.Now()
	}
	if l.buffer.Push(cmd) {
		return true
	}
	count := l.drops.Add(1)
	if l.hooks.OnCommandDrop != nil {
		l.hooks.OnCommandDrop(cmd)
	}
	if count&(count-1) == 0 {
		l.logger.Printf("[backpressure] dropping command conn=%s type=%s count=%d capacity=%d", cmd.Conn, cmd.Type, count, l.buffer.Capacity())
	}
	return false
}

// Pending reports the number of staged commands.
func (l *Loop) Pending() int {
	if l == nil {
		return 0
	}
	return l.buffer.Len()
}

// Tick reports the last executed tick.
func (l *Loop) Tick() uint64 {
	if l == nil {
		return 0
	}
	return l.tick.Load()
}

// Advance executes a single step using the staged commands.
func (l *Loop) Advance(ctx context.Context, now time.Time, delta float64) Result {
	if l == nil {
		return Result{}
	}
	tick := l.tick.Add(1)
	commands := l.buffer.Drain()
	start := l.clock.Now()
	l.stepper.Step(ctx, Context{Tick: tick, Now: now, Delta: delta}, commands)
	duration := l.clock.Now().Sub(start)

	l.metrics.Add(telemetry.MetricTicksTotal, 1)
	l.metrics.Store(telemetry.MetricTickDurationMicros, uint64(duration.Microseconds()))
	return Result{
		Tick:     tick,
		Commands: len(commands),
		Duration: duration,
	}
}

// Run drives the fixed-timestep loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if l == nil {
		return nil
	}
	budget := time.Second / time.Duration(l.config.TickRate)
	ticker := time.NewTicker(budget)
	defer ticker.Stop()

	budgetSeconds := budget.Seconds()
	maxDt := budgetSeconds
	if l.config.CatchupMaxTicks > 1 {
		maxDt = budgetSeconds * float64(l.config.CatchupMaxTicks)
	}
	last := l.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := l.clock.Now()
			dt := now.Sub(last).Seconds()
			clamped := false
			if dt <= 0 {
				dt = budgetSeconds
			} else if dt > maxDt {
				dt = maxDt
				clamped = true
			}
			last = now

			result := l.Advance(ctx, now, dt)
			result.Budget = budget
			result.ClampedDelta = clamped
			if result.Duration > budget {
				l.logger.Printf("[tick] tick %d took %s, budget %s", result.Tick, result.Duration, budget)
			}
			if l.hooks.AfterStep != nil {
				l.hooks.AfterStep(result)
			}
		}
	}
}
