package logging

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

// maxSinkBackoff caps how long a failing sink is skipped.
const maxSinkBackoff = 30 * time.Second

// Router gates events by category severity and hands the survivors to every
// sink from one dispatcher goroutine. Publish never blocks: a full queue
// drops the event and reports it through Config.OnDrop.
type Router struct {
	cfg      Config
	clock    Clock
	fallback *log.Logger
	fields   map[string]any
	sinks    []*sinkState

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}

	dropped atomic.Uint64
}

type sinkState struct {
	name     string
	sink     Sink
	failures int
	skipTill time.Time
}

func NewRouter(clock Clock, cfg Config, fallback *log.Logger, namedSinks []NamedSink) (*Router, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	if fallback == nil {
		fallback = log.New(os.Stderr, "[logging] ", log.LstdFlags)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	r := &Router{
		cfg:      cfg,
		clock:    clock,
		fallback: fallback,
		fields:   cfg.cloneFields(),
		queue:    make(chan Event, cfg.BufferSize),
		done:     make(chan struct{}),
	}
	for _, named := range namedSinks {
		if named.Sink != nil {
			r.sinks = append(r.sinks, &sinkState{name: named.Name, sink: named.Sink})
		}
	}
	go r.dispatch()
	return r, nil
}

// Enabled reports whether an event of category at severity would be kept.
func (r *Router) Enabled(category string, severity Severity) bool {
	return severity >= r.cfg.Threshold(category)
}

func (r *Router) Publish(_ context.Context, event Event) {
	if r == nil || event.Type == "" {
		return
	}
	if !r.Enabled(CategoryOf(event), event.Severity) {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.drop(event)
	}
}

func (r *Router) drop(event Event) {
	count := r.dropped.Add(1)
	if r.cfg.OnDrop != nil {
		r.cfg.OnDrop(event)
	}
	if count&(count-1) == 0 {
		r.fallback.Printf("queue full, dropping event type=%s tick=%d dropped=%d", event.Type, event.Tick, count)
	}
}

func (r *Router) dispatch() {
	defer close(r.done)
	for event := range r.queue {
		if event.Time.IsZero() {
			event.Time = r.clock.Now()
		}
		event = withDefaults(event, r.fields)
		for _, s := range r.sinks {
			r.write(s, event)
		}
	}
}

// write skips a sink that is backing off after a failure. Events it misses
// during the backoff are not replayed.
func (r *Router) write(s *sinkState, event Event) {
	now := r.clock.Now()
	if now.Before(s.skipTill) {
		return
	}
	if err := s.sink.Write(event); err != nil {
		s.failures++
		backoff := min(time.Duration(1<<min(s.failures, 5))*time.Second, maxSinkBackoff)
		s.skipTill = now.Add(backoff)
		r.fallback.Printf("sink %s failed: %v (skipping for %s)", s.name, err, backoff)
		return
	}
	s.failures = 0
	s.skipTill = time.Time{}
}

// Close stops accepting events, flushes the queue through the sinks and
// closes them. Calling Close again waits for the first call to finish.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	first := !r.closed
	if first {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !first {
		return nil
	}
	var firstErr error
	for _, s := range r.sinks {
		if err := s.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ Publisher = (*Router)(nil)
