// Package rehydrate rebuilds a captured world under a new host, binding each
// object to its owner's identity token rather than to a network address.
package rehydrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"hostswap/internal/identity"
	"hostswap/internal/sim"
	"hostswap/internal/snapshot"
	"hostswap/internal/telemetry"
	"hostswap/logging"
	loggingmigration "hostswap/logging/migration"
)

var (
	// ErrUnresolved is returned when a descriptor names neither a live scene
	// object nor a known prototype.
	ErrUnresolved = errors.New("rehydrate: descriptor does not resolve to an object")
	// ErrComponentMismatch is reported when a descriptor carries a different
	// number of component blobs than the object has components.
	ErrComponentMismatch = errors.New("rehydrate: component count mismatch")
)

// Connections resolves an identity token to its live connection.
type Connections interface {
	LookupConnection(token identity.Token) (sim.ConnID, bool)
}

// Failure identifies a descriptor by its position in the snapshot.
type Failure struct {
	Index int
	Err   error
}

// Report summarises one Apply or OnRegistered pass.
type Report struct {
	Applied  int
	Queued   int
	Failed   int
	Objects  []sim.ObjectID
	Failures []Failure
	// Warnings lists descriptors that were applied without their component
	// state.
	Warnings []Failure
}

func (r *Report) merge(other Report) {
	r.Applied += other.Applied
	r.Queued += other.Queued
	r.Failed += other.Failed
	r.Objects = append(r.Objects, other.Objects...)
	r.Failures = append(r.Failures, other.Failures...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Config wires optional collaborators.
type Config struct {
	Policy    Policy
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Clock     logging.Clock
}

// Rehydrator applies snapshots to a simulation. Descriptors whose owner has
// not reconnected wait in a pending arena until OnRegistered is called for
// that token.
type Rehydrator struct {
	world     sim.Simulation
	conns     Connections
	policy    Policy
	publisher logging.Publisher
	metrics   telemetry.Metrics
	clock     logging.Clock

	mu      sync.Mutex
	pending *pending
	tick    uint64
}

// New constructs a rehydrator writing into world.
func New(world sim.Simulation, conns Connections, cfg Config) *Rehydrator {
	r := &Rehydrator{
		world:     world,
		conns:     conns,
		policy:    cfg.Policy,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		pending:   newPending(),
	}
	if r.publisher == nil {
		r.publisher = logging.NopPublisher()
	}
	if r.metrics == nil {
		r.metrics = telemetry.NopMetrics()
	}
	if r.clock == nil {
		r.clock = logging.SystemClock{}
	}
	return r
}

// SetTick records the tick used to stamp published events.
func (r *Rehydrator) SetTick(tick uint64) {
	r.mu.Lock()
	r.tick = tick
	r.mu.Unlock()
}

// Apply processes every descriptor in order. A failing descriptor never stops
// the rest of the snapshot.
func (r *Rehydrator) Apply(ctx context.Context, snap snapshot.Snapshot) Report {
	ctx, span := telemetry.Tracer().Start(ctx, "rehydrate.apply")
	defer span.End()

	var report Report
	now := r.clock.Now()
	for i, desc := range snap.Objects {
		if !desc.Owner.IsNil() {
			if _, ok := r.conns.LookupConnection(desc.Owner); !ok {
				r.queue(ctx, desc.Owner, i, desc, now)
				report.Queued++
				continue
			}
		}
		report.merge(r.applyOne(ctx, i, desc))
	}
	r.enforceLimit(ctx)

	loggingmigration.Resumed(ctx, r.publisher, r.currentTick(), loggingmigration.ResumedPayload{
		Applied: report.Applied,
		Queued:  report.Queued,
		Failed:  report.Failed,
	})
	span.SetAttributes(
		attribute.Int("applied", report.Applied),
		attribute.Int("queued", report.Queued),
		attribute.Int("failed", report.Failed),
	)
	return report
}

// OnRegistered applies every descriptor waiting for token, in snapshot order.
// Entries are removed before they are applied so each one materialises at most
// once.
func (r *Rehydrator) OnRegistered(ctx context.Context, token identity.Token) Report {
	if token.IsNil() {
		return Report{}
	}
	r.mu.Lock()
	entries := r.pending.take(token)
	count := r.pending.count
	r.mu.Unlock()

	var report Report
	if len(entries) == 0 {
		return report
	}
	r.metrics.Store(telemetry.MetricPendingDescriptors, uint64(count))
	for _, entry := range entries {
		report.merge(r.applyOne(ctx, entry.index, entry.desc))
	}
	return report
}

// Evict drops pending descriptors older than the policy's MaxAge.
func (r *Rehydrator) Evict(ctx context.Context, now time.Time) int {
	if r.policy.MaxAge <= 0 {
		return 0
	}
	cutoff := now.Add(-r.policy.MaxAge)
	r.mu.Lock()
	dropped := r.pending.dropWhere(func(s *slot) bool {
		return s.queuedAt.Before(cutoff)
	})
	r.mu.Unlock()
	return r.reportEvicted(ctx, dropped, "expired")
}

// EvictToken drops every pending descriptor for token.
func (r *Rehydrator) EvictToken(ctx context.Context, token identity.Token) int {
	r.mu.Lock()
	entries := r.pending.take(token)
	r.mu.Unlock()
	if len(entries) == 0 {
		return 0
	}
	return r.reportEvicted(ctx, map[identity.Token]int{token: len(entries)}, "explicit")
}

// PendingCount reports how many descriptors are waiting for an owner.
func (r *Rehydrator) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.count
}

// PendingTokens lists the owners with waiting descriptors.
func (r *Rehydrator) PendingTokens() []identity.Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.tokens()
}

// PendingDescriptors returns copies of the waiting descriptors in the order
// they were queued. A host handing off folds them into its snapshot so an
// owner who never reached this host is still served by the next one.
func (r *Rehydrator) PendingDescriptors() []snapshot.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.descriptors()
}

func (r *Rehydrator) queue(ctx context.Context, owner identity.Token, index int, desc snapshot.Descriptor, now time.Time) {
	r.mu.Lock()
	r.pending.push(owner, index, desc.Clone(), now)
	count := r.pending.count
	r.mu.Unlock()
	r.metrics.Store(telemetry.MetricPendingDescriptors, uint64(count))
	loggingmigration.DescriptorQueued(ctx, r.publisher, r.currentTick(), participantRef(owner), describe(index, desc, 0, ""))
}

func (r *Rehydrator) enforceLimit(ctx context.Context) {
	if r.policy.MaxEntries <= 0 {
		return
	}
	r.mu.Lock()
	cutoff := r.pending.cutoffSeq(r.policy.MaxEntries)
	var dropped map[identity.Token]int
	if cutoff > 0 {
		dropped = r.pending.dropWhere(func(s *slot) bool {
			return s.seq <= cutoff
		})
	}
	r.mu.Unlock()
	r.reportEvicted(ctx, dropped, "capacity")
}

func (r *Rehydrator) reportEvicted(ctx context.Context, dropped map[identity.Token]int, reason string) int {
	total := 0
	for owner, n := range dropped {
		total += n
		loggingmigration.PendingEvicted(ctx, r.publisher, r.currentTick(), participantRef(owner), loggingmigration.EvictedPayload{
			Owner:       owner.String(),
			Descriptors: n,
			Reason:      reason,
		})
	}
	if total > 0 {
		r.metrics.Add(telemetry.MetricPendingEvictedTotal, uint64(total))
		r.metrics.Store(telemetry.MetricPendingDescriptors, uint64(r.PendingCount()))
	}
	return total
}

func (r *Rehydrator) applyOne(ctx context.Context, index int, desc snapshot.Descriptor) Report {
	var report Report
	id, err := r.materialize(desc)
	actor := logging.HostRef
	if !desc.Owner.IsNil() {
		actor = participantRef(desc.Owner)
	}
	var warn error
	if errors.Is(err, ErrComponentMismatch) {
		warn, err = err, nil
	}
	if err != nil {
		report.Failed++
		report.Failures = append(report.Failures, Failure{Index: index, Err: err})
		r.metrics.Add(telemetry.MetricRehydrateFailedTotal, 1)
		loggingmigration.DescriptorFailed(ctx, r.publisher, r.currentTick(), actor, describe(index, desc, id, err.Error()))
		return report
	}
	report.Applied++
	report.Objects = append(report.Objects, id)
	reason := ""
	if warn != nil {
		report.Warnings = append(report.Warnings, Failure{Index: index, Err: warn})
		reason = warn.Error()
	}
	r.metrics.Add(telemetry.MetricRehydratedTotal, 1)
	loggingmigration.DescriptorApplied(ctx, r.publisher, r.currentTick(), actor, describe(index, desc, id, reason))
	return report
}

// materialize resolves, places and binds one descriptor. An error wrapping
// ErrComponentMismatch means the object was applied without its component
// state.
func (r *Rehydrator) materialize(desc snapshot.Descriptor) (sim.ObjectID, error) {
	var conn sim.ConnID
	if !desc.Owner.IsNil() {
		c, ok := r.conns.LookupConnection(desc.Owner)
		if !ok {
			return 0, fmt.Errorf("owner %s: %w", desc.Owner.Short(), ErrUnresolved)
		}
		conn = c
	}

	obj, err := r.resolve(desc)
	if err != nil {
		return 0, err
	}
	id := obj.ID()

	if conn != "" {
		if desc.Primary {
			if previous := r.world.PrimaryOf(conn); previous != 0 && previous != id {
				if err := r.world.Destroy(previous); err != nil && !errors.Is(err, sim.ErrUnknownObject) {
					return id, fmt.Errorf("replace primary %d: %w", previous, err)
				}
			}
			if err := r.world.SetPrimary(conn, id); err != nil {
				return id, fmt.Errorf("set primary %d: %w", id, err)
			}
		} else if err := r.world.AssignOwner(id, conn); err != nil {
			return id, fmt.Errorf("assign owner %d: %w", id, err)
		}
	}

	components := obj.Components()
	if len(components) != len(desc.Components) {
		return id, fmt.Errorf("object %d has %d components, descriptor has %d: %w", id, len(components), len(desc.Components), ErrComponentMismatch)
	}
	for i, component := range components {
		if err := component.Deserialize(desc.Components[i]); err != nil {
			return id, fmt.Errorf("deserialize component %d of object %d: %w", i, id, err)
		}
	}
	return id, nil
}

func (r *Rehydrator) resolve(desc snapshot.Descriptor) (sim.Object, error) {
	if desc.SceneID != 0 {
		obj, ok := r.world.ResolveSceneObject(desc.SceneID)
		if !ok {
			return nil, fmt.Errorf("scene slot %d: %w", desc.SceneID, ErrUnresolved)
		}
		if err := r.world.Place(obj.ID(), desc.Transform); err != nil {
			return nil, fmt.Errorf("place scene object %d: %w", obj.ID(), err)
		}
		return obj, nil
	}
	if desc.AssetID == (sim.AssetID{}) {
		return nil, fmt.Errorf("descriptor without asset or scene id: %w", ErrUnresolved)
	}
	proto, ok := r.world.ResolvePrototype(desc.AssetID)
	if !ok {
		fallback := r.world.DefaultPrimaryPrototype()
		if fallback == nil || fallback.AssetID() != desc.AssetID {
			return nil, fmt.Errorf("asset %s: %w", desc.AssetID, ErrUnresolved)
		}
		proto = fallback
	}
	obj, err := r.world.Instantiate(proto, desc.Transform)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", desc.AssetID, err)
	}
	return obj, nil
}

func (r *Rehydrator) currentTick() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tick
}

func participantRef(token identity.Token) logging.EntityRef {
	return logging.EntityRef{ID: token.String(), Kind: logging.EntityKindParticipant}
}

func describe(index int, desc snapshot.Descriptor, id sim.ObjectID, reason string) loggingmigration.DescriptorPayload {
	payload := loggingmigration.DescriptorPayload{
		Index:   index,
		Scene:   uint64(desc.SceneID),
		Primary: desc.Primary,
		Object:  uint32(id),
		Reason:  reason,
	}
	if desc.AssetID != (sim.AssetID{}) {
		payload.Asset = desc.AssetID.String()
	}
	if !desc.Owner.IsNil() {
		payload.Owner = desc.Owner.String()
	}
	return payload
}
