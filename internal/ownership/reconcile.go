package ownership

import (
	"context"
	"slices"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"hostswap/internal/identity"
	"hostswap/internal/net/proto"
	"hostswap/internal/sim"
	"hostswap/internal/telemetry"
	"hostswap/logging"
	loggingownership "hostswap/logging/ownership"
)

// GroundTruth is the part of the simulation the engine polls each tick.
type GroundTruth interface {
	Connections() []sim.ConnID
	OwnedBy(conn sim.ConnID) []sim.ObjectID
	PrimaryOf(conn sim.ConnID) sim.ObjectID
}

// Broadcaster delivers a message to every connected peer.
type Broadcaster interface {
	Broadcast(msg proto.Message)
}

// BroadcasterFunc adapts a function into a Broadcaster.
type BroadcasterFunc func(msg proto.Message)

// Broadcast implements Broadcaster.
func (f BroadcasterFunc) Broadcast(msg proto.Message) {
	if f == nil {
		return
	}
	f(msg)
}

// Report summarises one reconciliation pass.
type Report struct {
	Tick      uint64
	Added     int
	Moved     int
	Cleared   int
	Primaries int
	Deltas    []proto.Message
}

// Changed reports whether the pass emitted anything.
func (r Report) Changed() bool {
	return len(r.Deltas) > 0
}

// ReconcilerConfig wires optional collaborators.
type ReconcilerConfig struct {
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
}

// Reconciler diffs the simulation's ownership against the table and emits the
// minimal deltas that converge them. It must not run concurrently with itself
// for the same table.
type Reconciler struct {
	table     *Table
	out       Broadcaster
	publisher logging.Publisher
	metrics   telemetry.Metrics
}

// NewReconciler constructs an engine that broadcasts through out.
func NewReconciler(table *Table, out Broadcaster, cfg ReconcilerConfig) *Reconciler {
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Reconciler{
		table:     table,
		out:       out,
		publisher: publisher,
		metrics:   metrics,
	}
}

// pass carries the state of a single Reconcile call.
type pass struct {
	ctx         context.Context
	r           *Reconciler
	report      Report
	actualOwner map[sim.ObjectID]identity.Token
}

// Reconcile runs one pass against truth.
func (r *Reconciler) Reconcile(ctx context.Context, tick uint64, truth GroundTruth) Report {
	ctx, span := telemetry.Tracer().Start(ctx, "ownership.reconcile")
	defer span.End()

	p := &pass{
		ctx:         ctx,
		r:           r,
		report:      Report{Tick: tick},
		actualOwner: make(map[sim.ObjectID]identity.Token),
	}

	conns := truth.Connections()
	slices.Sort(conns)
	live := make(map[sim.ConnID]identity.Token, len(conns))
	actual := make(map[sim.ConnID][]sim.ObjectID, len(conns))
	for _, conn := range conns {
		token, ok := r.table.TokenFor(conn)
		if !ok {
			continue
		}
		owned := truth.OwnedBy(conn)
		slices.Sort(owned)
		live[conn] = token
		actual[conn] = owned
		for _, id := range owned {
			p.actualOwner[id] = token
		}
	}

	for _, conn := range conns {
		token, ok := live[conn]
		if !ok {
			continue
		}
		p.reconcileOwned(token, actual[conn])
		p.reconcilePrimary(token, truth.PrimaryOf(conn))
	}

	for _, e := range r.table.Entries() {
		if _, ok := live[e.Conn]; ok {
			continue
		}
		p.reconcileOwned(e.Token, nil)
		p.reconcilePrimary(e.Token, 0)
	}

	r.metrics.Store(telemetry.MetricRecordedObjects, uint64(len(r.table.Ownership())))
	if p.report.Changed() {
		loggingownership.Reconciled(ctx, r.publisher, tick, loggingownership.ReconciledPayload{
			Added:     p.report.Added,
			Moved:     p.report.Moved,
			Cleared:   p.report.Cleared,
			Primaries: p.report.Primaries,
		})
	}
	span.SetAttributes(
		attribute.Int64("tick", int64(tick)),
		attribute.Int("deltas", len(p.report.Deltas)),
	)
	return p.report
}

func (p *pass) reconcileOwned(token identity.Token, actual []sim.ObjectID) {
	table := p.r.table
	inActual := make(map[sim.ObjectID]struct{}, len(actual))
	for _, id := range actual {
		inActual[id] = struct{}{}
		previous, had := table.Owner(id)
		if !table.SetOwner(id, token) {
			continue
		}
		if had {
			p.report.Moved++
		} else {
			p.report.Added++
		}
		p.emitOwner(id, token, previous)
	}

	for _, id := range table.Owned(token) {
		if _, ok := inActual[id]; ok {
			continue
		}
		if next, ok := p.actualOwner[id]; ok && next != token {
			if table.SetOwner(id, next) {
				p.report.Moved++
				p.emitOwner(id, next, token)
			}
			continue
		}
		if _, ok := table.ClearOwner(id); ok {
			p.report.Cleared++
			p.emitOwner(id, identity.Nil, token)
		}
	}
}

func (p *pass) reconcilePrimary(token identity.Token, actual sim.ObjectID) {
	previous, _ := p.r.table.Primary(token)
	if !p.r.table.SetPrimary(token, actual) {
		return
	}
	p.report.Primaries++
	msg := proto.PrimaryObjectDelta{Token: token, ObjectID: actual}
	p.emit(msg)
	p.r.metrics.Add(telemetry.MetricPrimaryDeltasTotal, 1)
	loggingownership.PrimaryDelta(p.ctx, p.r.publisher, p.report.Tick, participantRef(token), loggingownership.PrimaryPayload{
		ObjectID: uint32(actual),
		Previous: uint32(previous),
	})
}

func (p *pass) emitOwner(id sim.ObjectID, token, previous identity.Token) {
	p.emit(proto.OwnershipDelta{ObjectID: id, Token: token})
	p.r.metrics.Add(telemetry.MetricDeltasTotal, 1)
	payload := loggingownership.DeltaPayload{ObjectID: uint32(id)}
	if !token.IsNil() {
		payload.Owner = token.String()
	}
	if !previous.IsNil() && previous != token {
		payload.Previous = previous.String()
	}
	loggingownership.Delta(p.ctx, p.r.publisher, p.report.Tick, loggingownership.ObjectRef(strconv.FormatUint(uint64(id), 10)), payload)
}

func (p *pass) emit(msg proto.Message) {
	p.report.Deltas = append(p.report.Deltas, msg)
	if p.r.out != nil {
		p.r.out.Broadcast(msg)
	}
}

func participantRef(token identity.Token) logging.EntityRef {
	return logging.EntityRef{ID: token.String(), Kind: logging.EntityKindParticipant}
}
