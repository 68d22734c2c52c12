// Package session runs the authoritative side of a hosted session: it turns
// transport events into ownership state, reconciles that state against the
// simulation every tick, and hands the world over when the host migrates.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hostswap/internal/identity"
	"hostswap/internal/net/proto"
	"hostswap/internal/ownership"
	"hostswap/internal/rehydrate"
	"hostswap/internal/sim"
	"hostswap/internal/snapshot"
	"hostswap/internal/telemetry"
	"hostswap/internal/tick"
	"hostswap/logging"
	"hostswap/logging/lifecycle"
)

// ErrRelinquished is returned once the host has handed its world off.
var ErrRelinquished = errors.New("session: host has relinquished authority")

// ErrAlreadyResumed is returned when a host that already applied a snapshot
// is asked to apply another one.
var ErrAlreadyResumed = errors.New("session: host already resumed a snapshot")

// Transport delivers protocol messages to peers.
type Transport interface {
	Send(conn sim.ConnID, msg proto.Message) error
	Broadcast(msg proto.Message)
}

// Simulation is the world the host is authoritative over. Connect and
// Disconnect mirror transport lifecycle into the simulation.
type Simulation interface {
	sim.Simulation
	Connect(conn sim.ConnID)
	Disconnect(conn sim.ConnID)
}

// Config wires the host's collaborators.
type Config struct {
	Session   string
	Policy    rehydrate.Policy
	Registry  *identity.Registry
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Logger    telemetry.Logger
	Clock     logging.Clock
	// ManualReconcile stops Step from reconciling ownership on its own.
	// Passes then run only through ReconcileNow.
	ManualReconcile bool
}

// Host owns the identity registry, ownership table, reconciliation engine and
// rehydrator. Every mutation happens under mu, either in Step or in one of
// the migration entry points.
type Host struct {
	mu sync.Mutex

	world      Simulation
	transport  Transport
	table      *ownership.Table
	reconciler *ownership.Reconciler
	rehydrator *rehydrate.Rehydrator
	serializer *snapshot.Serializer

	publisher logging.Publisher
	metrics   telemetry.Metrics
	logger    telemetry.Logger
	clock     logging.Clock

	manualReconcile bool

	tick         uint64
	stepCtx      context.Context
	relinquished bool
	resumed      bool
	last         ownership.Report
}

// NewHost constructs a host over world that talks to peers through transport.
func NewHost(world Simulation, transport Transport, cfg Config) *Host {
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock{}
	}

	h := &Host{
		world:     world,
		transport: transport,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		stepCtx:   context.Background(),

		manualReconcile: cfg.ManualReconcile,
	}
	h.table = ownership.NewTable(cfg.Registry)
	h.reconciler = ownership.NewReconciler(h.table, ownership.BroadcasterFunc(h.broadcast), ownership.ReconcilerConfig{
		Publisher: cfg.Publisher,
		Metrics:   cfg.Metrics,
	})
	h.rehydrator = rehydrate.New(world, h.table, rehydrate.Config{
		Policy:    cfg.Policy,
		Publisher: cfg.Publisher,
		Metrics:   cfg.Metrics,
		Clock:     cfg.Clock,
	})
	h.serializer = snapshot.NewSerializer(world, h.table, snapshot.Config{
		Session:   cfg.Session,
		Publisher: cfg.Publisher,
		Metrics:   cfg.Metrics,
		Clock:     cfg.Clock,
	})
	h.table.OnRegister(func(token identity.Token, _ sim.ConnID) {
		h.rehydrator.OnRegistered(h.stepCtx, token)
	})
	return h
}

// Table exposes the ownership table for read-only inspection.
func (h *Host) Table() *ownership.Table {
	return h.table
}

// Rehydrator exposes pending-descriptor management.
func (h *Host) Rehydrator() *rehydrate.Rehydrator {
	return h.rehydrator
}

// Step drains one tick's transport commands and reconciles ownership. It
// implements tick.Stepper.
func (h *Host) Step(ctx context.Context, tc tick.Context, commands []tick.Command) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.relinquished {
		return
	}
	h.tick = tc.Tick
	h.stepCtx = ctx
	defer func() { h.stepCtx = context.Background() }()
	h.rehydrator.SetTick(tc.Tick)

	for _, cmd := range commands {
		switch cmd.Type {
		case tick.CommandConnect:
			h.world.Connect(cmd.Conn)
		case tick.CommandAnnounce:
			h.handleAnnounce(ctx, cmd.Conn, cmd.Token)
		case tick.CommandDisconnect:
			h.handleDisconnect(ctx, cmd.Conn)
		default:
			h.logger.Printf("[session] ignoring unknown command %q from %s", cmd.Type, cmd.Conn)
		}
	}

	now := tc.Now
	if now.IsZero() {
		now = h.clock.Now()
	}
	h.rehydrator.Evict(ctx, now)
	if !h.manualReconcile {
		h.last = h.reconciler.Reconcile(ctx, tc.Tick, h.world)
	}

	h.metrics.Store(telemetry.MetricIdentities, uint64(h.table.Registry().Len()))
	h.metrics.Store(telemetry.MetricLiveConnections, uint64(h.table.LiveConnections()))
}

func (h *Host) handleAnnounce(ctx context.Context, conn sim.ConnID, announced identity.Token) {
	h.world.Connect(conn)
	token, reg := h.table.RegisterConnection(conn, announced)
	if reg.Existing {
		h.logger.Printf("[session] duplicate announce from %s ignored", conn)
		return
	}
	actor := lifecycle.ParticipantRef(token.String())
	if reg.Duplicate {
		h.metrics.Add(telemetry.MetricDuplicateRegistered, 1)
		lifecycle.DuplicateRegistration(ctx, h.publisher, h.tick, lifecycle.ParticipantRef(announced.String()), lifecycle.DuplicatePayload{
			Connection: string(conn),
			Holder:     string(reg.Holder),
			Assigned:   token.String(),
		})
	}
	lifecycle.ParticipantRegistered(ctx, h.publisher, h.tick, actor, lifecycle.RegisteredPayload{
		Connection: string(conn),
		Reconnect:  reg.Reconnect,
	})

	if !h.send(conn, proto.IdentityAssigned{Token: token}) {
		return
	}
	for _, msg := range h.table.Backlog() {
		if !h.send(conn, msg) {
			return
		}
	}
}

func (h *Host) handleDisconnect(ctx context.Context, conn sim.ConnID) {
	token, ok := h.table.DisconnectConnection(conn)
	h.world.Disconnect(conn)
	if !ok {
		return
	}
	lifecycle.ParticipantDisconnected(ctx, h.publisher, h.tick, lifecycle.ParticipantRef(token.String()), lifecycle.DisconnectedPayload{
		Connection: string(conn),
	})
}

// AttachLocal registers the host's own participant. A nil token mints one.
func (h *Host) AttachLocal(ctx context.Context, conn sim.ConnID, token identity.Token) (identity.Token, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.relinquished {
		return identity.Nil, ErrRelinquished
	}
	if token.IsNil() {
		token = h.table.Registry().Mint()
	}
	h.stepCtx = ctx
	defer func() { h.stepCtx = context.Background() }()
	h.world.Connect(conn)
	if !h.table.AttachSelf(conn, token) {
		return identity.Nil, fmt.Errorf("attach local %s: token %s already bound", conn, token.Short())
	}
	lifecycle.ParticipantRegistered(ctx, h.publisher, h.tick, lifecycle.ParticipantRef(token.String()), lifecycle.RegisteredPayload{
		Connection: string(conn),
		Local:      true,
	})
	return token, nil
}

// Handoff captures the world for the next host and stops this host from
// mutating ownership any further. The snapshot is returned as a value; the
// caller carries it to the successor.
func (h *Host) Handoff(ctx context.Context) (snapshot.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.relinquished {
		return snapshot.Snapshot{}, ErrRelinquished
	}
	snap, report := h.serializer.Capture(ctx, h.tick)
	for _, failure := range report.Failures {
		h.logger.Printf("[session] object %d left out of snapshot: %v", failure.ObjectID, failure.Err)
	}
	if carried := h.rehydrator.PendingDescriptors(); len(carried) > 0 {
		snap.Objects = append(snap.Objects, carried...)
		h.logger.Printf("[session] carrying %d descriptors still waiting for their owners", len(carried))
	}
	h.relinquished = true
	return snap, nil
}

// Resume applies a snapshot captured by a previous host. A host resumes at
// most once.
func (h *Host) Resume(ctx context.Context, snap snapshot.Snapshot) (rehydrate.Report, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.relinquished {
		return rehydrate.Report{}, ErrRelinquished
	}
	if h.resumed {
		return rehydrate.Report{}, ErrAlreadyResumed
	}
	h.resumed = true
	h.stepCtx = ctx
	defer func() { h.stepCtx = context.Background() }()
	report := h.rehydrator.Apply(ctx, snap)
	for _, failure := range report.Failures {
		h.logger.Printf("[session] descriptor %d not applied: %v", failure.Index, failure.Err)
	}
	return report, nil
}

// ReconcileNow runs one reconciliation pass outside the tick cadence. It is
// how ownership converges when ManualReconcile is set.
func (h *Host) ReconcileNow(ctx context.Context) (Reconcile, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.relinquished {
		return Reconcile{}, ErrRelinquished
	}
	h.last = h.reconciler.Reconcile(ctx, h.tick, h.world)
	return summarize(h.last), nil
}

// Relinquished reports whether Handoff has run.
func (h *Host) Relinquished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.relinquished
}

// Diagnostics is a point-in-time summary for operators.
type Diagnostics struct {
	Tick            uint64    `json:"tick"`
	Identities      int       `json:"identities"`
	LiveConnections int       `json:"liveConnections"`
	RecordedObjects int       `json:"recordedObjects"`
	Pending         int       `json:"pending"`
	PendingOwners   []string  `json:"pendingOwners,omitempty"`
	Relinquished    bool      `json:"relinquished"`
	LastReconcile   Reconcile `json:"lastReconcile"`
	GeneratedAt     time.Time `json:"generatedAt"`
}

// Reconcile mirrors the counters of the latest reconciliation pass.
type Reconcile struct {
	Tick      uint64 `json:"tick"`
	Added     int    `json:"added"`
	Moved     int    `json:"moved"`
	Cleared   int    `json:"cleared"`
	Primaries int    `json:"primaries"`
}

func summarize(r ownership.Report) Reconcile {
	return Reconcile{
		Tick:      r.Tick,
		Added:     r.Added,
		Moved:     r.Moved,
		Cleared:   r.Cleared,
		Primaries: r.Primaries,
	}
}

// Diagnostics summarises the host's state.
func (h *Host) Diagnostics() Diagnostics {
	h.mu.Lock()
	defer h.mu.Unlock()
	pendingOwners := h.rehydrator.PendingTokens()
	owners := make([]string, 0, len(pendingOwners))
	for _, token := range pendingOwners {
		owners = append(owners, token.String())
	}
	return Diagnostics{
		Tick:            h.tick,
		Identities:      h.table.Registry().Len(),
		LiveConnections: h.table.LiveConnections(),
		RecordedObjects: len(h.table.Ownership()),
		Pending:         h.rehydrator.PendingCount(),
		PendingOwners:   owners,
		Relinquished:    h.relinquished,
		LastReconcile:   summarize(h.last),
		GeneratedAt:     h.clock.Now(),
	}
}

func (h *Host) send(conn sim.ConnID, msg proto.Message) bool {
	if h.transport == nil {
		return true
	}
	if err := h.transport.Send(conn, msg); err != nil {
		h.metrics.Add(telemetry.MetricSendFailuresTotal, 1)
		h.logger.Printf("[session] send %s to %s failed: %v", msg.MessageType(), conn, err)
		return false
	}
	return true
}

func (h *Host) broadcast(msg proto.Message) {
	if h.transport == nil {
		return
	}
	h.transport.Broadcast(msg)
}

var _ tick.Stepper = (*Host)(nil)
