package snapshot

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"hostswap/internal/identity"
	"hostswap/internal/sim"
	"hostswap/internal/telemetry"
	"hostswap/logging"
	loggingmigration "hostswap/logging/migration"
)

// OwnershipView resolves who owns an object. The host passes its ownership
// table; a peer capturing on behalf of a departing host passes its shadow
// cache.
type OwnershipView interface {
	Owner(id sim.ObjectID) (identity.Token, bool)
	Primary(token identity.Token) (sim.ObjectID, bool)
}

// Failure records an object left out of a capture.
type Failure struct {
	ObjectID sim.ObjectID
	Err      error
}

// Report summarises a capture.
type Report struct {
	Objects  int
	Skipped  int
	Failures []Failure
}

// Config wires optional collaborators into a Serializer.
type Config struct {
	Session   string
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Clock     logging.Clock
}

// Serializer walks the world and produces snapshots.
type Serializer struct {
	world     sim.World
	view      OwnershipView
	session   string
	publisher logging.Publisher
	metrics   telemetry.Metrics
	clock     logging.Clock
}

// NewSerializer builds a serializer over world that resolves owners via view.
func NewSerializer(world sim.World, view OwnershipView, cfg Config) *Serializer {
	s := &Serializer{
		world:     world,
		view:      view,
		session:   cfg.Session,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
	}
	if s.publisher == nil {
		s.publisher = logging.NopPublisher()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NopMetrics()
	}
	if s.clock == nil {
		s.clock = logging.SystemClock{}
	}
	return s
}

// Capture enumerates every live object in the world's order. An object whose
// components fail to serialize is left out and recorded in the report; the
// rest of the capture continues. The caller must hold off simulation updates
// for the duration.
func (s *Serializer) Capture(ctx context.Context, tick uint64) (Snapshot, Report) {
	_, span := telemetry.Tracer().Start(ctx, "snapshot.capture")
	defer span.End()

	objects := s.world.Objects()
	snap := Snapshot{
		Session:    s.session,
		CapturedAt: s.clock.Now().UTC().Truncate(time.Millisecond),
		Objects:    make([]Descriptor, 0, len(objects)),
	}
	var report Report
	for _, obj := range objects {
		desc, err := s.describe(obj)
		if err != nil {
			report.Skipped++
			report.Failures = append(report.Failures, Failure{ObjectID: obj.ID(), Err: err})
			continue
		}
		snap.Objects = append(snap.Objects, desc)
	}
	report.Objects = len(snap.Objects)

	s.metrics.Store(telemetry.MetricCapturedObjects, uint64(report.Objects))
	loggingmigration.Captured(ctx, s.publisher, tick, loggingmigration.CapturedPayload{
		Objects: report.Objects,
		Skipped: report.Skipped,
	})
	span.SetAttributes(
		attribute.Int("objects", report.Objects),
		attribute.Int("skipped", report.Skipped),
	)
	return snap, report
}

func (s *Serializer) describe(obj sim.Object) (Descriptor, error) {
	desc := Descriptor{
		AssetID:   obj.AssetID(),
		SceneID:   obj.SceneID(),
		Transform: obj.Transform(),
	}
	if s.view != nil {
		if owner, ok := s.view.Owner(obj.ID()); ok {
			desc.Owner = owner
			if primary, ok := s.view.Primary(owner); ok && primary == obj.ID() {
				desc.Primary = true
			}
		}
	}
	components := obj.Components()
	if len(components) > 0 {
		desc.Components = make([][]byte, 0, len(components))
	}
	for i, component := range components {
		blob, err := component.Serialize()
		if err != nil {
			return Descriptor{}, fmt.Errorf("serialize component %d of object %d: %w", i, obj.ID(), err)
		}
		desc.Components = append(desc.Components, append([]byte(nil), blob...))
	}
	return desc, nil
}
