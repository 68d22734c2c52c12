package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostswap/internal/identity"
	"hostswap/internal/sim"
	"hostswap/internal/world"
	"hostswap/logging"
	loggingmigration "hostswap/logging/migration"
	"hostswap/logging/sinks"
)

var (
	crateAsset  = uuid.MustParse("5d7c33f2-2a55-4c4b-9a55-3b1d5e6e7a10")
	brokenAsset = uuid.MustParse("5d7c33f2-2a55-4c4b-9a55-3b1d5e6e7a11")
	fixedNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type staticView struct {
	owners    map[sim.ObjectID]identity.Token
	primaries map[identity.Token]sim.ObjectID
}

func (v staticView) Owner(id sim.ObjectID) (identity.Token, bool) {
	token, ok := v.owners[id]
	return token, ok
}

func (v staticView) Primary(token identity.Token) (sim.ObjectID, bool) {
	id, ok := v.primaries[token]
	return id, ok
}

type failingComponent struct{}

func (failingComponent) Serialize() ([]byte, error) { return nil, errors.New("boom") }
func (failingComponent) Deserialize([]byte) error   { return nil }

func captureFixture(t *testing.T) (Snapshot, Report, identity.Token, *sinks.MemorySink) {
	t.Helper()
	w := world.New()
	w.RegisterPrototype(&world.Prototype{Asset: crateAsset, Components: []world.ComponentFactory{
		world.NewBlob([]byte("lid")),
		world.NewHealth(50),
	}})
	w.RegisterPrototype(&world.Prototype{Asset: brokenAsset, Components: []world.ComponentFactory{
		func() sim.Component { return failingComponent{} },
	}})

	placed := sim.DefaultTransform()
	placed.Position = sim.Vec3{X: 1, Y: 2, Z: 3}
	first, err := w.Spawn(crateAsset, placed, "")
	require.NoError(t, err)
	_, err = w.Spawn(brokenAsset, sim.DefaultTransform(), "")
	require.NoError(t, err)
	scene, err := w.PlaceScene(42, &world.Prototype{Asset: crateAsset}, sim.DefaultTransform())
	require.NoError(t, err)

	owner := identity.Token(uuid.New())
	view := staticView{
		owners:    map[sim.ObjectID]identity.Token{first.ID(): owner, scene.ID(): owner},
		primaries: map[identity.Token]sim.ObjectID{owner: first.ID()},
	}
	memory := sinks.NewMemorySink()
	serializer := NewSerializer(w, view, Config{
		Session:   "alpha",
		Publisher: memory,
		Clock:     logging.ClockFunc(func() time.Time { return fixedNow }),
	})
	snap, report := serializer.Capture(context.Background(), 9)
	return snap, report, owner, memory
}

func TestCaptureDescribesObjectsAndSkipsFailures(t *testing.T) {
	snap, report, owner, memory := captureFixture(t)

	assert.Equal(t, 2, report.Objects)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, sim.ObjectID(2), report.Failures[0].ObjectID)

	require.Len(t, snap.Objects, 2)
	assert.Equal(t, "alpha", snap.Session)
	assert.Equal(t, fixedNow, snap.CapturedAt)

	crate := snap.Objects[0]
	assert.Equal(t, crateAsset, crate.AssetID)
	assert.Equal(t, owner, crate.Owner)
	assert.True(t, crate.Primary)
	assert.Equal(t, sim.Vec3{X: 1, Y: 2, Z: 3}, crate.Transform.Position)
	require.Len(t, crate.Components, 2)
	assert.Equal(t, []byte("lid"), crate.Components[0])

	sceneDesc := snap.Objects[1]
	assert.Equal(t, sim.SceneID(42), sceneDesc.SceneID)
	assert.Equal(t, owner, sceneDesc.Owner)
	assert.False(t, sceneDesc.Primary)
	assert.Empty(t, sceneDesc.Components)

	assert.Equal(t, []identity.Token{owner}, snap.Owners())

	events := memory.EventsOfType(loggingmigration.EventCaptured)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(9), events[0].Tick)
}

func TestCaptureCopiesComponentBlobs(t *testing.T) {
	w := world.New()
	w.RegisterPrototype(&world.Prototype{Asset: crateAsset, Components: []world.ComponentFactory{world.NewBlob([]byte("v1"))}})
	obj, err := w.Spawn(crateAsset, sim.DefaultTransform(), "")
	require.NoError(t, err)

	snap, _ := NewSerializer(w, nil, Config{}).Capture(context.Background(), 0)
	obj.Component(0).(*world.Blob).Set([]byte("v2"))

	assert.Equal(t, []byte("v1"), snap.Objects[0].Components[0])
	assert.True(t, snap.Objects[0].Owner.IsNil())
}

func TestCodecRoundTrip(t *testing.T) {
	snap, _, _, _ := captureFixture(t)

	data, err := Encode(snap)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, snap.Session, decoded.Session)
	assert.True(t, snap.CapturedAt.Equal(decoded.CapturedAt))
	assert.Equal(t, snap.Objects, decoded.Objects)
}

func TestCodecRejectsTamperingAndForeignData(t *testing.T) {
	snap, _, _, _ := captureFixture(t)
	data, err := Encode(snap)
	require.NoError(t, err)

	var env envelope
	require.NoError(t, decMode.Unmarshal(data, &env))

	tampered := env
	tampered.Payload = append([]byte(nil), env.Payload...)
	tampered.Payload[len(tampered.Payload)-1] ^= 0xff
	raw, err := encMode.Marshal(tampered)
	require.NoError(t, err)
	_, err = Decode(raw)
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	future := env
	future.Version = FormatVersion + 1
	raw, err = encMode.Marshal(future)
	require.NoError(t, err)
	_, err = Decode(raw)
	assert.ErrorIs(t, err, ErrVersion)

	_, err = Decode([]byte("not a snapshot"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCloneIsDeep(t *testing.T) {
	snap := Snapshot{Objects: []Descriptor{{Components: [][]byte{[]byte("a")}}}}
	clone := snap.Clone()
	clone.Objects[0].Components[0][0] = 'b'
	assert.Equal(t, []byte("a"), snap.Objects[0].Components[0])
}
