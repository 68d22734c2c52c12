package rehydrate

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostswap/internal/identity"
	"hostswap/internal/ownership"
	"hostswap/internal/sim"
	"hostswap/internal/snapshot"
	"hostswap/internal/world"
	"hostswap/logging"
	loggingmigration "hostswap/logging/migration"
	"hostswap/logging/sinks"
)

var (
	crateAsset  = uuid.MustParse("9a0f7c1e-5b2d-4e3a-8f61-0c4d2b7e9a01")
	avatarAsset = uuid.MustParse("9a0f7c1e-5b2d-4e3a-8f61-0c4d2b7e9a02")
	ghostAsset  = uuid.MustParse("9a0f7c1e-5b2d-4e3a-8f61-0c4d2b7e9a03")
)

type fixture struct {
	world  *world.World
	table  *ownership.Table
	rehy   *Rehydrator
	events *sinks.MemorySink
	now    time.Time
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	f := &fixture{
		world:  world.New(),
		table:  ownership.NewTable(nil),
		events: sinks.NewMemorySink(),
		now:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.world.RegisterPrototype(&world.Prototype{Asset: crateAsset, Name: "crate", Components: []world.ComponentFactory{world.NewBlob(nil)}})
	f.world.SetDefaultPrimaryPrototype(&world.Prototype{Asset: avatarAsset, Name: "avatar", Components: []world.ComponentFactory{world.NewBlob(nil)}})
	f.rehy = New(f.world, f.table, Config{
		Policy:    policy,
		Publisher: f.events,
		Clock:     logging.ClockFunc(func() time.Time { return f.now }),
	})
	f.table.OnRegister(func(token identity.Token, conn sim.ConnID) {
		f.rehy.OnRegistered(context.Background(), token)
	})
	return f
}

func (f *fixture) join(conn sim.ConnID, announced identity.Token) identity.Token {
	f.world.Connect(conn)
	token, _ := f.table.RegisterConnection(conn, announced)
	return token
}

func at(x float64) sim.Transform {
	tr := sim.DefaultTransform()
	tr.Position.X = x
	return tr
}

func newToken() identity.Token {
	return identity.Token(uuid.New())
}

func blobOf(t *testing.T, w *world.World, id sim.ObjectID) []byte {
	t.Helper()
	obj, ok := w.Object(id)
	require.True(t, ok)
	data, err := obj.Component(0).Serialize()
	require.NoError(t, err)
	return data
}

func TestThreeObjectScenarioWithLateOwner(t *testing.T) {
	f := newFixture(t, Policy{})
	a, b := newToken(), newToken()
	f.join("conn-b", b)

	snap := snapshot.Snapshot{Objects: []snapshot.Descriptor{
		{AssetID: crateAsset, Transform: at(1), Components: [][]byte{[]byte("loot")}},
		{AssetID: avatarAsset, Owner: a, Primary: true, Transform: at(2), Components: [][]byte{[]byte("hp")}},
		{AssetID: crateAsset, Owner: b, Transform: at(3), Components: [][]byte{[]byte("b-crate")}},
	}}

	report := f.rehy.Apply(context.Background(), snap)
	assert.Equal(t, 2, report.Applied)
	assert.Equal(t, 1, report.Queued)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, f.rehy.PendingCount())
	assert.Equal(t, []identity.Token{a}, f.rehy.PendingTokens())
	require.Len(t, report.Objects, 2)

	unowned, bCrate := report.Objects[0], report.Objects[1]
	_, owned := f.world.OwnerOf(unowned)
	assert.False(t, owned, "nil owner stays with the host")
	conn, ok := f.world.OwnerOf(bCrate)
	require.True(t, ok)
	assert.Equal(t, sim.ConnID("conn-b"), conn)
	assert.Equal(t, []byte("b-crate"), blobOf(t, f.world, bCrate))

	f.join("conn-a", a)
	assert.Zero(t, f.rehy.PendingCount())
	avatar := f.world.PrimaryOf("conn-a")
	require.NotZero(t, avatar)
	assert.Equal(t, []byte("hp"), blobOf(t, f.world, avatar))
	obj, _ := f.world.Object(avatar)
	assert.True(t, obj.Transform().ApproxEqual(at(2), 1e-9))
	assert.Equal(t, 3, f.world.Len())
}

func TestPendingDescriptorMaterialisesExactlyOnce(t *testing.T) {
	f := newFixture(t, Policy{})
	a := newToken()
	snap := snapshot.Snapshot{Objects: []snapshot.Descriptor{
		{AssetID: crateAsset, Owner: a, Transform: at(1), Components: [][]byte{[]byte("one")}},
		{AssetID: crateAsset, Owner: a, Transform: at(2), Components: [][]byte{[]byte("two")}},
	}}
	f.rehy.Apply(context.Background(), snap)
	require.Equal(t, 2, f.rehy.PendingCount())

	f.join("first", a)
	owned := f.world.OwnedBy("first")
	require.Len(t, owned, 2)
	assert.Equal(t, []byte("one"), blobOf(t, f.world, owned[0]))
	assert.Equal(t, []byte("two"), blobOf(t, f.world, owned[1]))

	f.world.Disconnect("first")
	f.table.DisconnectConnection("first")
	f.join("second", a)

	assert.Equal(t, 2, f.world.Len(), "reconnecting must not materialise again")
	assert.Len(t, f.events.EventsOfType(loggingmigration.EventDescriptorApplied), 2)
}

func TestPendingDescriptorsKeepQueueOrderPerOwner(t *testing.T) {
	f := newFixture(t, Policy{})
	a, b := newToken(), newToken()
	f.rehy.Apply(context.Background(), snapshot.Snapshot{Objects: []snapshot.Descriptor{
		{AssetID: crateAsset, Owner: a, Transform: at(1), Components: [][]byte{[]byte("a1")}},
		{AssetID: crateAsset, Owner: b, Transform: at(2), Components: [][]byte{[]byte("b1")}},
		{AssetID: crateAsset, Owner: a, Transform: at(3), Components: [][]byte{[]byte("a2")}},
	}})

	carried := f.rehy.PendingDescriptors()
	require.Len(t, carried, 3)
	assert.Equal(t, []byte("a1"), carried[0].Components[0])
	assert.Equal(t, []byte("b1"), carried[1].Components[0])
	assert.Equal(t, []byte("a2"), carried[2].Components[0])

	carried[0].Components[0][0] = 'z'
	f.join("conn-a", a)
	owned := f.world.OwnedBy("conn-a")
	require.Len(t, owned, 2, "every descriptor for the owner is kept")
	assert.Equal(t, []byte("a1"), blobOf(t, f.world, owned[0]))
	assert.Equal(t, []byte("a2"), blobOf(t, f.world, owned[1]))
	assert.Len(t, f.rehy.PendingDescriptors(), 1)
}

func TestPrimaryReplacementDestroysPrevious(t *testing.T) {
	f := newFixture(t, Policy{})
	a := f.join("conn-a", identity.Nil)
	old, err := f.world.Spawn(avatarAsset, sim.DefaultTransform(), "")
	require.NoError(t, err)
	require.NoError(t, f.world.SetPrimary("conn-a", old.ID()))

	report := f.rehy.Apply(context.Background(), snapshot.Snapshot{Objects: []snapshot.Descriptor{
		{AssetID: avatarAsset, Owner: a, Primary: true, Transform: at(5), Components: [][]byte{nil}},
	}})
	require.Equal(t, 1, report.Applied)

	_, alive := f.world.Object(old.ID())
	assert.False(t, alive, "previous primary is destroyed")
	assert.Equal(t, report.Objects[0], f.world.PrimaryOf("conn-a"))
	assert.Equal(t, 1, f.world.Len())
}

func TestSceneObjectIsReboundAndPlaced(t *testing.T) {
	f := newFixture(t, Policy{})
	b := f.join("conn-b", identity.Nil)
	door, err := f.world.PlaceScene(7, &world.Prototype{Asset: crateAsset, Components: []world.ComponentFactory{world.NewBlob([]byte("closed"))}}, sim.DefaultTransform())
	require.NoError(t, err)

	report := f.rehy.Apply(context.Background(), snapshot.Snapshot{Objects: []snapshot.Descriptor{
		{SceneID: 7, Owner: b, Transform: at(4), Components: [][]byte{[]byte("open")}},
	}})
	require.Equal(t, 1, report.Applied)
	assert.Equal(t, door.ID(), report.Objects[0])
	assert.Equal(t, 1, f.world.Len())
	assert.True(t, door.Transform().ApproxEqual(at(4), 1e-9))
	assert.Equal(t, []byte("open"), blobOf(t, f.world, door.ID()))
	conn, _ := f.world.OwnerOf(door.ID())
	assert.Equal(t, sim.ConnID("conn-b"), conn)
}

func TestCapturedSceneObjectRoundTrips(t *testing.T) {
	source := newFixture(t, Policy{})
	a := source.join("conn-a", identity.Nil)
	placed := sim.Transform{Position: sim.Vec3{X: 2, Y: 5, Z: -1}, Rotation: sim.IdentityRotation, Scale: sim.Vec3{X: 1, Y: 2, Z: 1}}
	door, err := source.world.PlaceScene(11, &world.Prototype{Asset: crateAsset, Components: []world.ComponentFactory{world.NewBlob([]byte("closed"))}}, sim.DefaultTransform())
	require.NoError(t, err)
	require.NoError(t, source.world.Place(door.ID(), placed))
	door.Component(0).(*world.Blob).Set([]byte("ajar"))
	require.NoError(t, source.world.AssignOwner(door.ID(), "conn-a"))
	ownership.NewReconciler(source.table, nil, ownership.ReconcilerConfig{}).Reconcile(context.Background(), 1, source.world)

	snap, capture := snapshot.NewSerializer(source.world, source.table, snapshot.Config{Session: "scene"}).Capture(context.Background(), 1)
	require.Equal(t, 1, capture.Objects)
	data, err := snapshot.Encode(snap)
	require.NoError(t, err)
	carried, err := snapshot.Decode(data)
	require.NoError(t, err)
	require.Len(t, carried.Objects, 1)
	assert.Equal(t, sim.SceneID(11), carried.Objects[0].SceneID)
	assert.Equal(t, crateAsset, carried.Objects[0].AssetID)
	assert.Equal(t, a, carried.Objects[0].Owner)

	dest := newFixture(t, Policy{})
	fresh, err := dest.world.PlaceScene(11, &world.Prototype{Asset: crateAsset, Components: []world.ComponentFactory{world.NewBlob([]byte("closed"))}}, sim.DefaultTransform())
	require.NoError(t, err)
	report := dest.rehy.Apply(context.Background(), carried)
	require.Equal(t, 1, report.Queued)
	assert.Equal(t, []byte("closed"), blobOf(t, dest.world, fresh.ID()))

	dest.join("conn-a2", a)
	assert.Equal(t, 1, dest.world.Len())
	assert.Equal(t, sim.SceneID(11), fresh.SceneID())
	assert.Equal(t, crateAsset, fresh.AssetID())
	assert.True(t, fresh.Transform().ApproxEqual(placed, 1e-9))
	assert.Equal(t, []byte("ajar"), blobOf(t, dest.world, fresh.ID()))
	conn, _ := dest.world.OwnerOf(fresh.ID())
	assert.Equal(t, sim.ConnID("conn-a2"), conn)
}

func TestUnresolvedAndMismatchedDescriptorsDoNotAbort(t *testing.T) {
	f := newFixture(t, Policy{})
	report := f.rehy.Apply(context.Background(), snapshot.Snapshot{Objects: []snapshot.Descriptor{
		{AssetID: ghostAsset, Transform: at(1)},
		{Transform: at(2)},
		{SceneID: 99, Transform: at(3)},
		{AssetID: crateAsset, Transform: at(4), Components: [][]byte{[]byte("a"), []byte("b")}},
		{AssetID: avatarAsset, Transform: at(5), Components: [][]byte{[]byte("fallback")}},
	}})

	assert.Equal(t, 3, report.Failed)
	assert.Equal(t, 2, report.Applied)
	for _, failure := range report.Failures {
		assert.ErrorIs(t, failure.Err, ErrUnresolved)
	}
	assert.Equal(t, []int{0, 1, 2}, []int{report.Failures[0].Index, report.Failures[1].Index, report.Failures[2].Index})

	require.Len(t, report.Warnings, 1)
	assert.Equal(t, 3, report.Warnings[0].Index)
	assert.ErrorIs(t, report.Warnings[0].Err, ErrComponentMismatch)
	assert.Empty(t, blobOf(t, f.world, report.Objects[0]), "mismatched components are left untouched")
	assert.Equal(t, []byte("fallback"), blobOf(t, f.world, report.Objects[1]))
	assert.Len(t, f.events.EventsOfType(loggingmigration.EventDescriptorFailed), 3)
}

func TestRetentionPolicy(t *testing.T) {
	t.Run("max age", func(t *testing.T) {
		f := newFixture(t, Policy{MaxAge: time.Minute})
		a := newToken()
		f.rehy.Apply(context.Background(), snapshot.Snapshot{Objects: []snapshot.Descriptor{{AssetID: crateAsset, Owner: a}}})

		assert.Zero(t, f.rehy.Evict(context.Background(), f.now.Add(30*time.Second)))
		assert.Equal(t, 1, f.rehy.Evict(context.Background(), f.now.Add(2*time.Minute)))
		assert.Zero(t, f.rehy.PendingCount())

		f.join("late", a)
		assert.Zero(t, f.world.Len(), "evicted descriptors never materialise")
		assert.Len(t, f.events.EventsOfType(loggingmigration.EventPendingEvicted), 1)
	})

	t.Run("max entries drops oldest", func(t *testing.T) {
		f := newFixture(t, Policy{MaxEntries: 2})
		a, b := newToken(), newToken()
		f.rehy.Apply(context.Background(), snapshot.Snapshot{Objects: []snapshot.Descriptor{
			{AssetID: crateAsset, Owner: a},
			{AssetID: crateAsset, Owner: b},
			{AssetID: crateAsset, Owner: b},
		}})
		assert.Equal(t, 2, f.rehy.PendingCount())
		assert.Equal(t, []identity.Token{b}, f.rehy.PendingTokens())
	})

	t.Run("explicit", func(t *testing.T) {
		f := newFixture(t, Policy{})
		a := newToken()
		f.rehy.Apply(context.Background(), snapshot.Snapshot{Objects: []snapshot.Descriptor{{AssetID: crateAsset, Owner: a}}})
		assert.Zero(t, f.rehy.Evict(context.Background(), f.now.Add(24*time.Hour)), "zero max age retains indefinitely")
		assert.Equal(t, 1, f.rehy.EvictToken(context.Background(), a))
		assert.Zero(t, f.rehy.EvictToken(context.Background(), a))
	})
}

func TestPendingArenaRecyclesSlots(t *testing.T) {
	p := newPending()
	a, b := newToken(), newToken()
	p.push(a, 0, snapshot.Descriptor{}, time.Time{})
	p.push(b, 1, snapshot.Descriptor{}, time.Time{})
	require.Len(t, p.take(a), 1)

	p.push(b, 2, snapshot.Descriptor{}, time.Time{})
	assert.Len(t, p.slots, 2, "freed slot is reused")
	entries := p.take(b)
	require.Len(t, entries, 2)
	assert.Equal(t, []int{1, 2}, []int{entries[0].index, entries[1].index})
	assert.Zero(t, p.count)
}
