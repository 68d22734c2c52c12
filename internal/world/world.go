// Package world is an in-memory simulation layer. The server binary runs on
// it and the protocol tests use it as ground truth.
package world

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"hostswap/internal/sim"
)

var (
	// ErrUnknownConnection is returned for operations on a connection the world has not seen.
	ErrUnknownConnection = errors.New("world: unknown connection")
	// ErrNilPrototype is returned when Instantiate is called without a template.
	ErrNilPrototype = errors.New("world: nil prototype")
)

// Prototype is a spawnable template.
type Prototype struct {
	Asset      sim.AssetID
	Name       string
	Components []ComponentFactory
}

// AssetID implements sim.Prototype.
func (p *Prototype) AssetID() sim.AssetID {
	return p.Asset
}

// Object is a live entity.
type Object struct {
	id         sim.ObjectID
	asset      sim.AssetID
	scene      sim.SceneID
	transform  sim.Transform
	components []sim.Component
}

func (o *Object) ID() sim.ObjectID              { return o.id }
func (o *Object) AssetID() sim.AssetID          { return o.asset }
func (o *Object) SceneID() sim.SceneID          { return o.scene }
func (o *Object) Transform() sim.Transform      { return o.transform }
func (o *Object) Components() []sim.Component   { return o.components }
func (o *Object) Component(i int) sim.Component { return o.components[i] }

type connState struct {
	primary sim.ObjectID
}

// World holds every live object plus the authority bookkeeping a network
// engine would normally keep per connection.
type World struct {
	mu         sync.Mutex
	nextID     sim.ObjectID
	objects    map[sim.ObjectID]*Object
	order      []sim.ObjectID
	prototypes map[sim.AssetID]*Prototype
	primary    *Prototype
	scene      map[sim.SceneID]sim.ObjectID
	conns      map[sim.ConnID]*connState
	owners     map[sim.ObjectID]sim.ConnID
}

// New constructs an empty world.
func New() *World {
	return &World{
		objects:    make(map[sim.ObjectID]*Object),
		prototypes: make(map[sim.AssetID]*Prototype),
		scene:      make(map[sim.SceneID]sim.ObjectID),
		conns:      make(map[sim.ConnID]*connState),
		owners:     make(map[sim.ObjectID]sim.ConnID),
	}
}

// RegisterPrototype makes a template resolvable by asset id.
func (w *World) RegisterPrototype(proto *Prototype) {
	if proto == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prototypes[proto.Asset] = proto
}

// SetDefaultPrimaryPrototype configures the participant avatar template. It is
// deliberately not registered for asset lookup.
func (w *World) SetDefaultPrimaryPrototype(proto *Prototype) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.primary = proto
}

// PlaceScene creates a pre-placed object bound to a scene slot.
func (w *World) PlaceScene(slot sim.SceneID, proto *Prototype, transform sim.Transform) (*Object, error) {
	if proto == nil {
		return nil, ErrNilPrototype
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	obj := w.instantiateLocked(proto, transform)
	obj.scene = slot
	w.scene[slot] = obj.id
	return obj, nil
}

// Spawn instantiates a registered prototype and assigns it to owner. An empty
// owner leaves the object host-owned.
func (w *World) Spawn(asset sim.AssetID, transform sim.Transform, owner sim.ConnID) (*Object, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	proto, ok := w.prototypes[asset]
	if !ok {
		if w.primary == nil || w.primary.Asset != asset {
			return nil, fmt.Errorf("spawn %s: %w", asset, ErrNilPrototype)
		}
		proto = w.primary
	}
	obj := w.instantiateLocked(proto, transform)
	if owner != "" {
		if err := w.assignOwnerLocked(obj.id, owner); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// Connect makes conn a live connection.
func (w *World) Connect(conn sim.ConnID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.conns[conn]; !ok {
		w.conns[conn] = &connState{}
	}
}

// Disconnect drops conn. Its primary object is destroyed and every other
// object it owned returns to the host.
func (w *World) Disconnect(conn sim.ConnID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	state, ok := w.conns[conn]
	if !ok {
		return
	}
	delete(w.conns, conn)
	if state.primary != 0 {
		w.destroyLocked(state.primary)
	}
	for id, owner := range w.owners {
		if owner == conn {
			delete(w.owners, id)
		}
	}
}

// Object returns a live object by id.
func (w *World) Object(id sim.ObjectID) (*Object, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	obj, ok := w.objects[id]
	return obj, ok
}

// OwnerOf reports the connection that currently owns id.
func (w *World) OwnerOf(id sim.ObjectID) (sim.ConnID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	conn, ok := w.owners[id]
	return conn, ok
}

// Len reports the number of live objects.
func (w *World) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.objects)
}

// Objects implements sim.World in spawn order.
func (w *World) Objects() []sim.Object {
	w.mu.Lock()
	defer w.mu.Unlock()
	objects := make([]sim.Object, 0, len(w.order))
	for _, id := range w.order {
		objects = append(objects, w.objects[id])
	}
	return objects
}

// Instantiate implements sim.World.
func (w *World) Instantiate(proto sim.Prototype, transform sim.Transform) (sim.Object, error) {
	template, ok := proto.(*Prototype)
	if !ok || template == nil {
		return nil, ErrNilPrototype
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.instantiateLocked(template, transform), nil
}

// Place implements sim.World.
func (w *World) Place(id sim.ObjectID, transform sim.Transform) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	obj, ok := w.objects[id]
	if !ok {
		return fmt.Errorf("place %d: %w", id, sim.ErrUnknownObject)
	}
	obj.transform = transform
	return nil
}

// Destroy implements sim.World.
func (w *World) Destroy(id sim.ObjectID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.objects[id]; !ok {
		return fmt.Errorf("destroy %d: %w", id, sim.ErrUnknownObject)
	}
	w.destroyLocked(id)
	return nil
}

// ResolvePrototype implements sim.World.
func (w *World) ResolvePrototype(asset sim.AssetID) (sim.Prototype, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	proto, ok := w.prototypes[asset]
	if !ok {
		return nil, false
	}
	return proto, true
}

// DefaultPrimaryPrototype implements sim.World.
func (w *World) DefaultPrimaryPrototype() sim.Prototype {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.primary == nil {
		return nil
	}
	return w.primary
}

// ResolveSceneObject implements sim.World.
func (w *World) ResolveSceneObject(slot sim.SceneID) (sim.Object, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.scene[slot]
	if !ok {
		return nil, false
	}
	return w.objects[id], true
}

// Connections implements sim.Authority.
func (w *World) Connections() []sim.ConnID {
	w.mu.Lock()
	defer w.mu.Unlock()
	conns := make([]sim.ConnID, 0, len(w.conns))
	for conn := range w.conns {
		conns = append(conns, conn)
	}
	slices.Sort(conns)
	return conns
}

// OwnedBy implements sim.Authority.
func (w *World) OwnedBy(conn sim.ConnID) []sim.ObjectID {
	w.mu.Lock()
	defer w.mu.Unlock()
	var owned []sim.ObjectID
	for id, owner := range w.owners {
		if owner == conn {
			owned = append(owned, id)
		}
	}
	slices.Sort(owned)
	return owned
}

// PrimaryOf implements sim.Authority.
func (w *World) PrimaryOf(conn sim.ConnID) sim.ObjectID {
	w.mu.Lock()
	defer w.mu.Unlock()
	if state, ok := w.conns[conn]; ok {
		return state.primary
	}
	return 0
}

// AssignOwner implements sim.Authority.
func (w *World) AssignOwner(id sim.ObjectID, conn sim.ConnID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.objects[id]; !ok {
		return fmt.Errorf("assign owner %d: %w", id, sim.ErrUnknownObject)
	}
	if conn == "" {
		w.releaseLocked(id)
		return nil
	}
	return w.assignOwnerLocked(id, conn)
}

// SetPrimary implements sim.Authority. The object also becomes owned by conn.
func (w *World) SetPrimary(conn sim.ConnID, id sim.ObjectID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	state, ok := w.conns[conn]
	if !ok {
		return fmt.Errorf("set primary for %s: %w", conn, ErrUnknownConnection)
	}
	if id == 0 {
		state.primary = 0
		return nil
	}
	if err := w.assignOwnerLocked(id, conn); err != nil {
		return err
	}
	state.primary = id
	return nil
}

func (w *World) instantiateLocked(proto *Prototype, transform sim.Transform) *Object {
	w.nextID++
	obj := &Object{
		id:        w.nextID,
		asset:     proto.Asset,
		transform: transform,
	}
	for _, factory := range proto.Components {
		if factory == nil {
			continue
		}
		obj.components = append(obj.components, factory())
	}
	w.objects[obj.id] = obj
	w.order = append(w.order, obj.id)
	return obj
}

func (w *World) assignOwnerLocked(id sim.ObjectID, conn sim.ConnID) error {
	if _, ok := w.objects[id]; !ok {
		return fmt.Errorf("assign owner %d: %w", id, sim.ErrUnknownObject)
	}
	if _, ok := w.conns[conn]; !ok {
		return fmt.Errorf("assign owner %d to %s: %w", id, conn, ErrUnknownConnection)
	}
	w.releaseLocked(id)
	w.owners[id] = conn
	return nil
}

// releaseLocked returns id to the host, clearing any primary designation.
func (w *World) releaseLocked(id sim.ObjectID) {
	previous, ok := w.owners[id]
	if !ok {
		return
	}
	delete(w.owners, id)
	if state, ok := w.conns[previous]; ok && state.primary == id {
		state.primary = 0
	}
}

func (w *World) destroyLocked(id sim.ObjectID) {
	obj, ok := w.objects[id]
	if !ok {
		return
	}
	w.releaseLocked(id)
	delete(w.objects, id)
	if obj.scene != 0 && w.scene[obj.scene] == id {
		delete(w.scene, obj.scene)
	}
	for i, candidate := range w.order {
		if candidate == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

var _ sim.Simulation = (*World)(nil)
