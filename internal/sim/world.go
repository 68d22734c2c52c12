package sim

import "errors"

// ErrUnknownObject is returned when an operation names an object that is not live.
var ErrUnknownObject = errors.New("sim: unknown object")

// Component is one serializable behaviour attached to an object. The payload
// format is private to the component.
type Component interface {
	Serialize() ([]byte, error)
	Deserialize(data []byte) error
}

// Object is a live entity owned by the simulation layer.
type Object interface {
	ID() ObjectID
	AssetID() AssetID
	SceneID() SceneID
	Transform() Transform
	Components() []Component
}

// Prototype is a spawnable template resolved by asset id.
type Prototype interface {
	AssetID() AssetID
}

// World exposes enumeration and lifecycle of live objects.
type World interface {
	// Objects lists every live object in a session-stable order.
	Objects() []Object
	// Instantiate spawns a new object from a prototype at the given transform.
	// Ownership is left with the host until AssignOwner or SetPrimary is called.
	Instantiate(proto Prototype, transform Transform) (Object, error)
	// Place moves an existing object, used when a scene object is rebound.
	Place(id ObjectID, transform Transform) error
	Destroy(id ObjectID) error
	ResolvePrototype(asset AssetID) (Prototype, bool)
	// DefaultPrimaryPrototype returns the template used for participants'
	// primary objects, or nil when the world has none.
	DefaultPrimaryPrototype() Prototype
	ResolveSceneObject(scene SceneID) (Object, bool)
}

// Authority is the simulation's ground truth for ownership. The reconciliation
// engine polls it; the rehydrator writes through it.
type Authority interface {
	// Connections lists live connections known to the simulation.
	Connections() []ConnID
	// OwnedBy lists objects whose authority currently belongs to conn.
	OwnedBy(conn ConnID) []ObjectID
	// PrimaryOf returns conn's primary object, or zero.
	PrimaryOf(conn ConnID) ObjectID
	// AssignOwner hands authority over an object to conn. An empty conn
	// returns it to the host.
	AssignOwner(id ObjectID, conn ConnID) error
	// SetPrimary designates the connection's primary object, replacing any
	// previous designation without destroying it.
	SetPrimary(conn ConnID, id ObjectID) error
}

// Simulation is the full collaborator used by a session host.
type Simulation interface {
	World
	Authority
}
