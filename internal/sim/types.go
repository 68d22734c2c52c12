// Package sim describes the simulation layer that owns live objects. The
// migration protocol only sees it through these interfaces: it never holds
// engine state of its own.
package sim

import (
	"math"

	"github.com/google/uuid"
)

// ObjectID is the host-assigned identifier of a live object. Zero means none.
type ObjectID uint32

// SceneID identifies a pre-placed scene slot. Zero marks runtime-spawned objects.
type SceneID uint64

// AssetID identifies a spawnable prototype.
type AssetID = uuid.UUID

// ConnID is the transport's handle for a live connection.
type ConnID string

// Vec3 is a position or scale vector.
type Vec3 struct {
	X float64 `json:"x" cbor:"1,keyasint"`
	Y float64 `json:"y" cbor:"2,keyasint"`
	Z float64 `json:"z" cbor:"3,keyasint"`
}

// Quat is a rotation quaternion.
type Quat struct {
	X float64 `json:"x" cbor:"1,keyasint"`
	Y float64 `json:"y" cbor:"2,keyasint"`
	Z float64 `json:"z" cbor:"3,keyasint"`
	W float64 `json:"w" cbor:"4,keyasint"`
}

// IdentityRotation is the zero rotation.
var IdentityRotation = Quat{W: 1}

// Transform captures an object's local position, rotation and scale.
type Transform struct {
	Position Vec3 `json:"position" cbor:"1,keyasint"`
	Rotation Quat `json:"rotation" cbor:"2,keyasint"`
	Scale    Vec3 `json:"scale" cbor:"3,keyasint"`
}

// DefaultTransform places an object at the origin with unit scale.
func DefaultTransform() Transform {
	return Transform{Rotation: IdentityRotation, Scale: Vec3{X: 1, Y: 1, Z: 1}}
}

// ApproxEqual compares two transforms component-wise within epsilon.
func (t Transform) ApproxEqual(other Transform, epsilon float64) bool {
	values := [...][2]float64{
		{t.Position.X, other.Position.X},
		{t.Position.Y, other.Position.Y},
		{t.Position.Z, other.Position.Z},
		{t.Rotation.X, other.Rotation.X},
		{t.Rotation.Y, other.Rotation.Y},
		{t.Rotation.Z, other.Rotation.Z},
		{t.Rotation.W, other.Rotation.W},
		{t.Scale.X, other.Scale.X},
		{t.Scale.Y, other.Scale.Y},
		{t.Scale.Z, other.Scale.Z},
	}
	for _, pair := range values {
		if math.Abs(pair[0]-pair[1]) > epsilon {
			return false
		}
	}
	return true
}
