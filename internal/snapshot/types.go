// Package snapshot captures the live world as a plain value on the outgoing
// host and carries it to the incoming one.
package snapshot

import (
	"time"

	"hostswap/internal/identity"
	"hostswap/internal/sim"
)

// Descriptor is everything needed to re-create one object.
type Descriptor struct {
	AssetID    sim.AssetID    `cbor:"1,keyasint" json:"assetId"`
	SceneID    sim.SceneID    `cbor:"2,keyasint,omitempty" json:"sceneId,omitempty"`
	Owner      identity.Token `cbor:"3,keyasint" json:"owner"`
	Primary    bool           `cbor:"4,keyasint,omitempty" json:"primary,omitempty"`
	Transform  sim.Transform  `cbor:"5,keyasint" json:"transform"`
	Components [][]byte       `cbor:"6,keyasint,omitempty" json:"components,omitempty"`
}

// Snapshot is an ordered list of descriptors plus capture metadata. It holds
// no references into the world it was taken from.
type Snapshot struct {
	Session    string       `cbor:"1,keyasint,omitempty" json:"session,omitempty"`
	CapturedAt time.Time    `cbor:"2,keyasint" json:"capturedAt"`
	Objects    []Descriptor `cbor:"3,keyasint" json:"objects"`
}

// Owners lists the distinct non-nil owner tokens in descriptor order.
func (s Snapshot) Owners() []identity.Token {
	seen := make(map[identity.Token]struct{})
	var owners []identity.Token
	for _, d := range s.Objects {
		if d.Owner.IsNil() {
			continue
		}
		if _, ok := seen[d.Owner]; ok {
			continue
		}
		seen[d.Owner] = struct{}{}
		owners = append(owners, d.Owner)
	}
	return owners
}

// Clone deep-copies the snapshot including component blobs.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Objects = make([]Descriptor, len(s.Objects))
	for i, d := range s.Objects {
		out.Objects[i] = d.Clone()
	}
	return out
}

// Clone deep-copies the descriptor's component blobs.
func (d Descriptor) Clone() Descriptor {
	out := d
	if d.Components != nil {
		out.Components = make([][]byte, len(d.Components))
		for i, blob := range d.Components {
			out.Components[i] = append([]byte(nil), blob...)
		}
	}
	return out
}
