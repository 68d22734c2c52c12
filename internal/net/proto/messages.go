package proto

import (
	"encoding/json"
	"errors"
	"fmt"

	"hostswap/internal/identity"
	"hostswap/internal/sim"
)

const (
	// Version tracks the wire-protocol revision expected by peers.
	Version = 1

	// TypeIdentityAssigned is sent once by the host to a newly registered peer.
	TypeIdentityAssigned = "identityAssigned"
	// TypeOwnershipDelta is broadcast when an object's owner changes.
	TypeOwnershipDelta = "ownershipDelta"
	// TypePrimaryObjectDelta is broadcast when a participant's primary object changes.
	TypePrimaryObjectDelta = "primaryObjectDelta"
	// TypePeerIdentityAnnounce is sent once per connection by a peer.
	TypePeerIdentityAnnounce = "peerIdentityAnnounce"
)

var (
	// ErrUnknownType is returned when decoding a message with an unrecognised type.
	ErrUnknownType = errors.New("proto: unknown message type")
	// ErrUnsupportedVersion is returned for messages from a newer protocol revision.
	ErrUnsupportedVersion = errors.New("proto: unsupported protocol version")
)

// Message is implemented by every wire message.
type Message interface {
	MessageType() string
}

// IdentityAssigned tells a peer its session token.
type IdentityAssigned struct {
	Token identity.Token
}

// OwnershipDelta reports an object's new owner. A nil token means unowned.
type OwnershipDelta struct {
	ObjectID sim.ObjectID
	Token    identity.Token
}

// PrimaryObjectDelta reports a participant's primary object. Zero means none.
type PrimaryObjectDelta struct {
	Token    identity.Token
	ObjectID sim.ObjectID
}

// PeerIdentityAnnounce carries a token the peer already holds, or the nil
// token on first join.
type PeerIdentityAnnounce struct {
	Token identity.Token
}

func (IdentityAssigned) MessageType() string     { return TypeIdentityAssigned }
func (OwnershipDelta) MessageType() string       { return TypeOwnershipDelta }
func (PrimaryObjectDelta) MessageType() string   { return TypePrimaryObjectDelta }
func (PeerIdentityAnnounce) MessageType() string { return TypePeerIdentityAnnounce }

type wireMessage struct {
	Ver      int            `json:"ver"`
	Type     string         `json:"type"`
	Token    identity.Token `json:"token"`
	ObjectID sim.ObjectID   `json:"objectId,omitempty"`
}

// Encode renders a message as a versioned JSON payload.
func Encode(msg Message) ([]byte, error) {
	wire := wireMessage{Ver: Version}
	switch m := msg.(type) {
	case IdentityAssigned:
		wire.Type, wire.Token = TypeIdentityAssigned, m.Token
	case OwnershipDelta:
		wire.Type, wire.Token, wire.ObjectID = TypeOwnershipDelta, m.Token, m.ObjectID
	case PrimaryObjectDelta:
		wire.Type, wire.Token, wire.ObjectID = TypePrimaryObjectDelta, m.Token, m.ObjectID
	case PeerIdentityAnnounce:
		wire.Type, wire.Token = TypePeerIdentityAnnounce, m.Token
	default:
		return nil, fmt.Errorf("encode %T: %w", msg, ErrUnknownType)
	}
	return json.Marshal(wire)
}

// Decode parses a payload produced by Encode.
func Decode(data []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if wire.Ver > Version {
		return nil, fmt.Errorf("decode %s v%d: %w", wire.Type, wire.Ver, ErrUnsupportedVersion)
	}
	switch wire.Type {
	case TypeIdentityAssigned:
		return IdentityAssigned{Token: wire.Token}, nil
	case TypeOwnershipDelta:
		return OwnershipDelta{ObjectID: wire.ObjectID, Token: wire.Token}, nil
	case TypePrimaryObjectDelta:
		return PrimaryObjectDelta{Token: wire.Token, ObjectID: wire.ObjectID}, nil
	case TypePeerIdentityAnnounce:
		return PeerIdentityAnnounce{Token: wire.Token}, nil
	default:
		return nil, fmt.Errorf("decode %q: %w", wire.Type, ErrUnknownType)
	}
}
