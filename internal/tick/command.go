package tick

import (
	"time"

	"hostswap/internal/identity"
	"hostswap/internal/sim"
)

// CommandType enumerates the transport events the host serialises.
type CommandType string

const (
	// CommandConnect records a new transport connection.
	CommandConnect CommandType = "Connect"
	// CommandAnnounce carries a peer's identity announcement.
	CommandAnnounce CommandType = "Announce"
	// CommandDisconnect records a dropped transport connection.
	CommandDisconnect CommandType = "Disconnect"
)

// Lossless reports whether a command must reach the stepper even when the
// ring is full. A lost disconnect would keep its token bound to a dead
// connection and turn the peer's reconnect into a duplicate.
func (t CommandType) Lossless() bool {
	return t == CommandDisconnect
}

// Command is a transport event captured for processing on the next tick.
type Command struct {
	Type     CommandType    `json:"type"`
	Conn     sim.ConnID     `json:"conn"`
	Token    identity.Token `json:"token,omitempty"`
	IssuedAt time.Time      `json:"issuedAt"`
}
