package lifecycle

import (
	"context"

	"hostswap/logging"
)

const (
	// EventParticipantRegistered is emitted when a connection is bound to a token.
	EventParticipantRegistered logging.EventType = "lifecycle.participant_registered"
	// EventDuplicateRegistration is emitted when a token is announced while bound to another live connection.
	EventDuplicateRegistration logging.EventType = "lifecycle.duplicate_registration"
	// EventParticipantDisconnected is emitted when a participant's connection drops.
	EventParticipantDisconnected logging.EventType = "lifecycle.participant_disconnected"
)

// RegisteredPayload describes how a token was obtained.
type RegisteredPayload struct {
	Connection string `json:"connection"`
	Reconnect  bool   `json:"reconnect"`
	Local      bool   `json:"local,omitempty"`
}

// DuplicatePayload captures both sides of a duplicate announcement.
type DuplicatePayload struct {
	Connection string `json:"connection"`
	Holder     string `json:"holder"`
	Assigned   string `json:"assigned"`
}

// DisconnectedPayload captures the connection that was orphaned.
type DisconnectedPayload struct {
	Connection string `json:"connection"`
}

// ParticipantRef builds the actor reference for a token.
func ParticipantRef(token string) logging.EntityRef {
	return logging.EntityRef{ID: token, Kind: logging.EntityKindParticipant}
}

// ParticipantRegistered publishes a registration event.
func ParticipantRegistered(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload RegisteredPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventParticipantRegistered,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}

// DuplicateRegistration publishes a warning when first-registration-wins kicks in.
func DuplicateRegistration(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload DuplicatePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventDuplicateRegistration,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}

// ParticipantDisconnected publishes a disconnect event.
func ParticipantDisconnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload DisconnectedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventParticipantDisconnected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Payload:  payload,
	})
}
