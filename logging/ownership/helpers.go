package ownership

import (
	"context"

	"hostswap/logging"
)

const (
	// EventDelta is emitted for every ownership delta the host broadcasts.
	EventDelta logging.EventType = "ownership.delta"
	// EventPrimaryDelta is emitted for every primary-object delta the host broadcasts.
	EventPrimaryDelta logging.EventType = "ownership.primary_delta"
	// EventReconciled summarises a reconciliation pass that changed anything.
	EventReconciled logging.EventType = "ownership.reconciled"
)

// DeltaPayload describes a single ownership change.
type DeltaPayload struct {
	ObjectID uint32 `json:"objectId"`
	Owner    string `json:"owner,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// PrimaryPayload describes a primary-object change.
type PrimaryPayload struct {
	ObjectID uint32 `json:"objectId"`
	Previous uint32 `json:"previous,omitempty"`
}

// ReconciledPayload summarises one pass.
type ReconciledPayload struct {
	Added     int `json:"added"`
	Moved     int `json:"moved"`
	Cleared   int `json:"cleared"`
	Primaries int `json:"primaries"`
}

// ObjectRef builds the reference for an object id.
func ObjectRef(id string) logging.EntityRef {
	return logging.EntityRef{ID: id, Kind: logging.EntityKindObject}
}

// Delta publishes a debug event for an ownership delta.
func Delta(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload DeltaPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventDelta,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryOwnership,
		Payload:  payload,
	})
}

// PrimaryDelta publishes a debug event for a primary-object delta.
func PrimaryDelta(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PrimaryPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventPrimaryDelta,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryOwnership,
		Payload:  payload,
	})
}

// Reconciled publishes the summary of a pass.
func Reconciled(ctx context.Context, pub logging.Publisher, tick uint64, payload ReconciledPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventReconciled,
		Tick:     tick,
		Actor:    logging.HostRef,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryOwnership,
		Payload:  payload,
	})
}
