package migration

import (
	"context"

	"hostswap/logging"
)

const (
	// EventCaptured is emitted once the old host has captured its snapshot.
	EventCaptured logging.EventType = "migration.captured"
	// EventResumed is emitted once a new host has applied a snapshot.
	EventResumed logging.EventType = "migration.resumed"
	// EventDescriptorQueued is emitted when a descriptor waits for its owner to reconnect.
	EventDescriptorQueued logging.EventType = "migration.descriptor_queued"
	// EventDescriptorApplied is emitted when a descriptor is materialised.
	EventDescriptorApplied logging.EventType = "migration.descriptor_applied"
	// EventDescriptorFailed is emitted when a descriptor cannot be materialised.
	EventDescriptorFailed logging.EventType = "migration.descriptor_failed"
	// EventPendingEvicted is emitted when the retention policy drops pending descriptors.
	EventPendingEvicted logging.EventType = "migration.pending_evicted"
)

// CapturedPayload summarises a capture.
type CapturedPayload struct {
	Objects int `json:"objects"`
	Skipped int `json:"skipped"`
}

// ResumedPayload summarises a rehydration pass.
type ResumedPayload struct {
	Applied int `json:"applied"`
	Queued  int `json:"queued"`
	Failed  int `json:"failed"`
}

// DescriptorPayload identifies a descriptor inside a snapshot.
type DescriptorPayload struct {
	Index   int    `json:"index"`
	Asset   string `json:"asset,omitempty"`
	Scene   uint64 `json:"scene,omitempty"`
	Owner   string `json:"owner,omitempty"`
	Primary bool   `json:"primary,omitempty"`
	Object  uint32 `json:"object,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// EvictedPayload reports what the retention policy dropped.
type EvictedPayload struct {
	Owner       string `json:"owner"`
	Descriptors int    `json:"descriptors"`
	Reason      string `json:"reason"`
}

func publish(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	event.Category = logging.CategoryMigration
	pub.Publish(ctx, event)
}

// Captured publishes a capture summary.
func Captured(ctx context.Context, pub logging.Publisher, tick uint64, payload CapturedPayload) {
	publish(ctx, pub, logging.Event{Type: EventCaptured, Tick: tick, Actor: logging.HostRef, Severity: logging.SeverityInfo, Payload: payload})
}

// Resumed publishes a rehydration summary.
func Resumed(ctx context.Context, pub logging.Publisher, tick uint64, payload ResumedPayload) {
	publish(ctx, pub, logging.Event{Type: EventResumed, Tick: tick, Actor: logging.HostRef, Severity: logging.SeverityInfo, Payload: payload})
}

// DescriptorQueued publishes a debug event for a deferred descriptor.
func DescriptorQueued(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload DescriptorPayload) {
	publish(ctx, pub, logging.Event{Type: EventDescriptorQueued, Tick: tick, Actor: actor, Severity: logging.SeverityDebug, Payload: payload})
}

// DescriptorApplied publishes a debug event for a materialised descriptor.
func DescriptorApplied(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload DescriptorPayload) {
	publish(ctx, pub, logging.Event{Type: EventDescriptorApplied, Tick: tick, Actor: actor, Severity: logging.SeverityDebug, Payload: payload})
}

// DescriptorFailed publishes a warning for a descriptor that was skipped.
func DescriptorFailed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload DescriptorPayload) {
	publish(ctx, pub, logging.Event{Type: EventDescriptorFailed, Tick: tick, Actor: actor, Severity: logging.SeverityWarn, Payload: payload})
}

// PendingEvicted publishes a warning when queued descriptors are dropped.
func PendingEvicted(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload EvictedPayload) {
	publish(ctx, pub, logging.Event{Type: EventPendingEvicted, Tick: tick, Actor: actor, Severity: logging.SeverityWarn, Payload: payload})
}
