// Package types defines the core data structures of the streambed event
// stream engine: events, version tokens, object documents and chunk layout.
//
// Everything in this package is a plain value type. Stores and the stream
// engine depend on it; it depends on nothing but the standard library.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// StreamClosedEventType is the well-known type name of the marker event
// written to the tail of a source stream when a live migration closes it.
// Late readers of the old stream see it and know the stream is no longer
// authoritative. It is never copied to the migration target.
const StreamClosedEventType = "StreamClosedEvent"

// ActionMetadata carries per-event causality and idempotency context.
// All fields are optional; a zero ActionMetadata serializes to {} and is
// dropped from the event envelope entirely.
//
// Property names are part of the wire format and must not change.
type ActionMetadata struct {
	CorrelationID      string     `json:"CorrelationId,omitempty"`
	CausationID        string     `json:"CausationId,omitempty"`
	OriginatedFromUser string     `json:"OriginatedFromUser,omitempty"`
	EventOccuredAt     *time.Time `json:"EventOccuredAt,omitempty"`
	IdempotentKey      string     `json:"IdempotentKey,omitempty"`
}

// IsZero reports whether no field of the metadata is set.
func (m *ActionMetadata) IsZero() bool {
	if m == nil {
		return true
	}
	return m.CorrelationID == "" &&
		m.CausationID == "" &&
		m.OriginatedFromUser == "" &&
		m.EventOccuredAt == nil &&
		m.IdempotentKey == ""
}

// Event is one immutable record in a stream.
//
// Payload is opaque to the engine (typically JSON produced by the event
// type registry). Version is the 0-based position of the event in its
// stream, never its chunk. Events are created inside a leased session and
// become durable at commit; they are never rewritten afterwards.
type Event struct {
	Payload           string
	Type              string
	Version           int64
	SchemaVersion     int
	ExternalSequencer string
	Action            *ActionMetadata
	Metadata          map[string]string
}

// eventWire is the serialized envelope. SchemaVersion is handled by hand:
// the wire default is 1 and the default is elided, which omitempty alone
// cannot express.
type eventWire struct {
	Payload           string            `json:"payload"`
	Type              string            `json:"type"`
	Version           int64             `json:"version"`
	SchemaVersion     int               `json:"schemaVersion,omitempty"`
	ExternalSequencer string            `json:"exseq,omitempty"`
	Action            *ActionMetadata   `json:"action,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// MarshalJSON implements the bit-exact event envelope: schemaVersion 1 is
// elided, empty action metadata and metadata maps are dropped.
func (e Event) MarshalJSON() ([]byte, error) {
	w := eventWire{
		Payload:           e.Payload,
		Type:              e.Type,
		Version:           e.Version,
		ExternalSequencer: e.ExternalSequencer,
	}
	if e.SchemaVersion > 1 {
		w.SchemaVersion = e.SchemaVersion
	}
	if !e.Action.IsZero() {
		w.Action = e.Action
	}
	if len(e.Metadata) > 0 {
		w.Metadata = e.Metadata
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the envelope; an absent schemaVersion means 1.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decoding event: %w", err)
	}
	e.Payload = w.Payload
	e.Type = w.Type
	e.Version = w.Version
	e.SchemaVersion = w.SchemaVersion
	if e.SchemaVersion == 0 {
		e.SchemaVersion = 1
	}
	e.ExternalSequencer = w.ExternalSequencer
	e.Action = w.Action
	if e.Action.IsZero() {
		e.Action = nil
	}
	e.Metadata = w.Metadata
	return nil
}

// OccurredAt returns the caller-supplied occurrence time, or zero when the
// event carries none.
func (e Event) OccurredAt() time.Time {
	if e.Action != nil && e.Action.EventOccuredAt != nil {
		return *e.Action.EventOccuredAt
	}
	return time.Time{}
}

// StreamClosedPayload is the payload of a StreamClosedEventType event.
type StreamClosedPayload struct {
	MigrationID    string    `json:"migrationId"`
	TargetStreamID string    `json:"targetStreamIdentifier"`
	ClosedAt       time.Time `json:"closedAt"`
}

// NewStreamClosedEvent builds the close marker appended to a source stream
// by the live-migration executor. version is the marker's position in the
// source stream (head+1).
func NewStreamClosedEvent(version int64, migrationID, targetStreamID string) (Event, error) {
	payload, err := json.Marshal(StreamClosedPayload{
		MigrationID:    migrationID,
		TargetStreamID: targetStreamID,
		ClosedAt:       time.Now().UTC(),
	})
	if err != nil {
		return Event{}, fmt.Errorf("encoding stream-closed payload: %w", err)
	}
	return Event{
		Payload:       string(payload),
		Type:          StreamClosedEventType,
		Version:       version,
		SchemaVersion: 1,
	}, nil
}
