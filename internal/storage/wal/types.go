package wal

import "encoding/json"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventPut    EventType = "PUT"    // Job document written
	EventDelete EventType = "DELETE" // Job removed
)

// Event represents a WAL event record. One event is one JSON line.
type Event struct {
	Seq       uint64          `json:"seq"`                // monotonically increasing within a file
	Type      EventType       `json:"type"`               // Event type
	JobID     string          `json:"job_id"`             // Job ID
	Document  json.RawMessage `json:"document,omitempty"` // Full job document for PUT
	Timestamp int64           `json:"timestamp"`          // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`           // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
