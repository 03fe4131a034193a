package events

import (
	"time"

	"github.com/lindung-io/lindung/internal/aggregate"
	"github.com/lindung-io/lindung/internal/track"
)

// EventType discriminates hub events
type EventType string

const (
	// EventTypePhase is emitted on every committed phase transition
	EventTypePhase EventType = "phase_change"
	// EventTypeResults is emitted when a phase persists aggregated results
	EventTypeResults EventType = "results"
	// EventTypeDrift is emitted for metadata drift and data change events
	EventTypeDrift EventType = "drift"
)

// Event is one message pushed to connected clients. Payloads only ever
// carry masked samples.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// PhaseEvent announces a phase transition of a running scan
type PhaseEvent struct {
	TargetID int64  `json:"target_id"`
	RunID    string `json:"run_id"`
	Phase    string `json:"phase"`
}

// ResultsEvent carries freshly persisted aggregates
type ResultsEvent struct {
	TargetID int64                  `json:"target_id"`
	Results  []aggregate.ScanResult `json:"results"`
	Total    int                    `json:"total"`
}

// DriftEventPayload wraps tracker drift events for broadcast
type DriftEventPayload struct {
	Events []track.DriftEvent `json:"events"`
}
