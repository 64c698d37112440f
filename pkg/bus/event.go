// Package bus carries the orchestrator's typed event stream to
// subscribers. Publishers never block: a subscriber that stops draining
// its channel is disconnected rather than slowing the canonical stream.
package bus

import (
	"time"

	"github.com/homerhq/homer/pkg/verify"
)

// EventType discriminates Event payloads.
type EventType string

const (
	EventAgentSpawned  EventType = "agent:spawned"
	EventAgentOutput   EventType = "agent:output"
	EventAgentStatus   EventType = "agent:status"
	EventAgentDone     EventType = "agent:done"
	EventAgentRerouted EventType = "agent:rerouted"
	EventVerifyStart   EventType = "verify:start"
	EventVerifyResult  EventType = "verify:result"
	EventState         EventType = "state"
	EventSessionFound  EventType = "session:found"
	EventError         EventType = "error"
)

// Event is the single wire shape for all event types; unused fields are
// omitted from JSON. Ts is stamped by Publish when zero.
type Event struct {
	Type EventType `json:"type"`
	Ts   time.Time `json:"ts"`

	// agent:* fields.
	ID   string `json:"id,omitempty"`
	Tool string `json:"tool,omitempty"`
	Task string `json:"task,omitempty"`
	Data string `json:"data,omitempty"`

	// agent:status. Prev is set only when the status actually changed.
	Status string  `json:"status,omitempty"`
	Prev   *string `json:"prev,omitempty"`

	// agent:rerouted.
	OldID  string `json:"oldId,omitempty"`
	NewID  string `json:"newId,omitempty"`
	Reason string `json:"reason,omitempty"`

	// verify:result.
	Passed  *bool                `json:"passed,omitempty"`
	Attempt int                  `json:"attempt,omitempty"`
	Max     int                  `json:"max,omitempty"`
	Results []verify.CheckResult `json:"results,omitempty"`

	// state and session:found snapshots.
	Snapshot any `json:"snapshot,omitempty"`
	Session  any `json:"session,omitempty"`

	// error.
	Message string `json:"message,omitempty"`
}

// Bool returns a pointer for the Passed field.
func Bool(v bool) *bool { return &v }

// Str returns a pointer for the Prev field.
func Str(v string) *string { return &v }
