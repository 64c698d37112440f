// Package agent holds the per-agent data model: lifecycle status, the
// bounded output buffer with its extract-then-discard trim protocol, ANSI
// stripping, and completion-signal detection.
//
// Key components:
//   - Agent: bookkeeping record for one child-process worker
//   - Buffer: capped output accumulator (TrimAt/Keep)
//   - DetectSignal: HOMER_DONE / HOMER_BLOCKED scanning on stripped tails
package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/homerhq/homer/pkg/task"
)

// VerifyRecord summarizes one failed verification attempt. The supervisor
// replays these in retry feedback and reroute hand-offs.
type VerifyRecord struct {
	Attempt      int      `json:"attempt"`
	FailedChecks []string `json:"failedChecks"`
	OutputHead   string   `json:"outputHead"`
}

// Agent is one child-process worker. Fields are mutated only from the
// supervisor's coordination goroutine; Buffer carries its own lock for the
// PTY reader.
type Agent struct {
	ID              string
	ToolID          string
	Status          Status
	VerifyAttempts  int
	Task            *task.WorkUnit // nil in interactive mode
	Buffer          *Buffer
	VerifyHistory   []VerifyRecord
	InjectedRuleIDs []int64
	StartedAt       time.Time
}

// New creates a working agent record. The record is never reused after a
// terminal status.
func New(id, toolID string, unit *task.WorkUnit) *Agent {
	return &Agent{
		ID:        id,
		ToolID:    toolID,
		Status:    StatusWorking,
		Task:      unit,
		Buffer:    NewBuffer(),
		StartedAt: time.Now(),
	}
}

// RecordVerifyFailure appends to the verify history and refreshes the
// buffer digest so the history survives trims.
func (a *Agent) RecordVerifyFailure(attempt int, failedChecks []string, outputHead string) {
	a.VerifyHistory = append(a.VerifyHistory, VerifyRecord{
		Attempt:      attempt,
		FailedChecks: failedChecks,
		OutputHead:   outputHead,
	})
	a.Buffer.SetDigest(a.HistoryDigest())
}

// HistoryDigest renders the verify-history block reinstated at the front of
// the buffer after each trim.
func (a *Agent) HistoryDigest() string {
	if len(a.VerifyHistory) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("=== VERIFY HISTORY ===\n")
	for _, rec := range a.VerifyHistory {
		fmt.Fprintf(&b, "attempt %d failed: %s\n", rec.Attempt, strings.Join(rec.FailedChecks, ", "))
		if rec.OutputHead != "" {
			fmt.Fprintf(&b, "  %s\n", rec.OutputHead)
		}
	}
	b.WriteString("======================\n")
	return b.String()
}

// Snapshot is the JSON shape served on the state surface.
type Snapshot struct {
	ID             string        `json:"id"`
	Tool           string        `json:"tool"`
	Status         Status        `json:"status"`
	Task           *task.UnitRef `json:"task,omitempty"`
	VerifyAttempts int           `json:"verifyAttempts"`
	StartedAt      time.Time     `json:"startedAt"`
	OutputBytes    int           `json:"outputBytes"`
}

func (a *Agent) Snapshot() Snapshot {
	return Snapshot{
		ID:             a.ID,
		Tool:           a.ToolID,
		Status:         a.Status,
		Task:           a.Task.Ref(),
		VerifyAttempts: a.VerifyAttempts,
		StartedAt:      a.StartedAt,
		OutputBytes:    a.Buffer.Len(),
	}
}
