package supervisor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/homerhq/homer/pkg/agent"
	"github.com/homerhq/homer/pkg/bus"
	"github.com/homerhq/homer/pkg/config"
	"github.com/homerhq/homer/pkg/schedule"
	"github.com/homerhq/homer/pkg/task"
	"github.com/homerhq/homer/pkg/workspace"
)

// SessionMaxAge is how long a saved session stays resumable.
const SessionMaxAge = 24 * time.Hour

// sessionTailLines is how much stripped output each agent snapshot keeps.
const sessionTailLines = 100

// SessionAgent is one agent's entry in the session file.
type SessionAgent struct {
	ID         string         `json:"id"`
	Task       *task.WorkUnit `json:"task,omitempty"`
	Tool       string         `json:"tool"`
	Status     agent.Status   `json:"status"`
	StartedAt  time.Time      `json:"startedAt"`
	OutputTail []string       `json:"outputTail,omitempty"`
}

// Session is the snapshot written on shutdown and offered for resume on
// the next start in the same repo.
type Session struct {
	SessionID    string         `json:"sessionId"`
	Repo         string         `json:"repo,omitempty"`
	Cwd          string         `json:"cwd"`
	SavedAt      time.Time      `json:"savedAt"`
	ActiveTool   string         `json:"activeTool"`
	Agents       []SessionAgent `json:"agents"`
	AgentCounter int            `json:"agentCounter"`
	Opts         config.Options `json:"opts"`
}

// Expired reports whether the snapshot is too old to resume.
func (s *Session) Expired(now time.Time) bool {
	return now.Sub(s.SavedAt) > SessionMaxAge
}

// resumable statuses get a fresh process on resume. Terminal agents stay
// in the file for the record only; exited ones already went through
// crash handling.
func resumable(status agent.Status) bool {
	switch status {
	case agent.StatusWorking, agent.StatusVerifying, agent.StatusBlocked:
		return true
	default:
		return false
	}
}

// LoadSession reads a session snapshot. A missing file is (nil, nil);
// a malformed one is an error the caller may treat as absent.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var snap Session
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", path, err)
	}
	return &snap, nil
}

// saveSessionLocked persists the registry for a later resume. With
// nothing in flight the file is removed instead; a clean finish should
// not prompt the next run.
func (s *Supervisor) saveSessionLocked() error {
	snap := Session{
		SessionID:    s.sessionID,
		Repo:         s.opts.Repo,
		Cwd:          s.cwd,
		SavedAt:      time.Now(),
		ActiveTool:   s.tool.ID,
		AgentCounter: s.counter,
		Opts:         s.opts,
	}

	inFlight := 0
	for _, id := range s.order {
		st := s.agents[id]
		snap.Agents = append(snap.Agents, SessionAgent{
			ID:         st.ID,
			Task:       st.Task,
			Tool:       st.ToolID,
			Status:     st.Status,
			StartedAt:  st.StartedAt,
			OutputTail: st.Buffer.StrippedTailLines(sessionTailLines),
		})
		if resumable(st.Status) {
			inFlight++
		}
	}

	path := s.paths.SessionFile()
	if inFlight == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale session: %w", err)
		}
		return nil
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := workspace.WriteFileAtomic(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	slog.Info("session saved", "path", path, "agents", inFlight)
	return nil
}

// checkSession runs at startup: a fresh snapshot either resumes
// immediately (--resume), is discarded (--fresh), or parks as a pending
// decision that holds auto-spawn until the operator answers.
func (s *Supervisor) checkSession() {
	path := s.paths.SessionFile()
	snap, err := LoadSession(path)
	if err != nil {
		slog.Warn("session unreadable, ignoring", "error", err)
		return
	}
	if snap == nil {
		return
	}
	if snap.Expired(time.Now()) {
		slog.Info("session expired, discarding", "savedAt", snap.SavedAt)
		_ = os.Remove(path)
		return
	}

	switch {
	case s.opts.Fresh:
		slog.Info("discarding saved session (--fresh)")
		_ = os.Remove(path)
	case s.opts.Resume:
		s.mu.Lock()
		s.resumeLocked(snap)
		s.mu.Unlock()
	default:
		s.mu.Lock()
		s.pendingResume = snap
		s.holdSpawns = true
		s.mu.Unlock()
		s.bus.Publish(bus.Event{Type: bus.EventSessionFound, Session: snap})
		slog.Info("found resumable session", "savedAt", snap.SavedAt, "agents", len(snap.Agents))
	}
}

// ResumeSession answers a pending session:found decision from the
// control surface. accept recreates the saved agents; decline deletes
// the snapshot. Either way auto-spawn unblocks.
func (s *Supervisor) ResumeSession(accept bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingResume == nil {
		return fmt.Errorf("no session decision pending")
	}
	snap := s.pendingResume
	s.pendingResume = nil
	s.holdSpawns = false

	if accept {
		s.resumeLocked(snap)
	} else {
		if err := os.Remove(s.paths.SessionFile()); err != nil && !os.IsNotExist(err) {
			slog.Warn("session delete failed", "error", err)
		}
		slog.Info("session declined, starting fresh")
	}
	s.autoSpawnLocked()
	s.publishStateLocked()
	return nil
}

// resumeLocked recreates the resumable agents from a snapshot, reusing
// their ids and re-claiming their units.
func (s *Supervisor) resumeLocked(snap *Session) {
	if snap.AgentCounter > s.counter {
		s.counter = snap.AgentCounter
	}

	n := 0
	for _, sa := range snap.Agents {
		if !resumable(sa.Status) {
			continue
		}
		if sa.Task != nil && !s.sched.Claim(sa.Task.Key()) {
			slog.Warn("saved task no longer claimable, skipping agent", "agent", sa.ID, "task", sa.Task.Key())
			continue
		}
		preamble := buildResumePreamble(sa.ID, sa.OutputTail)
		if _, err := s.spawnUnitLocked(&schedule.Selection{Unit: sa.Task}, preamble, sa.ID); err != nil {
			slog.Warn("agent resume failed", "agent", sa.ID, "error", err)
			continue
		}
		n++
	}
	slog.Info("session resumed", "agents", n, "savedAt", snap.SavedAt)
}
