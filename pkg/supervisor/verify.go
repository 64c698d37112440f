package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/homerhq/homer/pkg/agent"
	"github.com/homerhq/homer/pkg/bus"
	"github.com/homerhq/homer/pkg/metrics"
	"github.com/homerhq/homer/pkg/schedule"
	"github.com/homerhq/homer/pkg/task"
	"github.com/homerhq/homer/pkg/verify"
	"github.com/homerhq/homer/pkg/workspace"
)

const (
	// outputHeadMax caps the per-attempt failure summary kept for
	// reroute hand-offs.
	outputHeadMax = 160

	// recentKeep bounds the activity ring rendered into context.md.
	recentKeep = 10
)

// runVerification executes the project checks for one verify attempt.
// It runs off the registry lock; the generation counter decides whether
// the result still applies when it lands.
func (s *Supervisor) runVerification(id string, gen, attempt int) {
	if s.ctx.Err() != nil {
		return
	}
	s.mu.RLock()
	st, ok := s.agents[id]
	var key, output, toolID string
	if ok && st.verifyGen == gen && st.Status == agent.StatusVerifying {
		key = unitKey(st.Task)
		output = st.Buffer.String()
		toolID = st.ToolID
	} else {
		ok = false
	}
	s.mu.RUnlock()
	if !ok {
		return
	}

	files := filesFromOutput(output)
	start := time.Now()
	result := s.Verify(s.ctx)
	metrics.VerifyDuration.Observe(time.Since(start).Seconds())
	metrics.VerifyRuns.WithLabelValues(metrics.VerifyResultLabel(result.Passed, result.Skipped)).Inc()

	if err := s.mem.RecordVerification(id, key, result, files, toolID, attempt); err != nil {
		slog.Warn("verification record failed", "agent", id, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok = s.agents[id]
	if !ok || st.verifyGen != gen || st.Status != agent.StatusVerifying {
		// Killed or exited while the checks ran; the result is stale.
		return
	}

	switch {
	case result.Passed:
		s.finalizeSuccessLocked(st, result, attempt, files)
	case attempt < schedule.MaxVerify:
		s.retryLocked(st, result, attempt, files)
	default:
		s.exhaustLocked(st, result, attempt, files)
	}
	s.publishStateLocked()
}

// finalizeSuccessLocked lands a passing (or check-less) verification:
// the agent is done, the scheduler advances, memory learns, and the
// workspace artifacts are refreshed.
func (s *Supervisor) finalizeSuccessLocked(st *agentState, result verify.Result, attempt int, files []string) {
	s.bus.Publish(bus.Event{
		Type:    bus.EventVerifyResult,
		ID:      st.ID,
		Passed:  bus.Bool(true),
		Attempt: attempt,
		Max:     schedule.MaxVerify,
		Results: result.Results,
	})
	s.setStatusLocked(st, agent.StatusDone)
	metrics.ActiveAgents.Dec()
	s.bus.Publish(bus.Event{Type: bus.EventAgentDone, ID: st.ID, Task: unitKey(st.Task)})
	s.doneCount++
	slog.Info("agent done", "agent", st.ID, "task", unitKey(st.Task), "attempts", attempt, "skipped", result.Skipped)

	if st.Task != nil {
		s.completeUnitLocked(st.Task, attempt)
	}

	if err := s.paths.WriteAgentNote(st.ID, buildAgentNote(st, attempt, files)); err != nil {
		slog.Warn("agent note write failed", "agent", st.ID, "error", err)
	}
	s.logWorkflowLocked(fmt.Sprintf("%s finished %s after %d verification attempt(s)", st.ID, unitKey(st.Task), attempt))
	s.writeRepoContextLocked()

	if err := s.mem.RecordSuccess(st.ID, unitKey(st.Task), files, attempt, st.InjectedRuleIDs); err != nil {
		slog.Warn("success record failed", "agent", st.ID, "error", err)
	}
	if s.doneCount%consolidateEvery == 0 {
		if err := s.mem.Consolidate(); err != nil {
			slog.Warn("memory consolidation failed", "error", err)
		} else {
			slog.Info("memory consolidated", "doneAgents", s.doneCount)
		}
	}

	s.autoSpawnLocked()
}

// completeUnitLocked advances the scheduler and persists PRD completion.
func (s *Supervisor) completeUnitLocked(u *task.WorkUnit, attempt int) {
	parentID, parentDone := s.sched.Complete(u)
	_, prdPath := s.sched.PRD()

	switch u.Kind {
	case task.KindStory:
		if prdPath != "" {
			if err := task.MarkStoryPassed(prdPath, u.Story.ID); err != nil {
				slog.Warn("PRD update failed", "story", u.Story.ID, "error", err)
			}
		}
		s.appendProgressLocked(u.Story.ID, fmt.Sprintf("story passed verification (%d attempt(s))", attempt))
	case task.KindSubtask:
		s.appendProgressLocked(u.Subtask.ID, "subtask criterion satisfied")
		if parentDone {
			if prdPath != "" {
				if err := task.MarkStoryPassed(prdPath, parentID); err != nil {
					slog.Warn("PRD update failed", "story", parentID, "error", err)
				}
			}
			s.appendProgressLocked(parentID, "all subtasks complete; story passed")
		}
	case task.KindIssue:
		s.appendProgressLocked(u.Key(), "issue resolved and verified")
	}
}

// retryLocked feeds the failing checks back into the agent's terminal
// and returns it to work. The feedback lands before the status flips.
func (s *Supervisor) retryLocked(st *agentState, result verify.Result, attempt int, files []string) {
	s.bus.Publish(bus.Event{
		Type:    bus.EventVerifyResult,
		ID:      st.ID,
		Passed:  bus.Bool(false),
		Attempt: attempt,
		Max:     schedule.MaxVerify,
		Results: result.Results,
	})
	slog.Info("verification failed", "agent", st.ID, "attempt", attempt, "checks", result.FailedChecks())

	prior := append([]agent.VerifyRecord(nil), st.VerifyHistory...)
	st.RecordVerifyFailure(attempt, result.FailedChecks(), failureHead(result))

	hints, err := s.mem.BuildRuleHints(files, errorKeysOf(result))
	if err != nil {
		slog.Warn("rule hints unavailable", "agent", st.ID, "error", err)
		hints = ""
	}

	feedback := buildFeedback(attempt, schedule.MaxVerify, result, unitCriteria(st.Task), prior, hints)
	if _, err := st.handle.Write([]byte(feedback + "\n")); err != nil {
		slog.Warn("feedback write failed", "agent", st.ID, "error", err)
	}
	s.setStatusLocked(st, agent.StatusWorking)
}

// exhaustLocked handles the final failed attempt: the task either moves
// to a fresh agent or fails for good.
func (s *Supervisor) exhaustLocked(st *agentState, result verify.Result, attempt int, files []string) {
	s.bus.Publish(bus.Event{
		Type:    bus.EventVerifyResult,
		ID:      st.ID,
		Passed:  bus.Bool(false),
		Attempt: attempt,
		Max:     schedule.MaxVerify,
		Results: result.Results,
	})
	st.RecordVerifyFailure(attempt, result.FailedChecks(), failureHead(result))

	reason := fmt.Sprintf("verification failed %d times; last: %s", attempt, strings.Join(result.FailedChecks(), ", "))
	slog.Warn("verify budget exhausted", "agent", st.ID, "task", unitKey(st.Task), "reason", reason)
	s.recordFailureLocked(st, reason, "failed")

	if st.Task == nil {
		s.setStatusLocked(st, agent.StatusFailed)
		metrics.ActiveAgents.Dec()
		s.autoSpawnLocked()
		return
	}

	err := s.spawnReplacementLocked(st, reason)
	switch {
	case err == nil:
		s.setStatusLocked(st, agent.StatusRerouted)
		metrics.ActiveAgents.Dec()
		_ = st.handle.Kill()
		st.cancel()
	case errors.Is(err, ErrRerouteBudget):
		s.setStatusLocked(st, agent.StatusFailed)
		metrics.ActiveAgents.Dec()
	default:
		// The replacement would not start; its claim is already released
		// and the unit returns to the pool for a later pick.
		s.setStatusLocked(st, agent.StatusFailed)
		metrics.ActiveAgents.Dec()
		slog.Warn("replacement spawn failed", "agent", st.ID, "error", err)
	}
	s.autoSpawnLocked()
}

// spawnReplacementLocked hands the agent's unit to a fresh agent with a
// reroute header. ErrRerouteBudget means the task has no hand-offs left;
// the task is failed before returning.
func (s *Supervisor) spawnReplacementLocked(st *agentState, reason string) error {
	key := st.Task.Key()
	if !s.sched.TryReroute(key) {
		s.failTaskLocked(st.Task, reason)
		return ErrRerouteBudget
	}

	rerouteCtx, err := s.mem.BuildRerouteContext(key, filesFromOutput(st.Buffer.String()))
	if err != nil {
		slog.Warn("reroute context unavailable", "task", key, "error", err)
		rerouteCtx = ""
	}
	header := buildRerouteHeader(rerouteInfo{
		TaskTitle:   st.Task.Title(),
		PrevAgentID: st.ID,
		Reroute:     s.sched.RerouteCount(key),
		MaxReroutes: schedule.MaxReroutes,
		Attempts:    st.VerifyAttempts,
		LastFailure: reason,
		History:     st.VerifyHistory,
		MemoryNotes: rerouteCtx,
	})

	sel := &schedule.Selection{Unit: st.Task, CompletedSiblings: st.completedSiblings}
	newID, err := s.spawnUnitLocked(sel, header, "")
	if err != nil {
		// spawnUnitLocked released the claim; the unit returns to the
		// pool rather than failing outright.
		return err
	}

	metrics.Reroutes.Inc()
	s.bus.Publish(bus.Event{
		Type:   bus.EventAgentRerouted,
		OldID:  st.ID,
		NewID:  newID,
		Task:   key,
		Reason: reason,
	})
	s.logWorkflowLocked(fmt.Sprintf("%s handed %s to %s: %s", st.ID, key, newID, reason))
	slog.Info("task rerouted", "task", key, "from", st.ID, "to", newID)
	return nil
}

// failTaskLocked marks a unit permanently failed: scheduler bookkeeping,
// PRD note, progress line, and an error event for the surfaces.
func (s *Supervisor) failTaskLocked(u *task.WorkUnit, reason string) {
	s.sched.Fail(u)
	_, prdPath := s.sched.PRD()

	storyID := ""
	switch u.Kind {
	case task.KindStory:
		storyID = u.Story.ID
	case task.KindSubtask:
		storyID = u.Subtask.ParentID
	}
	if storyID != "" && prdPath != "" {
		note := fmt.Sprintf("homer: %s", reason)
		if err := task.MarkStoryFailed(prdPath, storyID, note); err != nil {
			slog.Warn("PRD failure note failed", "story", storyID, "error", err)
		}
	}

	s.appendProgressLocked(u.Key(), "failed permanently: "+reason)
	s.logWorkflowLocked(fmt.Sprintf("%s failed permanently: %s", u.Key(), reason))
	s.writeRepoContextLocked()
	s.bus.Publish(bus.Event{
		Type:    bus.EventError,
		Task:    u.Key(),
		Message: fmt.Sprintf("task %s failed permanently: %s", u.Key(), reason),
	})
	slog.Error("task failed permanently", "task", u.Key(), "reason", reason)
}

func (s *Supervisor) appendProgressLocked(taskID, message string) {
	if err := s.paths.AppendProgress(taskID, message); err != nil {
		slog.Warn("progress append failed", "task", taskID, "error", err)
	}
}

// logWorkflowLocked appends to workflows.log and keeps the in-memory
// activity ring for context.md, newest first.
func (s *Supervisor) logWorkflowLocked(line string) {
	if err := s.paths.AppendWorkflow(line); err != nil {
		slog.Warn("workflow append failed", "error", err)
	}
	s.recent = append([]string{line}, s.recent...)
	if len(s.recent) > recentKeep {
		s.recent = s.recent[:recentKeep]
	}
}

// writeRepoContextLocked regenerates <repo>/.homer/context.md from the
// registry and scheduler state.
func (s *Supervisor) writeRepoContextLocked() {
	prd, _ := s.sched.PRD()

	d := workspace.ContextData{
		Repo:        s.opts.Repo,
		GeneratedAt: time.Now(),
		RecentLines: append([]string(nil), s.recent...),
	}
	if prd != nil {
		d.Project = prd.Project
		for _, story := range prd.UserStories {
			line := fmt.Sprintf("%s: %s", story.ID, story.Title)
			if story.Passes {
				d.DoneStories = append(d.DoneStories, line)
			} else {
				d.OpenStories = append(d.OpenStories, line)
			}
		}
	}
	for _, id := range s.order {
		st := s.agents[id]
		if !st.Status.IsActive() {
			continue
		}
		d.ActiveAgents = append(d.ActiveAgents, workspace.ContextAgent{
			ID:     st.ID,
			Status: string(st.Status),
			Task:   unitKey(st.Task),
		})
	}
	d.FailedTasks = s.sched.FailedKeys()

	if err := workspace.WriteRepoContext(s.cwd, workspace.RenderContext(d)); err != nil {
		slog.Warn("repo context write failed", "error", err)
	}
}

// failureHead summarizes the first failing check's first output line.
func failureHead(result verify.Result) string {
	for _, r := range result.Results {
		if r.Passed {
			continue
		}
		line := strings.TrimSpace(r.Output)
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		if len(line) > outputHeadMax {
			line = line[:outputHeadMax]
		}
		if line == "" {
			line = r.Name + " failed"
		}
		return line
	}
	return ""
}

func errorKeysOf(result verify.Result) []string {
	var keys []string
	for _, r := range result.Results {
		if !r.Passed && r.ErrorKey != "" {
			keys = append(keys, r.ErrorKey)
		}
	}
	return keys
}

func unitCriteria(u *task.WorkUnit) []string {
	if u == nil {
		return nil
	}
	return u.Criteria()
}
