// Package supervisor coordinates the agents: it spawns PTY-attached
// children with task prompts, watches their output for completion
// signals, drives the verify/retry/reroute state machine, learns into
// memory, and persists sessions across restarts.
//
// The supervisor owns the agent registry. All registry mutations happen
// under one write lock; PTY data and exit callbacks funnel through the
// locked handlers, and readers take snapshots under the read lock.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/homerhq/homer/pkg/agent"
	"github.com/homerhq/homer/pkg/bus"
	"github.com/homerhq/homer/pkg/config"
	"github.com/homerhq/homer/pkg/memory"
	"github.com/homerhq/homer/pkg/metrics"
	"github.com/homerhq/homer/pkg/ptyhost"
	"github.com/homerhq/homer/pkg/schedule"
	"github.com/homerhq/homer/pkg/task"
	"github.com/homerhq/homer/pkg/tools"
	"github.com/homerhq/homer/pkg/verify"
	"github.com/homerhq/homer/pkg/workspace"
)

// ErrRerouteBudget is returned when a task has spent its reroute budget.
var ErrRerouteBudget = errors.New("reroute budget exhausted")

// Defaults for the timing knobs; tests shrink them.
const (
	defaultVerifyDelay   = 100 * time.Millisecond
	defaultRerouteDelay  = time.Second
	defaultReadyGrace    = 1500 * time.Millisecond
	defaultReadyInterval = 200 * time.Millisecond
	defaultReadyTimeout  = 8 * time.Second

	defaultCols uint16 = 120
	defaultRows uint16 = 32

	// consolidateEvery is the done-transition cadence for memory pruning.
	consolidateEvery = 10

	// signalTailBytes bounds the raw bytes handed to signal detection;
	// escape sequences only inflate text, so 4x the stripped window is
	// always enough.
	signalTailBytes = 2000
)

// Handle is the PTY surface the supervisor drives. *ptyhost.Handle
// satisfies it; tests substitute a recorder.
type Handle interface {
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Kill() error
}

// SpawnFunc starts a child process bound to a PTY.
type SpawnFunc func(ctx context.Context, spec ptyhost.Spec) (Handle, error)

func defaultSpawn(ctx context.Context, spec ptyhost.Spec) (Handle, error) {
	return ptyhost.Spawn(ctx, spec)
}

// VerifyFunc runs the project's checks. The default detects and executes
// them in the working directory.
type VerifyFunc func(ctx context.Context) verify.Result

type agentState struct {
	*agent.Agent
	handle Handle
	cancel context.CancelFunc

	// verifyGen invalidates in-flight verifications: kill and exit bump
	// it, and a verification only lands if its generation still matches.
	verifyGen int

	completedSiblings []string
}

// Supervisor coordinates agents for one repository.
type Supervisor struct {
	opts config.Options
	cwd  string

	bus   *bus.Bus
	mem   *memory.Store
	sched *schedule.Scheduler
	paths *workspace.Paths

	// Collaborators injectable for tests.
	Spawn  SpawnFunc
	Verify VerifyFunc
	Lister task.IssueLister

	// Timing knobs.
	VerifyDelay   time.Duration
	RerouteDelay  time.Duration
	ReadyGrace    time.Duration
	ReadyInterval time.Duration
	ReadyTimeout  time.Duration

	// Terminal size for new agents; the caller sets these from the
	// controlling terminal when one exists.
	InitialCols uint16
	InitialRows uint16

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.RWMutex
	tool          tools.Descriptor
	agents        map[string]*agentState
	order         []string
	counter       int
	doneCount     int
	recent        []string
	sessionID     string
	pendingResume *Session
	holdSpawns    bool
}

// New assembles a supervisor. Start must be called before use.
func New(opts config.Options, tool tools.Descriptor, cwd string, b *bus.Bus, mem *memory.Store, paths *workspace.Paths) *Supervisor {
	s := &Supervisor{
		opts:  opts,
		cwd:   cwd,
		bus:   b,
		mem:   mem,
		sched: schedule.New(),
		paths: paths,

		Spawn:  defaultSpawn,
		Lister: &task.GHLister{},

		VerifyDelay:   defaultVerifyDelay,
		RerouteDelay:  defaultRerouteDelay,
		ReadyGrace:    defaultReadyGrace,
		ReadyInterval: defaultReadyInterval,
		ReadyTimeout:  defaultReadyTimeout,

		InitialCols: defaultCols,
		InitialRows: defaultRows,

		tool:   tool,
		agents: make(map[string]*agentState),
	}
	s.Verify = func(ctx context.Context) verify.Result {
		checks := verify.Detect(cwd)
		return verify.NewRunner(cwd).Run(ctx, checks)
	}
	return s
}

// Start loads the task sources, arms the PRD watcher, checks for a
// resumable session, and (in auto mode) spawns up to the concurrency
// target.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.sessionID = uuid.NewString()

	if prd, path, err := task.LoadFromDir(s.cwd); err == nil {
		s.mu.Lock()
		s.sched.SetPRD(prd, path)
		s.mu.Unlock()
		slog.Info("loaded PRD", "path", path, "stories", len(prd.UserStories))
		s.watchPRD(path)
	} else if !errors.Is(err, task.ErrNoPRD) {
		slog.Warn("PRD unusable", "error", err)
	}

	s.importIssues(s.ctx)
	s.checkSession()

	s.mu.Lock()
	s.autoSpawnLocked()
	s.mu.Unlock()

	s.publishState()
	return nil
}

// Shutdown saves the session snapshot, terminates children, and cancels
// background work. The memory store stays open; its owner closes it.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if err := s.saveSessionLocked(); err != nil {
		slog.Warn("session snapshot failed", "error", err)
	}
	for _, st := range s.agents {
		if !st.Status.IsTerminal() {
			_ = st.handle.Kill()
		}
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Supervisor) watchPRD(path string) {
	ch, err := task.Watch(s.ctx, path)
	if err != nil {
		slog.Warn("PRD watch unavailable", "error", err)
		return
	}
	go func() {
		for range ch {
			prd, err := task.Load(path)
			if err != nil {
				slog.Warn("PRD reload failed", "error", err)
				continue
			}
			s.mu.Lock()
			s.sched.SetPRD(prd, path)
			s.autoSpawnLocked()
			s.mu.Unlock()
			slog.Info("PRD reloaded after external edit", "path", path)
			s.publishState()
		}
	}()
}

func (s *Supervisor) importIssues(ctx context.Context) {
	if s.Lister == nil {
		return
	}
	issues, err := s.Lister.List(ctx, s.opts.Repo)
	if err != nil {
		// gh may be absent or the directory not a repo; issues are one
		// task source of three.
		slog.Debug("issue import skipped", "error", err)
		return
	}
	s.mu.Lock()
	s.sched.SetIssues(issues)
	s.mu.Unlock()
	slog.Info("imported issues", "count", len(issues))
}

// SpawnNext draws one unit from the scheduler and spawns an agent for
// it. Used by the control surface; auto mode calls the bulk path.
func (s *Supervisor) SpawnNext() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sel, err := s.sched.Next()
	if err != nil {
		return "", err
	}
	return s.spawnUnitLocked(sel, "", "")
}

// SpawnIssue claims a specific issue and spawns an agent on it.
func (s *Supervisor) SpawnIssue(number int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sel, err := s.sched.SelectIssue(number)
	if err != nil {
		return "", err
	}
	return s.spawnUnitLocked(sel, "", "")
}

// SpawnInteractive starts an agent with no work unit; the operator
// drives it over the PTY. Signals still trigger verification.
func (s *Supervisor) SpawnInteractive() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawnUnitLocked(&schedule.Selection{}, "", "")
}

// spawnUnitLocked starts one agent. The unit (when present) is already
// claimed by the scheduler. header precedes the task prompt for reroute
// hand-offs and session resumes; reuseID keeps a resumed agent's name.
func (s *Supervisor) spawnUnitLocked(sel *schedule.Selection, header, reuseID string) (string, error) {
	id := reuseID
	if id == "" {
		id = s.nextIDLocked()
	}

	prompt := s.buildSpawnPromptLocked(sel, header)
	injected := s.mem.LastInjectedRuleIDs()

	sysPrompt := systemPrompt()
	opts := tools.BuildOpts{
		Model:          s.opts.Model,
		PermissionMode: s.opts.PermissionMode,
		Auto:           s.opts.Auto,
	}
	if s.tool.SupportsSystemPrompt {
		opts.SystemPrompt = sysPrompt
	} else if prompt != "" {
		prompt = sysPrompt + "\n\n" + prompt
	}

	args := s.tool.BuildArgs(opts)
	viaArgs := prompt != "" && s.tool.SupportsInitialPrompt && s.tool.BuildInitialArgs != nil
	if viaArgs {
		args = append(args, s.tool.BuildInitialArgs(prompt)...)
	}

	actx, acancel := context.WithCancel(s.ctx)
	handle, err := s.Spawn(actx, ptyhost.Spec{
		Command: s.tool.Command,
		Args:    args,
		Dir:     s.cwd,
		Cols:    s.InitialCols,
		Rows:    s.InitialRows,
		OnData:  func(p []byte) { s.handleData(id, p) },
		OnExit:  func(exit ptyhost.ExitState) { s.handleExit(id, exit) },
	})
	if err != nil {
		acancel()
		if sel.Unit != nil {
			s.sched.Release(sel.Unit.Key())
		}
		s.bus.Publish(bus.Event{
			Type:    bus.EventError,
			Tool:    s.tool.ID,
			Message: fmt.Sprintf("tool spawn failed: %v", err),
		})
		return "", fmt.Errorf("spawn %s: %w", s.tool.ID, err)
	}

	st := &agentState{
		Agent:             agent.New(id, s.tool.ID, sel.Unit),
		handle:            handle,
		cancel:            acancel,
		completedSiblings: sel.CompletedSiblings,
	}
	st.InjectedRuleIDs = injected
	s.agents[id] = st
	s.order = append(s.order, id)

	metrics.AgentsSpawned.Inc()
	metrics.ActiveAgents.Inc()
	s.bus.Publish(bus.Event{
		Type: bus.EventAgentSpawned,
		ID:   id,
		Tool: s.tool.ID,
		Task: unitKey(sel.Unit),
	})
	slog.Info("agent spawned", "agent", id, "tool", s.tool.ID, "task", unitKey(sel.Unit))

	if prompt != "" && !viaArgs {
		go s.sendWhenReady(id, prompt)
	}
	s.publishStateLocked()
	return id, nil
}

func (s *Supervisor) buildSpawnPromptLocked(sel *schedule.Selection, header string) string {
	if sel.Unit == nil {
		return header
	}

	files := filesFromText(sel.Unit.Description() + "\n" + strings.Join(sel.Unit.Criteria(), "\n"))
	memCtx, err := s.mem.BuildTaskMemory(sel.Unit.Key(), files)
	if err != nil {
		slog.Warn("task memory build failed", "task", sel.Unit.Key(), "error", err)
		memCtx = ""
	}

	prompt := buildTaskPrompt(sel.Unit, sel.CompletedSiblings, memCtx)
	if header != "" {
		prompt = header + "\n\n" + prompt
	}
	return prompt
}

func (s *Supervisor) nextIDLocked() string {
	s.counter++
	label := s.opts.Label
	if label == "" {
		label = "agent"
	}
	return fmt.Sprintf("%s-%d", label, s.counter)
}

// sendWhenReady waits for the child's REPL prompt, then writes the task
// prompt over the PTY. After the hard cap it fires regardless.
func (s *Supervisor) sendWhenReady(id, prompt string) {
	select {
	case <-time.After(s.ReadyGrace):
	case <-s.ctx.Done():
		return
	}

	deadline := time.Now().Add(s.ReadyTimeout)
	ticker := time.NewTicker(s.ReadyInterval)
	defer ticker.Stop()

	for !s.agentLooksReady(id) && time.Now().Before(deadline) {
		select {
		case <-ticker.C:
		case <-s.ctx.Done():
			return
		}
	}

	if err := s.Input(id, []byte(prompt+"\n")); err != nil {
		slog.Warn("initial prompt write failed", "agent", id, "error", err)
	}
}

func (s *Supervisor) agentLooksReady(id string) bool {
	s.mu.RLock()
	st, ok := s.agents[id]
	working := ok && st.Status == agent.StatusWorking
	s.mu.RUnlock()
	if !working {
		return false
	}
	lines := st.Buffer.StrippedTailLines(1)
	return len(lines) > 0 && promptReady(lines[len(lines)-1])
}

// handleData runs on the agent's PTY read goroutine.
func (s *Supervisor) handleData(id string, data []byte) {
	s.mu.RLock()
	st, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return
	}

	if ext := st.Buffer.Append(data); !ext.Empty() {
		if err := s.mem.RecordContextCompaction(id, unitKey(st.Task), ext.FilePaths, ext.ErrorLines, ext.ApproachLines); err != nil {
			slog.Warn("context compaction write failed", "agent", id, "error", err)
		}
	}

	s.bus.Publish(bus.Event{Type: bus.EventAgentOutput, ID: id, Data: string(data)})

	// Signals only fire while working; feedback echoes of the tokens
	// during verification are ignored.
	s.mu.RLock()
	working := st.Status == agent.StatusWorking
	s.mu.RUnlock()
	if working {
		if sig, ok := agent.DetectSignal(st.Buffer.Tail(signalTailBytes)); ok {
			s.handleSignal(id, sig)
		}
	}
}

func (s *Supervisor) handleSignal(id string, sig agent.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.agents[id]
	if !ok || st.Status != agent.StatusWorking {
		return
	}

	switch sig.Kind {
	case agent.SignalDone:
		s.setStatusLocked(st, agent.StatusVerifying)
		st.VerifyAttempts++
		attempt := st.VerifyAttempts
		gen := st.verifyGen
		s.bus.Publish(bus.Event{
			Type:    bus.EventVerifyStart,
			ID:      id,
			Attempt: attempt,
			Max:     schedule.MaxVerify,
		})
		// Small delay keeps UI events ordered; not a correctness need.
		time.AfterFunc(s.VerifyDelay, func() { s.runVerification(id, gen, attempt) })

	case agent.SignalBlocked:
		slog.Info("agent blocked", "agent", id, "reason", sig.Reason)
		s.setStatusLocked(st, agent.StatusBlocked)
		metrics.ActiveAgents.Dec()
		s.recordFailureLocked(st, sig.Reason, "blocked")
		s.afterTerminalLocked(st, "agent blocked: "+sig.Reason)
	}
	s.publishStateLocked()
}

// handleExit runs when the child process ends, whatever the cause.
func (s *Supervisor) handleExit(id string, exit ptyhost.ExitState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.agents[id]
	if !ok || st.Status.IsTerminal() {
		return
	}

	st.verifyGen++ // abandon any in-flight verification
	reason := fmt.Sprintf("process exited with code %d", exit.Code)
	if exit.Signal != "" {
		reason += " (signal " + exit.Signal + ")"
	}
	slog.Info("agent exited", "agent", id, "code", exit.Code, "signal", exit.Signal)

	s.setStatusLocked(st, agent.StatusExited)
	metrics.ActiveAgents.Dec()
	s.recordFailureLocked(st, reason, "crashed")

	if s.opts.Auto && st.Task != nil {
		// Give the scheduler a beat; replacements spawn with hand-off
		// context once the budget check passes.
		time.AfterFunc(s.RerouteDelay, func() { s.rerouteExited(id, reason) })
	} else if st.Task != nil {
		s.sched.Release(st.Task.Key())
		s.autoSpawnLocked()
	}
	s.publishStateLocked()
}

// rerouteExited fires RerouteDelay after a crash.
func (s *Supervisor) rerouteExited(id, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.agents[id]
	if !ok || st.Status != agent.StatusExited || st.Task == nil {
		return
	}
	if err := s.spawnReplacementLocked(st, reason); err != nil {
		slog.Warn("crash reroute failed", "agent", id, "error", err)
	}
	s.autoSpawnLocked()
	s.publishStateLocked()
}

// Kill terminates an agent at the operator's request. Any in-flight
// verification is abandoned.
func (s *Supervisor) Kill(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("no agent %q", id)
	}
	if st.Status.IsTerminal() {
		return nil
	}

	st.verifyGen++
	s.setStatusLocked(st, agent.StatusKilled)
	metrics.ActiveAgents.Dec()
	_ = st.handle.Kill()
	st.cancel()
	if st.Task != nil {
		s.sched.Release(st.Task.Key())
	}
	s.autoSpawnLocked()
	s.publishStateLocked()
	return nil
}

// Input forwards bytes to the agent's terminal.
func (s *Supervisor) Input(id string, data []byte) error {
	s.mu.RLock()
	st, ok := s.agents[id]
	var status agent.Status
	if ok {
		status = st.Status
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no agent %q", id)
	}
	if status.IsTerminal() {
		return fmt.Errorf("agent %q is %s", id, status)
	}
	if _, err := st.handle.Write(data); err != nil {
		return fmt.Errorf("write to agent %q: %w", id, err)
	}
	return nil
}

// Resize propagates a terminal size change to the agent's PTY.
func (s *Supervisor) Resize(id string, cols, rows uint16) error {
	s.mu.RLock()
	st, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no agent %q", id)
	}
	return st.handle.Resize(cols, rows)
}

// Output returns the agent's full current output buffer, for the
// replay-then-stream pattern of late subscribers.
func (s *Supervisor) Output(id string) (string, error) {
	s.mu.RLock()
	st, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no agent %q", id)
	}
	return st.Buffer.String(), nil
}

// SetTool switches the tool used for future spawns. Running agents keep
// the tool they started with.
func (s *Supervisor) SetTool(id string) error {
	desc, err := tools.Resolve(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tool = desc
	s.mu.Unlock()
	slog.Info("active tool switched", "tool", id)
	s.publishState()
	return nil
}

// StateSnapshot is the JSON shape of the state surface and `state`
// events.
type StateSnapshot struct {
	SessionID string           `json:"sessionId"`
	Repo      string           `json:"repo,omitempty"`
	Cwd       string           `json:"cwd"`
	Tool      string           `json:"tool"`
	Auto      bool             `json:"auto"`
	MaxAgents int              `json:"maxAgents"`
	Agents    []agent.Snapshot `json:"agents"`
	Schedule  schedule.Stats   `json:"schedule"`
}

// Snapshot assembles the current state under the read lock.
func (s *Supervisor) Snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]agent.Snapshot, 0, len(s.order))
	for _, id := range s.order {
		agents = append(agents, s.agents[id].Snapshot())
	}
	return StateSnapshot{
		SessionID: s.sessionID,
		Repo:      s.opts.Repo,
		Cwd:       s.cwd,
		Tool:      s.tool.ID,
		Auto:      s.opts.Auto,
		MaxAgents: s.opts.Agents,
		Agents:    agents,
		Schedule:  s.sched.Stats(),
	}
}

func (s *Supervisor) publishState() {
	s.bus.PublishState(func() bus.Event {
		return bus.Event{Type: bus.EventState, Snapshot: s.Snapshot()}
	})
}

// publishStateLocked registers the debounced state build; the builder
// itself runs later on the debounce timer, outside this lock.
func (s *Supervisor) publishStateLocked() {
	s.bus.PublishState(func() bus.Event {
		return bus.Event{Type: bus.EventState, Snapshot: s.Snapshot()}
	})
}

// setStatusLocked advances the agent's state machine and emits
// agent:status. Transitions out of a terminal status are refused.
func (s *Supervisor) setStatusLocked(st *agentState, next agent.Status) {
	if st.Status == next {
		s.bus.Publish(bus.Event{Type: bus.EventAgentStatus, ID: st.ID, Status: string(next)})
		return
	}
	if st.Status.IsTerminal() {
		slog.Warn("refusing status regression", "agent", st.ID, "from", st.Status, "to", next)
		return
	}
	prev := string(st.Status)
	st.Status = next
	s.bus.Publish(bus.Event{
		Type:   bus.EventAgentStatus,
		ID:     st.ID,
		Status: string(next),
		Prev:   bus.Str(prev),
	})
}

// autoSpawnLocked refills the concurrency target with fresh tasks.
func (s *Supervisor) autoSpawnLocked() {
	if !s.opts.Auto || s.holdSpawns || s.ctx == nil || s.ctx.Err() != nil {
		return
	}

	active := 0
	for _, st := range s.agents {
		if st.Status.IsActive() {
			active++
		}
	}
	for n := schedule.Replacements(active, s.opts.Agents); n > 0; n-- {
		sel, err := s.sched.Next()
		if err != nil {
			if !errors.Is(err, schedule.ErrNoWork) {
				slog.Warn("task selection failed", "error", err)
			}
			return
		}
		if _, err := s.spawnUnitLocked(sel, "", ""); err != nil {
			slog.Warn("auto-spawn failed", "task", sel.Unit.Key(), "error", err)
			return
		}
	}
}

// recordFailureLocked wraps the memory write; persistence failures never
// reach the control flow.
func (s *Supervisor) recordFailureLocked(st *agentState, reason, outcome string) {
	files := filesFromOutput(st.Buffer.String())
	if err := s.mem.RecordFailure(st.ID, unitKey(st.Task), reason, outcome, files, st.InjectedRuleIDs); err != nil {
		slog.Warn("failure record failed", "agent", st.ID, "error", err)
	}
}

// afterTerminalLocked handles the task hand-off once an agent reaches a
// terminal status without finishing its unit: reroute in auto mode,
// release otherwise.
func (s *Supervisor) afterTerminalLocked(st *agentState, reason string) {
	if st.Task == nil {
		s.autoSpawnLocked()
		return
	}
	if s.opts.Auto {
		if err := s.spawnReplacementLocked(st, reason); err != nil {
			slog.Warn("reroute failed", "agent", st.ID, "error", err)
		}
	} else {
		s.sched.Release(st.Task.Key())
	}
	s.autoSpawnLocked()
}

func unitKey(u *task.WorkUnit) string {
	if u == nil {
		return "interactive"
	}
	return u.Key()
}
