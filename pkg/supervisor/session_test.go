package supervisor

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homerhq/homer/pkg/agent"
	"github.com/homerhq/homer/pkg/bus"
	"github.com/homerhq/homer/pkg/config"
	"github.com/homerhq/homer/pkg/schedule"
)

func TestShutdownSavesInFlightAgents(t *testing.T) {
	env := newTestEnv(t)
	writePRD(t, env.cwd, story("US-1", "Checkout flow"))
	s, rec, _ := env.supervisor(t, config.Options{Agents: 1})
	startSupervisor(t, s)

	_, err := s.SpawnNext()
	require.NoError(t, err)
	rec.at(t, 0).emit("editing src/app.ts\nfake> ")

	before := s.Snapshot().SessionID
	s.Shutdown()
	assert.True(t, rec.at(t, 0).handle.wasKilled())

	snap, err := LoadSession(env.paths.SessionFile())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, before, snap.SessionID)
	assert.Equal(t, env.cwd, snap.Cwd)
	assert.Equal(t, "fake", snap.ActiveTool)
	assert.Equal(t, 1, snap.AgentCounter)
	assert.WithinDuration(t, time.Now(), snap.SavedAt, 5*time.Second)

	require.Len(t, snap.Agents, 1)
	sa := snap.Agents[0]
	assert.Equal(t, "agent-1", sa.ID)
	assert.Equal(t, agent.StatusWorking, sa.Status)
	require.NotNil(t, sa.Task)
	assert.Equal(t, "story:US-1", sa.Task.Key())
	assert.Contains(t, sa.OutputTail, "editing src/app.ts")
}

func TestShutdownRemovesSessionWhenNothingInFlight(t *testing.T) {
	env := newTestEnv(t)
	writePRD(t, env.cwd, story("US-1", "Checkout flow"))
	s, rec, events := env.supervisor(t, config.Options{Agents: 1})
	startSupervisor(t, s)

	_, err := s.SpawnNext()
	require.NoError(t, err)
	rec.at(t, 0).emit("HOMER_DONE\n")
	waitEvent(t, events, bus.EventAgentDone)
	waitStatus(t, s, "agent-1", agent.StatusDone)

	s.Shutdown()

	_, err = os.Stat(env.paths.SessionFile())
	assert.True(t, os.IsNotExist(err), "done agents must not leave a session behind")
}

func TestSessionExpiry(t *testing.T) {
	now := time.Now()
	fresh := &Session{SavedAt: now.Add(-time.Hour)}
	assert.False(t, fresh.Expired(now))

	stale := &Session{SavedAt: now.Add(-SessionMaxAge - time.Minute)}
	assert.True(t, stale.Expired(now))
}

func TestExpiredSessionDiscardedAtStart(t *testing.T) {
	env := newTestEnv(t)
	old := Session{
		SessionID:  "old-run",
		Cwd:        env.cwd,
		SavedAt:    time.Now().Add(-25 * time.Hour),
		ActiveTool: "fake",
		Agents: []SessionAgent{
			{ID: "agent-1", Status: agent.StatusWorking, StartedAt: time.Now().Add(-26 * time.Hour)},
		},
		AgentCounter: 1,
	}
	data, err := json.Marshal(old)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(env.paths.SessionFile(), data, 0o600))

	s, rec, _ := env.supervisor(t, config.Options{Agents: 1})
	startSupervisor(t, s)

	_, err = os.Stat(env.paths.SessionFile())
	assert.True(t, os.IsNotExist(err))
	assert.Zero(t, rec.count())

	err = s.ResumeSession(true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session decision pending")
}

func TestLoadSessionMissingAndMalformed(t *testing.T) {
	env := newTestEnv(t)

	snap, err := LoadSession(env.paths.SessionFile())
	require.NoError(t, err)
	assert.Nil(t, snap)

	require.NoError(t, os.WriteFile(env.paths.SessionFile(), []byte("{ not json"), 0o600))
	_, err = LoadSession(env.paths.SessionFile())
	require.Error(t, err)

	// A malformed snapshot never blocks startup.
	s, _, _ := env.supervisor(t, config.Options{Agents: 1})
	startSupervisor(t, s)
	err = s.ResumeSession(true)
	require.Error(t, err)
}

func TestPendingSessionHoldsAutoSpawnUntilAccepted(t *testing.T) {
	env := newTestEnv(t)
	writePRD(t, env.cwd, story("US-1", "Checkout flow"))

	s1, rec1, _ := env.supervisor(t, config.Options{Agents: 1})
	startSupervisor(t, s1)
	_, err := s1.SpawnNext()
	require.NoError(t, err)
	rec1.at(t, 0).emit("halfway through src/app.ts\n")
	s1.Shutdown()

	// The restarted orchestrator finds the snapshot and parks instead of
	// spawning, even in auto mode with open work.
	s2, rec2, events2 := env.supervisor(t, config.Options{Agents: 1, Auto: true})
	startSupervisor(t, s2)

	found := waitEvent(t, events2, bus.EventSessionFound)
	require.NotNil(t, found.Session)
	pending, ok := found.Session.(*Session)
	require.True(t, ok)
	assert.Equal(t, 1, pending.AgentCounter)
	assert.Zero(t, rec2.count(), "auto-spawn must wait for the resume decision")

	require.NoError(t, s2.ResumeSession(true))
	rec2.waitCount(t, 1)

	resumed := rec2.at(t, 0)
	prompt := resumed.initialPrompt(t)
	assert.Contains(t, prompt, "Continue previous work as agent-1")
	assert.Contains(t, prompt, "Last output before shutdown:")
	assert.Contains(t, prompt, "halfway through src/app.ts")
	assert.Contains(t, prompt, "# Task: Checkout flow")

	// The saved id and claim are restored.
	assert.Equal(t, "agent-1", s2.Snapshot().Agents[0].ID)
	_, err = s2.SpawnNext()
	assert.ErrorIs(t, err, schedule.ErrNoWork)

	err = s2.ResumeSession(true)
	require.Error(t, err, "the decision is consumed")
}

func TestDecliningSessionDeletesSnapshotAndUnblocksSpawns(t *testing.T) {
	env := newTestEnv(t)
	writePRD(t, env.cwd, story("US-1", "Checkout flow"))

	s1, _, _ := env.supervisor(t, config.Options{Agents: 1})
	startSupervisor(t, s1)
	_, err := s1.SpawnNext()
	require.NoError(t, err)
	s1.Shutdown()

	s2, rec2, events2 := env.supervisor(t, config.Options{Agents: 1, Auto: true})
	startSupervisor(t, s2)
	waitEvent(t, events2, bus.EventSessionFound)
	assert.Zero(t, rec2.count())

	require.NoError(t, s2.ResumeSession(false))

	_, err = os.Stat(env.paths.SessionFile())
	assert.True(t, os.IsNotExist(err))

	// Auto-spawn resumes with a fresh agent, not a resumed one.
	rec2.waitCount(t, 1)
	prompt := rec2.at(t, 0).initialPrompt(t)
	assert.NotContains(t, prompt, "Continue previous work")
	assert.Contains(t, prompt, "# Task: Checkout flow")
}

func TestResumeFlagSkipsTheDecision(t *testing.T) {
	env := newTestEnv(t)
	writePRD(t, env.cwd, story("US-1", "Checkout flow"))

	s1, _, _ := env.supervisor(t, config.Options{Agents: 1})
	startSupervisor(t, s1)
	_, err := s1.SpawnNext()
	require.NoError(t, err)
	s1.Shutdown()

	s2, rec2, _ := env.supervisor(t, config.Options{Agents: 1, Resume: true})
	startSupervisor(t, s2)

	rec2.waitCount(t, 1)
	assert.Contains(t, rec2.at(t, 0).initialPrompt(t), "Continue previous work as agent-1")

	err = s2.ResumeSession(true)
	require.Error(t, err, "nothing pending after an automatic resume")
}

func TestFreshFlagDiscardsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	writePRD(t, env.cwd, story("US-1", "Checkout flow"))

	s1, _, _ := env.supervisor(t, config.Options{Agents: 1})
	startSupervisor(t, s1)
	_, err := s1.SpawnNext()
	require.NoError(t, err)
	s1.Shutdown()

	s2, rec2, _ := env.supervisor(t, config.Options{Agents: 1, Fresh: true})
	startSupervisor(t, s2)

	_, err = os.Stat(env.paths.SessionFile())
	assert.True(t, os.IsNotExist(err))

	// The claim was not restored; the story is free for a fresh agent.
	id, err := s2.SpawnNext()
	require.NoError(t, err)
	assert.Equal(t, "agent-1", id)
	assert.NotContains(t, rec2.at(t, 0).initialPrompt(t), "Continue previous work")
}

func TestResumeRecreatesOnlyUnfinishedAgents(t *testing.T) {
	env := newTestEnv(t)
	writePRD(t, env.cwd, story("US-1", "Checkout flow"), story("US-2", "Order history"))

	s1, rec1, events1 := env.supervisor(t, config.Options{Agents: 2})
	startSupervisor(t, s1)
	_, err := s1.SpawnNext()
	require.NoError(t, err)
	_, err = s1.SpawnNext()
	require.NoError(t, err)

	// agent-1 finishes; agent-2 is still working at shutdown.
	rec1.at(t, 0).emit("HOMER_DONE\n")
	waitEvent(t, events1, bus.EventAgentDone)
	waitStatus(t, s1, "agent-1", agent.StatusDone)
	s1.Shutdown()

	snap, err := LoadSession(env.paths.SessionFile())
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Agents, 2, "terminal agents stay in the file for the record")

	s2, rec2, _ := env.supervisor(t, config.Options{Agents: 2})
	startSupervisor(t, s2)
	require.NoError(t, s2.ResumeSession(true))

	rec2.waitCount(t, 1)
	agents := s2.Snapshot().Agents
	require.Len(t, agents, 1)
	assert.Equal(t, "agent-2", agents[0].ID)
	assert.Equal(t, "story:US-2", agents[0].Task.Key)

	// The finished story stays finished and the resumed claim holds.
	_, err = s2.SpawnNext()
	assert.ErrorIs(t, err, schedule.ErrNoWork)

	// The id counter carries over; new agents never collide with saved ids.
	id, err := s2.SpawnInteractive()
	require.NoError(t, err)
	assert.Equal(t, "agent-3", id)
}

func TestResumeSessionWithoutSnapshot(t *testing.T) {
	env := newTestEnv(t)
	s, _, _ := env.supervisor(t, config.Options{Agents: 1})
	startSupervisor(t, s)

	err := s.ResumeSession(true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no session decision pending")
}
