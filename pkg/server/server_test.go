package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/homerhq/homer"
	"github.com/homerhq/homer/pkg/bus"
	"github.com/homerhq/homer/pkg/schedule"
	"github.com/homerhq/homer/pkg/supervisor"
)

type call struct {
	name string
	args []any
}

type fakeControl struct {
	mu    sync.Mutex
	calls []call

	spawnNextID    string
	spawnNextErr   error
	spawnIssueID   string
	spawnIssueErr  error
	interactiveID  string
	interactiveErr error
	agentErr       error
	output         string
	toolErr        error
	resumeErr      error
}

func (f *fakeControl) record(name string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, args: args})
}

func (f *fakeControl) calledWith(name string) (call, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.name == name {
			return c, true
		}
	}
	return call{}, false
}

func (f *fakeControl) Snapshot() supervisor.StateSnapshot {
	f.record("Snapshot")
	return supervisor.StateSnapshot{SessionID: "session-1", Tool: "claude", MaxAgents: 2}
}

func (f *fakeControl) SpawnNext() (string, error) {
	f.record("SpawnNext")
	return f.spawnNextID, f.spawnNextErr
}

func (f *fakeControl) SpawnIssue(number int) (string, error) {
	f.record("SpawnIssue", number)
	return f.spawnIssueID, f.spawnIssueErr
}

func (f *fakeControl) SpawnInteractive() (string, error) {
	f.record("SpawnInteractive")
	return f.interactiveID, f.interactiveErr
}

func (f *fakeControl) Input(id string, data []byte) error {
	f.record("Input", id, string(data))
	return f.agentErr
}

func (f *fakeControl) Resize(id string, cols, rows uint16) error {
	f.record("Resize", id, cols, rows)
	return f.agentErr
}

func (f *fakeControl) Kill(id string) error {
	f.record("Kill", id)
	return f.agentErr
}

func (f *fakeControl) Output(id string) (string, error) {
	f.record("Output", id)
	return f.output, f.agentErr
}

func (f *fakeControl) SetTool(id string) error {
	f.record("SetTool", id)
	return f.toolErr
}

func (f *fakeControl) ResumeSession(accept bool) error {
	f.record("ResumeSession", accept)
	return f.resumeErr
}

func newTestServer(t *testing.T, f *fakeControl) (*httptest.Server, *bus.Bus) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	srv := New("127.0.0.1:0", f, b)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, b
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, &fakeControl{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Status string     `json:"status"`
		Build  homer.Info `json:"build"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, "ok", got.Status)
	require.Equal(t, homer.Version, got.Build.Version)
}

func TestState(t *testing.T) {
	ts, _ := newTestServer(t, &fakeControl{})

	resp, err := http.Get(ts.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap supervisor.StateSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	require.Equal(t, "session-1", snap.SessionID)
	require.Equal(t, "claude", snap.Tool)
}

func TestSpawn(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		control    *fakeControl
		wantStatus int
		wantOK     bool
		wantID     string
		wantCall   string
	}{
		{
			name:       "next unit",
			body:       `{}`,
			control:    &fakeControl{spawnNextID: "agent-1"},
			wantStatus: http.StatusOK,
			wantOK:     true,
			wantID:     "agent-1",
			wantCall:   "SpawnNext",
		},
		{
			name:       "empty body",
			body:       ``,
			control:    &fakeControl{spawnNextID: "agent-1"},
			wantStatus: http.StatusOK,
			wantOK:     true,
			wantID:     "agent-1",
			wantCall:   "SpawnNext",
		},
		{
			name:       "specific issue",
			body:       `{"issue": 42}`,
			control:    &fakeControl{spawnIssueID: "agent-2"},
			wantStatus: http.StatusOK,
			wantOK:     true,
			wantID:     "agent-2",
			wantCall:   "SpawnIssue",
		},
		{
			name:       "no work falls back to interactive",
			body:       `{}`,
			control:    &fakeControl{spawnNextErr: schedule.ErrNoWork, interactiveID: "agent-3"},
			wantStatus: http.StatusOK,
			wantOK:     true,
			wantID:     "agent-3",
			wantCall:   "SpawnInteractive",
		},
		{
			name:       "issue not selectable",
			body:       `{"issue": 7}`,
			control:    &fakeControl{spawnIssueErr: schedule.ErrNoWork},
			wantStatus: http.StatusConflict,
			wantOK:     false,
			wantCall:   "SpawnIssue",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, _ := newTestServer(t, tt.control)

			resp := postJSON(t, ts.URL+"/api/agent/spawn", tt.body)
			defer resp.Body.Close()

			require.Equal(t, tt.wantStatus, resp.StatusCode)
			var got spawnResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
			require.Equal(t, tt.wantOK, got.OK)
			require.Equal(t, tt.wantID, got.ID)

			_, called := tt.control.calledWith(tt.wantCall)
			require.True(t, called, "expected %s to be called", tt.wantCall)
		})
	}
}

func TestSpawnIssueArgument(t *testing.T) {
	f := &fakeControl{spawnIssueID: "agent-9"}
	ts, _ := newTestServer(t, f)

	resp := postJSON(t, ts.URL+"/api/agent/spawn", `{"issue": 12}`)
	resp.Body.Close()

	c, ok := f.calledWith("SpawnIssue")
	require.True(t, ok)
	require.Equal(t, 12, c.args[0])
}

func TestAgentInput(t *testing.T) {
	f := &fakeControl{}
	ts, _ := newTestServer(t, f)

	resp := postJSON(t, ts.URL+"/api/agent/agent-1/input", `{"data": "ls\r"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	c, ok := f.calledWith("Input")
	require.True(t, ok)
	require.Equal(t, "agent-1", c.args[0])
	require.Equal(t, "ls\r", c.args[1])
}

func TestAgentResize(t *testing.T) {
	f := &fakeControl{}
	ts, _ := newTestServer(t, f)

	resp := postJSON(t, ts.URL+"/api/agent/agent-1/resize", `{"cols": 120, "rows": 40}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	c, ok := f.calledWith("Resize")
	require.True(t, ok)
	require.Equal(t, uint16(120), c.args[1])
	require.Equal(t, uint16(40), c.args[2])
}

func TestAgentKillUnknown(t *testing.T) {
	f := &fakeControl{agentErr: errors.New(`no agent "nope"`)}
	ts, _ := newTestServer(t, f)

	resp := postJSON(t, ts.URL+"/api/agent/nope/kill", ``)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentOutput(t *testing.T) {
	f := &fakeControl{output: "raw \x1b[31mred\x1b[0m bytes"}
	ts, _ := newTestServer(t, f)

	resp, err := http.Get(ts.URL + "/api/agent/agent-1/output")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, f.output, string(body))
}

func TestSetTool(t *testing.T) {
	f := &fakeControl{}
	ts, _ := newTestServer(t, f)

	resp := postJSON(t, ts.URL+"/api/tool", `{"id": "aider"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	c, ok := f.calledWith("SetTool")
	require.True(t, ok)
	require.Equal(t, "aider", c.args[0])
}

func TestSetToolMissingID(t *testing.T) {
	ts, _ := newTestServer(t, &fakeControl{})

	resp := postJSON(t, ts.URL+"/api/tool", `{}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionResume(t *testing.T) {
	f := &fakeControl{}
	ts, _ := newTestServer(t, f)

	resp := postJSON(t, ts.URL+"/api/session/resume", `{"resume": true}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	c, ok := f.calledWith("ResumeSession")
	require.True(t, ok)
	require.Equal(t, true, c.args[0])
}

func TestWebSocketInitialStateThenEvents(t *testing.T) {
	ts, b := newTestServer(t, &fakeControl{})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first bus.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, bus.EventState, first.Type)
	require.NotNil(t, first.Snapshot)

	b.Publish(bus.Event{Type: bus.EventAgentSpawned, ID: "agent-1", Tool: "claude"})

	var second bus.Event
	require.NoError(t, conn.ReadJSON(&second))
	require.Equal(t, bus.EventAgentSpawned, second.Type)
	require.Equal(t, "agent-1", second.ID)
}

func TestWebSocketClosesWhenBusCloses(t *testing.T) {
	b := bus.New()
	srv := New("127.0.0.1:0", &fakeControl{}, b)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first bus.Event
	require.NoError(t, conn.ReadJSON(&first))

	b.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
