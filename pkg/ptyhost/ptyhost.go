// Package ptyhost spawns child processes bound to pseudo-terminals and
// forwards bytes in both directions. It owns nothing about what the child
// prints; consumers receive raw output through a callback.
package ptyhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Interactive CLIs misrender below this window; spawn and resize clamp to it.
const (
	MinCols uint16 = 40
	MinRows uint16 = 10
)

// nestingGuardVar is stripped from the child environment: one supported CLI
// refuses to start when it believes it is running inside itself.
const nestingGuardVar = "CLAUDECODE"

const killGrace = 2 * time.Second

// Spec describes a child to attach to a PTY.
type Spec struct {
	Command string
	Args    []string
	Env     []string // nil means the parent environment
	Dir     string
	Cols    uint16
	Rows    uint16

	// OnData receives raw PTY output. The slice is only valid for the
	// duration of the call.
	OnData func([]byte)
	// OnExit fires exactly once when the child terminates.
	OnExit func(ExitState)
}

// ExitState reports how the child ended.
type ExitState struct {
	Code   int
	Signal string
}

// Handle is a live PTY-attached child.
type Handle struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.Mutex
	closed bool

	done chan struct{}
	exit ExitState
}

// Spawn starts the child under a PTY sized to the clamped (cols, rows).
// ctx cancellation SIGTERMs the child; after killGrace it is killed.
func Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	cols, rows := clampSize(spec.Cols, spec.Rows)

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = stripVar(spec.Env, nestingGuardVar)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Command, err)
	}

	h := &Handle{
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}
	go h.readLoop(spec.OnData)
	go h.waitLoop(spec.OnExit)
	return h, nil
}

func clampSize(cols, rows uint16) (uint16, uint16) {
	if cols < MinCols {
		cols = MinCols
	}
	if rows < MinRows {
		rows = MinRows
	}
	return cols, rows
}

func stripVar(env []string, name string) []string {
	if env == nil {
		env = os.Environ()
	}
	prefix := name + "="
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func (h *Handle) readLoop(onData func([]byte)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 && onData != nil {
			onData(buf[:n])
		}
		if err != nil {
			// Linux reports EIO on the master once the child side
			// closes; that is a normal end of stream.
			var pathErr *os.PathError
			if errors.As(err, &pathErr) && pathErr.Err == syscall.EIO {
				return
			}
			return
		}
	}
}

func (h *Handle) waitLoop(onExit func(ExitState)) {
	err := h.cmd.Wait()
	h.exit = exitStateFrom(err)

	h.mu.Lock()
	h.closed = true
	h.ptmx.Close()
	h.mu.Unlock()

	close(h.done)
	if onExit != nil {
		onExit(h.exit)
	}
}

func exitStateFrom(err error) ExitState {
	if err == nil {
		return ExitState{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		state := ExitState{Code: exitErr.ExitCode()}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			state.Signal = ws.Signal().String()
		}
		return state
	}
	return ExitState{Code: -1}
}

// Write forwards bytes to the child's terminal.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, fmt.Errorf("pty closed")
	}
	return h.ptmx.Write(p)
}

// Resize propagates a window-size change, clamped to the minimum.
func (h *Handle) Resize(cols, rows uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("pty closed")
	}
	cols, rows = clampSize(cols, rows)
	return pty.Setsize(h.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill SIGTERMs the child and escalates to SIGKILL after the grace period.
func (h *Handle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Already gone.
		return nil
	}
	go func() {
		select {
		case <-h.done:
		case <-time.After(killGrace):
			_ = h.cmd.Process.Kill()
		}
	}()
	return nil
}

// Done closes when the child has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exit is valid after Done closes.
func (h *Handle) Exit() ExitState { return h.exit }
