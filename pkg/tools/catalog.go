// Package tools describes the coding CLIs the orchestrator can drive.
// The catalog is process-wide and immutable for the run; unknown but
// executable commands resolve to a generic descriptor with no capabilities.
package tools

import (
	"fmt"
	"os/exec"
)

// BuildOpts carries the per-spawn settings an argument builder may honor.
type BuildOpts struct {
	Model          string
	PermissionMode string
	Auto           bool
	SystemPrompt   string
}

// Descriptor describes one supported coding CLI: how to invoke it and
// which prompt-injection capabilities it has.
type Descriptor struct {
	ID      string
	Name    string
	Command string

	Interactive           bool
	PermissionModes       []string
	SupportsSystemPrompt  bool
	SupportsInitialPrompt bool
	// RequiredEnv names an environment variable the tool needs to run,
	// or "" when the tool manages its own credentials.
	RequiredEnv string

	// BuildArgs produces the base argument list for a spawn.
	BuildArgs func(opts BuildOpts) []string
	// BuildInitialArgs appends the initial prompt as arguments; nil when
	// the tool only accepts prompts over the PTY after it is ready.
	BuildInitialArgs func(prompt string) []string
}

// SupportsPermissionMode reports whether mode is one the tool accepts.
func (d Descriptor) SupportsPermissionMode(mode string) bool {
	for _, m := range d.PermissionModes {
		if m == mode {
			return true
		}
	}
	return false
}

// catalog holds the supported tools in preference order.
var catalog = []Descriptor{
	{
		ID:                    "claude",
		Name:                  "Claude Code",
		Command:               "claude",
		Interactive:           true,
		PermissionModes:       []string{"default", "acceptEdits", "plan", "bypassPermissions"},
		SupportsSystemPrompt:  true,
		SupportsInitialPrompt: true,
		BuildArgs: func(opts BuildOpts) []string {
			var args []string
			if opts.Auto {
				// Autonomous operation cannot stop for permission prompts.
				args = append(args, "--dangerously-skip-permissions")
			} else if opts.PermissionMode != "" {
				args = append(args, "--permission-mode", opts.PermissionMode)
			}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			if opts.SystemPrompt != "" {
				args = append(args, "--append-system-prompt", opts.SystemPrompt)
			}
			return args
		},
		BuildInitialArgs: func(prompt string) []string {
			return []string{prompt}
		},
	},
	{
		ID:                    "aider",
		Name:                  "Aider",
		Command:               "aider",
		Interactive:           true,
		SupportsInitialPrompt: true,
		BuildArgs: func(opts BuildOpts) []string {
			var args []string
			if opts.Auto {
				args = append(args, "--yes-always")
			}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			return args
		},
		BuildInitialArgs: func(prompt string) []string {
			return []string{"--message", prompt}
		},
	},
	{
		ID:                    "codex",
		Name:                  "Codex CLI",
		Command:               "codex",
		Interactive:           true,
		RequiredEnv:           "OPENAI_API_KEY",
		SupportsInitialPrompt: true,
		BuildArgs: func(opts BuildOpts) []string {
			var args []string
			if opts.Auto {
				args = append(args, "--full-auto")
			}
			if opts.Model != "" {
				args = append(args, "--model", opts.Model)
			}
			return args
		},
		BuildInitialArgs: func(prompt string) []string {
			return []string{prompt}
		},
	},
}

// Generic wraps an arbitrary executable as a tool with no capabilities.
// The agent must be prompted over the PTY once it looks ready.
func Generic(command string) Descriptor {
	return Descriptor{
		ID:          command,
		Name:        command,
		Command:     command,
		Interactive: true,
		BuildArgs:   func(BuildOpts) []string { return nil },
	}
}

// Get returns the catalog descriptor for id.
func Get(id string) (Descriptor, bool) {
	for _, d := range catalog {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Detect returns the catalog tools found on PATH, in preference order.
func Detect() []Descriptor {
	var found []Descriptor
	for _, d := range catalog {
		if _, err := exec.LookPath(d.Command); err == nil {
			found = append(found, d)
		}
	}
	return found
}

// Resolve maps a user-named tool to a runnable descriptor. Catalog tools
// must be on PATH; unknown names fall back to a generic descriptor when
// the command itself is executable. An unrunnable name is an error that
// the caller treats as fatal at startup.
func Resolve(id string) (Descriptor, error) {
	if d, ok := Get(id); ok {
		if _, err := exec.LookPath(d.Command); err != nil {
			return Descriptor{}, fmt.Errorf("tool %q is not installed: %w", id, err)
		}
		return d, nil
	}
	if _, err := exec.LookPath(id); err != nil {
		return Descriptor{}, fmt.Errorf("unknown tool %q and no such executable on PATH", id)
	}
	return Generic(id), nil
}
