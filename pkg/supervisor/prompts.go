package supervisor

import (
	"fmt"
	"strings"
	"time"

	"github.com/homerhq/homer/pkg/agent"
	"github.com/homerhq/homer/pkg/task"
	"github.com/homerhq/homer/pkg/verify"
)

const (
	// lastFailureMax caps the failure summary in reroute headers.
	lastFailureMax = 500
	// attemptDigestMax caps each per-attempt line in reroute headers.
	attemptDigestMax = 200
	// checkOutputMax caps each check's output inside retry feedback.
	checkOutputMax = 1500
	// resumeTailLines caps the replayed history in a resume preamble.
	resumeTailLines = 15
	// promptFileCap bounds file extraction from task text and output.
	promptFileCap = 20
)

// systemPrompt is the standing instruction set every agent starts with.
// Tools without a system-prompt flag get it prepended to the first
// message instead.
func systemPrompt() string {
	return strings.TrimSpace(`
You are one agent in a team coordinated by homer, a multi-agent orchestrator.
Work only on the task you are given. Read .homer/context.md in the repo root
for what other agents are doing before touching shared files.

Signal protocol (exact tokens, each on its own line):
- Print HOMER_DONE when the task is complete and the project's checks pass.
- Print HOMER_BLOCKED: <short reason> if you cannot proceed.

The orchestrator verifies your work by running the project's checks itself.
Do not print HOMER_DONE until you have run them and they pass.
`)
}

// buildTaskPrompt renders the first message an agent receives for a work
// unit: title, description, acceptance criteria, finished sibling
// criteria for subtasks, and whatever the repo's memory knows.
func buildTaskPrompt(u *task.WorkUnit, completedSiblings []string, memCtx string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task: %s\n\n", u.Title())
	if desc := strings.TrimSpace(u.Description()); desc != "" {
		b.WriteString(desc)
		b.WriteString("\n\n")
	}

	if criteria := u.Criteria(); len(criteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	if len(completedSiblings) > 0 {
		b.WriteString("Already done in this story (do not redo):\n")
		for _, c := range completedSiblings {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	if memCtx != "" {
		b.WriteString(memCtx)
		if !strings.HasSuffix(memCtx, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("When every acceptance criterion is met and the checks pass, print HOMER_DONE on its own line.")
	return b.String()
}

// buildFeedback renders the retry message written into the agent's
// terminal after a failed verification.
func buildFeedback(attempt, max int, result verify.Result, criteria []string, history []agent.VerifyRecord, hints string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "HOMER VERIFICATION FAILED (attempt %d/%d)\n\n", attempt, max)
	b.WriteString("Fix these failing checks before continuing:\n\n")
	for _, r := range result.Results {
		if r.Passed {
			continue
		}
		fmt.Fprintf(&b, "### %s\n$ %s\n%s\n\n", r.Name, r.Command, truncate(strings.TrimSpace(r.Output), checkOutputMax))
	}

	if len(criteria) > 0 {
		b.WriteString("Acceptance criteria for this task:\n")
		for _, c := range criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	if len(history) > 0 {
		b.WriteString("Previous attempts:\n")
		for _, rec := range history {
			line := fmt.Sprintf("- attempt %d: %s", rec.Attempt, strings.Join(rec.FailedChecks, ", "))
			if rec.OutputHead != "" {
				line += " - " + rec.OutputHead
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}

	if hints != "" {
		b.WriteString(hints)
		if !strings.HasSuffix(hints, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Fix the errors, run the checks yourself, then print HOMER_DONE again.")
	return b.String()
}

// rerouteInfo carries everything a hand-off header needs about the
// failed predecessor.
type rerouteInfo struct {
	TaskTitle   string
	PrevAgentID string
	Reroute     int
	MaxReroutes int
	Attempts    int
	LastFailure string
	History     []agent.VerifyRecord
	MemoryNotes string
}

// buildRerouteHeader renders the hand-off block prepended to the task
// prompt when a fresh agent takes over.
func buildRerouteHeader(info rerouteInfo) string {
	var b strings.Builder

	b.WriteString("=== TASK HAND-OFF ===\n")
	fmt.Fprintf(&b, "You are taking over %q from agent %s, which could not finish it.\n", info.TaskTitle, info.PrevAgentID)
	fmt.Fprintf(&b, "This is hand-off %d of %d. The previous agent made %d verification attempt(s).\n\n",
		info.Reroute, info.MaxReroutes, info.Attempts)

	if info.LastFailure != "" {
		b.WriteString("Last failure:\n")
		b.WriteString(truncate(info.LastFailure, lastFailureMax))
		b.WriteString("\n\n")
	}

	if len(info.History) > 0 {
		b.WriteString("What each attempt hit:\n")
		for _, rec := range info.History {
			line := fmt.Sprintf("attempt %d: %s", rec.Attempt, strings.Join(rec.FailedChecks, ", "))
			if rec.OutputHead != "" {
				line += " - " + rec.OutputHead
			}
			fmt.Fprintf(&b, "- %s\n", truncate(line, attemptDigestMax))
		}
		b.WriteString("\n")
	}

	if info.MemoryNotes != "" {
		b.WriteString(info.MemoryNotes)
		if !strings.HasSuffix(info.MemoryNotes, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Ground rules for the takeover:\n")
	b.WriteString("- Do not repeat the approaches listed above.\n")
	b.WriteString("- Start by running the failing checks yourself and reading their output.\n")
	b.WriteString("- Prefer the smallest change that fixes the root cause.\n")
	b.WriteString("=====================")
	return b.String()
}

// buildResumePreamble renders the catch-up message for an agent
// recreated from a saved session.
func buildResumePreamble(id string, tail []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Continue previous work as %s. The orchestrator restarted and your terminal history was lost.\n", id)
	if len(tail) > resumeTailLines {
		tail = tail[len(tail)-resumeTailLines:]
	}
	if len(tail) > 0 {
		b.WriteString("\nLast output before shutdown:\n")
		for _, line := range tail {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	b.WriteString("\nPick up where you left off; re-read any files you were editing before changing them.")
	return b.String()
}

// promptChars are line endings that look like an interactive REPL
// waiting for input.
var promptChars = []rune{'>', '$', '?', '❯', '›'}

// promptReady reports whether a stripped terminal line looks like the
// tool's input prompt.
func promptReady(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	runes := []rune(line)
	last := runes[len(runes)-1]
	for _, c := range promptChars {
		if last == c {
			return true
		}
	}
	lower := strings.ToLower(line)
	return strings.Contains(lower, "claude") || strings.Contains(lower, "aider")
}

// filesFromText extracts repo-relative file paths from task text.
func filesFromText(text string) []string {
	return extractPaths(text, promptFileCap)
}

// filesFromOutput extracts file paths from raw terminal output.
func filesFromOutput(output string) []string {
	return extractPaths(agent.StripANSI(output), promptFileCap)
}

func extractPaths(text string, limit int) []string {
	matches := agent.FilePathRE.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool, len(matches))
	var paths []string
	for _, m := range matches {
		p := strings.TrimSpace(m[2])
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
		if len(paths) >= limit {
			break
		}
	}
	return paths
}

// buildAgentNote renders the per-agent summary persisted under
// agent-notes/ when an agent finishes.
func buildAgentNote(st *agentState, attempt int, files []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", st.ID)
	fmt.Fprintf(&b, "- finished: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&b, "- tool: %s\n", st.ToolID)
	fmt.Fprintf(&b, "- task: %s\n", unitKey(st.Task))
	if st.Task != nil {
		fmt.Fprintf(&b, "- title: %s\n", st.Task.Title())
	}
	fmt.Fprintf(&b, "- verification attempts: %d\n", attempt)
	if len(files) > 0 {
		b.WriteString("\nFiles touched:\n")
		for _, f := range files {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
