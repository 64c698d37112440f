package workspace

import (
	"fmt"
	"strings"
	"time"
)

// ContextData is what the supervisor knows when it rewrites the repo
// context file after each completed task.
type ContextData struct {
	Project     string
	Repo        string
	GeneratedAt time.Time

	ActiveAgents []ContextAgent
	DoneStories  []string
	OpenStories  []string
	FailedTasks  []string
	RecentLines  []string // newest-first workflow one-liners
}

// ContextAgent is one live agent line in the context file.
type ContextAgent struct {
	ID     string
	Status string
	Task   string
}

const maxRecentLines = 10

// RenderContext produces the markdown body of <cwd>/.homer/context.md.
// Agents are told to read this file, so the shape stays stable and terse.
func RenderContext(d ContextData) string {
	var b strings.Builder

	title := d.Project
	if title == "" {
		title = d.Repo
	}
	if title == "" {
		title = "this repository"
	}
	fmt.Fprintf(&b, "# Orchestrator context for %s\n\n", title)
	fmt.Fprintf(&b, "Generated by homer at %s. Do not edit; regenerated after every completed task.\n", d.GeneratedAt.UTC().Format(time.RFC3339))

	if len(d.ActiveAgents) > 0 {
		b.WriteString("\n## Active agents\n\n")
		for _, a := range d.ActiveAgents {
			line := fmt.Sprintf("- %s (%s)", a.ID, a.Status)
			if a.Task != "" {
				line += ": " + a.Task
			}
			b.WriteString(line + "\n")
		}
	}

	if len(d.DoneStories) > 0 {
		b.WriteString("\n## Completed\n\n")
		for _, s := range d.DoneStories {
			b.WriteString("- " + s + "\n")
		}
	}

	if len(d.OpenStories) > 0 {
		b.WriteString("\n## Remaining\n\n")
		for _, s := range d.OpenStories {
			b.WriteString("- " + s + "\n")
		}
	}

	if len(d.FailedTasks) > 0 {
		b.WriteString("\n## Needs a human\n\n")
		for _, s := range d.FailedTasks {
			b.WriteString("- " + s + "\n")
		}
	}

	if len(d.RecentLines) > 0 {
		b.WriteString("\n## Recent activity\n\n")
		lines := d.RecentLines
		if len(lines) > maxRecentLines {
			lines = lines[:maxRecentLines]
		}
		for _, l := range lines {
			b.WriteString("- " + l + "\n")
		}
	}

	return b.String()
}
