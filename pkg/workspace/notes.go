package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WriteAgentNote persists the compact per-agent note.
func (p *Paths) WriteAgentNote(agentID, content string) error {
	return WriteFileAtomic(p.AgentNoteFile(agentID), []byte(content), 0644)
}

// AppendWorkflow records one completed workflow as a single log line.
func (p *Paths) AppendWorkflow(line string) error {
	return appendLine(p.WorkflowsLog(), line)
}

// AppendProgress appends a timestamped entry to the Ralph-style progress
// log.
func (p *Paths) AppendProgress(taskID, message string) error {
	line := fmt.Sprintf("[%s] %s: %s", time.Now().UTC().Format(time.RFC3339), taskID, message)
	return appendLine(p.ProgressLog(), line)
}

// EnsureSharedNotes creates shared.md with a starter header if absent.
func (p *Paths) EnsureSharedNotes() error {
	path := p.SharedNotes()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	header := "# Shared notes\n\nFree-form notes visible to every agent working this repository.\n"
	return WriteFileAtomic(path, []byte(header), 0644)
}

func appendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	return nil
}

// WriteRepoContext rewrites <cwd>/.homer/context.md and drops an
// ignore-everything .gitignore next to it so the directory never lands in
// version control.
func WriteRepoContext(cwd, content string) error {
	path := RepoContextFile(cwd)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	ignore := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(ignore); os.IsNotExist(err) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0644); err != nil {
			return fmt.Errorf("write %s: %w", ignore, err)
		}
	}
	return WriteFileAtomic(path, []byte(content), 0644)
}
