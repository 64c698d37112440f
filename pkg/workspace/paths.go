// Package workspace owns the on-disk layout under ~/.homer and the
// repo-local .homer directory: slug derivation, directory bootstrap,
// atomic writes, and the append-only note/progress/workflow logs.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Slug derives the per-repository directory name. "owner/name" becomes
// "owner-name" lowercased; without a repo the slug is built from the last
// two working-directory segments, non-alphanumerics stripped.
func Slug(repo, cwd string) string {
	if repo != "" {
		slug := strings.ToLower(strings.ReplaceAll(repo, "/", "-"))
		return sanitizeSlug(slug)
	}

	cwd = filepath.Clean(cwd)
	parts := strings.Split(cwd, string(filepath.Separator))
	var tail []string
	for _, p := range parts {
		if p != "" {
			tail = append(tail, p)
		}
	}
	if len(tail) > 2 {
		tail = tail[len(tail)-2:]
	}
	for i, p := range tail {
		tail[i] = stripNonAlnum(strings.ToLower(p))
	}
	slug := "local-" + strings.Join(tail, "-")
	return strings.Trim(slug, "-")
}

func sanitizeSlug(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func stripNonAlnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Paths resolves every file homer keeps for one repository.
type Paths struct {
	Root string // ~/.homer
	slug string
}

// NewPaths resolves the homer home tree for the given repo/cwd pair.
func NewPaths(repo, cwd string) (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	return &Paths{Root: filepath.Join(home, ".homer"), slug: Slug(repo, cwd)}, nil
}

// NewPathsAt is NewPaths with an explicit root, for tests.
func NewPathsAt(root, repo, cwd string) *Paths {
	return &Paths{Root: root, slug: Slug(repo, cwd)}
}

func (p *Paths) RepoSlug() string { return p.slug }

func (p *Paths) SessionsDir() string { return filepath.Join(p.Root, "sessions") }

func (p *Paths) SessionFile() string {
	return filepath.Join(p.SessionsDir(), p.slug+".json")
}

func (p *Paths) ContextDir() string {
	return filepath.Join(p.Root, "context", p.slug)
}

func (p *Paths) MemoryDB() string { return filepath.Join(p.ContextDir(), "memory.db") }

func (p *Paths) AgentNotesDir() string { return filepath.Join(p.ContextDir(), "agent-notes") }

func (p *Paths) AgentNoteFile(agentID string) string {
	return filepath.Join(p.AgentNotesDir(), agentID+".md")
}

func (p *Paths) SharedNotes() string { return filepath.Join(p.ContextDir(), "shared.md") }

func (p *Paths) WorkflowsLog() string { return filepath.Join(p.ContextDir(), "workflows.log") }

func (p *Paths) ProgressLog() string { return filepath.Join(p.ContextDir(), "progress.txt") }

func (p *Paths) IndexFile() string { return filepath.Join(p.ContextDir(), "index.json") }

// EnsureTree creates the directory skeleton.
func (p *Paths) EnsureTree() error {
	for _, dir := range []string{p.SessionsDir(), p.ContextDir(), p.AgentNotesDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// RepoContextFile is the auto-generated context file inside the working
// repository.
func RepoContextFile(cwd string) string {
	return filepath.Join(cwd, ".homer", "context.md")
}
