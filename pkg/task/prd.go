package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/homerhq/homer/pkg/workspace"
)

// ErrNoPRD is returned when no PRD file exists (or the file is unreadable
// enough to be treated as absent).
var ErrNoPRD = errors.New("no PRD found")

// ErrNoStories is returned when every story in the PRD already passes.
var ErrNoStories = errors.New("no unpassed stories")

// prdCandidates are checked in order; the first existing file wins.
var prdCandidates = []string{"prd.json", "ralph/prd.json", ".homer/prd.json"}

// missingPriority sorts stories without an explicit priority last.
const missingPriority = 99

// PRD mirrors the on-disk JSON format field for field. Stories keep their
// file order; Passes is the authoritative completion flag.
type PRD struct {
	Project     string   `json:"project"`
	BranchName  string   `json:"branchName,omitempty"`
	Description string   `json:"description,omitempty"`
	UserStories []*Story `json:"userStories"`
}

// Story is one user story of the PRD.
type Story struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	Priority           *int     `json:"priority,omitempty"`
	Passes             bool     `json:"passes"`
	Notes              string   `json:"notes,omitempty"`
}

func (s *Story) priority() int {
	if s.Priority == nil {
		return missingPriority
	}
	return *s.Priority
}

// Discover returns the path of the first PRD candidate that exists under
// dir, or ErrNoPRD.
func Discover(dir string) (string, error) {
	for _, rel := range prdCandidates {
		path := filepath.Join(dir, rel)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", ErrNoPRD
}

// Load reads and validates a PRD file. Malformed JSON and schema violations
// degrade to ErrNoPRD-wrapped errors so callers can treat the file as
// absent without crashing.
func Load(path string) (*PRD, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPRD, path)
	}
	if err := validatePRDBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoPRD, path, err)
	}
	var prd PRD
	if err := json.Unmarshal(data, &prd); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoPRD, path, err)
	}
	return &prd, nil
}

// LoadFromDir discovers and loads the PRD under dir.
func LoadFromDir(dir string) (*PRD, string, error) {
	path, err := Discover(dir)
	if err != nil {
		return nil, "", err
	}
	prd, err := Load(path)
	if err != nil {
		return nil, "", err
	}
	return prd, path, nil
}

// Save writes the PRD atomically (temp file then rename).
func Save(prd *PRD, path string) error {
	data, err := json.MarshalIndent(prd, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal PRD: %w", err)
	}
	data = append(data, '\n')
	if err := workspace.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("write PRD: %w", err)
	}
	return nil
}

// NextStory returns the first unpassed story after a stable sort by
// priority (missing priority sorts last). Ties keep file order.
func NextStory(prd *PRD) (*Story, error) {
	if prd == nil {
		return nil, ErrNoPRD
	}
	var open []*Story
	for _, s := range prd.UserStories {
		if !s.Passes {
			open = append(open, s)
		}
	}
	if len(open) == 0 {
		return nil, ErrNoStories
	}
	sort.SliceStable(open, func(i, j int) bool {
		return open[i].priority() < open[j].priority()
	})
	return open[0], nil
}

// Decompose splits a story with more than two acceptance criteria into one
// subtask per criterion, ids "<storyId>-<i+1>". Smaller stories return nil.
func Decompose(story *Story) []*Subtask {
	if story == nil || len(story.AcceptanceCriteria) <= 2 {
		return nil
	}
	subtasks := make([]*Subtask, 0, len(story.AcceptanceCriteria))
	for i, criterion := range story.AcceptanceCriteria {
		subtasks = append(subtasks, &Subtask{
			ID:        fmt.Sprintf("%s-%d", story.ID, i+1),
			ParentID:  story.ID,
			Criterion: criterion,
			Title:     fmt.Sprintf("%s (%d/%d)", story.Title, i+1, len(story.AcceptanceCriteria)),
		})
	}
	return subtasks
}

// MarkStoryPassed flips the story's passes flag and persists atomically.
func MarkStoryPassed(path, storyID string) error {
	return updateStory(path, storyID, func(s *Story) {
		s.Passes = true
	})
}

// MarkStoryFailed records a failure note on the story without passing it.
func MarkStoryFailed(path, storyID, note string) error {
	return updateStory(path, storyID, func(s *Story) {
		s.Passes = false
		if note != "" {
			s.Notes = note
		}
	})
}

func updateStory(path, storyID string, mutate func(*Story)) error {
	prd, err := Load(path)
	if err != nil {
		return err
	}
	for _, s := range prd.UserStories {
		if s.ID == storyID {
			mutate(s)
			return Save(prd, path)
		}
	}
	return fmt.Errorf("story %q not in %s", storyID, path)
}
