// Package task models units of work and their sources: a PRD file of user
// stories, auto-decomposed subtasks, and imported issue-tracker items.
package task

import "strconv"

// Kind discriminates WorkUnit variants.
type Kind string

const (
	KindStory   Kind = "story"
	KindSubtask Kind = "subtask"
	KindIssue   Kind = "issue"
)

// Subtask is one acceptance criterion of a decomposed story.
type Subtask struct {
	ID        string `json:"id"`
	ParentID  string `json:"parentId"`
	Criterion string `json:"criterion"`
	Title     string `json:"title"`
}

// WorkUnit is a tagged variant over the three task sources. Exactly one of
// Story, Subtask, Issue is set, matching Kind.
type WorkUnit struct {
	Kind    Kind     `json:"kind"`
	Story   *Story   `json:"story,omitempty"`
	Subtask *Subtask `json:"subtask,omitempty"`
	Issue   *Issue   `json:"issue,omitempty"`
}

func StoryUnit(s *Story) *WorkUnit {
	return &WorkUnit{Kind: KindStory, Story: s}
}

func SubtaskUnit(s *Subtask) *WorkUnit {
	return &WorkUnit{Kind: KindSubtask, Subtask: s}
}

func IssueUnit(i *Issue) *WorkUnit {
	return &WorkUnit{Kind: KindIssue, Issue: i}
}

// Key is the memory join key: "story:<id>" for stories and subtasks,
// "issue:<number>" for issues.
func (u *WorkUnit) Key() string {
	switch u.Kind {
	case KindStory:
		return "story:" + u.Story.ID
	case KindSubtask:
		return "story:" + u.Subtask.ID
	case KindIssue:
		return "issue:" + strconv.Itoa(u.Issue.Number)
	default:
		return ""
	}
}

func (u *WorkUnit) Title() string {
	switch u.Kind {
	case KindStory:
		return u.Story.Title
	case KindSubtask:
		return u.Subtask.Title
	case KindIssue:
		return u.Issue.Title
	default:
		return ""
	}
}

func (u *WorkUnit) Description() string {
	switch u.Kind {
	case KindStory:
		return u.Story.Description
	case KindSubtask:
		return u.Subtask.Criterion
	case KindIssue:
		return u.Issue.Body
	default:
		return ""
	}
}

// Criteria returns the acceptance criteria the verifier reports against.
func (u *WorkUnit) Criteria() []string {
	switch u.Kind {
	case KindStory:
		return u.Story.AcceptanceCriteria
	case KindSubtask:
		return []string{u.Subtask.Criterion}
	case KindIssue:
		return extractCriteria(u.Issue)
	default:
		return nil
	}
}

// Equal compares by (kind, key).
func (u *WorkUnit) Equal(other *WorkUnit) bool {
	if u == nil || other == nil {
		return u == other
	}
	return u.Kind == other.Kind && u.Key() == other.Key()
}

// UnitRef is the JSON-friendly summary used in state snapshots and events.
type UnitRef struct {
	Kind  Kind   `json:"kind"`
	Key   string `json:"key"`
	Title string `json:"title"`
}

func (u *WorkUnit) Ref() *UnitRef {
	if u == nil {
		return nil
	}
	return &UnitRef{Kind: u.Kind, Key: u.Key(), Title: u.Title()}
}
