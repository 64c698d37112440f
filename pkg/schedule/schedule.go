// Package schedule decides what each agent works on next. It layers three
// task sources (pending subtasks, PRD stories, ready issues), keeps the
// subtask ledgers and claim set, and enforces the verify and reroute
// budgets.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/homerhq/homer/pkg/task"
)

const (
	// MaxVerify caps verification retries per agent; hitting the cap
	// reroutes the task to a fresh agent.
	MaxVerify = 5
	// MaxReroutes caps reroutes per task; a task that would need a third
	// agent fails permanently.
	MaxReroutes = 2
)

// ErrNoWork is returned by Next when every source is exhausted.
var ErrNoWork = errors.New("no schedulable work")

// Selection is a claimed work unit plus the completed-sibling criteria a
// prompt builder needs when the unit is a subtask.
type Selection struct {
	Unit              *task.WorkUnit
	CompletedSiblings []string
}

// Scheduler owns task selection state: the loaded PRD, imported issues,
// subtask ledgers, the claim set, and per-task reroute counts.
//
// Not safe for concurrent use. The supervisor goroutine that owns the
// agent registry is the only caller.
type Scheduler struct {
	prd     *task.PRD
	prdPath string

	issues     []*task.Issue
	issuesDone map[int]bool

	ledgers     map[string]*Ledger
	ledgerOrder []string

	claims        map[string]bool
	reroutes      map[string]int
	failed        map[string]bool
	failedStories map[string]bool
}

func New() *Scheduler {
	return &Scheduler{
		issuesDone:    make(map[int]bool),
		ledgers:       make(map[string]*Ledger),
		claims:        make(map[string]bool),
		reroutes:      make(map[string]int),
		failed:        make(map[string]bool),
		failedStories: make(map[string]bool),
	}
}

// SetPRD swaps the loaded PRD, for startup and for external-edit reloads.
// Ledgers of stories that no longer exist (or now pass) are dropped.
func (s *Scheduler) SetPRD(prd *task.PRD, path string) {
	s.prd = prd
	s.prdPath = path

	byID := make(map[string]*task.Story)
	if prd != nil {
		for _, st := range prd.UserStories {
			byID[st.ID] = st
		}
	}
	kept := s.ledgerOrder[:0]
	for _, id := range s.ledgerOrder {
		if st, ok := byID[id]; ok && !st.Passes {
			kept = append(kept, id)
			continue
		}
		delete(s.ledgers, id)
	}
	s.ledgerOrder = kept
}

// PRD returns the loaded PRD (possibly nil) and its file path.
func (s *Scheduler) PRD() (*task.PRD, string) {
	return s.prd, s.prdPath
}

// SetIssues replaces the imported issue list.
func (s *Scheduler) SetIssues(issues []*task.Issue) {
	s.issues = issues
}

// Next selects, claims, and returns the next work unit:
//
//  1. the first pending, unclaimed subtask of any open ledger,
//  2. else the next unpassed story, decomposed into a ledger when it has
//     more than two acceptance criteria, in which case its first subtask
//     is returned,
//  3. else the next ready issue.
//
// ErrNoWork means every source is exhausted.
func (s *Scheduler) Next() (*Selection, error) {
	if sel := s.nextSubtask(); sel != nil {
		return sel, nil
	}
	if sel := s.nextStory(); sel != nil {
		return sel, nil
	}
	if sel := s.nextIssue(); sel != nil {
		return sel, nil
	}
	return nil, ErrNoWork
}

func (s *Scheduler) nextSubtask() *Selection {
	for _, parentID := range s.ledgerOrder {
		ledger := s.ledgers[parentID]
		if s.failedStories[parentID] {
			continue
		}
		for _, st := range ledger.Pending() {
			unit := task.SubtaskUnit(st)
			if !s.Claim(unit.Key()) {
				continue
			}
			return &Selection{Unit: unit, CompletedSiblings: ledger.CompletedCriteria()}
		}
	}
	return nil
}

func (s *Scheduler) nextStory() *Selection {
	if s.prd == nil {
		return nil
	}
	open := &task.PRD{}
	for _, st := range s.prd.UserStories {
		if st.Passes || s.failedStories[st.ID] {
			continue
		}
		if _, decomposed := s.ledgers[st.ID]; decomposed {
			continue // its remaining subtasks are step 1's business
		}
		unit := task.StoryUnit(st)
		if s.failed[unit.Key()] || s.claims[unit.Key()] {
			continue
		}
		open.UserStories = append(open.UserStories, st)
	}
	story, err := task.NextStory(open)
	if err != nil {
		return nil
	}

	if subtasks := task.Decompose(story); subtasks != nil {
		ledger := newLedger(story.ID, subtasks)
		s.ledgers[story.ID] = ledger
		s.ledgerOrder = append(s.ledgerOrder, story.ID)

		first := task.SubtaskUnit(subtasks[0])
		s.Claim(first.Key())
		return &Selection{Unit: first}
	}

	unit := task.StoryUnit(story)
	s.Claim(unit.Key())
	return &Selection{Unit: unit}
}

func (s *Scheduler) nextIssue() *Selection {
	for _, is := range task.ReadyIssues(s.issues, s.issuesDone) {
		unit := task.IssueUnit(is)
		if s.failed[unit.Key()] {
			continue
		}
		if !s.Claim(unit.Key()) {
			continue
		}
		return &Selection{Unit: unit}
	}
	return nil
}

// SelectIssue claims a specific issue by number, for explicit spawn
// requests. Unlike Next it does not require the issue's dependencies to
// be done; the operator asked for it.
func (s *Scheduler) SelectIssue(number int) (*Selection, error) {
	for _, is := range s.issues {
		if is.Number != number {
			continue
		}
		unit := task.IssueUnit(is)
		if s.issuesDone[number] || s.failed[unit.Key()] {
			return nil, fmt.Errorf("issue #%d is no longer open", number)
		}
		if !s.Claim(unit.Key()) {
			return nil, fmt.Errorf("issue #%d is already claimed", number)
		}
		return &Selection{Unit: unit}, nil
	}
	return nil, fmt.Errorf("issue #%d not found", number)
}

// Claim marks a unit key as held by an active agent. It returns false if
// the key is already claimed or the task has permanently failed; at most
// one agent works a given (kind, key) at a time.
func (s *Scheduler) Claim(key string) bool {
	if s.claims[key] || s.failed[key] {
		return false
	}
	s.claims[key] = true
	return true
}

// Release frees a claim. Called when the claiming agent reaches a
// terminal status without completing the unit.
func (s *Scheduler) Release(key string) {
	delete(s.claims, key)
}

func (s *Scheduler) Claimed(key string) bool {
	return s.claims[key]
}

// Complete records a verified pass for the unit and releases its claim.
// For subtasks it returns the parent story id and whether the parent is
// now complete; the caller persists the story flip.
func (s *Scheduler) Complete(u *task.WorkUnit) (parentID string, parentDone bool) {
	defer s.Release(u.Key())

	switch u.Kind {
	case task.KindStory:
		s.markStoryDone(u.Story.ID)
	case task.KindSubtask:
		ledger, ok := s.ledgers[u.Subtask.ParentID]
		if !ok {
			return "", false
		}
		if ledger.Complete(u.Subtask.ID) {
			s.markStoryDone(ledger.ParentID)
			return ledger.ParentID, true
		}
		return ledger.ParentID, false
	case task.KindIssue:
		s.issuesDone[u.Issue.Number] = true
	}
	return "", false
}

// Fail marks a unit permanently failed and releases its claim. The unit
// will never be selected again; a failed subtask fails its whole story.
func (s *Scheduler) Fail(u *task.WorkUnit) {
	s.failed[u.Key()] = true
	s.Release(u.Key())

	switch u.Kind {
	case task.KindStory:
		s.failedStories[u.Story.ID] = true
	case task.KindSubtask:
		s.failedStories[u.Subtask.ParentID] = true
		s.dropLedger(u.Subtask.ParentID)
	}
}

// TryReroute consumes one unit of the task's reroute budget. It returns
// false once the budget is spent; the caller then fails the task.
func (s *Scheduler) TryReroute(key string) bool {
	if s.reroutes[key] >= MaxReroutes {
		return false
	}
	s.reroutes[key]++
	return true
}

// RerouteCount returns how many reroutes the task has used.
func (s *Scheduler) RerouteCount(key string) int {
	return s.reroutes[key]
}

// FailedKeys returns the keys of permanently failed tasks, sorted.
func (s *Scheduler) FailedKeys() []string {
	keys := make([]string, 0, len(s.failed))
	for key := range s.failed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Replacements is the auto-spawn arithmetic: how many agents to start so
// that active (working or verifying) agents reach max.
func Replacements(active, max int) int {
	if n := max - active; n > 0 {
		return n
	}
	return 0
}

// Stats summarizes schedulable work for state snapshots.
type Stats struct {
	OpenStories     int `json:"openStories"`
	PendingSubtasks int `json:"pendingSubtasks"`
	OpenIssues      int `json:"openIssues"`
	FailedTasks     int `json:"failedTasks"`
}

func (s *Scheduler) Stats() Stats {
	st := Stats{FailedTasks: len(s.failed)}
	if s.prd != nil {
		for _, story := range s.prd.UserStories {
			if !story.Passes && !s.failedStories[story.ID] {
				st.OpenStories++
			}
		}
	}
	for _, id := range s.ledgerOrder {
		if !s.failedStories[id] {
			st.PendingSubtasks += len(s.ledgers[id].Pending())
		}
	}
	for _, is := range s.issues {
		if !s.issuesDone[is.Number] && !s.failed["issue:"+strconv.Itoa(is.Number)] {
			st.OpenIssues++
		}
	}
	return st
}

func (s *Scheduler) markStoryDone(storyID string) {
	if s.prd != nil {
		for _, st := range s.prd.UserStories {
			if st.ID == storyID {
				st.Passes = true
			}
		}
	}
	s.dropLedger(storyID)
}

func (s *Scheduler) dropLedger(storyID string) {
	if _, ok := s.ledgers[storyID]; !ok {
		return
	}
	delete(s.ledgers, storyID)
	for i, id := range s.ledgerOrder {
		if id == storyID {
			s.ledgerOrder = append(s.ledgerOrder[:i], s.ledgerOrder[i+1:]...)
			break
		}
	}
}
