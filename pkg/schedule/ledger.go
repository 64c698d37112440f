package schedule

import "github.com/homerhq/homer/pkg/task"

// Ledger tracks the subtasks of one decomposed story. The parent story
// passes only when every subtask id is in the completion set.
type Ledger struct {
	ParentID string
	Subtasks []*task.Subtask
	done     map[string]bool
}

func newLedger(parentID string, subtasks []*task.Subtask) *Ledger {
	return &Ledger{
		ParentID: parentID,
		Subtasks: subtasks,
		done:     make(map[string]bool, len(subtasks)),
	}
}

// Complete marks one subtask done and reports whether the whole story is
// now complete.
func (l *Ledger) Complete(subtaskID string) bool {
	l.done[subtaskID] = true
	return l.AllDone()
}

func (l *Ledger) Completed(subtaskID string) bool {
	return l.done[subtaskID]
}

// AllDone reports whether every subtask id is in the completion set.
func (l *Ledger) AllDone() bool {
	for _, st := range l.Subtasks {
		if !l.done[st.ID] {
			return false
		}
	}
	return true
}

// Pending returns the subtasks not yet completed, in criterion order.
func (l *Ledger) Pending() []*task.Subtask {
	var out []*task.Subtask
	for _, st := range l.Subtasks {
		if !l.done[st.ID] {
			out = append(out, st)
		}
	}
	return out
}

// CompletedCriteria returns the criterion text of the finished siblings,
// in criterion order. Prompt builders include these so an agent working a
// later subtask knows what is already in place.
func (l *Ledger) CompletedCriteria() []string {
	var out []string
	for _, st := range l.Subtasks {
		if l.done[st.ID] {
			out = append(out, st.Criterion)
		}
	}
	return out
}
