package memory

import (
	"database/sql"
	"fmt"
)

// taskRunsKeep bounds the global task_runs history.
const taskRunsKeep = 500

// Consolidate prunes low-value memory: unresolved solutions that never
// gained confidence, rules the evidence buried, and task run history
// beyond the most recent 500 rows.
func (s *Store) Consolidate() error {
	return s.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`DELETE FROM solutions WHERE confidence < 0.1 AND resolved = 0`,
		); err != nil {
			return fmt.Errorf("failed to prune solutions: %w", err)
		}
		if _, err := tx.Exec(
			`DELETE FROM repo_rules WHERE confidence <= 0.05`,
		); err != nil {
			return fmt.Errorf("failed to prune rules: %w", err)
		}
		if _, err := tx.Exec(
			`DELETE FROM task_runs WHERE id NOT IN (
			   SELECT id FROM task_runs ORDER BY created_at DESC, id DESC LIMIT ?
			 )`,
			taskRunsKeep,
		); err != nil {
			return fmt.Errorf("failed to truncate task runs: %w", err)
		}
		return nil
	})
}
