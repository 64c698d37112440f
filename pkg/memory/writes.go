package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/homerhq/homer/pkg/metrics"
	"github.com/homerhq/homer/pkg/verify"
)

const (
	// cochangeMinRuns is how many historical runs a file pair must share
	// before the files are considered co-changing.
	cochangeMinRuns = 2
	// cochangeCap bounds each file's cochange list.
	cochangeCap = 10

	errorTextLimit  = 500
	notesLimit      = 1000
	runErrorsCap    = 20
	filesTouchedCap = 50
)

// runError is the JSON element shape of task_runs.errors.
type runError struct {
	Check    string `json:"check"`
	ErrorKey string `json:"error_key"`
	Output   string `json:"output"`
}

// withTx runs fn inside a write transaction, rolling back on error.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// RecordVerification persists one verification run: an episode row, error→
// file relations, the task_runs upsert, solution attempts, and file touches.
func (s *Store) RecordVerification(agentID, taskKey string, result verify.Result, filesTouched []string, toolID string, attempt int) error {
	err := s.withTx(func(tx *sql.Tx) error {
		ts := now()

		checksJSON, _ := json.Marshal(result.Results)
		passed := 0
		if result.Passed {
			passed = 1
		}
		if _, err := tx.Exec(
			`INSERT INTO verification_episodes (task_key, agent_id, attempt, passed, checks, files, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			taskKey, agentID, attempt, passed, string(checksJSON), marshalStrings(filesTouched), ts,
		); err != nil {
			return fmt.Errorf("failed to insert episode: %w", err)
		}

		runErrs := collectRunErrors(result)

		for _, re := range runErrs {
			if re.ErrorKey == "" {
				continue
			}
			for _, file := range filesTouched {
				if _, err := tx.Exec(
					`INSERT INTO error_file_relations (error_key, file_path, relation, occurrences, created_at)
					 VALUES (?, ?, 'caused_by', 1, ?)
					 ON CONFLICT(error_key, file_path, relation) DO UPDATE SET occurrences = occurrences + 1`,
					re.ErrorKey, file, ts,
				); err != nil {
					return fmt.Errorf("failed to upsert error relation: %w", err)
				}
			}
		}

		outcome := "running"
		if result.Passed {
			outcome = "passed"
		}

		var runID int64
		var prevErrs, prevFiles string
		err := tx.QueryRow(
			`SELECT id, errors, files_touched FROM task_runs WHERE agent_id = ? AND task_key = ? ORDER BY id DESC LIMIT 1`,
			agentID, taskKey,
		).Scan(&runID, &prevErrs, &prevFiles)
		switch {
		case err == sql.ErrNoRows:
			errsJSON, _ := json.Marshal(runErrs)
			_, err = tx.Exec(
				`INSERT INTO task_runs (task_key, agent_id, tool_id, outcome, attempts, files_touched, errors, created_at)
				 VALUES (?, ?, ?, ?, 1, ?, ?, ?)`,
				taskKey, agentID, toolID, outcome, marshalStrings(filesTouched), string(errsJSON), ts,
			)
		case err == nil:
			// Errors and files accumulate across attempts within a run so
			// a final passing attempt does not erase what it took to get
			// there; RecordSuccess resolves solutions from this history.
			_, err = tx.Exec(
				`UPDATE task_runs SET attempts = attempts + 1, outcome = ?, files_touched = ?, errors = ? WHERE id = ?`,
				outcome,
				marshalStrings(mergeStrings(unmarshalStrings(prevFiles), filesTouched, filesTouchedCap)),
				mergeRunErrors(prevErrs, runErrs),
				runID,
			)
		}
		if err != nil {
			return fmt.Errorf("failed to upsert task run: %w", err)
		}

		for _, re := range runErrs {
			if re.ErrorKey == "" {
				continue
			}
			if err := upsertSolutionAttempt(tx, re, taskKey, ts); err != nil {
				return err
			}
		}

		var lastError string
		if len(runErrs) > 0 {
			lastError = truncate(firstLine(runErrs[0].Output), 300)
		}
		for _, file := range filesTouched {
			if err := touchFile(tx, file, 1, lastError, ts); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		metrics.MemoryWrites.WithLabelValues("verification").Inc()
	}
	return err
}

// RecordSuccess finalizes a passing task: the run flips to passed, the
// run's error keys become resolved solutions with an EMA confidence bump,
// injected rules earn a hit, co-changes are learned, and a hard-won task
// (more than one verify attempt) leaves a file-scoped rule behind.
func (s *Store) RecordSuccess(agentID, taskKey string, filesTouched []string, verifyAttempts int, injectedRuleIDs []int64) error {
	err := s.withTx(func(tx *sql.Tx) error {
		ts := now()

		var runID int64
		var errsJSON string
		err := tx.QueryRow(
			`SELECT id, errors FROM task_runs WHERE agent_id = ? AND task_key = ? ORDER BY id DESC LIMIT 1`,
			agentID, taskKey,
		).Scan(&runID, &errsJSON)
		if err == nil {
			if _, err := tx.Exec(
				`UPDATE task_runs SET outcome = 'passed', attempts = ? WHERE id = ?`,
				verifyAttempts, runID,
			); err != nil {
				return fmt.Errorf("failed to finalize task run: %w", err)
			}
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("failed to find task run: %w", err)
		}

		var runErrs []runError
		if errsJSON != "" {
			_ = json.Unmarshal([]byte(errsJSON), &runErrs)
		}

		fixFiles := marshalStrings(filesTouched)
		seen := make(map[string]bool)
		for _, re := range runErrs {
			if re.ErrorKey == "" || seen[re.ErrorKey] {
				continue
			}
			seen[re.ErrorKey] = true

			summary := fixReflection(re.ErrorKey, filesTouched, verifyAttempts)
			if _, err := tx.Exec(
				`UPDATE solutions
				 SET resolved = 1,
				     fix_files = ?,
				     confidence = MIN(confidence + 0.3 * (1 - confidence), 1.0),
				     fix_summary = COALESCE(fix_summary, ?),
				     updated_at = ?
				 WHERE error_key = ?`,
				fixFiles, summary, ts, re.ErrorKey,
			); err != nil {
				return fmt.Errorf("failed to resolve solution: %w", err)
			}
			for _, file := range filesTouched {
				if err := stampLastFix(tx, file, summary, ts); err != nil {
					return err
				}
			}
		}

		for _, id := range injectedRuleIDs {
			// Laplace update in one statement; the arithmetic reads the
			// pre-update hits/misses.
			if _, err := tx.Exec(
				`UPDATE repo_rules
				 SET hits = hits + 1,
				     confidence = CAST(hits + 2 AS REAL) / CAST(hits + misses + 3 AS REAL),
				     updated_at = ?
				 WHERE id = ?`,
				ts, id,
			); err != nil {
				return fmt.Errorf("failed to credit rule %d: %w", id, err)
			}
		}

		if err := learnCochanges(tx, filesTouched, ts); err != nil {
			return err
		}

		if verifyAttempts > 1 && len(filesTouched) > 0 {
			scope := "file:" + filesTouched[0]
			rule := fmt.Sprintf("Tasks touching this file needed %d verification attempts before passing", verifyAttempts)
			if err := upsertRule(tx, scope, rule, "observation", ts); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		metrics.MemoryWrites.WithLabelValues("success").Inc()
	}
	return err
}

// RecordFailure persists a terminal failure: the run's outcome and a
// templated reflection, EMA demotion of unresolved solutions on the
// touched files, rule misses, rule pruning, and (on hard failure) rules
// derived from the first two errors of the run.
func (s *Store) RecordFailure(agentID, taskKey, reason, outcome string, filesTouched []string, injectedRuleIDs []int64) error {
	err := s.withTx(func(tx *sql.Tx) error {
		ts := now()
		reflection := failureReflection(outcome, reason)

		var runID int64
		var errsJSON, notes, prevFiles string
		err := tx.QueryRow(
			`SELECT id, errors, notes, files_touched FROM task_runs WHERE agent_id = ? AND task_key = ? ORDER BY id DESC LIMIT 1`,
			agentID, taskKey,
		).Scan(&runID, &errsJSON, &notes, &prevFiles)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.Exec(
				`INSERT INTO task_runs (task_key, agent_id, outcome, attempts, files_touched, notes, created_at)
				 VALUES (?, ?, ?, 0, ?, ?, ?)`,
				taskKey, agentID, outcome, marshalStrings(filesTouched), reflection, ts,
			); err != nil {
				return fmt.Errorf("failed to insert failed run: %w", err)
			}
		case err == nil:
			if _, err := tx.Exec(
				`UPDATE task_runs SET outcome = ?, notes = ?, files_touched = ? WHERE id = ?`,
				outcome, appendNote(notes, reflection),
				marshalStrings(mergeStrings(unmarshalStrings(prevFiles), filesTouched, filesTouchedCap)),
				runID,
			); err != nil {
				return fmt.Errorf("failed to update failed run: %w", err)
			}
		default:
			return fmt.Errorf("failed to find task run: %w", err)
		}

		for _, file := range filesTouched {
			if _, err := tx.Exec(
				`UPDATE solutions
				 SET confidence = MAX(confidence + 0.3 * (-1 - confidence), 0.0), updated_at = ?
				 WHERE resolved = 0 AND error_key LIKE ?`,
				ts, "%"+file+"%",
			); err != nil {
				return fmt.Errorf("failed to demote solutions: %w", err)
			}
		}

		for _, id := range injectedRuleIDs {
			if _, err := tx.Exec(
				`UPDATE repo_rules
				 SET misses = misses + 1,
				     confidence = CAST(hits + 1 AS REAL) / CAST(hits + misses + 3 AS REAL),
				     updated_at = ?
				 WHERE id = ?`,
				ts, id,
			); err != nil {
				return fmt.Errorf("failed to debit rule %d: %w", id, err)
			}
		}

		if _, err := tx.Exec(
			`DELETE FROM repo_rules WHERE confidence <= 0.05 AND misses > 3`,
		); err != nil {
			return fmt.Errorf("failed to prune rules: %w", err)
		}

		if outcome == "failed" {
			var runErrs []runError
			if errsJSON != "" {
				_ = json.Unmarshal([]byte(errsJSON), &runErrs)
			}
			for i, re := range runErrs {
				if i >= 2 {
					break
				}
				rule := "Known failure mode: " + re.ErrorKey
				file := fileFromErrorKey(re.ErrorKey)
				if file == "" && len(filesTouched) > 0 {
					file = filesTouched[0]
				}
				if file != "" {
					if err := upsertRule(tx, "file:"+file, rule, "failure", ts); err != nil {
						return err
					}
				}
				if re.Check != "" {
					if err := upsertRule(tx, "check:"+re.Check, rule, "failure", ts); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	if err == nil {
		metrics.MemoryWrites.WithLabelValues("failure").Inc()
	}
	return err
}

// RecordContextCompaction persists what a buffer trim extracted before
// discarding: file touch counts, the first error line as last_error, and
// a compact approach note appended to the active task run.
func (s *Store) RecordContextCompaction(agentID, taskKey string, filePaths map[string]int, errorLines, approachLines []string) error {
	err := s.withTx(func(tx *sql.Tx) error {
		ts := now()

		var lastError string
		if len(errorLines) > 0 {
			lastError = truncate(firstLine(errorLines[0]), 300)
		}
		for path, n := range filePaths {
			if n < 1 {
				n = 1
			}
			if err := touchFile(tx, path, n, lastError, ts); err != nil {
				return err
			}
		}

		if len(approachLines) > 0 {
			note := "approach: " + truncate(strings.Join(approachLines, "; "), 300)
			var runID int64
			var notes string
			err := tx.QueryRow(
				`SELECT id, notes FROM task_runs WHERE agent_id = ? AND task_key = ? ORDER BY id DESC LIMIT 1`,
				agentID, taskKey,
			).Scan(&runID, &notes)
			if err == nil {
				if _, err := tx.Exec(
					`UPDATE task_runs SET notes = ? WHERE id = ?`,
					appendNote(notes, note), runID,
				); err != nil {
					return fmt.Errorf("failed to append approach note: %w", err)
				}
			} else if err != sql.ErrNoRows {
				return fmt.Errorf("failed to find task run: %w", err)
			}
		}
		return nil
	})
	if err == nil {
		metrics.MemoryWrites.WithLabelValues("compaction").Inc()
	}
	return err
}

// mergeRunErrors unions new errors into the stored history, replacing
// entries with the same (check, error key) so outputs stay fresh.
func mergeRunErrors(prevJSON string, add []runError) string {
	var merged []runError
	if prevJSON != "" {
		_ = json.Unmarshal([]byte(prevJSON), &merged)
	}

	index := make(map[string]int, len(merged))
	for i, e := range merged {
		index[e.Check+"\x00"+e.ErrorKey] = i
	}
	for _, e := range add {
		if i, ok := index[e.Check+"\x00"+e.ErrorKey]; ok {
			merged[i] = e
			continue
		}
		if len(merged) >= runErrorsCap {
			continue
		}
		index[e.Check+"\x00"+e.ErrorKey] = len(merged)
		merged = append(merged, e)
	}

	b, err := json.Marshal(merged)
	if err != nil || merged == nil {
		return "[]"
	}
	return string(b)
}

// mergeStrings unions add into existing, preserving order, capped.
func mergeStrings(existing, add []string, limit int) []string {
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s] = true
	}
	out := existing
	for _, s := range add {
		if seen[s] || len(out) >= limit {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func collectRunErrors(result verify.Result) []runError {
	var out []runError
	for _, cr := range result.Results {
		if cr.Passed {
			continue
		}
		out = append(out, runError{
			Check:    cr.Name,
			ErrorKey: cr.ErrorKey,
			Output:   truncate(cr.Output, errorTextLimit),
		})
	}
	return out
}

// upsertSolutionAttempt bumps the attempt counter on the canonical
// solutions row for an error key, creating it at confidence 0.5 when new.
// Unresolved rows are preferred so a regressed error does not hide behind
// its old fix.
func upsertSolutionAttempt(tx *sql.Tx, re runError, taskKey string, ts time.Time) error {
	var solID int64
	err := tx.QueryRow(
		`SELECT id FROM solutions WHERE error_key = ? ORDER BY resolved ASC, id DESC LIMIT 1`,
		re.ErrorKey,
	).Scan(&solID)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(
			`INSERT INTO solutions (error_key, error_text, confidence, attempts, resolved, task_key, created_at, updated_at)
			 VALUES (?, ?, 0.5, 1, 0, ?, ?, ?)`,
			re.ErrorKey, truncate(re.Output, errorTextLimit), taskKey, ts, ts,
		)
	case err == nil:
		_, err = tx.Exec(
			`UPDATE solutions SET attempts = attempts + 1, error_text = ?, updated_at = ? WHERE id = ?`,
			truncate(re.Output, errorTextLimit), ts, solID,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert solution: %w", err)
	}
	return nil
}

func touchFile(tx *sql.Tx, path string, count int, lastError string, ts time.Time) error {
	var err error
	if lastError != "" {
		_, err = tx.Exec(
			`INSERT INTO file_knowledge (path, touch_count, last_error, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET
			   touch_count = touch_count + excluded.touch_count,
			   last_error = excluded.last_error,
			   updated_at = excluded.updated_at`,
			path, count, lastError, ts,
		)
	} else {
		_, err = tx.Exec(
			`INSERT INTO file_knowledge (path, touch_count, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET
			   touch_count = touch_count + excluded.touch_count,
			   updated_at = excluded.updated_at`,
			path, count, ts,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to touch %s: %w", path, err)
	}
	return nil
}

func stampLastFix(tx *sql.Tx, path, fix string, ts time.Time) error {
	if _, err := tx.Exec(
		`INSERT INTO file_knowledge (path, touch_count, last_fix, updated_at) VALUES (?, 1, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   last_fix = excluded.last_fix,
		   updated_at = excluded.updated_at`,
		path, fix, ts,
	); err != nil {
		return fmt.Errorf("failed to stamp fix on %s: %w", path, err)
	}
	return nil
}

// learnCochanges records file pairs that keep showing up together.
// A pair qualifies once it co-occurs in cochangeMinRuns historical runs.
func learnCochanges(tx *sql.Tx, filesTouched []string, ts time.Time) error {
	for i := 0; i < len(filesTouched); i++ {
		for j := i + 1; j < len(filesTouched); j++ {
			a, b := filesTouched[i], filesTouched[j]

			var n int
			if err := tx.QueryRow(
				`SELECT COUNT(*) FROM task_runs WHERE files_touched LIKE ? AND files_touched LIKE ?`,
				jsonNeedle(a), jsonNeedle(b),
			).Scan(&n); err != nil {
				return fmt.Errorf("failed to count co-occurrences: %w", err)
			}
			if n < cochangeMinRuns {
				continue
			}
			if err := addCochange(tx, a, b, ts); err != nil {
				return err
			}
			if err := addCochange(tx, b, a, ts); err != nil {
				return err
			}
		}
	}
	return nil
}

func addCochange(tx *sql.Tx, path, other string, ts time.Time) error {
	var col string
	err := tx.QueryRow(`SELECT cochanges FROM file_knowledge WHERE path = ?`, path).Scan(&col)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(
			`INSERT INTO file_knowledge (path, cochanges, touch_count, updated_at) VALUES (?, ?, 1, ?)`,
			path, marshalStrings([]string{other}), ts,
		); err != nil {
			return fmt.Errorf("failed to insert cochange row: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read cochanges: %w", err)
	}

	list := unmarshalStrings(col)
	for _, c := range list {
		if c == other {
			return nil
		}
	}
	if len(list) >= cochangeCap {
		return nil
	}
	list = append(list, other)
	if _, err := tx.Exec(
		`UPDATE file_knowledge SET cochanges = ?, updated_at = ? WHERE path = ?`,
		marshalStrings(list), ts, path,
	); err != nil {
		return fmt.Errorf("failed to update cochanges: %w", err)
	}
	return nil
}

// upsertRule inserts a rule at the Laplace prior (0.5) or, when the exact
// (scope, rule) pair already exists, credits it with a hit.
func upsertRule(tx *sql.Tx, scope, rule, source string, ts time.Time) error {
	if _, err := tx.Exec(
		`INSERT INTO repo_rules (scope, rule, confidence, source, hits, misses, created_at, updated_at)
		 VALUES (?, ?, 0.5, ?, 0, 0, ?, ?)
		 ON CONFLICT(scope, rule) DO UPDATE SET
		   hits = hits + 1,
		   confidence = CAST(hits + 2 AS REAL) / CAST(hits + misses + 3 AS REAL),
		   updated_at = excluded.updated_at`,
		scope, rule, source, ts, ts,
	); err != nil {
		return fmt.Errorf("failed to upsert rule: %w", err)
	}
	return nil
}

var fileSegRE = regexp.MustCompile(`(?i)\.[a-z]{1,5}$`)

// fileFromErrorKey pulls the file segment out of keys like
// "typecheck:TS2322:lib/auth.js" or "test:cart.spec.tsx:name".
func fileFromErrorKey(key string) string {
	segs := strings.Split(key, ":")
	if len(segs) < 2 {
		return ""
	}
	for _, seg := range segs[1:] {
		if strings.Contains(seg, "/") || fileSegRE.MatchString(seg) {
			return seg
		}
	}
	return ""
}

func fixReflection(errorKey string, filesTouched []string, verifyAttempts int) string {
	files := filesTouched
	if len(files) > 5 {
		files = files[:5]
	}
	where := "the repository"
	if len(files) > 0 {
		where = strings.Join(files, ", ")
	}
	return truncate(fmt.Sprintf("Fixed %s by changing %s (%d verification attempt(s))", errorKey, where, verifyAttempts), errorTextLimit)
}

func failureReflection(outcome, reason string) string {
	if reason == "" {
		reason = "unknown"
	}
	return truncate(fmt.Sprintf("%s: %s", outcome, reason), errorTextLimit)
}

func appendNote(existing, add string) string {
	if existing == "" {
		return truncate(add, notesLimit)
	}
	return truncate(existing+"\n"+add, notesLimit)
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func jsonNeedle(path string) string {
	return `%"` + path + `"%`
}
