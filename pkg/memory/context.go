package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Section headers are part of the prompt contract the agents see.
const (
	headerPreviousAttempts = "PREVIOUS ATTEMPTS ON THIS TASK"
	headerKnownErrors      = "KNOWN ERRORS ON THESE FILES"
	headerFileDeps         = "FILE DEPENDENCIES"
	headerPatterns         = "PATTERNS FROM MEMORY"
)

const maxInjectedRules = 8

type runRow struct {
	AgentID  string
	ToolID   string
	Outcome  string
	Attempts int
	Notes    string
	Errors   string
}

type solutionRow struct {
	ID         int64
	ErrorKey   string
	ErrorText  string
	FixSummary string
	FixFiles   string
	Confidence float64
	Resolved   int
}

func (r solutionRow) score() float64 {
	return 0.5*float64(r.Resolved) + 0.5*r.Confidence
}

type ruleRow struct {
	ID         int64
	Scope      string
	Rule       string
	Confidence float64
}

// BuildTaskMemory assembles the prompt context injected on spawn for a
// task: prior runs, known errors on the touched files, co-change lists,
// and applicable rules. The ids of the rules it surfaces are stored in
// the last-injected register.
func (s *Store) BuildTaskMemory(taskKey string, filePaths []string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}

	var sections []string

	runs, err := s.recentRuns(taskKey, 5)
	if err != nil {
		return "", err
	}
	if len(runs) > 0 {
		sections = append(sections, headerPreviousAttempts+"\n"+formatRuns(runs, ""))
	}

	sols, err := s.knownErrors(taskKey, filePaths)
	if err != nil {
		return "", err
	}
	if len(sols) > 0 {
		sections = append(sections, headerKnownErrors+"\n"+formatSolutions(sols))
	}

	deps, err := s.cochangeLines(filePaths)
	if err != nil {
		return "", err
	}
	if len(deps) > 0 {
		sections = append(sections, headerFileDeps+"\n"+strings.Join(deps, "\n"))
	}

	rules, err := s.applicableRules(filePaths, maxInjectedRules)
	if err != nil {
		return "", err
	}
	ids := make([]int64, 0, len(rules))
	if len(rules) > 0 {
		lines := make([]string, 0, len(rules))
		for _, r := range rules {
			ids = append(ids, r.ID)
			lines = append(lines, fmt.Sprintf("- [%s] %s", r.Scope, r.Rule))
		}
		sections = append(sections, headerPatterns+"\n"+strings.Join(lines, "\n"))
	}
	s.setLastInjected(ids)

	return strings.Join(sections, "\n\n"), nil
}

// BuildErrorContext reports how an error was fixed before. An exact
// resolved hit wins; otherwise the key is broadened to its first two
// segments and up to two resolved relatives are listed.
func (s *Store) BuildErrorContext(errorKey, filePath string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}

	var row solutionRow
	err := s.db.QueryRow(
		`SELECT id, error_key, error_text, COALESCE(fix_summary, ''), fix_files, confidence, resolved
		 FROM solutions WHERE error_key = ?
		 ORDER BY resolved DESC, confidence DESC, id DESC LIMIT 1`,
		errorKey,
	).Scan(&row.ID, &row.ErrorKey, &row.ErrorText, &row.FixSummary, &row.FixFiles, &row.Confidence, &row.Resolved)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to query solution: %w", err)
	}
	if err == nil && row.Resolved == 1 && row.FixSummary != "" {
		out := "This error was fixed before: " + row.FixSummary
		if files := unmarshalStrings(row.FixFiles); len(files) > 0 {
			if len(files) > 3 {
				files = files[:3]
			}
			out += fmt.Sprintf(" (files: %s)", strings.Join(files, ", "))
		}
		return out, nil
	}

	prefix := errorKeyPrefix(errorKey)
	query := `SELECT id, error_key, error_text, COALESCE(fix_summary, ''), fix_files, confidence, resolved
	          FROM solutions WHERE resolved = 1 AND (error_key LIKE ?`
	args := []any{prefix + "%"}
	if filePath != "" {
		query += ` OR error_key LIKE ?`
		args = append(args, "%"+filePath+"%")
	}
	query += `) ORDER BY confidence DESC, id DESC LIMIT 2`

	related, err := s.querySolutions(query, args...)
	if err != nil {
		return "", err
	}
	if len(related) == 0 {
		return "", nil
	}

	lines := make([]string, 0, len(related))
	for _, r := range related {
		desc := r.FixSummary
		if desc == "" {
			desc = truncate(firstLine(r.ErrorText), 120)
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", r.ErrorKey, desc))
	}
	return "Related fixes seen in this repo:\n" + strings.Join(lines, "\n"), nil
}

// BuildRerouteContext voices the task's memory as a hand-off from the
// agents that already tried it.
func (s *Store) BuildRerouteContext(taskKey string, filePaths []string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}

	var sections []string

	runs, err := s.recentRuns(taskKey, 5)
	if err != nil {
		return "", err
	}
	if len(runs) > 0 {
		sections = append(sections, "What previous agents tried on this task:\n"+formatRuns(runs, "agent "))
	}

	sols, err := s.knownErrors(taskKey, filePaths)
	if err != nil {
		return "", err
	}
	if len(sols) > 0 {
		sections = append(sections, "Known errors and fixes on the files involved:\n"+formatSolutions(sols))
	}

	deps, err := s.cochangeLines(filePaths)
	if err != nil {
		return "", err
	}
	if len(deps) > 0 {
		sections = append(sections, "Files that change together:\n"+strings.Join(deps, "\n"))
	}

	return strings.Join(sections, "\n\n"), nil
}

// BuildRuleHints returns a targeted rules block for a retry: rules scoped
// to the failing files and checks plus repo-wide ones, deduplicated.
func (s *Store) BuildRuleHints(filePaths, errorKeys []string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}

	scopes := make([]string, 0, len(filePaths)+len(errorKeys)+1)
	for _, p := range filePaths {
		scopes = append(scopes, "file:"+p)
	}
	for _, key := range errorKeys {
		if check, _, ok := strings.Cut(key, ":"); ok && check != "" {
			scopes = append(scopes, "check:"+check)
		}
	}
	scopes = append(scopes, "repo")

	seenScope := make(map[string]bool)
	seenRule := make(map[string]bool)
	var lines []string
	for _, scope := range scopes {
		if seenScope[scope] {
			continue
		}
		seenScope[scope] = true

		rules, err := s.rulesForScope(scope, 3)
		if err != nil {
			return "", err
		}
		for _, r := range rules {
			if seenRule[r.Rule] {
				continue
			}
			seenRule[r.Rule] = true
			lines = append(lines, "- "+r.Rule)
			if len(lines) >= 5 {
				break
			}
		}
		if len(lines) >= 5 {
			break
		}
	}

	if len(lines) == 0 {
		return "", nil
	}
	return "RULES (from repo memory):\n" + strings.Join(lines, "\n"), nil
}

func (s *Store) recentRuns(taskKey string, limit int) ([]runRow, error) {
	rows, err := s.db.Query(
		`SELECT agent_id, tool_id, outcome, attempts, notes, errors
		 FROM task_runs WHERE task_key = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		taskKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query task runs: %w", err)
	}
	defer rows.Close()

	var out []runRow
	for rows.Next() {
		var r runRow
		if err := rows.Scan(&r.AgentID, &r.ToolID, &r.Outcome, &r.Attempts, &r.Notes, &r.Errors); err != nil {
			return nil, fmt.Errorf("failed to scan task run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// knownErrors merges, per file, the top-3 solutions whose key mentions the
// file with the top-3 solutions recorded for the task itself, reranked by
// 0.5*resolved + 0.5*confidence.
func (s *Store) knownErrors(taskKey string, filePaths []string) ([]solutionRow, error) {
	const selectCols = `SELECT id, error_key, error_text, COALESCE(fix_summary, ''), fix_files, confidence, resolved FROM solutions`

	merged := make(map[int64]solutionRow)

	for _, file := range filePaths {
		rows, err := s.querySolutions(
			selectCols+` WHERE error_key LIKE ?
			 ORDER BY (0.5 * resolved + 0.5 * confidence) DESC, id DESC LIMIT 3`,
			"%"+file+"%",
		)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			merged[r.ID] = r
		}
	}

	rows, err := s.querySolutions(
		selectCols+` WHERE task_key = ?
		 ORDER BY (0.5 * resolved + 0.5 * confidence) DESC, id DESC LIMIT 3`,
		taskKey,
	)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		merged[r.ID] = r
	}

	out := make([]solutionRow, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score() != out[j].score() {
			return out[i].score() > out[j].score()
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) querySolutions(query string, args ...any) ([]solutionRow, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query solutions: %w", err)
	}
	defer rows.Close()

	var out []solutionRow
	for rows.Next() {
		var r solutionRow
		if err := rows.Scan(&r.ID, &r.ErrorKey, &r.ErrorText, &r.FixSummary, &r.FixFiles, &r.Confidence, &r.Resolved); err != nil {
			return nil, fmt.Errorf("failed to scan solution: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) cochangeLines(filePaths []string) ([]string, error) {
	var out []string
	for _, path := range filePaths {
		var col string
		err := s.db.QueryRow(`SELECT cochanges FROM file_knowledge WHERE path = ?`, path).Scan(&col)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query cochanges: %w", err)
		}
		if list := unmarshalStrings(col); len(list) > 0 {
			out = append(out, fmt.Sprintf("- %s changes with: %s", path, strings.Join(list, ", ")))
		}
	}
	return out, nil
}

// applicableRules gathers file-scoped rules for the given paths, then
// check-scoped rules, then repo-scoped ones, highest confidence first
// within each class, deduplicated by rule text.
func (s *Store) applicableRules(filePaths []string, limit int) ([]ruleRow, error) {
	var out []ruleRow
	seen := make(map[string]bool)

	add := func(rules []ruleRow) {
		for _, r := range rules {
			if len(out) >= limit || seen[r.Rule] {
				continue
			}
			seen[r.Rule] = true
			out = append(out, r)
		}
	}

	for _, path := range filePaths {
		rules, err := s.rulesForScope("file:"+path, limit)
		if err != nil {
			return nil, err
		}
		add(rules)
	}

	checkRules, err := s.rulesLike("check:%", limit)
	if err != nil {
		return nil, err
	}
	add(checkRules)

	repoRules, err := s.rulesForScope("repo", limit)
	if err != nil {
		return nil, err
	}
	add(repoRules)

	return out, nil
}

func (s *Store) rulesForScope(scope string, limit int) ([]ruleRow, error) {
	return s.queryRules(
		`SELECT id, scope, rule, confidence FROM repo_rules WHERE scope = ?
		 ORDER BY confidence DESC, id DESC LIMIT ?`,
		scope, limit,
	)
}

func (s *Store) rulesLike(pattern string, limit int) ([]ruleRow, error) {
	return s.queryRules(
		`SELECT id, scope, rule, confidence FROM repo_rules WHERE scope LIKE ?
		 ORDER BY confidence DESC, id DESC LIMIT ?`,
		pattern, limit,
	)
}

func (s *Store) queryRules(query string, args ...any) ([]ruleRow, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var out []ruleRow
	for rows.Next() {
		var r ruleRow
		if err := rows.Scan(&r.ID, &r.Scope, &r.Rule, &r.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func formatRuns(runs []runRow, subject string) string {
	lines := make([]string, 0, len(runs))
	for _, r := range runs {
		line := fmt.Sprintf("- %s%s (%s): %s after %d verification attempt(s)", subject, r.AgentID, r.ToolID, r.Outcome, r.Attempts)
		if keys := runErrorKeys(r.Errors); len(keys) > 0 {
			line += "; errors: " + strings.Join(keys, ", ")
		}
		if r.Notes != "" {
			line += "; " + truncate(firstLine(r.Notes), 200)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatSolutions(sols []solutionRow) string {
	lines := make([]string, 0, len(sols))
	for _, r := range sols {
		state := "unresolved"
		if r.Resolved == 1 {
			state = "resolved"
		}
		desc := r.FixSummary
		if desc == "" {
			desc = truncate(firstLine(r.ErrorText), 120)
		}
		lines = append(lines, fmt.Sprintf("- %s [%s, confidence %.2f]: %s", r.ErrorKey, state, r.Confidence, desc))
	}
	return strings.Join(lines, "\n")
}

func runErrorKeys(errsJSON string) []string {
	if errsJSON == "" {
		return nil
	}
	var errs []runError
	if err := json.Unmarshal([]byte(errsJSON), &errs); err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var keys []string
	for _, e := range errs {
		if e.ErrorKey == "" || seen[e.ErrorKey] {
			continue
		}
		seen[e.ErrorKey] = true
		keys = append(keys, e.ErrorKey)
		if len(keys) == 3 {
			break
		}
	}
	return keys
}

// errorKeyPrefix keeps the first two segments of an error key, the class
// without its file/name suffix.
func errorKeyPrefix(key string) string {
	segs := strings.SplitN(key, ":", 3)
	if len(segs) >= 2 {
		return segs[0] + ":" + segs[1]
	}
	return key
}
