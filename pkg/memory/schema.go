package memory

// schemaSQL creates the six memory tables and their indexes. JSON-typed
// columns (cochanges, fix_files, files_touched, errors, checks, files)
// hold encoded arrays; SQLite stores them as TEXT.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS file_knowledge (
    path TEXT PRIMARY KEY,
    imports TEXT NOT NULL DEFAULT '[]',
    exports TEXT NOT NULL DEFAULT '[]',
    cochanges TEXT NOT NULL DEFAULT '[]',
    last_error TEXT,
    last_fix TEXT,
    touch_count INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS solutions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    error_key TEXT NOT NULL,
    error_text TEXT NOT NULL DEFAULT '',
    fix_summary TEXT,
    fix_files TEXT NOT NULL DEFAULT '[]',
    confidence REAL NOT NULL DEFAULT 0.5,
    attempts INTEGER NOT NULL DEFAULT 0,
    resolved INTEGER NOT NULL DEFAULT 0,
    task_key TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_solutions_error ON solutions(error_key);
CREATE INDEX IF NOT EXISTS idx_solutions_conf ON solutions(confidence);

CREATE TABLE IF NOT EXISTS task_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_key TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    tool_id TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL DEFAULT 'running',
    attempts INTEGER NOT NULL DEFAULT 0,
    files_touched TEXT NOT NULL DEFAULT '[]',
    errors TEXT NOT NULL DEFAULT '[]',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    notes TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_task ON task_runs(task_key);
CREATE INDEX IF NOT EXISTS idx_runs_agent ON task_runs(agent_id);

CREATE TABLE IF NOT EXISTS repo_rules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    scope TEXT NOT NULL,
    rule TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0.5,
    source TEXT NOT NULL DEFAULT '',
    hits INTEGER NOT NULL DEFAULT 0,
    misses INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE(scope, rule)
);

CREATE INDEX IF NOT EXISTS idx_rules_scope ON repo_rules(scope);

CREATE TABLE IF NOT EXISTS verification_episodes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_key TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    passed INTEGER NOT NULL DEFAULT 0,
    checks TEXT NOT NULL DEFAULT '[]',
    files TEXT NOT NULL DEFAULT '[]',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_episodes_task ON verification_episodes(task_key);
CREATE INDEX IF NOT EXISTS idx_episodes_agent ON verification_episodes(agent_id);

CREATE TABLE IF NOT EXISTS error_file_relations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    error_key TEXT NOT NULL,
    file_path TEXT NOT NULL,
    relation TEXT NOT NULL DEFAULT 'caused_by',
    occurrences INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(error_key, file_path, relation)
);

CREATE INDEX IF NOT EXISTS idx_relations_error ON error_file_relations(error_key);
CREATE INDEX IF NOT EXISTS idx_relations_file ON error_file_relations(file_path);
`
