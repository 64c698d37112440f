// Package homer orchestrates interactive AI coding agents against a real
// repository.
//
// Homer spawns coding CLIs (claude, aider, codex) on pseudo-terminals,
// watches their raw output for completion signals, verifies claimed work by
// running the repository's own checks (typecheck, tests, lint, build), and
// feeds failures back to the agent until the checks pass or the attempt
// budget runs out. Exhausted tasks are handed to a fresh agent with a
// summary of what was already tried.
//
// Work is scheduled from two sources: a PRD file (prd.json) holding
// prioritized stories with acceptance criteria, and GitHub issues fetched
// through the gh CLI. Stories whose criteria lists are long enough are
// decomposed into subtasks that run as separate agents.
//
// Outcomes persist in a per-repository SQLite memory: which errors were
// seen, what fixed them, which files break together. That memory is
// injected into future prompts so later agents do not repeat earlier
// mistakes.
//
// # Quick Start
//
// Install homer:
//
//	go install github.com/homerhq/homer/cmd/homer@latest
//
// Run autonomously against the current repository:
//
//	homer --auto --agents 2
//
// Or attach an interactive agent and drive it yourself:
//
//	homer --tool claude
//
// A local control server exposes state and agent I/O over HTTP and
// WebSocket (default 127.0.0.1:4317) for UIs and scripting.
//
// # Using as Go Library
//
// Import specific packages:
//
//	import (
//	    "github.com/homerhq/homer/pkg/supervisor"
//	    "github.com/homerhq/homer/pkg/verify"
//	    "github.com/homerhq/homer/pkg/memory"
//	)
package homer
