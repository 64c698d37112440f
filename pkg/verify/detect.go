// Package verify detects a project's own check commands, runs them with
// timeouts, and normalizes failures into stable error keys that the memory
// store joins on.
package verify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Check is one runnable verification command.
type Check struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}

type packageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

// npm's scaffolded test script; running it proves nothing.
const stockTestStub = "no test specified"

var makeCheckTargetRE = regexp.MustCompile(`(?m)^check:`)

// Detect inspects the project root and returns the checks to run, fast and
// without executing anything. Order is stable: JS/TS first, then Python,
// then a Makefile check target as last resort.
func Detect(dir string) []Check {
	var checks []Check
	checks = append(checks, detectNode(dir)...)
	checks = append(checks, detectPython(dir)...)
	if len(checks) == 0 {
		checks = append(checks, detectMakefile(dir)...)
	}
	return checks
}

func detectNode(dir string) []Check {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil
	}

	var checks []Check
	switch {
	case pkg.Scripts["typecheck"] != "":
		checks = append(checks, Check{Name: "typecheck", Command: "npm run typecheck"})
	case pkg.Scripts["type-check"] != "":
		checks = append(checks, Check{Name: "typecheck", Command: "npm run type-check"})
	default:
		if fileExists(filepath.Join(dir, "tsconfig.json")) {
			checks = append(checks, Check{Name: "typecheck", Command: "npx tsc --noEmit"})
		}
	}

	if pkg.Scripts["lint"] != "" {
		checks = append(checks, Check{Name: "lint", Command: "npm run lint"})
	}
	if s := pkg.Scripts["test"]; s != "" && !strings.Contains(s, stockTestStub) {
		checks = append(checks, Check{Name: "test", Command: "npm run test"})
	}
	if len(checks) == 0 && pkg.Scripts["build"] != "" {
		checks = append(checks, Check{Name: "build", Command: "npm run build"})
	}
	return checks
}

func detectPython(dir string) []Check {
	var checks []Check
	if hasMypyConfig(dir) {
		checks = append(checks, Check{Name: "mypy", Command: "mypy ."})
	}
	if dirExists(filepath.Join(dir, "tests")) || dirExists(filepath.Join(dir, "test")) {
		if hasPythonMarkers(dir) {
			checks = append(checks, Check{Name: "pytest", Command: "pytest"})
		}
	}
	if hasRuffConfig(dir) {
		checks = append(checks, Check{Name: "ruff", Command: "ruff check ."})
	}
	return checks
}

func detectMakefile(dir string) []Check {
	data, err := os.ReadFile(filepath.Join(dir, "Makefile"))
	if err != nil {
		return nil
	}
	if makeCheckTargetRE.Match(data) {
		return []Check{{Name: "check", Command: "make check"}}
	}
	return nil
}

func hasMypyConfig(dir string) bool {
	for _, f := range []string{"mypy.ini", ".mypy.ini"} {
		if fileExists(filepath.Join(dir, f)) {
			return true
		}
	}
	return pyprojectContains(dir, "[tool.mypy]")
}

func hasRuffConfig(dir string) bool {
	for _, f := range []string{"ruff.toml", ".ruff.toml"} {
		if fileExists(filepath.Join(dir, f)) {
			return true
		}
	}
	return pyprojectContains(dir, "[tool.ruff")
}

// hasPythonMarkers keeps pytest out of polyglot repos whose tests/
// directory belongs to another ecosystem.
func hasPythonMarkers(dir string) bool {
	for _, f := range []string{"pyproject.toml", "setup.py", "setup.cfg", "requirements.txt"} {
		if fileExists(filepath.Join(dir, f)) {
			return true
		}
	}
	return false
}

func pyprojectContains(dir, needle string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "pyproject.toml"))
	if err != nil {
		return false
	}
	return strings.Contains(string(data), needle)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
