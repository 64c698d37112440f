package verify

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/homerhq/homer/pkg/agent"
)

// Error keys join failures across runs, so their shape must stay stable:
//
//	typecheck:TS<code>[:<file>]   TypeScript diagnostics
//	test:<filename>[:<name>]      failing test files
//	lint:<rule>[:<file>]          lint rule hits
//	<check>:<file>|unknown        everything else
var (
	tsCodeRE = regexp.MustCompile(`TS(\d{4,5})`)

	testFileRE = regexp.MustCompile(`[\w./-]+\.(?:test|spec)\.[jt]sx?`)
	// Glyph markers precede test names; suite-level FAIL lines usually
	// carry file paths instead, so they are only a fallback.
	testNameRE     = regexp.MustCompile(`(?:✗|✕|×|failing)\s+(.+)`)
	testNameFailRE = regexp.MustCompile(`FAIL\s+(.+)`)

	lintRuleRE = regexp.MustCompile(`(?:error|warning)\s+([a-z@][\w@/-]*)`)
	spaceRunRE = regexp.MustCompile(`\s+`)
)

const (
	testNameMin = 10
	testNameMax = 40
)

// ErrorKey normalizes a failing check's output into a stable key.
// Extraction precedence: TypeScript code, failing test file, lint rule,
// then a file-or-unknown fallback on the check name.
func ErrorKey(checkName, output string) string {
	if m := tsCodeRE.FindStringSubmatch(output); m != nil {
		key := "typecheck:TS" + m[1]
		if file := firstFile(output); file != "" {
			key += ":" + file
		}
		return key
	}

	if m := testFileRE.FindString(output); m != "" {
		key := "test:" + filepath.Base(m)
		if name := failingTestName(output); name != "" {
			key += ":" + name
		}
		return key
	}

	if m := lintRuleRE.FindStringSubmatch(output); m != nil {
		key := "lint:" + m[1]
		if file := firstFile(output); file != "" {
			key += ":" + file
		}
		return key
	}

	if file := firstFile(output); file != "" {
		return checkName + ":" + file
	}
	return checkName + ":unknown"
}

func firstFile(output string) string {
	if m := agent.FilePathRE.FindStringSubmatch(output); m != nil {
		return m[2]
	}
	return ""
}

// failingTestName pulls a stable 10-40 character test name from a failure
// marker line, spaces collapsed to underscores.
func failingTestName(output string) string {
	m := testNameRE.FindStringSubmatch(output)
	if m == nil {
		m = testNameFailRE.FindStringSubmatch(output)
	}
	if m == nil {
		return ""
	}
	name := strings.TrimSpace(m[1])
	if idx := strings.IndexByte(name, '\n'); idx >= 0 {
		name = name[:idx]
	}
	name = spaceRunRE.ReplaceAllString(name, "_")
	runes := []rune(name)
	if len(runes) < testNameMin {
		return ""
	}
	if len(runes) > testNameMax {
		runes = runes[:testNameMax]
	}
	return string(runes)
}
