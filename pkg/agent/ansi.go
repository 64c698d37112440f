package agent

import "regexp"

// PTY output is littered with cursor movement, color codes and OSC window
// titles. Signal scanning and session tails operate on stripped text only.
var (
	csiRE    = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	oscRE    = regexp.MustCompile(`\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)
	escRE    = regexp.MustCompile(`\x1b[@-_]`)
	ctrlRE   = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)
	returnRE = regexp.MustCompile(`\r`)
)

// StripANSI removes ANSI escape sequences and non-printing control bytes.
// Newlines and tabs survive; carriage returns do not.
func StripANSI(s string) string {
	s = oscRE.ReplaceAllString(s, "")
	s = csiRE.ReplaceAllString(s, "")
	s = escRE.ReplaceAllString(s, "")
	s = returnRE.ReplaceAllString(s, "")
	s = ctrlRE.ReplaceAllString(s, "")
	return s
}
