package agent

import (
	"regexp"
	"strings"
)

// Agents talk back to the orchestrator by printing these tokens to stdout.
const (
	doneToken    = "HOMER_DONE"
	blockedToken = "HOMER_BLOCKED"

	// signalWindow is how many trailing characters of stripped output are
	// scanned per append. Signals older than the window are stale.
	signalWindow = 500
)

// SignalKind discriminates detected completion signals.
type SignalKind int

const (
	SignalNone SignalKind = iota
	SignalDone
	SignalBlocked
)

// Signal is a completion or block report detected in agent output.
type Signal struct {
	Kind   SignalKind
	Reason string // populated for SignalBlocked
}

var blockedReasonRE = regexp.MustCompile(`HOMER_BLOCKED\s*:\s*([^\n]*)`)

// DetectSignal scans the ANSI-stripped tail of raw output for a signal
// token. When both tokens appear, the earliest occurrence wins; at most one
// signal is reported per scan.
func DetectSignal(raw string) (Signal, bool) {
	window := lastChars(StripANSI(tailForScan(raw)), signalWindow)

	doneIdx := strings.Index(window, doneToken)
	blockedIdx := strings.Index(window, blockedToken)

	switch {
	case doneIdx < 0 && blockedIdx < 0:
		return Signal{}, false
	case blockedIdx < 0 || (doneIdx >= 0 && doneIdx < blockedIdx):
		return Signal{Kind: SignalDone}, true
	default:
		reason := "unknown"
		if m := blockedReasonRE.FindStringSubmatch(window[blockedIdx:]); m != nil {
			if text := strings.TrimSpace(m[1]); text != "" {
				reason = text
			}
		}
		return Signal{Kind: SignalBlocked, Reason: reason}, true
	}
}

// tailForScan bounds the stripping cost: escape sequences can only inflate
// raw text, so four times the window is always enough input.
func tailForScan(raw string) string {
	const maxRaw = signalWindow * 4
	if len(raw) <= maxRaw {
		return raw
	}
	return raw[len(raw)-maxRaw:]
}

func lastChars(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
