package agent

import (
	"strings"
	"testing"
)

func TestBufferAppendBelowCap(t *testing.T) {
	b := NewBuffer()
	if ext := b.Append([]byte("hello")); ext != nil {
		t.Errorf("Append below cap returned extraction %+v, want nil", ext)
	}
	if got := b.String(); got != "hello" {
		t.Errorf("Buffer contents = %q, want %q", got, "hello")
	}
}

func TestBufferTrimExtractsAndKeepsTail(t *testing.T) {
	b := NewBuffer()
	b.SetDigest("=== VERIFY HISTORY ===\nattempt 1 failed: typecheck\n")

	head := "editing src/auth/login.ts now\n" +
		"Error: cannot assign string to number in login handler\n" +
		"My plan is to refactor the session parser first\n"
	filler := strings.Repeat("z", TrimAt)
	tailMarker := "TAIL_SENTINEL"

	ext := b.Append([]byte(head + filler + tailMarker))
	if ext == nil {
		t.Fatal("Append past TrimAt returned nil extraction")
	}

	if got := ext.FilePaths["src/auth/login.ts"]; got != 1 {
		t.Errorf("FilePaths[src/auth/login.ts] = %d, want 1", got)
	}
	foundError := false
	for _, line := range ext.ErrorLines {
		if strings.Contains(line, "cannot assign string to number") {
			foundError = true
		}
	}
	if !foundError {
		t.Errorf("ErrorLines = %v, want entry containing the Error: line", ext.ErrorLines)
	}
	foundApproach := false
	for _, line := range ext.ApproachLines {
		if strings.Contains(line, "plan is to refactor") {
			foundApproach = true
		}
	}
	if !foundApproach {
		t.Errorf("ApproachLines = %v, want the plan line", ext.ApproachLines)
	}

	contents := b.String()
	if !strings.HasPrefix(contents, "=== VERIFY HISTORY ===") {
		t.Errorf("trimmed buffer does not start with the digest: %q", contents[:40])
	}
	if !strings.HasSuffix(contents, tailMarker) {
		t.Errorf("trimmed buffer lost the tail sentinel")
	}
	if gotLen := len(contents); gotLen > Keep+200 {
		t.Errorf("trimmed buffer length = %d, want about Keep (%d) plus digest", gotLen, Keep)
	}

	// A small follow-up append must not trim again.
	if ext := b.Append([]byte("more")); ext != nil {
		t.Errorf("small append after trim returned extraction %+v, want nil", ext)
	}
}

func TestBufferStrippedTailLines(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("\x1b[32mline one\x1b[0m\nline two\nline three\n"))

	got := b.StrippedTailLines(2)
	want := []string{"line two", "line three"}
	if len(got) != len(want) {
		t.Fatalf("StrippedTailLines(2) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExtractFromDiscardLimits(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 10; i++ {
		sb.WriteString("Error: distinct failure number ")
		sb.WriteString(strings.Repeat("x", i+10))
		sb.WriteString("\n")
	}
	for i := 0; i < 6; i++ {
		sb.WriteString("I am trying another angle on this bug\n")
	}

	ext := ExtractFromDiscard(sb.String())
	if len(ext.ErrorLines) > 5 {
		t.Errorf("ErrorLines length = %d, want <= 5", len(ext.ErrorLines))
	}
	if len(ext.ApproachLines) > 3 {
		t.Errorf("ApproachLines length = %d, want <= 3", len(ext.ApproachLines))
	}
}

func TestAgentHistoryDigest(t *testing.T) {
	a := New("agent-1", "claude", nil)
	if got := a.HistoryDigest(); got != "" {
		t.Errorf("empty history digest = %q, want empty", got)
	}

	a.RecordVerifyFailure(1, []string{"typecheck", "test"}, "TS2322: type mismatch")
	digest := a.HistoryDigest()
	for _, want := range []string{"attempt 1 failed", "typecheck, test", "TS2322"} {
		if !strings.Contains(digest, want) {
			t.Errorf("digest missing %q:\n%s", want, digest)
		}
	}
}
