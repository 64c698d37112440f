package agent

import (
	"strings"
	"sync"
)

// Buffer caps per-agent memory: growth past TrimAt triggers a trim that
// keeps the newest Keep bytes.
const (
	TrimAt = 300 * 1024
	Keep   = 128 * 1024
)

// Buffer accumulates raw PTY output for one agent. Appends past TrimAt run
// the extract-then-discard protocol: salvage file paths, error lines and
// approach notes from the discarded prefix, then reset the buffer to the
// verify-history digest plus the most recent Keep bytes.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	digest string
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append adds raw output. It returns a non-nil Extraction exactly when a
// trim ran; the caller persists it to memory.
func (b *Buffer) Append(p []byte) *Extraction {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	if len(b.data) <= TrimAt {
		return nil
	}

	cut := len(b.data) - Keep
	prefix := string(b.data[:cut])
	tail := b.data[cut:]

	ext := ExtractFromDiscard(StripANSI(prefix))

	next := make([]byte, 0, len(b.digest)+len(tail))
	next = append(next, b.digest...)
	next = append(next, tail...)
	b.data = next

	return ext
}

// SetDigest replaces the verify-history digest that survives trims.
func (b *Buffer) SetDigest(digest string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.digest = digest
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// String returns the full current contents.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Tail returns the last n bytes as a string.
func (b *Buffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) <= n {
		return string(b.data)
	}
	return string(b.data[len(b.data)-n:])
}

// StrippedTailLines returns up to n trailing lines of ANSI-stripped output,
// used for session snapshots and resume preambles.
func (b *Buffer) StrippedTailLines(n int) []string {
	stripped := StripANSI(b.String())
	lines := strings.Split(stripped, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
