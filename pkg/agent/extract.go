package agent

import (
	"regexp"
	"strings"
)

// Canonical patterns shared by output extraction and verification error
// keying. FilePathRE capture group 2 is the repository-relative path.
var (
	FilePathRE = regexp.MustCompile(`(?im)(^|\s)((?:src|lib|app|pages|components|hooks|utils|test|tests|spec|config|public|assets|api|scripts|bin|deploy|docker|k8s|infra)/[^\s,)"']+\.[a-z]{1,5})`)

	ErrorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`error\[E\d+\]:\s*(.{10,100})`),
		regexp.MustCompile(`TS\d{4,5}:\s*(.{10,80})`),
		regexp.MustCompile(`Error:\s*(.{10,100})`),
		regexp.MustCompile(`FAIL\s+(.{10,80})`),
	}
)

var approachKeywords = []string{
	"approach", "strategy", "plan", "trying", "attempt", "will", "going to", "let me",
}

const (
	maxErrorLines    = 5
	maxApproachLines = 3
	maxApproachChars = 200
)

// Extraction is what the trim protocol salvages from discarded output.
type Extraction struct {
	FilePaths     map[string]int
	ErrorLines    []string
	ApproachLines []string
}

// Empty reports whether nothing worth persisting was extracted.
func (e *Extraction) Empty() bool {
	return e == nil ||
		(len(e.FilePaths) == 0 && len(e.ErrorLines) == 0 && len(e.ApproachLines) == 0)
}

// ExtractFromDiscard mines a to-be-discarded output prefix for file paths,
// error lines and approach notes. Input should already be ANSI-stripped.
func ExtractFromDiscard(prefix string) *Extraction {
	ext := &Extraction{FilePaths: make(map[string]int)}

	for _, m := range FilePathRE.FindAllStringSubmatch(prefix, -1) {
		ext.FilePaths[m[2]]++
	}

	seen := make(map[string]bool)
	for _, re := range ErrorPatterns {
		for _, m := range re.FindAllString(prefix, -1) {
			line := strings.TrimSpace(m)
			if seen[line] {
				continue
			}
			seen[line] = true
			ext.ErrorLines = append(ext.ErrorLines, line)
			if len(ext.ErrorLines) >= maxErrorLines {
				break
			}
		}
		if len(ext.ErrorLines) >= maxErrorLines {
			break
		}
	}

	for _, line := range strings.Split(prefix, "\n") {
		if len(ext.ApproachLines) >= maxApproachLines {
			break
		}
		lower := strings.ToLower(line)
		for _, kw := range approachKeywords {
			if strings.Contains(lower, kw) {
				trimmed := strings.TrimSpace(line)
				if len(trimmed) > maxApproachChars {
					trimmed = trimmed[:maxApproachChars]
				}
				if trimmed != "" {
					ext.ApproachLines = append(ext.ApproachLines, trimmed)
				}
				break
			}
		}
	}

	return ext
}
