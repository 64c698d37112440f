package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Issue is an imported issue-tracker item.
type Issue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
}

// IssueLister fetches open issues for a repository. The production
// implementation shells out to the gh CLI; tests supply a stub.
type IssueLister interface {
	List(ctx context.Context, repo string) ([]*Issue, error)
}

// GHLister lists issues via the gh CLI.
type GHLister struct {
	Bin string // defaults to "gh"
}

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func (g *GHLister) List(ctx context.Context, repo string) ([]*Issue, error) {
	bin := g.Bin
	if bin == "" {
		bin = "gh"
	}
	args := []string{"issue", "list", "--state", "open", "--limit", "100",
		"--json", "number,title,body,labels"}
	if repo != "" {
		args = append(args, "--repo", repo)
	}
	out, err := exec.CommandContext(ctx, bin, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("gh issue list: %w", err)
	}
	var raw []ghIssue
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parse gh output: %w", err)
	}
	issues := make([]*Issue, 0, len(raw))
	for _, r := range raw {
		labels := make([]string, 0, len(r.Labels))
		for _, l := range r.Labels {
			labels = append(labels, l.Name)
		}
		issues = append(issues, &Issue{Number: r.Number, Title: r.Title, Body: r.Body, Labels: labels})
	}
	return issues, nil
}

var depRE = regexp.MustCompile(`(?i)(?:depends on|blocked by)\s+#(\d+)`)

// ParseDeps extracts issue numbers this issue depends on from its body.
func ParseDeps(body string) []int {
	var deps []int
	seen := make(map[int]bool)
	for _, m := range depRE.FindAllStringSubmatch(body, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		deps = append(deps, n)
	}
	return deps
}

// Graph is the issue dependency graph: edges point from a dependency to the
// issues it unblocks.
type Graph struct {
	Nodes map[int]*Issue
	Deps  map[int][]int // issue -> issues it depends on (within Nodes)
}

// BuildGraph indexes issues and their in-repo dependency references.
// References to unknown issue numbers are dropped.
func BuildGraph(issues []*Issue) *Graph {
	g := &Graph{Nodes: make(map[int]*Issue, len(issues)), Deps: make(map[int][]int)}
	for _, is := range issues {
		g.Nodes[is.Number] = is
	}
	for _, is := range issues {
		for _, dep := range ParseDeps(is.Body) {
			if _, ok := g.Nodes[dep]; ok {
				g.Deps[is.Number] = append(g.Deps[is.Number], dep)
			}
		}
	}
	return g
}

// TopoLayers groups issues into dependency layers: everything in layer n
// depends only on issues in layers < n. Cycles are an error.
func (g *Graph) TopoLayers() ([][]*Issue, error) {
	remaining := make(map[int][]int, len(g.Nodes))
	for n := range g.Nodes {
		remaining[n] = append([]int(nil), g.Deps[n]...)
	}

	var layers [][]*Issue
	placed := make(map[int]bool)
	for len(placed) < len(g.Nodes) {
		var layer []*Issue
		for n, deps := range remaining {
			if placed[n] {
				continue
			}
			ready := true
			for _, d := range deps {
				if !placed[d] {
					ready = false
					break
				}
			}
			if ready {
				layer = append(layer, g.Nodes[n])
			}
		}
		if len(layer) == 0 {
			return nil, fmt.Errorf("dependency cycle among %d unplaced issues", len(g.Nodes)-len(placed))
		}
		sort.Slice(layer, func(i, j int) bool { return layer[i].Number < layer[j].Number })
		for _, is := range layer {
			placed[is.Number] = true
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// issuePriority reads a priority from labels: "P0".."P9" or
// "priority:<n>"; missing means lowest.
func issuePriority(labels []string) int {
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if len(l) == 2 && (l[0] == 'P' || l[0] == 'p') && l[1] >= '0' && l[1] <= '9' {
			return int(l[1] - '0')
		}
		if rest, ok := strings.CutPrefix(strings.ToLower(l), "priority:"); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
				return n
			}
		}
	}
	return missingPriority
}

// ReadyIssues returns the issues whose dependencies are all done, ordered
// by priority then number. done holds completed issue numbers.
func ReadyIssues(issues []*Issue, done map[int]bool) []*Issue {
	g := BuildGraph(issues)
	var ready []*Issue
	for _, is := range issues {
		if done[is.Number] {
			continue
		}
		ok := true
		for _, d := range g.Deps[is.Number] {
			if !done[d] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, is)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		pi, pj := issuePriority(ready[i].Labels), issuePriority(ready[j].Labels)
		if pi != pj {
			return pi < pj
		}
		return ready[i].Number < ready[j].Number
	})
	return ready
}

// NextReady picks the first ready issue, or nil.
func NextReady(issues []*Issue, done map[int]bool) *Issue {
	if ready := ReadyIssues(issues, done); len(ready) > 0 {
		return ready[0]
	}
	return nil
}

var (
	checkboxRE = regexp.MustCompile(`(?m)^\s*[-*]\s*\[\s?\]\s+(.+)$`)
	acHeadRE   = regexp.MustCompile(`(?i)^(?:#+\s*)?(acceptance criteria|requirements|tasks)\b:?\s*$`)
	bulletRE   = regexp.MustCompile(`^\s*(?:[-*]|\d+[.)])\s+(.+)$`)
	headingRE  = regexp.MustCompile(`^#+\s`)
)

// extractCriteria derives acceptance criteria from an issue body:
// unchecked markdown checkboxes first, then bullets under an "Acceptance
// Criteria" / "Requirements" / "Tasks" heading, else the title plus an
// implicit typecheck gate.
func extractCriteria(is *Issue) []string {
	if m := checkboxRE.FindAllStringSubmatch(is.Body, -1); len(m) > 0 {
		criteria := make([]string, 0, len(m))
		for _, g := range m {
			criteria = append(criteria, strings.TrimSpace(g[1]))
		}
		return criteria
	}

	lines := strings.Split(is.Body, "\n")
	for i, line := range lines {
		if !acHeadRE.MatchString(strings.TrimSpace(line)) {
			continue
		}
		var criteria []string
		for _, rest := range lines[i+1:] {
			trimmed := strings.TrimSpace(rest)
			if trimmed == "" {
				if len(criteria) > 0 {
					break
				}
				continue
			}
			if headingRE.MatchString(trimmed) {
				break
			}
			if m := bulletRE.FindStringSubmatch(rest); m != nil {
				criteria = append(criteria, strings.TrimSpace(m[1]))
			}
		}
		if len(criteria) > 0 {
			return criteria
		}
	}

	return []string{is.Title, "typecheck passes"}
}

// IssuesToPRD maps an issue list into an equivalent PRD.
func IssuesToPRD(issues []*Issue, repo string) *PRD {
	prd := &PRD{Project: repo}
	for _, is := range issues {
		prd.UserStories = append(prd.UserStories, &Story{
			ID:                 fmt.Sprintf("ISSUE-%d", is.Number),
			Title:              is.Title,
			Description:        is.Body,
			AcceptanceCriteria: extractCriteria(is),
			Passes:             false,
		})
	}
	return prd
}
