package task

import (
	"strings"
	"testing"
)

func TestParseDeps(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []int
	}{
		{"none", "Just a regular issue body.", nil},
		{"depends on", "Depends on #12 for the schema.", []int{12}},
		{"blocked by", "blocked by #3", []int{3}},
		{"mixed case and multiple", "DEPENDS ON #4\nBlocked By #9", []int{4, 9}},
		{"duplicates collapse", "depends on #5, depends on #5", []int{5}},
		{"bare reference ignored", "see #7 for context", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseDeps(tt.body)
			if len(got) != len(tt.want) {
				t.Fatalf("ParseDeps() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ParseDeps()[%d] = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestBuildGraphDropsUnknownRefs(t *testing.T) {
	issues := []*Issue{
		{Number: 1, Body: "depends on #99"},
		{Number: 2, Body: "depends on #1"},
	}
	g := BuildGraph(issues)
	if len(g.Deps[1]) != 0 {
		t.Errorf("issue 1 deps = %v, want none (unknown #99 dropped)", g.Deps[1])
	}
	if len(g.Deps[2]) != 1 || g.Deps[2][0] != 1 {
		t.Errorf("issue 2 deps = %v, want [1]", g.Deps[2])
	}
}

func TestTopoLayers(t *testing.T) {
	// Diamond: 1 ← 2, 1 ← 3, {2,3} ← 4.
	issues := []*Issue{
		{Number: 4, Body: "depends on #2\ndepends on #3"},
		{Number: 2, Body: "depends on #1"},
		{Number: 3, Body: "depends on #1"},
		{Number: 1, Body: "foundation"},
	}
	layers, err := BuildGraph(issues).TopoLayers()
	if err != nil {
		t.Fatalf("TopoLayers() error = %v", err)
	}
	if len(layers) != 3 {
		t.Fatalf("layers = %d, want 3", len(layers))
	}
	if len(layers[0]) != 1 || layers[0][0].Number != 1 {
		t.Errorf("layer 0 = %v, want [1]", layerNumbers(layers[0]))
	}
	if got := layerNumbers(layers[1]); got != "2,3" {
		t.Errorf("layer 1 = %s, want 2,3", got)
	}
	if len(layers[2]) != 1 || layers[2][0].Number != 4 {
		t.Errorf("layer 2 = %v, want [4]", layerNumbers(layers[2]))
	}
}

func TestTopoLayersCycle(t *testing.T) {
	issues := []*Issue{
		{Number: 1, Body: "depends on #2"},
		{Number: 2, Body: "depends on #1"},
	}
	if _, err := BuildGraph(issues).TopoLayers(); err == nil {
		t.Error("TopoLayers() = nil error on cycle, want error")
	}
}

func layerNumbers(layer []*Issue) string {
	parts := make([]string, 0, len(layer))
	for _, is := range layer {
		parts = append(parts, string(rune('0'+is.Number)))
	}
	return strings.Join(parts, ",")
}

func TestReadyIssuesGatesOnDeps(t *testing.T) {
	issues := []*Issue{
		{Number: 1, Title: "schema"},
		{Number: 2, Title: "api", Body: "depends on #1"},
	}

	ready := ReadyIssues(issues, nil)
	if len(ready) != 1 || ready[0].Number != 1 {
		t.Fatalf("ready = %v, want only issue 1", layerNumbers(ready))
	}

	ready = ReadyIssues(issues, map[int]bool{1: true})
	if len(ready) != 1 || ready[0].Number != 2 {
		t.Fatalf("ready after done(1) = %v, want only issue 2", layerNumbers(ready))
	}
}

func TestReadyIssuesPriorityOrder(t *testing.T) {
	issues := []*Issue{
		{Number: 5, Title: "later", Labels: []string{"bug"}},
		{Number: 8, Title: "urgent", Labels: []string{"P0"}},
		{Number: 2, Title: "soon", Labels: []string{"priority: 2"}},
		{Number: 3, Title: "also unlabeled"},
	}
	ready := ReadyIssues(issues, nil)
	want := []int{8, 2, 3, 5}
	if len(ready) != len(want) {
		t.Fatalf("ready = %d issues, want %d", len(ready), len(want))
	}
	for i, n := range want {
		if ready[i].Number != n {
			t.Errorf("ready[%d] = #%d, want #%d", i, ready[i].Number, n)
		}
	}
}

func TestNextReady(t *testing.T) {
	if got := NextReady(nil, nil); got != nil {
		t.Errorf("NextReady(empty) = %v, want nil", got)
	}
	issues := []*Issue{{Number: 1, Title: "only"}}
	if got := NextReady(issues, nil); got == nil || got.Number != 1 {
		t.Errorf("NextReady = %v, want issue 1", got)
	}
	if got := NextReady(issues, map[int]bool{1: true}); got != nil {
		t.Errorf("NextReady with all done = %v, want nil", got)
	}
}

func TestExtractCriteria(t *testing.T) {
	tests := []struct {
		name  string
		issue *Issue
		want  []string
	}{
		{
			name: "unchecked checkboxes win",
			issue: &Issue{Title: "Add login", Body: "Some intro\n" +
				"- [ ] form renders\n" +
				"- [x] already done\n" +
				"- [ ] submit posts to /login"},
			want: []string{"form renders", "submit posts to /login"},
		},
		{
			name: "bullets under acceptance criteria heading",
			issue: &Issue{Title: "Add login", Body: "Context paragraph.\n\n" +
				"## Acceptance Criteria\n" +
				"- form renders\n" +
				"* submit posts to /login\n\n" +
				"## Notes\n- unrelated"},
			want: []string{"form renders", "submit posts to /login"},
		},
		{
			name: "numbered list under requirements heading",
			issue: &Issue{Title: "Add login", Body: "Requirements:\n1. form renders\n2) submit works"},
			want: []string{"form renders", "submit works"},
		},
		{
			name:  "fallback to title plus typecheck",
			issue: &Issue{Title: "Fix the header", Body: "It looks wrong on mobile."},
			want:  []string{"Fix the header", "typecheck passes"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractCriteria(tt.issue)
			if len(got) != len(tt.want) {
				t.Fatalf("extractCriteria() = %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("criteria[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestIssuesToPRD(t *testing.T) {
	issues := []*Issue{
		{Number: 12, Title: "Add search", Body: "- [ ] index built\n- [ ] query endpoint"},
		{Number: 15, Title: "Fix footer", Body: "plain body"},
	}
	prd := IssuesToPRD(issues, "acme/site")
	if prd.Project != "acme/site" {
		t.Errorf("project = %q, want acme/site", prd.Project)
	}
	if len(prd.UserStories) != 2 {
		t.Fatalf("stories = %d, want 2", len(prd.UserStories))
	}
	if prd.UserStories[0].ID != "ISSUE-12" || prd.UserStories[1].ID != "ISSUE-15" {
		t.Errorf("ids = %s, %s, want ISSUE-12, ISSUE-15", prd.UserStories[0].ID, prd.UserStories[1].ID)
	}
	if prd.UserStories[0].Passes {
		t.Error("imported story marked passed, want open")
	}
	if got := prd.UserStories[0].AcceptanceCriteria; len(got) != 2 || got[0] != "index built" {
		t.Errorf("criteria = %q, want extracted checkboxes", got)
	}
	if got := prd.UserStories[1].AcceptanceCriteria; len(got) != 2 || got[0] != "Fix footer" {
		t.Errorf("fallback criteria = %q, want title + typecheck", got)
	}
}
