package tools

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestClaudeBuildArgs(t *testing.T) {
	claude, ok := Get("claude")
	if !ok {
		t.Fatal("claude missing from catalog")
	}

	tests := []struct {
		name string
		opts BuildOpts
		want []string
	}{
		{
			name: "auto mode skips permissions",
			opts: BuildOpts{Auto: true},
			want: []string{"--dangerously-skip-permissions"},
		},
		{
			name: "permission mode when not auto",
			opts: BuildOpts{PermissionMode: "acceptEdits"},
			want: []string{"--permission-mode", "acceptEdits"},
		},
		{
			name: "auto wins over permission mode",
			opts: BuildOpts{Auto: true, PermissionMode: "plan"},
			want: []string{"--dangerously-skip-permissions"},
		},
		{
			name: "model and system prompt",
			opts: BuildOpts{Model: "opus", SystemPrompt: "be terse"},
			want: []string{"--model", "opus", "--append-system-prompt", "be terse"},
		},
		{
			name: "empty opts",
			opts: BuildOpts{},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := claude.BuildArgs(tt.opts)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("BuildArgs(%+v) = %v, want %v", tt.opts, got, tt.want)
			}
		})
	}
}

func TestAiderBuildArgs(t *testing.T) {
	aider, ok := Get("aider")
	if !ok {
		t.Fatal("aider missing from catalog")
	}

	got := aider.BuildArgs(BuildOpts{Auto: true, Model: "gpt-4o"})
	want := []string{"--yes-always", "--model", "gpt-4o"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BuildArgs = %v, want %v", got, want)
	}

	init := aider.BuildInitialArgs("fix the tests")
	wantInit := []string{"--message", "fix the tests"}
	if !reflect.DeepEqual(init, wantInit) {
		t.Errorf("BuildInitialArgs = %v, want %v", init, wantInit)
	}
}

func TestSupportsPermissionMode(t *testing.T) {
	claude, _ := Get("claude")
	if !claude.SupportsPermissionMode("plan") {
		t.Error("claude should support plan mode")
	}
	if claude.SupportsPermissionMode("yolo") {
		t.Error("claude should not support unknown mode")
	}

	aider, _ := Get("aider")
	if aider.SupportsPermissionMode("plan") {
		t.Error("aider has no permission modes")
	}
}

func TestResolveGenericFallback(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "mytool")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir)

	d, err := Resolve("mytool")
	if err != nil {
		t.Fatalf("Resolve(mytool) error = %v", err)
	}
	if d.ID != "mytool" || d.Command != "mytool" {
		t.Errorf("descriptor = %+v, want generic mytool", d)
	}
	if d.SupportsInitialPrompt || d.SupportsSystemPrompt {
		t.Error("generic descriptor should have no prompt capabilities")
	}
	if got := d.BuildArgs(BuildOpts{Auto: true, Model: "x"}); got != nil {
		t.Errorf("generic BuildArgs = %v, want nil", got)
	}
}

func TestResolveMissing(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	if _, err := Resolve("claude"); err == nil {
		t.Error("Resolve(claude) with empty PATH should fail")
	}
	if _, err := Resolve("no-such-tool-anywhere"); err == nil {
		t.Error("Resolve(unknown) with empty PATH should fail")
	}
}

func TestDetectEmptyPath(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	if got := Detect(); len(got) != 0 {
		t.Errorf("Detect() with empty PATH = %v, want none", got)
	}
}
