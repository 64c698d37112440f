package verify

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFixture(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func checkCommands(checks []Check) []string {
	cmds := make([]string, 0, len(checks))
	for _, c := range checks {
		cmds = append(cmds, c.Command)
	}
	return cmds
}

func assertChecks(t *testing.T, got []Check, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Detect() = %v, want commands %v", checkCommands(got), want)
	}
	for i, cmd := range want {
		if got[i].Command != cmd {
			t.Errorf("check[%d] = %q, want %q", i, got[i].Command, cmd)
		}
	}
}

func TestDetectNode(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  []string
	}{
		{
			name:  "typecheck script",
			files: map[string]string{"package.json": `{"scripts": {"typecheck": "tsc --noEmit"}}`},
			want:  []string{"npm run typecheck"},
		},
		{
			name:  "type-check variant",
			files: map[string]string{"package.json": `{"scripts": {"type-check": "tsc"}}`},
			want:  []string{"npm run type-check"},
		},
		{
			name: "tsconfig fallback",
			files: map[string]string{
				"package.json":  `{"scripts": {}}`,
				"tsconfig.json": `{}`,
			},
			want: []string{"npx tsc --noEmit"},
		},
		{
			name: "full script set",
			files: map[string]string{
				"package.json": `{"scripts": {"typecheck": "tsc", "lint": "eslint .", "test": "vitest run"}}`,
			},
			want: []string{"npm run typecheck", "npm run lint", "npm run test"},
		},
		{
			name: "stock test stub skipped",
			files: map[string]string{
				"package.json": `{"scripts": {"lint": "eslint .", "test": "echo \"Error: no test specified\" && exit 1"}}`,
			},
			want: []string{"npm run lint"},
		},
		{
			name:  "build as last resort",
			files: map[string]string{"package.json": `{"scripts": {"build": "vite build"}}`},
			want:  []string{"npm run build"},
		},
		{
			name: "build skipped when others exist",
			files: map[string]string{
				"package.json": `{"scripts": {"build": "vite build", "lint": "eslint ."}}`,
			},
			want: []string{"npm run lint"},
		},
		{
			name:  "malformed package.json",
			files: map[string]string{"package.json": `{"scripts": `},
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for rel, content := range tt.files {
				writeFixture(t, dir, rel, content)
			}
			assertChecks(t, Detect(dir), tt.want)
		})
	}
}

func TestDetectPython(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, dir string)
		want  []string
	}{
		{
			name: "mypy ini",
			setup: func(t *testing.T, dir string) {
				writeFixture(t, dir, "mypy.ini", "[mypy]\n")
			},
			want: []string{"mypy ."},
		},
		{
			name: "mypy via pyproject",
			setup: func(t *testing.T, dir string) {
				writeFixture(t, dir, "pyproject.toml", "[tool.mypy]\nstrict = true\n")
			},
			want: []string{"mypy ."},
		},
		{
			name: "pytest needs python markers",
			setup: func(t *testing.T, dir string) {
				writeFixture(t, dir, "tests/test_app.py", "def test_ok(): pass\n")
			},
			want: nil,
		},
		{
			name: "pytest with markers",
			setup: func(t *testing.T, dir string) {
				writeFixture(t, dir, "tests/test_app.py", "def test_ok(): pass\n")
				writeFixture(t, dir, "requirements.txt", "pytest\n")
			},
			want: []string{"pytest"},
		},
		{
			name: "ruff toml",
			setup: func(t *testing.T, dir string) {
				writeFixture(t, dir, "ruff.toml", "line-length = 100\n")
			},
			want: []string{"ruff check ."},
		},
		{
			name: "everything",
			setup: func(t *testing.T, dir string) {
				writeFixture(t, dir, "pyproject.toml", "[tool.mypy]\n[tool.ruff]\n")
				writeFixture(t, dir, "test/test_app.py", "def test_ok(): pass\n")
			},
			want: []string{"mypy .", "pytest", "ruff check ."},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			tt.setup(t, dir)
			assertChecks(t, Detect(dir), tt.want)
		})
	}
}

func TestDetectMakefileLastResort(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "Makefile", "check:\n\tgo vet ./...\n")
	assertChecks(t, Detect(dir), []string{"make check"})

	// A Makefile without a check target detects nothing.
	dir2 := t.TempDir()
	writeFixture(t, dir2, "Makefile", "build:\n\tgo build ./...\n")
	assertChecks(t, Detect(dir2), nil)

	// Node checks suppress the Makefile fallback.
	writeFixture(t, dir, "package.json", `{"scripts": {"lint": "eslint ."}}`)
	assertChecks(t, Detect(dir), []string{"npm run lint"})
}

func TestDetectNodeBeforePython(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "package.json", `{"scripts": {"typecheck": "tsc"}}`)
	writeFixture(t, dir, "mypy.ini", "[mypy]\n")

	assertChecks(t, Detect(dir), []string{"npm run typecheck", "mypy ."})
}

func TestDetectEmptyDir(t *testing.T) {
	assertChecks(t, Detect(t.TempDir()), nil)
}
