package verify

import "testing"

func TestErrorKey(t *testing.T) {
	tests := []struct {
		name   string
		check  string
		output string
		want   string
	}{
		{
			name:   "typescript code with file",
			check:  "typecheck",
			output: "lib/auth.js(12,3): error TS2322: Type 'string' is not assignable",
			want:   "typecheck:TS2322:lib/auth.js",
		},
		{
			name:   "typescript code without file",
			check:  "typecheck",
			output: "error TS7006: Parameter 'x' implicitly has an 'any' type",
			want:   "typecheck:TS7006",
		},
		{
			name:   "failing test file with name",
			check:  "test",
			output: "FAIL src/hooks/useAuth.test.ts\n  ✕ refreshes the token before expiry (33 ms)",
			want:   "test:useAuth.test.ts:refreshes_the_token_before_expiry_(33_ms",
		},
		{
			name:   "failing test file without marker line",
			check:  "test",
			output: "Tests: 1 failed in src/cart.spec.tsx, 4 passed",
			want:   "test:cart.spec.tsx",
		},
		{
			name:   "lint rule with file",
			check:  "lint",
			output: "src/components/Cart.tsx\n  4:10  error  no-unused-vars  'total' is defined but never used",
			want:   "lint:no-unused-vars:src/components/Cart.tsx",
		},
		{
			name:   "fallback to file",
			check:  "build",
			output: "Build failed while bundling src/index.ts with exit code 2",
			want:   "build:src/index.ts",
		},
		{
			name:   "fallback to unknown",
			check:  "check",
			output: "something inscrutable happened",
			want:   "check:unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorKey(tt.check, tt.output); got != tt.want {
				t.Errorf("ErrorKey(%q, ...) = %q, want %q", tt.check, got, tt.want)
			}
		})
	}
}

func TestFailingTestName(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{
			name:   "spaces become underscores",
			output: "✗ renders the empty cart banner",
			want:   "renders_the_empty_cart_banner",
		},
		{
			name:   "too short is dropped",
			output: "✗ ok",
			want:   "",
		},
		{
			name:   "truncated at forty chars",
			output: "FAIL this test name is far longer than forty characters in total",
			want:   "this_test_name_is_far_longer_than_forty_",
		},
		{
			name:   "no marker",
			output: "all assertions passed",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := failingTestName(tt.output); got != tt.want {
				t.Errorf("failingTestName(%q) = %q, want %q", tt.output, got, tt.want)
			}
		})
	}
}
