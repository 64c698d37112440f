package config

import "testing"

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("HOMER_SET", "value")
	t.Setenv("HOMER_EMPTY", "")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "no dollar fast path",
			input: "plain text",
			want:  "plain text",
		},
		{
			name:  "braced set",
			input: "x: ${HOMER_SET}",
			want:  "x: value",
		},
		{
			name:  "braced unset becomes empty",
			input: "x: ${HOMER_UNSET}",
			want:  "x: ",
		},
		{
			name:  "default used when unset",
			input: "x: ${HOMER_UNSET:-fallback}",
			want:  "x: fallback",
		},
		{
			name:  "default used when empty",
			input: "x: ${HOMER_EMPTY:-fallback}",
			want:  "x: fallback",
		},
		{
			name:  "default ignored when set",
			input: "x: ${HOMER_SET:-fallback}",
			want:  "x: value",
		},
		{
			name:  "simple form",
			input: "x: $HOMER_SET",
			want:  "x: value",
		},
		{
			name:  "multiple in one string",
			input: "${HOMER_SET}/${HOMER_UNSET:-d}/$HOMER_SET",
			want:  "value/d/value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnvVars(tt.input); got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
