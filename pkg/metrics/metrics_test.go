package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestVerifyResultLabel(t *testing.T) {
	tests := []struct {
		name    string
		passed  bool
		skipped bool
		want    string
	}{
		{name: "pass", passed: true, want: "pass"},
		{name: "fail", want: "fail"},
		{name: "skipped wins", passed: true, skipped: true, want: "skipped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyResultLabel(tt.passed, tt.skipped); got != tt.want {
				t.Errorf("VerifyResultLabel(%v, %v) = %q, want %q", tt.passed, tt.skipped, got, tt.want)
			}
		})
	}
}

func TestCountersWired(t *testing.T) {
	before := testutil.ToFloat64(AgentsSpawned)
	AgentsSpawned.Inc()
	if got := testutil.ToFloat64(AgentsSpawned); got != before+1 {
		t.Errorf("AgentsSpawned after Inc = %v, want %v", got, before+1)
	}

	VerifyRuns.WithLabelValues("pass").Inc()
	if got := testutil.ToFloat64(VerifyRuns.WithLabelValues("pass")); got < 1 {
		t.Errorf("VerifyRuns{pass} = %v, want >= 1", got)
	}

	ActiveAgents.Set(3)
	if got := testutil.ToFloat64(ActiveAgents); got != 3 {
		t.Errorf("ActiveAgents = %v, want 3", got)
	}
}
