package agent

// Status represents the lifecycle state of an agent.
type Status string

const (
	// StatusWorking means the child process is running and producing output.
	StatusWorking Status = "working"
	// StatusVerifying means a done signal was seen and verification is running.
	StatusVerifying Status = "verifying"
	// StatusDone means verification passed; terminal.
	StatusDone Status = "done"
	// StatusBlocked means the agent reported it cannot proceed; terminal.
	StatusBlocked Status = "blocked"
	// StatusFailed means retry and reroute budgets are exhausted; terminal.
	StatusFailed Status = "failed"
	// StatusRerouted means this agent was replaced by a new one on the same
	// task; terminal for this agent.
	StatusRerouted Status = "rerouted"
	// StatusExited means the child process exited on its own; terminal.
	StatusExited Status = "exited"
	// StatusKilled means the operator killed the agent; terminal.
	StatusKilled Status = "killed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusBlocked, StatusFailed, StatusRerouted, StatusExited, StatusKilled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the agent holds a claim on its work unit.
func (s Status) IsActive() bool {
	return s == StatusWorking || s == StatusVerifying
}
