package executor

import (
	"fmt"
	"time"
)

// Status classifies how a run ended.
type Status string

const (
	StatusSuccess      Status = "success"
	StatusNonZeroExit  Status = "non_zero_exit"
	StatusTimeout      Status = "timeout"
	StatusSpawnFailure Status = "spawn_failure"
)

// Result is the transient outcome of one subprocess run.
type Result struct {
	RunID      string        `json:"run_id"`
	ProducerID string        `json:"producer_id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Status     Status        `json:"status"`
	// ExitCode is meaningful for StatusSuccess and StatusNonZeroExit; it is
	// -1 otherwise.
	ExitCode        int    `json:"exit_code"`
	Stdout          []byte `json:"-"`
	Stderr          []byte `json:"-"`
	StdoutTruncated bool   `json:"stdout_truncated"`
	StderrTruncated bool   `json:"stderr_truncated"`
	// SpawnErr holds the start error for StatusSpawnFailure.
	SpawnErr error `json:"-"`
}

// OK reports whether the process exited zero.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Err returns an *ExecutionError for any non-success status, nil otherwise.
func (r Result) Err() error {
	if r.Status == StatusSuccess {
		return nil
	}
	return &ExecutionError{ProducerID: r.ProducerID, Kind: r.Status, Code: r.ExitCode, Err: r.SpawnErr}
}

// ExecutionError describes a run that did not exit cleanly.
type ExecutionError struct {
	ProducerID string
	Kind       Status
	Code       int
	Err        error
}

func (e *ExecutionError) Error() string {
	switch e.Kind {
	case StatusNonZeroExit:
		return fmt.Sprintf("producer %s exited with code %d", e.ProducerID, e.Code)
	case StatusTimeout:
		return fmt.Sprintf("producer %s timed out", e.ProducerID)
	case StatusSpawnFailure:
		return fmt.Sprintf("producer %s failed to start: %v", e.ProducerID, e.Err)
	default:
		return fmt.Sprintf("producer %s: %s", e.ProducerID, e.Kind)
	}
}

func (e *ExecutionError) Unwrap() error { return e.Err }
