package scheduler

import (
	"time"

	"github.com/mattjoyce/crossbard/internal/executor"
)

// State is a producer loop's runtime state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Outcome records what a run did to the store, independently of how the
// process exited.
type Outcome string

const (
	OutcomeUpdated            Outcome = "updated"
	OutcomeUnchangedEmpty     Outcome = "unchanged_empty"
	OutcomeParseFailed        Outcome = "parse_failed"
	OutcomeStoreFailed        Outcome = "store_failed"
	OutcomeSkippedExecFailure Outcome = "skipped_exec_failure"
	OutcomeDiscarded          Outcome = "discarded"
)

// Status is the observable runtime state of one producer.
type Status struct {
	ProducerID string        `json:"producer_id"`
	State      State         `json:"state"`
	Interval   time.Duration `json:"interval"`
	NextRunAt  time.Time     `json:"next_run_at,omitzero"`

	LastRunID    string          `json:"last_run_id,omitempty"`
	LastRunAt    time.Time       `json:"last_run_at,omitzero"`
	LastDuration time.Duration   `json:"last_duration"`
	LastExit     executor.Status `json:"last_exit,omitempty"`
	LastExitCode int             `json:"last_exit_code"`
	LastOutcome  Outcome         `json:"last_outcome,omitempty"`
	LastError    string          `json:"last_error,omitempty"`

	// LastSuccessAt is the last zero exit; LastUpdatedAt the last store write.
	LastSuccessAt       time.Time `json:"last_success_at,omitzero"`
	LastUpdatedAt       time.Time `json:"last_updated_at,omitzero"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Runs                int       `json:"runs"`
}

// Stale reports whether the most recent run left older data in place.
func (s Status) Stale() bool {
	return s.Runs > 0 && s.LastOutcome != OutcomeUpdated
}
