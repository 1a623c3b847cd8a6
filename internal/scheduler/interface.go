package scheduler

import (
	"context"
	"time"

	"github.com/mattjoyce/crossbard/internal/executor"
	"github.com/mattjoyce/crossbard/internal/producer"
	"github.com/mattjoyce/crossbard/internal/protocol"
	"github.com/mattjoyce/crossbard/internal/runlog"
)

//go:generate mockgen -destination=mocks/mock_scheduler.go -package=mocks github.com/mattjoyce/crossbard/internal/scheduler RunRecorder,SnapshotStore

// Runner executes one producer run. *executor.Executor satisfies it.
type Runner interface {
	RunSpec(ctx context.Context, spec producer.Spec) executor.Result
}

// SnapshotStore is the write side of the snapshot store used by the scheduler.
type SnapshotStore interface {
	Replace(ctx context.Context, id string, snap *protocol.Snapshot) error
	SetOrder(ctx context.Context, ids []string) error
}

// RunRecorder persists run history. *runlog.Log satisfies it.
type RunRecorder interface {
	Append(ctx context.Context, e runlog.Entry) error
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}
