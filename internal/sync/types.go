// Package sync drains the local outbox to the mood service. The Engine
// uploads pending records oldest first and applies the retry/drop policy;
// the Scheduler decides when the Engine runs; the Recorder is the write
// path that queues new entries and nudges the Scheduler.
package sync

import (
	"context"
	"time"

	"github.com/tonimelisma/moodsync/internal/api"
	"github.com/tonimelisma/moodsync/internal/outbox"
)

// Outbox is the part of *outbox.Store the Engine drains.
type Outbox interface {
	ListUnsynced(ctx context.Context) ([]outbox.Record, error)
	MarkSynced(ctx context.Context, id int64) error
	MarkDropped(ctx context.Context, id int64, status int) error
	CountUnsynced(ctx context.Context) (int, error)
	LockRun() (unlock func(), err error)
}

// Inserter is the part of *outbox.Store the Recorder writes to.
type Inserter interface {
	Insert(ctx context.Context, rec outbox.Record) (int64, error)
	CountUnsynced(ctx context.Context) (int, error)
}

// Uploader sends one entry. Satisfied by *api.MoodClient.
type Uploader interface {
	UploadMood(ctx context.Context, upload api.MoodUpload) (*api.MoodAck, error)
}

// Notifier receives sync progress for display. Implementations must not
// block.
type Notifier interface {
	// PendingChanged reports the number of records still waiting for upload.
	PendingChanged(n int)
	// SaveResult reports the outcome of a local save.
	SaveResult(id int64, err error)
}

type nopNotifier struct{}

func (nopNotifier) PendingChanged(int)       {}
func (nopNotifier) SaveResult(int64, error) {}

// Outcome summarizes one Engine run.
type Outcome struct {
	Synced       int  // records accepted by the service
	Dropped      int  // records answered with a 4xx and never resent
	RetriedLater bool // the run stopped early; remaining records wait for the next run
	NeedsLogin   bool // the session could not be recovered
	Skipped      bool // another run, here or in another process, was in progress
	Duration     time.Duration
}

// State is the Scheduler's lifecycle state.
type State int32

// Scheduler states.
const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
