package crew

import (
	"context"
	"fmt"
)

// Checkpointer persists the checkpoint history of each thread. Appends to
// distinct threads may run concurrently; an implementation must reject an
// append whose sequence does not directly follow the thread's latest
// checkpoint with ErrConcurrentAccess.
type Checkpointer interface {
	// AppendCheckpoint adds a checkpoint to the end of its thread's history
	AppendCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint loads the latest checkpoint for a thread, or nil if the
	// thread has no history
	LoadCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error)

	// ListCheckpoints returns the full history of a thread, ordered by sequence
	ListCheckpoints(ctx context.Context, threadID string) ([]*Checkpoint, error)

	// DeleteCheckpoints removes all checkpoint data for a thread
	DeleteCheckpoints(ctx context.Context, threadID string) error
}

// checkSequence verifies that next may be appended after latest.
func checkSequence(latest, next *Checkpoint) error {
	want := 0
	if latest != nil {
		want = latest.Sequence + 1
	}
	if next.Sequence != want {
		return fmt.Errorf("%w: thread %s expected sequence %d, got %d",
			ErrConcurrentAccess, next.ThreadID, want, next.Sequence)
	}
	return nil
}

// ThreadLister is implemented by checkpointers that can enumerate threads
type ThreadLister interface {
	ListThreads(ctx context.Context) ([]*ThreadSummary, error)
}
