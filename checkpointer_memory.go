package crew

import (
	"context"
	"sync"
)

// MemoryCheckpointer keeps checkpoint histories in process memory. It is
// safe for concurrent use but does not survive a restart.
type MemoryCheckpointer struct {
	mutex   sync.RWMutex
	threads map[string][]*Checkpoint
}

// NewMemoryCheckpointer creates an empty in-memory checkpointer
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{threads: map[string][]*Checkpoint{}}
}

func (c *MemoryCheckpointer) AppendCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	if err := checkpoint.Validate(); err != nil {
		return err
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()

	history := c.threads[checkpoint.ThreadID]
	var latest *Checkpoint
	if len(history) > 0 {
		latest = history[len(history)-1]
	}
	if err := checkSequence(latest, checkpoint); err != nil {
		return err
	}
	c.threads[checkpoint.ThreadID] = append(history, checkpoint.Copy())
	return nil
}

func (c *MemoryCheckpointer) LoadCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	history := c.threads[threadID]
	if len(history) == 0 {
		return nil, nil
	}
	return history[len(history)-1].Copy(), nil
}

func (c *MemoryCheckpointer) ListCheckpoints(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	history := c.threads[threadID]
	out := make([]*Checkpoint, 0, len(history))
	for _, cp := range history {
		out = append(out, cp.Copy())
	}
	return out, nil
}

func (c *MemoryCheckpointer) DeleteCheckpoints(ctx context.Context, threadID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.threads, threadID)
	return nil
}
