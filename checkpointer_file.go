package crew

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
)

const (
	checkpointFilePrefix = "checkpoint-"

	// latestFileName links to the newest checkpoint file of a thread
	latestFileName = "latest.json"
)

// FileCheckpointer is a file-based implementation that persists checkpoints
// to disk, one directory per thread and one JSON file per checkpoint.
type FileCheckpointer struct {
	dataDir string
}

// NewFileCheckpointer creates a new file-based checkpointer
func NewFileCheckpointer(dataDir string) (*FileCheckpointer, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".deepnoodle", "crew", "threads")
	}

	// Ensure the data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	return &FileCheckpointer{dataDir: dataDir}, nil
}

// Dir returns the root data directory
func (c *FileCheckpointer) Dir() string {
	return c.dataDir
}

func checkpointFileName(sequence int) string {
	return fmt.Sprintf("%s%06d.json", checkpointFilePrefix, sequence)
}

// threadDir returns the directory holding a thread's checkpoints
func (c *FileCheckpointer) threadDir(threadID string) (string, error) {
	if err := ValidateID("thread", threadID); err != nil {
		return "", err
	}
	return filepath.Join(c.dataDir, threadID), nil
}

// AppendCheckpoint writes the checkpoint to a temporary file and links it
// into place. The link fails if another writer already published the same
// sequence, so a checkpoint file is either complete or absent.
func (c *FileCheckpointer) AppendCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	if err := checkpoint.Validate(); err != nil {
		return err
	}
	threadDir, err := c.threadDir(checkpoint.ThreadID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(threadDir, 0755); err != nil {
		return fmt.Errorf("failed to create thread directory: %w", err)
	}

	latest, err := c.LoadCheckpoint(ctx, checkpoint.ThreadID)
	if err != nil {
		return err
	}
	if err := checkSequence(latest, checkpoint); err != nil {
		return err
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(threadDir, ".pending-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint file: %w", err)
	}

	name := checkpointFileName(checkpoint.Sequence)
	if err := os.Link(tmpPath, filepath.Join(threadDir, name)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: thread %s sequence %d already written",
				ErrConcurrentAccess, checkpoint.ThreadID, checkpoint.Sequence)
		}
		return fmt.Errorf("failed to publish checkpoint file: %w", err)
	}

	if err := c.updateLatest(threadDir, name); err != nil {
		return fmt.Errorf("failed to update %s: %w", latestFileName, err)
	}
	return nil
}

// LoadCheckpoint loads the latest checkpoint for a thread. It follows
// latest.json when that is current and scans the thread directory
// otherwise.
func (c *FileCheckpointer) LoadCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error) {
	threadDir, err := c.threadDir(threadID)
	if err != nil {
		return nil, err
	}
	if latest := c.loadLatest(threadDir); latest != nil {
		return latest, nil
	}
	names, err := c.checkpointFiles(threadID)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil // No checkpoint found
	}
	return c.readCheckpoint(filepath.Join(threadDir, names[len(names)-1]))
}

// loadLatest reads the checkpoint latest.json points at. It returns nil
// when the pointer is missing, unreadable, or behind the checkpoint files,
// as after a crash between publishing a checkpoint and updating the link.
func (c *FileCheckpointer) loadLatest(threadDir string) *Checkpoint {
	latest, err := c.readCheckpoint(filepath.Join(threadDir, latestFileName))
	if err != nil {
		return nil
	}
	if _, err := os.Lstat(filepath.Join(threadDir, checkpointFileName(latest.Sequence+1))); !os.IsNotExist(err) {
		return nil
	}
	return latest
}

// ListCheckpoints loads every checkpoint of a thread, oldest first
func (c *FileCheckpointer) ListCheckpoints(ctx context.Context, threadID string) ([]*Checkpoint, error) {
	threadDir, err := c.threadDir(threadID)
	if err != nil {
		return nil, err
	}
	names, err := c.checkpointFiles(threadID)
	if err != nil {
		return nil, err
	}
	checkpoints := make([]*Checkpoint, 0, len(names))
	for _, name := range names {
		cp, err := c.readCheckpoint(filepath.Join(threadDir, name))
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}

// DeleteCheckpoints removes all checkpoint data for a thread
func (c *FileCheckpointer) DeleteCheckpoints(ctx context.Context, threadID string) error {
	threadDir, err := c.threadDir(threadID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(threadDir); err != nil {
		return fmt.Errorf("failed to delete thread directory: %w", err)
	}
	return nil
}

// ListThreads returns a summary of every thread with at least one checkpoint
func (c *FileCheckpointer) ListThreads(ctx context.Context) ([]*ThreadSummary, error) {
	entries, err := os.ReadDir(c.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*ThreadSummary{}, nil // No threads directory yet
		}
		return nil, fmt.Errorf("failed to read threads directory: %w", err)
	}

	var summaries []*ThreadSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		summary, err := c.getThreadSummary(ctx, entry.Name())
		if err != nil {
			// Skip threads we can't read
			continue
		}
		if summary != nil {
			summaries = append(summaries, summary)
		}
	}

	// Newest first
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})

	return summaries, nil
}

func (c *FileCheckpointer) getThreadSummary(ctx context.Context, threadID string) (*ThreadSummary, error) {
	history, err := c.ListCheckpoints(ctx, threadID)
	if err != nil || len(history) == 0 {
		return nil, err
	}
	return summarizeThread(history), nil
}

// checkpointFiles returns the checkpoint file names of a thread in sequence
// order. The zero-padded names sort lexically.
func (c *FileCheckpointer) checkpointFiles(threadID string) ([]string, error) {
	threadDir, err := c.threadDir(threadID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(threadDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read thread directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.Type().IsRegular() && strings.HasPrefix(name, checkpointFilePrefix) && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (c *FileCheckpointer) readCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

// updateLatest points latest.json at the named checkpoint file. The link
// is built under a temporary name and renamed into place, so readers see
// either the old target or the new one. Windows gets a copy instead.
func (c *FileCheckpointer) updateLatest(threadDir, name string) error {
	tmpPath := filepath.Join(threadDir, ".latest-"+name)
	os.Remove(tmpPath)
	if runtime.GOOS == "windows" {
		data, err := os.ReadFile(filepath.Join(threadDir, name))
		if err != nil {
			return err
		}
		if err := os.WriteFile(tmpPath, data, 0644); err != nil {
			return err
		}
	} else if err := os.Symlink(name, tmpPath); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(threadDir, latestFileName)); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// ThreadSummary provides a summary view of a thread's checkpoint history
type ThreadSummary struct {
	ThreadID    string        `json:"thread_id"`
	Graph       string        `json:"graph,omitempty"`
	Task        string        `json:"task,omitempty"`
	Next        StepName      `json:"next"`
	Checkpoints int           `json:"checkpoints"`
	StartTime   time.Time     `json:"start_time"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Duration    time.Duration `json:"duration"`
}

func summarizeThread(history []*Checkpoint) *ThreadSummary {
	first, last := history[0], history[len(history)-1]
	return &ThreadSummary{
		ThreadID:    last.ThreadID,
		Graph:       last.Graph,
		Task:        last.State.Task,
		Next:        last.Next,
		Checkpoints: len(history),
		StartTime:   first.CreatedAt,
		UpdatedAt:   last.CreatedAt,
		Duration:    last.CreatedAt.Sub(first.CreatedAt),
	}
}
