package crew

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStepLogger is an implementation of StepLogger that logs to a file.
// A file is created per thread. The file is formatted as newline-delimited JSON.
type FileStepLogger struct {
	directory string
}

func NewFileStepLogger(directory string) *FileStepLogger {
	return &FileStepLogger{directory: directory}
}

func (l *FileStepLogger) threadLogPath(threadID string) (string, error) {
	if err := ValidateID("thread", threadID); err != nil {
		return "", err
	}
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", threadID)), nil
}

func (l *FileStepLogger) GetStepHistory(ctx context.Context, threadID string) ([]*StepLogEntry, error) {
	filePath, err := l.threadLogPath(threadID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []*StepLogEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var entry StepLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (l *FileStepLogger) LogStep(ctx context.Context, entry *StepLogEntry) error {
	filePath, err := l.threadLogPath(entry.ThreadID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
