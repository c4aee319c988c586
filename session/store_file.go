package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/deepnoodle-ai/crew"
)

// FileStore keeps one JSON file per session
type FileStore struct {
	dataDir string
}

// NewFileStore creates a file-backed session store. An empty dataDir uses
// ~/.deepnoodle/crew/sessions.
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".deepnoodle", "crew", "sessions")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

func (s *FileStore) path(id string) (string, error) {
	if err := crew.ValidateID("session", id); err != nil {
		return "", err
	}
	return filepath.Join(s.dataDir, id+".json"), nil
}

// Save writes the session to a temporary file and renames it into place
func (s *FileStore) Save(ctx context.Context, session *SessionContext) error {
	path, err := s.path(session.ID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	tmp, err := os.CreateTemp(s.dataDir, ".session-*")
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to save session file: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, id string) (*SessionContext, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	var session SessionContext
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	return nil
}
