package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore persists ledger state as a single JSON document.
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("dedup file path is required")
	}
	return &FileStore{path: path}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the state file. A missing file yields an empty state.
func (s *FileStore) Load(_ context.Context) (State, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{EntityCounts: map[string]int{}}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read dedup file: %w", err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, fmt.Errorf("decode dedup file: %w", err)
	}
	if state.EntityCounts == nil {
		state.EntityCounts = map[string]int{}
	}
	return state, nil
}

// Save writes the state atomically through a temp file and rename.
func (s *FileStore) Save(ctx context.Context, state State) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("save dedup file: %w", err)
	}
	if state.Identifiers == nil {
		state.Identifiers = []string{}
	}
	if state.EntityCounts == nil {
		state.EntityCounts = map[string]int{}
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode dedup state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir dedup dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp dedup file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp dedup file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp dedup file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename dedup file: %w", err)
	}
	return nil
}
