package backfill

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/goccy/go-json"
)

// State tracks progress so an interrupted run resumes where it stopped.
type State struct {
	StartedAt       time.Time `json:"started_at"`
	LastProcessedAt time.Time `json:"last_processed_at"`
	FilesProcessed  []string  `json:"files_processed"`
	ChunksProcessed int       `json:"chunks_processed"`
	Updates         int       `json:"updates"`
	Errors          []string  `json:"errors"`

	path string
}

// LoadState reads the state file at path. A missing file starts a fresh
// run; an empty path keeps the state in memory only.
func LoadState(path string, now time.Time) (*State, error) {
	path = expandHome(path)
	fresh := &State{StartedAt: now, path: path}
	if path == "" {
		return fresh, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fresh, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	s.path = path
	return &s, nil
}

func (s *State) Save(now time.Time) error {
	s.LastProcessedAt = now
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return os.WriteFile(s.path, data, 0o644)
}

func (s *State) IsProcessed(path string) bool {
	return slices.Contains(s.FilesProcessed, path)
}

func (s *State) MarkProcessed(path string) {
	if !s.IsProcessed(path) {
		s.FilesProcessed = append(s.FilesProcessed, path)
	}
}

func (s *State) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
