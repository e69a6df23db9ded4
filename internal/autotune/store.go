package autotune

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Store persists the peer state map with crash-safe saves: temp write,
// fsync, re-read verification, rotating numbered backups, then an atomic
// replace of the primary file.
type Store struct {
	path    string
	backups int
}

func NewStore(path string, backups int) *Store {
	if backups < 0 {
		backups = 0
	}
	return &Store{path: path, backups: backups}
}

// Load returns the first candidate (primary, then numbered backups in
// order) that deserializes to a valid state map. No candidate means a cold
// start with empty state.
func (s *Store) Load() State {
	for i := 0; i <= s.backups; i++ {
		candidate := s.path
		if i > 0 {
			candidate = fmt.Sprintf("%s.%d", s.path, i)
		}
		state, err := readState(candidate)
		if err != nil {
			continue
		}
		return state
	}
	return State{}
}

func readState(path string) (State, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("state: %s decoded to null", path)
	}
	return state, nil
}

// Save runs every cycle, dry-run included.
func (s *Store) Save(state State) error {
	if state == nil {
		return fmt.Errorf("state: refusing to save nil map")
	}
	encoded, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}

	tmpPath := s.path + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("state: create temp: %w", err)
	}
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("state: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("state: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("state: close temp: %w", err)
	}

	// Round-trip check before the temp file can replace anything.
	if _, err := readState(tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("state: verify temp: %w", err)
	}

	s.rotateBackups()

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("state: replace: %w", err)
	}
	return nil
}

// rotateBackups shifts each numbered generation up by one; the oldest
// beyond the retention count falls off.
func (s *Store) rotateBackups() {
	for i := s.backups; i >= 1; i-- {
		older := s.path
		if i > 1 {
			older = fmt.Sprintf("%s.%d", s.path, i-1)
		}
		if _, err := os.Stat(older); err != nil {
			continue
		}
		copyFile(older, fmt.Sprintf("%s.%d", s.path, i))
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
