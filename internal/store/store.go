package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const StateFile = ".bundle-sync.json"

// LastSyncVersion holds "<appVersion>.<buildVersion>" of the last completed
// built-in asset sync.
const LastSyncVersion = "LastSyncVersion"

// Store is a small persisted key/value map.
type Store interface {
	Get(key string) string
	Set(key, value string) error
}

// File keeps values in a JSON file at the storage root. With an empty root
// it behaves as an in-memory store.
type File struct {
	mu     sync.Mutex
	root   string
	values map[string]string
}

type fileState struct {
	Values map[string]string `json:"values"`
}

// Load reads the store from root. A missing file yields an empty store.
func Load(root string) (*File, error) {
	s := &File{root: root, values: make(map[string]string)}
	if root == "" {
		return s, nil
	}

	data, err := os.ReadFile(filepath.Join(root, StateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading store: %w", err)
	}

	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing store: %w", err)
	}
	if state.Values != nil {
		s.values = state.Values
	}
	return s, nil
}

func (s *File) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// Set stores value and writes the file through.
func (s *File) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return s.save()
}

func (s *File) save() error {
	if s.root == "" {
		return nil
	}
	data, err := json.MarshalIndent(fileState{Values: s.values}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling store: %w", err)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.root, StateFile), data, 0o644); err != nil {
		return fmt.Errorf("writing store: %w", err)
	}
	return nil
}
