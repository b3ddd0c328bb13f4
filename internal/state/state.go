package state

import (
	"errors"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// State is a ledger of what each run did per folder. It is informational
// only: the archives decide what is already mirrored, and server sequence
// numbers are never recorded here.
type State struct {
	mu      sync.Mutex
	Folders map[string]FolderRun `yaml:"folders"`
}

// FolderRun describes the most recent run of one folder.
type FolderRun struct {
	LastRun time.Time `yaml:"last_run"`
	Remote  int       `yaml:"remote"`  // messages found on the server
	New     int       `yaml:"new"`     // messages not yet archived
	Done    int       `yaml:"done"`    // archived or relayed
	Failed  int       `yaml:"failed"`  // relay failures
	Bytes   int64     `yaml:"bytes"`
	Skipped string    `yaml:"skipped,omitempty"`
	// Total accumulates Done across runs.
	Total int `yaml:"total"`
}

func Load(path string) (*State, error) {
	st := &State{Folders: make(map[string]FolderRun)}
	if path == "" {
		return st, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(b, st); err != nil {
		return nil, err
	}
	if st.Folders == nil {
		st.Folders = make(map[string]FolderRun)
	}
	return st, nil
}

func (s *State) Save(path string) error {
	if path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func (s *State) Get(folder string) FolderRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Folders[folder]
}

// Record stores run as the folder's latest run and carries the total forward.
func (s *State) Record(folder string, run FolderRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Folders == nil {
		s.Folders = make(map[string]FolderRun)
	}
	run.Total = s.Folders[folder].Total + run.Done
	s.Folders[folder] = run
}
