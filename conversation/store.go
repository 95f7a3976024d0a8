package conversation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opsmesh/conductor/core"
	"github.com/opsmesh/conductor/plan"
)

// Store persists thread state. Implementations must survive process restarts
// and must never leave a thread file half-written.
type Store interface {
	Load(threadID string) (*ThreadState, error)
	Save(state *ThreadState) error
	// Mutate loads the thread, applies fn under the thread's lock, and saves
	// the result. A missing thread is created first when create is true.
	Mutate(threadID, userID string, create bool, fn func(*ThreadState) error) (*ThreadState, error)
	Delete(threadID string) error
	List() ([]string, error)
}

// FileStore keeps one JSON file per thread under a data directory. Writes go
// through a temp file and rename so a crash mid-write leaves the previous
// checkpoint intact. A per-thread mutex serializes concurrent mutations.
type FileStore struct {
	dir    string
	logger core.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dir string, logger core.Logger) (*FileStore, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("conversation.NewFileStore: create %s: %w", dir, err)
	}
	return &FileStore{
		dir:    dir,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *FileStore) lockFor(threadID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[threadID] = l
	}
	return l
}

func (s *FileStore) path(threadID string) string {
	// Thread ids come from callers; flatten anything path-like.
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, threadID)
	return filepath.Join(s.dir, safe+".json")
}

// Load reads a thread's state. Returns core.ErrThreadNotFound when the
// thread has never been saved.
func (s *FileStore) Load(threadID string) (*ThreadState, error) {
	lock := s.lockFor(threadID)
	lock.Lock()
	defer lock.Unlock()
	return s.loadLocked(threadID)
}

func (s *FileStore) loadLocked(threadID string) (*ThreadState, error) {
	data, err := os.ReadFile(s.path(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("thread %s: %w", threadID, core.ErrThreadNotFound)
		}
		return nil, fmt.Errorf("conversation.Load %s: %w", threadID, err)
	}
	var state ThreadState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("conversation.Load %s: corrupt state file: %w", threadID, err)
	}
	return &state, nil
}

// Save checkpoints the thread atomically.
func (s *FileStore) Save(state *ThreadState) error {
	lock := s.lockFor(state.ThreadID)
	lock.Lock()
	defer lock.Unlock()
	return s.saveLocked(state)
}

func (s *FileStore) saveLocked(state *ThreadState) error {
	state.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("conversation.Save %s: %w", state.ThreadID, err)
	}

	target := s.path(state.ThreadID)
	tmp, err := os.CreateTemp(s.dir, ".thread-*.tmp")
	if err != nil {
		return fmt.Errorf("conversation.Save %s: %w", state.ThreadID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("conversation.Save %s: %w", state.ThreadID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("conversation.Save %s: %w", state.ThreadID, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("conversation.Save %s: %w", state.ThreadID, err)
	}
	return nil
}

// Mutate applies fn to the thread under its lock and checkpoints the result.
// With create set, a missing thread is initialized empty first.
func (s *FileStore) Mutate(threadID, userID string, create bool, fn func(*ThreadState) error) (*ThreadState, error) {
	lock := s.lockFor(threadID)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.loadLocked(threadID)
	if err != nil {
		if !core.IsNotFound(err) || !create {
			return nil, err
		}
		now := time.Now().UTC()
		state = &ThreadState{
			ThreadID:  threadID,
			UserID:    userID,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	if err := fn(state); err != nil {
		return nil, err
	}
	if err := s.saveLocked(state); err != nil {
		return nil, err
	}
	return state, nil
}

// Delete removes a thread's state file. Deleting an unknown thread is a
// no-op.
func (s *FileStore) Delete(threadID string) error {
	lock := s.lockFor(threadID)
	lock.Lock()
	defer lock.Unlock()

	err := os.Remove(s.path(threadID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("conversation.Delete %s: %w", threadID, err)
	}

	s.mu.Lock()
	delete(s.locks, threadID)
	s.mu.Unlock()
	return nil
}

// List returns the ids of all persisted threads.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("conversation.List: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// AppendMessage adds a transcript entry and checkpoints.
func (s *FileStore) AppendMessage(threadID, userID string, msg Message) (*ThreadState, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return s.Mutate(threadID, userID, true, func(state *ThreadState) error {
		state.Messages = append(state.Messages, msg)
		return nil
	})
}

// SetPlan installs a new active plan, retiring any previous one to history.
func (s *FileStore) SetPlan(threadID string, p *plan.ExecutionPlan) (*ThreadState, error) {
	return s.Mutate(threadID, "", false, func(state *ThreadState) error {
		if state.Plan != nil {
			state.PlanHistory = append(state.PlanHistory, state.Plan)
		}
		state.Plan = p
		return nil
	})
}
