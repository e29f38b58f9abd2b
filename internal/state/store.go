package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const restartInterruptedError = "interrupted by relay restart"

// document is the on-disk shape of the state file.
type document struct {
	Version  int                 `json:"version"`
	Sessions map[string]*Session `json:"sessions"`
}

// Store holds the session map and persists it through a single coalescing
// writer goroutine.
type Store struct {
	path           string
	defaultWorkdir string

	mu       sync.Mutex
	sessions map[string]*Session
	version  int

	saveReq chan chan error
	closed  chan struct{}
	once    sync.Once
}

// Open loads the state file (absent file starts empty), normalizes every
// session, applies the restart reset, and starts the writer goroutine.
func Open(path, defaultWorkdir string) (*Store, error) {
	st := &Store{
		path:           path,
		defaultWorkdir: defaultWorkdir,
		sessions:       make(map[string]*Session),
		saveReq:        make(chan chan error, 1),
		closed:         make(chan struct{}),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	mutated, err := st.load()
	if err != nil {
		return nil, err
	}

	go st.run()

	if mutated {
		st.QueueSave()
	}
	return st, nil
}

func (st *Store) load() (mutated bool, err error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read state file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("parse state file: %w", err)
	}

	st.version = doc.Version
	for key, s := range doc.Sessions {
		if s == nil {
			continue
		}
		if normalizeSession(s, st.defaultWorkdir) {
			mutated = true
		}
		st.sessions[key] = s
	}
	return mutated, nil
}

// normalizeSession fills defaults for missing/malformed fields and applies
// the restart reset. Reports whether anything changed.
func normalizeSession(s *Session, defaultWorkdir string) bool {
	mutated := false

	if s.Workdir == "" {
		s.Workdir = defaultWorkdir
		mutated = true
	}
	if s.Tasks == nil {
		s.Tasks = []*Task{}
		mutated = true
	}
	if s.Plans == nil {
		s.Plans = []*Plan{}
		mutated = true
	}
	if s.Jobs == nil {
		s.Jobs = []*Job{}
		mutated = true
	}

	for _, t := range s.Tasks {
		switch t.Status {
		case TaskPending, TaskDone, TaskFailed, TaskBlocked, TaskCanceled:
		case TaskRunning:
			// Restart reset: no task survives a relay restart as running.
			t.Status = TaskPending
			t.LastError = restartInterruptedError
			mutated = true
		default:
			t.Status = TaskPending
			mutated = true
		}
	}

	if s.TaskLoop.Running || s.TaskLoop.StopRequested || s.TaskLoop.CurrentTaskID != "" {
		s.TaskLoop = TaskLoopState{}
		mutated = true
	}

	for _, j := range s.Jobs {
		switch j.Status {
		case JobRunning, JobDone, JobFailed, JobCanceled:
		default:
			j.Status = JobFailed
			mutated = true
		}
	}

	return mutated
}

// NewSession builds a fresh session with autonomy flags enabled.
func (st *Store) NewSession() *Session {
	return &Session{
		Workdir:   st.defaultWorkdir,
		UpdatedAt: time.Now(),
		Tasks:     []*Task{},
		Plans:     []*Plan{},
		Jobs:      []*Job{},
		Auto:      AutoFlags{Actions: true, Research: true},
	}
}

// Get returns the session for key, or nil.
func (st *Store) Get(key string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[key]
}

// GetOrCreate returns the session for key, creating it lazily.
func (st *Store) GetOrCreate(key string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[key]; ok {
		return s
	}
	s := st.NewSession()
	st.sessions[key] = s
	return s
}

// Keys returns all conversation keys with a session.
func (st *Store) Keys() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	keys := make([]string, 0, len(st.sessions))
	for k := range st.sessions {
		keys = append(keys, k)
	}
	return keys
}

// Delete removes a session entirely.
func (st *Store) Delete(key string) {
	st.mu.Lock()
	delete(st.sessions, key)
	st.mu.Unlock()
}

// Touch stamps the session's UpdatedAt. Mutators call this before QueueSave.
func (st *Store) Touch(s *Session) {
	s.UpdatedAt = time.Now()
}

// Mutate runs fn against the session for key under the store lock, creating
// the session if needed, stamps UpdatedAt, and queues a save. Use this from
// goroutines that run outside the conversation queue (job watchers, research
// hooks).
func (st *Store) Mutate(key string, fn func(*Session)) {
	st.mu.Lock()
	s, ok := st.sessions[key]
	if !ok {
		s = st.NewSession()
		st.sessions[key] = s
	}
	fn(s)
	s.UpdatedAt = time.Now()
	st.mu.Unlock()
	st.QueueSave()
}

// View runs fn against the session for key under the store lock without
// mutating. fn receives nil when no session exists.
func (st *Store) View(key string, fn func(*Session)) {
	st.mu.Lock()
	fn(st.sessions[key])
	st.mu.Unlock()
}

// QueueSave schedules a persistence pass. Non-blocking; multiple calls
// before the writer runs coalesce into one write. Errors are logged, not
// returned.
func (st *Store) QueueSave() {
	select {
	case st.saveReq <- nil:
	case <-st.closed:
	default:
		// A save is already queued; it will pick up this mutation too.
	}
}

// Flush writes the current snapshot and waits for it to hit disk.
func (st *Store) Flush() error {
	ack := make(chan error, 1)
	select {
	case st.saveReq <- ack:
		return <-ack
	case <-st.closed:
		return st.writeSnapshot()
	}
}

// Close flushes pending state and stops the writer.
func (st *Store) Close() error {
	var err error
	st.once.Do(func() {
		err = st.Flush()
		close(st.closed)
	})
	return err
}

func (st *Store) run() {
	for {
		select {
		case <-st.closed:
			return
		case ack := <-st.saveReq:
			err := st.writeSnapshot()
			if err != nil {
				slog.Error("state save failed", "path", st.path, "error", err)
			}
			if ack != nil {
				ack <- err
			}
		}
	}
}

// writeSnapshot marshals the session map and writes it atomically.
func (st *Store) writeSnapshot() error {
	st.mu.Lock()
	st.version++
	doc := document{Version: st.version, Sessions: st.sessions}
	data, err := json.MarshalIndent(&doc, "", "  ")
	st.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state tmp: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
