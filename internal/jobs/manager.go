// Package jobs launches and supervises detached background shell jobs.
//
// A job runs under a wrapper script in its own process group; the relay
// observes it only through three side files (pid, exit_code, job.log). A
// per-job watcher polls those files, posts log tails to the conversation,
// and finalizes the job when an exit code appears.
package jobs

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
	"github.com/nextlevelbuilder/relaydeck/internal/state"
)

// Hooks are the callbacks a finalized job may trigger. All fields are
// optional; nil hooks are skipped.
type Hooks struct {
	// Post delivers a message to the conversation.
	Post func(convKey, text string)
	// AddTask enqueues a follow-up task (watch.thenTask).
	AddTask func(convKey, text string) error
	// RunTasks starts the task runner (watch.runTasks).
	RunTasks func(convKey string)
	// ResearchCompleted runs the research job-completion hook for jobs that
	// carry a research binding.
	ResearchCompleted func(convKey string, job state.Job)
}

// Manager owns job launch, watchers, and cancellation.
type Manager struct {
	cfg      config.JobsConfig
	stateDir string
	store    *state.Store
	hooks    Hooks

	mu       sync.Mutex
	watchers map[string]*watcher // convKey + "\x00" + jobID
}

// NewManager creates a job manager persisting under stateDir.
func NewManager(cfg config.JobsConfig, stateDir string, store *state.Store, hooks Hooks) *Manager {
	return &Manager{
		cfg:      cfg,
		stateDir: stateDir,
		store:    store,
		hooks:    hooks,
		watchers: make(map[string]*watcher),
	}
}

func watcherKey(convKey, jobID string) string { return convKey + "\x00" + jobID }

// Start launches a new background job for the conversation. Refuses when a
// job is already running: at most one running job per conversation.
func (m *Manager) Start(convKey, workdir, command string, watch *state.JobWatchConfig, research *state.ResearchRunBinding, env map[string]string) (*state.Job, error) {
	var existing string
	m.store.View(convKey, func(s *state.Session) {
		if s == nil {
			return
		}
		if j := s.RunningJob(); j != nil {
			existing = j.ID
		}
	})
	if existing != "" {
		return nil, fmt.Errorf("a job is already running (%s); stop it first", existing)
	}

	jobID := state.NewStampedID()
	jobDir := filepath.Join(m.stateDir, "jobs", state.Slug(convKey), jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	if watch == nil && m.cfg.AutoWatch {
		watch = &state.JobWatchConfig{
			Enabled:   true,
			EverySec:  m.cfg.AutoWatchEverySec,
			TailLines: m.cfg.AutoWatchTailLines,
		}
	}

	pid, err := spawnDetached(jobDir, workdir, command, env)
	if err != nil {
		return nil, err
	}

	job := &state.Job{
		ID:           jobID,
		Command:      command,
		Workdir:      workdir,
		Status:       state.JobRunning,
		StartedAt:    time.Now(),
		PID:          pid,
		JobDir:       jobDir,
		LogPath:      filepath.Join(jobDir, "job.log"),
		ExitCodePath: filepath.Join(jobDir, "exit_code"),
		PIDPath:      filepath.Join(jobDir, "pid"),
		Watch:        watch,
		Research:     research,
	}
	m.store.Mutate(convKey, func(s *state.Session) {
		s.AppendJob(job)
	})
	slog.Info("job started", "conv", convKey, "job", jobID, "pid", pid)

	if watch != nil && watch.Enabled {
		m.startWatcher(convKey, jobID)
	}
	return job, nil
}

// Watch attaches or refreshes a watcher on the running job.
func (m *Manager) Watch(convKey string, w state.JobWatchConfig) error {
	var jobID string
	m.store.Mutate(convKey, func(s *state.Session) {
		if j := s.RunningJob(); j != nil {
			j.Watch = &w
			jobID = j.ID
		}
	})
	if jobID == "" {
		return fmt.Errorf("no running job to watch")
	}
	m.startWatcher(convKey, jobID)
	return nil
}

// Stop gracefully terminates the running job's process group, marks the job
// canceled, and stops its watcher. Returns the canceled job id.
func (m *Manager) Stop(convKey string) (string, error) {
	var jobID string
	var pid int
	m.store.Mutate(convKey, func(s *state.Session) {
		j := s.RunningJob()
		if j == nil {
			return
		}
		jobID = j.ID
		pid = j.PID
		now := time.Now()
		j.Status = state.JobCanceled
		j.FinishedAt = &now
		if j.Watch != nil {
			j.Watch.Enabled = false
		}
	})
	if jobID == "" {
		return "", fmt.Errorf("no running job")
	}
	m.stopWatcher(convKey, jobID)
	killGroup(pid, syscall.SIGTERM)
	slog.Info("job canceled", "conv", convKey, "job", jobID, "pid", pid)
	return jobID, nil
}

// RecoverWatchers restarts watchers for running jobs found in loaded state.
// The next tick either reads a committed exit_code or resumes tail polling.
func (m *Manager) RecoverWatchers() {
	for _, key := range m.store.Keys() {
		var jobs []string
		m.store.View(key, func(s *state.Session) {
			if s == nil || s.LastChannelID == "" {
				return
			}
			for _, j := range s.Jobs {
				if j.Status == state.JobRunning && j.Watch != nil && j.Watch.Enabled {
					jobs = append(jobs, j.ID)
				}
			}
		})
		for _, id := range jobs {
			slog.Info("job watcher recovered", "conv", key, "job", id)
			m.startWatcher(key, id)
		}
	}
}

// Close stops all watchers. Jobs keep running; they are re-adopted on the
// next startup via RecoverWatchers.
func (m *Manager) Close() {
	m.mu.Lock()
	ws := make([]*watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.watchers = make(map[string]*watcher)
	m.mu.Unlock()
	for _, w := range ws {
		w.stop()
	}
}

func (m *Manager) startWatcher(convKey, jobID string) {
	key := watcherKey(convKey, jobID)
	m.mu.Lock()
	if _, ok := m.watchers[key]; ok {
		m.mu.Unlock()
		return
	}
	w := newWatcher(m, convKey, jobID)
	m.watchers[key] = w
	m.mu.Unlock()
	go w.run()
}

func (m *Manager) stopWatcher(convKey, jobID string) {
	key := watcherKey(convKey, jobID)
	m.mu.Lock()
	w := m.watchers[key]
	delete(m.watchers, key)
	m.mu.Unlock()
	if w != nil {
		w.stop()
	}
}

// watcherDone is called by a watcher that finalized its job on its own.
func (m *Manager) watcherDone(convKey, jobID string) {
	key := watcherKey(convKey, jobID)
	m.mu.Lock()
	delete(m.watchers, key)
	m.mu.Unlock()
}

func (m *Manager) post(convKey, text string) {
	if m.hooks.Post != nil {
		m.hooks.Post(convKey, text)
	}
}
