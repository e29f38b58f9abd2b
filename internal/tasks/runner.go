// Package tasks implements the per-conversation task queue and the runner
// state machine that drains it through the agent.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
	"github.com/nextlevelbuilder/relaydeck/internal/state"
)

// Deps are the collaborators the runner calls back into. Invoke runs the
// full per-message pipeline (progress reporter, action extraction, uploads)
// against the conversation's agent session.
type Deps struct {
	Invoke     func(ctx context.Context, convKey, prompt string) (string, error)
	Post       func(convKey, text string)
	KillActive func(convKey string) bool
	AutoCommit func(workdir, subject string) (committed bool, err error)
	Handoff    func(convKey string)
}

// Runner drives the task loop for each conversation. All loop execution is
// expected to run inside the conversation queue; Stop is the one entry point
// that runs outside it.
type Runner struct {
	cfg  config.TasksConfig
	git  config.GitConfig
	hand config.HandoffConfig

	store *state.Store
	deps  Deps
}

// NewRunner creates a task runner.
func NewRunner(cfg config.TasksConfig, git config.GitConfig, hand config.HandoffConfig, store *state.Store, deps Deps) *Runner {
	return &Runner{cfg: cfg, git: git, hand: hand, store: store, deps: deps}
}

// Add queues a new pending task. Refuses when the pending queue is full.
func (r *Runner) Add(convKey, text string) (*state.Task, error) {
	if !r.cfg.Enabled {
		return nil, fmt.Errorf("tasks are disabled")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("task text must not be empty")
	}
	var task *state.Task
	var full int
	r.store.Mutate(convKey, func(s *state.Session) {
		if s.PendingTasks() >= r.cfg.MaxPending {
			full = s.PendingTasks()
			return
		}
		task = &state.Task{
			ID:        s.NextTaskID(),
			Text:      text,
			Status:    state.TaskPending,
			CreatedAt: time.Now(),
		}
		s.Tasks = append(s.Tasks, task)
	})
	if task == nil {
		return nil, fmt.Errorf("task queue is full (%d pending); run or clear tasks first", full)
	}
	return task, nil
}

// Clear removes finished tasks ("done") or everything not running ("all").
// Returns how many tasks were removed.
func (r *Runner) Clear(convKey, scope string) int {
	removed := 0
	r.store.Mutate(convKey, func(s *state.Session) {
		kept := s.Tasks[:0]
		for _, t := range s.Tasks {
			drop := false
			switch scope {
			case "all":
				drop = t.Status != state.TaskRunning
			default:
				drop = t.Status == state.TaskDone
			}
			if drop {
				removed++
			} else {
				kept = append(kept, t)
			}
		}
		s.Tasks = kept
	})
	return removed
}

// Active reports whether the task loop is running for the conversation.
func (r *Runner) Active(convKey string) bool {
	active := false
	r.store.View(convKey, func(s *state.Session) {
		active = s != nil && s.TaskLoop.Running
	})
	return active
}

// Stop requests the running loop to stop and kills the active agent child.
// Safe to call from outside the conversation queue.
func (r *Runner) Stop(convKey string) bool {
	wasRunning := false
	r.store.Mutate(convKey, func(s *state.Session) {
		if s.TaskLoop.Running {
			wasRunning = true
			s.TaskLoop.StopRequested = true
		}
	})
	if wasRunning && r.deps.KillActive != nil {
		r.deps.KillActive(convKey)
	}
	return wasRunning
}

// Run executes the task loop until the queue drains, a stop is requested,
// or (with stopOnError) a task fails. Must be called from inside the
// conversation queue; it blocks until the loop exits.
func (r *Runner) Run(ctx context.Context, convKey string) error {
	if !r.cfg.Enabled {
		return fmt.Errorf("tasks are disabled")
	}
	started := false
	r.store.Mutate(convKey, func(s *state.Session) {
		if !s.TaskLoop.Running {
			s.TaskLoop = state.TaskLoopState{Running: true}
			started = true
		}
	})
	if !started {
		return fmt.Errorf("task runner is already active")
	}
	slog.Info("task loop started", "conv", convKey)

	defer func() {
		r.store.Mutate(convKey, func(s *state.Session) {
			s.TaskLoop = state.TaskLoopState{}
		})
	}()

	for {
		if ctx.Err() != nil {
			break
		}
		var stop bool
		var task *state.Task
		var workdir string
		r.store.Mutate(convKey, func(s *state.Session) {
			if s.TaskLoop.StopRequested {
				stop = true
				return
			}
			t := s.NextPendingTask()
			if t == nil {
				return
			}
			now := time.Now()
			t.Status = state.TaskRunning
			t.StartedAt = &now
			t.Attempts++
			s.TaskLoop.CurrentTaskID = t.ID
			tc := *t
			task = &tc
			workdir = s.Workdir
		})
		if stop || task == nil {
			break
		}

		outcome := r.runOne(ctx, convKey, workdir, task)
		if outcome == state.TaskBlocked {
			break
		}
		if outcome == state.TaskCanceled {
			break
		}
		if outcome == state.TaskFailed && r.cfg.StopOnError {
			break
		}
	}

	r.finish(convKey)
	return nil
}

// RunAsync is a convenience for hooks that fire outside the conversation
// queue; enqueueFn must schedule fn onto the conversation's queue.
func (r *Runner) RunAsync(convKey string, enqueue func(key string, fn func(ctx context.Context) error)) {
	enqueue(convKey, func(ctx context.Context) error {
		return r.Run(ctx, convKey)
	})
}

var (
	doneMarkerRe    = regexp.MustCompile(`(?i)\[\[task:done\]\]`)
	blockedMarkerRe = regexp.MustCompile(`(?i)\[\[task:blocked\]\]`)
)

// wrapperPrompt frames a task for the agent with completion instructions.
func wrapperPrompt(t *state.Task) string {
	return fmt.Sprintf(`[TASK %s]
%s

Work on this task now. When it is fully complete, end your reply with [[task:done]].
If you cannot complete it, explain what is blocking you and end with [[task:blocked]].`, t.ID, t.Text)
}

// StripMarkers removes task completion markers from agent output.
func StripMarkers(text string) string {
	text = doneMarkerRe.ReplaceAllString(text, "")
	text = blockedMarkerRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

func (r *Runner) runOne(ctx context.Context, convKey, workdir string, task *state.Task) state.TaskStatus {
	text, err := r.deps.Invoke(ctx, convKey, wrapperPrompt(task))

	status := state.TaskDone
	var lastErr string
	switch {
	case err != nil:
		status = state.TaskFailed
		lastErr = err.Error()
	case blockedMarkerRe.MatchString(text):
		status = state.TaskBlocked
	}

	var stopRequested bool
	r.store.View(convKey, func(s *state.Session) {
		stopRequested = s != nil && s.TaskLoop.StopRequested
	})
	if stopRequested && status == state.TaskFailed {
		status = state.TaskCanceled
		lastErr = ""
	}

	now := time.Now()
	r.store.Mutate(convKey, func(s *state.Session) {
		t := s.FindTask(task.ID)
		if t == nil {
			return
		}
		t.Status = status
		t.FinishedAt = &now
		t.LastError = lastErr
		if text != "" {
			t.LastResultPreview = preview(StripMarkers(text), 300)
		}
		s.TaskLoop.CurrentTaskID = ""
	})
	slog.Info("task finished", "conv", convKey, "task", task.ID, "status", status)

	if status == state.TaskDone {
		r.maybeAutoCommit(convKey, workdir, task)
		if r.hand.AutoAfterEachTask && r.deps.Handoff != nil {
			r.deps.Handoff(convKey)
		}
	}
	if r.cfg.PostFullOutput && text != "" && r.deps.Post != nil {
		r.deps.Post(convKey, fmt.Sprintf("**%s** → %s\n%s", task.ID, status, StripMarkers(text)))
	}
	return status
}

func (r *Runner) maybeAutoCommit(convKey, workdir string, task *state.Task) {
	if !r.git.AutoCommitEnabled || r.deps.AutoCommit == nil {
		return
	}
	if r.git.AutoCommitScope == "plan" {
		return
	}
	prefix := r.git.CommitPrefix
	if prefix == "" {
		prefix = "relay:"
	}
	subject := fmt.Sprintf("%s %s %s", prefix, task.ID, preview(task.Text, 60))
	committed, err := r.deps.AutoCommit(workdir, subject)
	if err != nil {
		slog.Warn("auto-commit failed", "conv", convKey, "task", task.ID, "error", err)
	} else if committed {
		slog.Info("auto-commit", "conv", convKey, "task", task.ID)
	}
}

func (r *Runner) finish(convKey string) {
	var counts map[state.TaskStatus]int
	r.store.View(convKey, func(s *state.Session) {
		if s == nil {
			return
		}
		counts = make(map[state.TaskStatus]int)
		for _, t := range s.Tasks {
			counts[t.Status]++
		}
	})
	if r.cfg.SummaryAfter && counts != nil && r.deps.Post != nil {
		r.deps.Post(convKey, fmt.Sprintf(
			"Task run finished — pending %d, done %d, failed %d, blocked %d, canceled %d",
			counts[state.TaskPending], counts[state.TaskDone], counts[state.TaskFailed],
			counts[state.TaskBlocked], counts[state.TaskCanceled]))
	}
	if r.hand.AutoAfterTaskRun && r.deps.Handoff != nil {
		r.deps.Handoff(convKey)
	}
}

func preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the cut never splits a character.
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
