package jobs

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/relaydeck/internal/state"
)

// watcher polls one job's side files on a fixed cadence. An fsnotify watch
// on the job directory wakes it early when exit_code appears, so completion
// is noticed without waiting for the next tick.
type watcher struct {
	mgr     *Manager
	convKey string
	jobID   string

	stopCh   chan struct{}
	stopOnce func()

	lastHash string
}

func newWatcher(m *Manager, convKey, jobID string) *watcher {
	w := &watcher{mgr: m, convKey: convKey, jobID: jobID, stopCh: make(chan struct{})}
	var once bool
	w.stopOnce = func() {
		if !once {
			once = true
			close(w.stopCh)
		}
	}
	return w
}

func (w *watcher) stop() { w.stopOnce() }

func (w *watcher) snapshot() (job state.Job, ok bool) {
	w.mgr.store.View(w.convKey, func(s *state.Session) {
		if s == nil {
			return
		}
		if j := s.FindJob(w.jobID); j != nil {
			job = *j
			ok = true
		}
	})
	return job, ok
}

func (w *watcher) run() {
	job, ok := w.snapshot()
	if !ok || job.Watch == nil {
		w.mgr.watcherDone(w.convKey, w.jobID)
		return
	}
	interval := time.Duration(job.Watch.EverySec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if err := fsw.Add(job.JobDir); err != nil {
			fsw.Close()
			fsw = nil
		}
	} else {
		fsw = nil
	}
	if fsw != nil {
		defer fsw.Close()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if w.tick() {
			w.mgr.watcherDone(w.convKey, w.jobID)
			return
		}
		if fsw != nil {
			// Only an exit_code write or the cadence ticker may wake the
			// next observation; log appends stay in this wait.
		wait:
			for {
				select {
				case <-w.stopCh:
					return
				case ev := <-fsw.Events:
					if strings.HasSuffix(ev.Name, "exit_code") {
						break wait
					}
				case <-fsw.Errors:
				case <-ticker.C:
					break wait
				}
			}
		} else {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
			}
		}
	}
}

// tick runs one observation pass. Reports true when the job is finalized
// and the watcher should exit.
func (w *watcher) tick() bool {
	job, ok := w.snapshot()
	if !ok || job.Status != state.JobRunning {
		return true
	}

	if code, found := readExitCode(job.ExitCodePath); found {
		w.finalize(job, code)
		return true
	}

	tailLines := 20
	if job.Watch != nil && job.Watch.TailLines > 0 {
		tailLines = job.Watch.TailLines
	}
	tail := readTail(job.LogPath, tailLines)
	h := hashTail(tail)
	if h == w.lastHash {
		// Nothing new. If the process is also gone the exit_code write may
		// still be in flight; stay quiet rather than spam.
		if w.lastHash != "" && pidAlive(job.PID) {
			w.mgr.post(w.convKey, fmt.Sprintf("⏱ job `%s` (%s) — no new output", job.ID, sinceShort(job.StartedAt)))
		}
		return false
	}
	w.lastHash = h

	if tail == "" {
		w.mgr.post(w.convKey, fmt.Sprintf("⏱ job `%s` running, no output yet", job.ID))
		return false
	}
	w.mgr.post(w.convKey, fmt.Sprintf("⏱ job `%s` (%s)\n```\n%s\n```", job.ID, sinceShort(job.StartedAt), tail))
	return false
}

func (w *watcher) finalize(job state.Job, code int) {
	now := time.Now()
	status := state.JobDone
	if code != 0 {
		status = state.JobFailed
	}

	var thenTask string
	var runTasks bool
	var research *state.ResearchRunBinding
	w.mgr.store.Mutate(w.convKey, func(s *state.Session) {
		j := s.FindJob(w.jobID)
		if j == nil || j.Status != state.JobRunning {
			return
		}
		j.Status = status
		j.FinishedAt = &now
		c := code
		j.ExitCode = &c
		if j.Watch != nil {
			thenTask = j.Watch.ThenTask
			runTasks = j.Watch.RunTasks
			j.Watch.Enabled = false
		}
		research = j.Research
	})
	slog.Info("job finished", "conv", w.convKey, "job", w.jobID, "exit", code)

	tailLines := 20
	if job.Watch != nil && job.Watch.TailLines > 0 {
		tailLines = job.Watch.TailLines
	}
	tail := readTail(job.LogPath, tailLines)
	msg := fmt.Sprintf("🏁 job `%s` finished (exit %d) after %s", w.jobID, code, sinceShort(job.StartedAt))
	if tail != "" {
		msg += "\n```\n" + tail + "\n```"
	}
	w.mgr.post(w.convKey, msg)

	if thenTask != "" && w.mgr.hooks.AddTask != nil {
		if err := w.mgr.hooks.AddTask(w.convKey, thenTask); err != nil {
			w.mgr.post(w.convKey, fmt.Sprintf("follow-up task not queued: %v", err))
		} else if runTasks && w.mgr.hooks.RunTasks != nil {
			w.mgr.hooks.RunTasks(w.convKey)
		}
	}

	if research != nil && w.mgr.hooks.ResearchCompleted != nil {
		done := job
		done.Status = status
		done.FinishedAt = &now
		done.ExitCode = &code
		w.mgr.hooks.ResearchCompleted(w.convKey, done)
	}
}

// readExitCode parses the exit_code side file. found is false until the
// wrapper has committed it.
func readExitCode(path string) (code int, found bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return n, true
}

func sinceShort(t time.Time) string {
	return time.Since(t).Truncate(time.Second).String()
}
