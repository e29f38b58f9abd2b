package research

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/relaydeck/internal/actions"
	"github.com/nextlevelbuilder/relaydeck/internal/state"
)

// applyActions executes the decision's actions sequentially, stopping on the
// first failure. Actions whose idempotency key was already consumed are
// skipped with a note. Returns applied and skipped counts.
func (m *Manager) applyActions(convKey, workdir string, st *ManagerState, stepID string, d *Decision) (applied, skipped int, err error) {
	for i := range d.Actions {
		a := &d.Actions[i]
		if st.HasActionKey(a.IdempotencyKey) {
			skipped++
			slog.Info("research action skipped (duplicate key)",
				"conv", convKey, "step", stepID, "type", a.Type, "key", a.IdempotencyKey)
			continue
		}
		if err := m.applyOne(convKey, workdir, st, stepID, a); err != nil {
			return applied, skipped, fmt.Errorf("action %d (%s): %w", i, a.Type, err)
		}
		st.RecordActionKey(a.IdempotencyKey)
		applied++
	}
	return applied, skipped, nil
}

func (m *Manager) applyOne(convKey, workdir string, st *ManagerState, stepID string, a *Action) error {
	switch a.Type {
	case "job_start":
		return m.startRun(convKey, workdir, st, stepID, a)

	case "job_watch":
		w, err := watchConfig(a.Watch)
		if err != nil {
			return err
		}
		return m.deps.WatchJob(convKey, w)

	case "job_stop":
		if _, err := m.deps.StopJob(convKey); err != nil {
			return err
		}
		st.Active = ActiveRefs{}
		return nil

	case "task_add":
		_, err := m.deps.AddTask(convKey, a.Text)
		return err

	case "task_run":
		m.deps.RunTasks(convKey)
		return nil

	case "write_report":
		return m.writeReport(st, a)

	case "research_pause":
		st.Status = StatusPaused
		st.AutoRun = false
		return nil

	case "research_mark_done":
		st.Status = StatusDone
		st.AutoRun = false
		return nil
	}
	return fmt.Errorf("unhandled action type %q", a.Type)
}

// startRun allocates the next run id, scaffolds its results directory, and
// launches the experiment as a watched background job.
func (m *Manager) startRun(convKey, workdir string, st *ManagerState, stepID string, a *Action) error {
	if st.Active.JobID != "" && m.jobRunning(convKey, st.Active.JobID) {
		return fmt.Errorf("run %s is still in flight", st.Active.RunID)
	}

	runID := fmt.Sprintf("r%04d", st.Counters.Runs+1)
	runDir := filepath.Join(st.ProjectRoot, "exp", "results", runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	stdoutPath := filepath.Join(runDir, "stdout.log")
	binding := &state.ResearchRunBinding{
		ProjectRoot: st.ProjectRoot,
		StepID:      stepID,
		RunID:       runID,
		RunDir:      runDir,
		StdoutPath:  stdoutPath,
		MetricsPath: filepath.Join(runDir, "metrics.json"),
	}

	command := fmt.Sprintf("{\n%s\n} >> %s 2>&1", a.Command, shQuote(stdoutPath))
	env := map[string]string{"RUN_ID": runID, "RUN_DIR": runDir}

	watch, err := watchConfig(a.Watch)
	if err != nil {
		return err
	}
	job, err := m.deps.StartJob(convKey, workdir, command, &watch, binding, env)
	if err != nil {
		return err
	}

	st.Counters.Runs++
	st.Active = ActiveRefs{JobID: job.ID, RunID: runID}
	slog.Info("research run started", "conv", convKey, "run", runID, "job", job.ID)
	return nil
}

// watchConfig applies the same defaults and range checks as watch params
// arriving through chat actions.
func watchConfig(w *rawWatch) (state.JobWatchConfig, error) {
	if w == nil {
		return actions.ValidateWatch(0, 0, "", false)
	}
	return actions.ValidateWatch(w.EverySec, w.TailLines, w.ThenTask, w.RunTasks)
}

// writeReport appends to or replaces the rolling report, mirroring to the
// legacy writing path.
func (m *Manager) writeReport(st *ManagerState, a *Action) error {
	for _, path := range []string{reportPath(st.ProjectRoot), legacyReportPath(st.ProjectRoot)} {
		var err error
		if a.Mode == "replace" {
			err = os.WriteFile(path, []byte(a.Report+"\n"), 0o644)
		} else {
			err = appendFile(path, "\n"+a.Report+"\n")
		}
		if err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	return nil
}

func appendFile(path, text string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(text)
	return err
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// appendDigest records a one-block summary in report_digest.md.
func (m *Manager) appendDigest(st *ManagerState, text string) {
	entry := fmt.Sprintf("\n## %s\n%s\n", time.Now().UTC().Format(time.RFC3339), text)
	if err := appendFile(digestPath(st.ProjectRoot), entry); err != nil {
		slog.Warn("digest append failed", "project", st.ProjectRoot, "error", err)
	}
}

// maybePostApplied posts a digest to chat per the reporting config.
func (m *Manager) maybePostApplied(convKey string, st *ManagerState, stepID string, d *Decision, applied, skipped int) {
	if m.deps.Post == nil {
		return
	}
	post := m.cfg.PostOnApplied
	if !post && m.cfg.PostEverySteps > 0 &&
		st.Counters.Steps-st.Reporting.LastDiscordDigestStep >= m.cfg.PostEverySteps {
		post = true
	}
	if !post {
		return
	}
	now := time.Now()
	st.Reporting.LastDiscordDigestAt = &now
	st.Reporting.LastDiscordDigestStep = st.Counters.Steps
	if err := SaveState(st); err != nil {
		slog.Warn("research state save failed", "project", st.ProjectRoot, "error", err)
	}
	m.deps.Post(convKey, fmt.Sprintf("🔬 research step %s\n%s\n(%d actions applied, %d skipped)",
		stepID, firstLine(d.ResearchUpdate), applied, skipped))
}

func (m *Manager) maybePostBlocked(convKey, reason string) {
	if m.cfg.PostOnBlocked && m.deps.Post != nil {
		m.deps.Post(convKey, "🔬 research blocked: "+reason)
	}
}
