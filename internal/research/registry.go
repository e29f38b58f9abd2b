package research

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nextlevelbuilder/relaydeck/internal/state"
)

// RegistryEntry is one line of exp/registry.jsonl, appended when a research
// run's job finalizes.
type RegistryEntry struct {
	TS         time.Time      `json:"ts"`
	RunID      string         `json:"runId"`
	StepID     string         `json:"stepId,omitempty"`
	JobID      string         `json:"jobId"`
	Status     string         `json:"status"` // "ok" or "invalid"
	ExitCode   *int           `json:"exitCode,omitempty"`
	RunDir     string         `json:"runDir"`
	StdoutPath string         `json:"stdoutPath"`
	Metrics    map[string]any `json:"metrics,omitempty"`
	Notes      string         `json:"notes,omitempty"`
}

// readMetrics validates the run's metrics.json: it must exist, parse as
// JSON, and be an object.
func readMetrics(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metrics.json not found")
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("metrics.json is not valid JSON: %v", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("metrics.json is not a JSON object")
	}
	return obj, nil
}

// HandleJobCompletion is the research hook the job manager fires when a
// tracked run's job finalizes. It validates metrics, appends the registry
// entry, clears the active run, and either blocks the project (invalid
// metrics) or requests the next auto-step.
func (m *Manager) HandleJobCompletion(convKey string, job state.Job) {
	if job.Research == nil {
		return
	}
	rb := job.Research
	st, err := LoadState(rb.ProjectRoot)
	if err != nil {
		slog.Error("research hook: state load failed", "project", rb.ProjectRoot, "error", err)
		return
	}

	metrics, merr := readMetrics(rb.MetricsPath)
	entry := RegistryEntry{
		TS:         time.Now(),
		RunID:      rb.RunID,
		StepID:     rb.StepID,
		JobID:      job.ID,
		ExitCode:   job.ExitCode,
		RunDir:     rb.RunDir,
		StdoutPath: rb.StdoutPath,
	}
	if merr != nil {
		entry.Status = "invalid"
		entry.Notes = "missing_or_invalid_metrics: " + merr.Error()
	} else {
		entry.Status = "ok"
		entry.Metrics = metrics
	}
	if err := appendRegistry(rb.ProjectRoot, entry); err != nil {
		slog.Error("research hook: registry append failed", "project", rb.ProjectRoot, "error", err)
	}

	if st.Active.JobID == job.ID {
		st.Active = ActiveRefs{}
	}

	if merr != nil {
		st.Status = StatusBlocked
		st.AutoRun = false
		if err := SaveState(st); err != nil {
			slog.Error("research hook: state save failed", "project", rb.ProjectRoot, "error", err)
		}
		_ = AppendEvent(rb.ProjectRoot, "run_invalid", map[string]any{"runId": rb.RunID, "error": merr.Error()})
		m.appendDigest(st, fmt.Sprintf("run %s invalid: %s", rb.RunID, merr.Error()))
		m.maybePostBlocked(convKey, fmt.Sprintf("run %s produced no valid metrics.json", rb.RunID))
		return
	}

	if err := SaveState(st); err != nil {
		slog.Error("research hook: state save failed", "project", rb.ProjectRoot, "error", err)
	}
	_ = AppendEvent(rb.ProjectRoot, "run_completed", map[string]any{"runId": rb.RunID})
	m.appendDigest(st, fmt.Sprintf("run %s completed with metrics", rb.RunID))

	autoResearch := false
	m.store.View(convKey, func(s *state.Session) {
		autoResearch = s != nil && s.Auto.Research
	})
	if st.AutoRun && st.Status == StatusRunning && autoResearch && m.deps.RequestStep != nil {
		m.deps.RequestStep(convKey)
	}
}

func appendRegistry(projectRoot string, entry RegistryEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return appendFile(registryPath(projectRoot), string(line)+"\n")
}
