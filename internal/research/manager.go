package research

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
	"github.com/nextlevelbuilder/relaydeck/internal/state"
)

// Deps are the collaborators the research manager calls back into. The
// manager never talks to Discord or the agent directly.
type Deps struct {
	// Invoke runs the agent in the dedicated manager conversation.
	Invoke func(ctx context.Context, managerConvKey, workdir, prompt string) (string, error)
	// Post delivers a message to the user-facing conversation.
	Post func(convKey, text string)
	// StartJob launches a background job carrying a research binding.
	StartJob func(convKey, workdir, command string, watch *state.JobWatchConfig, research *state.ResearchRunBinding, env map[string]string) (*state.Job, error)
	// WatchJob refreshes the watcher on the running job.
	WatchJob func(convKey string, w state.JobWatchConfig) error
	// StopJob cancels the running job.
	StopJob func(convKey string) (string, error)
	// AddTask enqueues a pending task.
	AddTask func(convKey, text string) (*state.Task, error)
	// RunTasks schedules the task runner onto the conversation queue.
	RunTasks func(convKey string)
	// RequestStep schedules another manager step onto the conversation queue.
	RequestStep func(convKey string)
}

// Manager drives research projects. One instance serves all conversations;
// per-project mutual exclusion comes from the lease plus the conversation
// queue.
type Manager struct {
	cfg   config.ResearchConfig
	store *state.Store
	deps  Deps
}

// NewManager creates a research manager.
func NewManager(cfg config.ResearchConfig, store *state.Store, deps Deps) *Manager {
	return &Manager{cfg: cfg, store: store, deps: deps}
}

// Start scaffolds a project for the conversation and binds it to the
// session.
func (m *Manager) Start(projectsRoot, convKey, goal string) (*ManagerState, error) {
	if !m.cfg.Enabled {
		return nil, fmt.Errorf("research is disabled")
	}
	var channelID, guildID string
	var already string
	m.store.View(convKey, func(s *state.Session) {
		if s == nil {
			return
		}
		channelID = s.LastChannelID
		guildID = s.LastGuildID
		if s.Research.Enabled {
			already = s.Research.ProjectRoot
		}
	})
	if already != "" {
		return nil, fmt.Errorf("research already active for this conversation (%s); `/research stop` first", already)
	}

	budgets := Budgets{
		MaxSteps:            m.cfg.DefaultMaxSteps,
		MaxWallClockMinutes: m.cfg.DefaultMaxWallMin,
		MaxRuns:             m.cfg.DefaultMaxRuns,
	}
	root, st, err := Scaffold(projectsRoot, convKey, goal, budgets, channelID, guildID)
	if err != nil {
		return nil, err
	}

	m.store.Mutate(convKey, func(s *state.Session) {
		s.Research = state.ResearchBinding{
			Enabled:        true,
			ProjectRoot:    root,
			Slug:           state.Slug(goal),
			ManagerConvKey: state.ManagerKey(convKey),
		}
	})
	slog.Info("research started", "conv", convKey, "project", root)
	return st, nil
}

// Stop pauses the loop and unbinds the project from the session.
func (m *Manager) Stop(convKey string) error {
	root := m.projectRoot(convKey)
	if root == "" {
		return fmt.Errorf("no active research project")
	}
	if st, err := LoadState(root); err == nil {
		st.Status = StatusPaused
		st.AutoRun = false
		if err := SaveState(st); err != nil {
			slog.Warn("research state save failed", "project", root, "error", err)
		}
	}
	_ = AppendEvent(root, "research_stopped", nil)
	m.store.Mutate(convKey, func(s *state.Session) {
		s.Research = state.ResearchBinding{}
	})
	return nil
}

// Pause sets the project paused without unbinding it.
func (m *Manager) Pause(convKey string) error {
	return m.mutateState(convKey, func(st *ManagerState) {
		st.Status = StatusPaused
		st.AutoRun = false
	})
}

// Resume re-enables the autonomous loop.
func (m *Manager) Resume(convKey string) error {
	return m.mutateState(convKey, func(st *ManagerState) {
		st.Status = StatusRunning
		st.AutoRun = true
	})
}

// Note appends user feedback; the next step includes events newer than
// lastFeedbackAt.
func (m *Manager) Note(convKey, text string) error {
	text = strings.TrimSpace(text)
	if m.cfg.RequireNotePrefix && !strings.HasPrefix(strings.ToLower(text), "feedback:") {
		return fmt.Errorf("research notes must start with `feedback:`")
	}
	root := m.projectRoot(convKey)
	if root == "" {
		return fmt.Errorf("no active research project")
	}
	if err := AppendEvent(root, "user_feedback", map[string]any{"text": text}); err != nil {
		return err
	}
	now := time.Now()
	m.store.Mutate(convKey, func(s *state.Session) {
		s.Research.LastNoteAt = &now
	})
	return nil
}

// Status summarizes the project for /research status.
func (m *Manager) Status(convKey string) (string, error) {
	root := m.projectRoot(convKey)
	if root == "" {
		return "", fmt.Errorf("no active research project")
	}
	st, err := LoadState(root)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**Research** %s\n", st.Goal)
	fmt.Fprintf(&b, "status %s · phase %s · autoRun %v\n", st.Status, st.Phase, st.AutoRun)
	fmt.Fprintf(&b, "steps %d/%d · runs %d/%d · elapsed %s/%dm\n",
		st.Counters.Steps, st.Budgets.MaxSteps,
		st.Counters.Runs, st.Budgets.MaxRuns,
		time.Since(st.StartedAt).Truncate(time.Minute), st.Budgets.MaxWallClockMinutes)
	if st.Active.JobID != "" {
		fmt.Fprintf(&b, "active run %s (job %s)\n", st.Active.RunID, st.Active.JobID)
	}
	fmt.Fprintf(&b, "project: %s", root)
	return b.String(), nil
}

func (m *Manager) projectRoot(convKey string) string {
	var root string
	m.store.View(convKey, func(s *state.Session) {
		if s != nil && s.Research.Enabled {
			root = s.Research.ProjectRoot
		}
	})
	return root
}

func (m *Manager) mutateState(convKey string, fn func(*ManagerState)) error {
	root := m.projectRoot(convKey)
	if root == "" {
		return fmt.Errorf("no active research project")
	}
	st, err := LoadState(root)
	if err != nil {
		return err
	}
	fn(st)
	return SaveState(st)
}

// Step runs one manager iteration. Must execute inside the conversation
// queue for convKey. manual marks user-requested steps (/research step),
// which run even when autoRun is off.
func (m *Manager) Step(ctx context.Context, convKey string, manual bool) (string, error) {
	var root, workdir string
	m.store.View(convKey, func(s *state.Session) {
		if s != nil && s.Research.Enabled {
			root = s.Research.ProjectRoot
			workdir = s.Workdir
		}
	})
	if root == "" {
		return "", fmt.Errorf("no active research project")
	}
	st, err := LoadState(root)
	if err != nil {
		return "", err
	}
	now := time.Now()

	// Stale-state repair.
	repaired := false
	if st.Lease != nil && !st.Lease.Active(now) {
		st.Lease = nil
		repaired = true
	}
	if st.Inflight.Status == InflightRunning && st.Inflight.StartedAt != nil &&
		now.Sub(*st.Inflight.StartedAt) > time.Duration(m.cfg.InflightTtlSec)*time.Second {
		st.Inflight.Status = InflightFailed
		st.Inflight.Error = "inflight step exceeded TTL"
		st.Status = StatusBlocked
		repaired = true
		_ = AppendEvent(root, "inflight_expired", map[string]any{"stepId": st.Inflight.StepID})
	}
	if repaired {
		if err := SaveState(st); err != nil {
			return "", err
		}
	}

	if st.Status == StatusDone {
		return "research is done", nil
	}

	// Budget check happens before any agent work.
	if reason := budgetExhausted(st, now); reason != "" {
		st.Status = StatusBlocked
		if err := SaveState(st); err != nil {
			return "", err
		}
		_ = AppendEvent(root, "budget_exhausted", map[string]any{"reason": reason})
		m.maybePostBlocked(convKey, "budget exhausted: "+reason)
		return "blocked: " + reason, nil
	}

	// A running experiment means there is nothing to decide yet.
	if st.Active.JobID != "" && m.jobRunning(convKey, st.Active.JobID) {
		return "waiting on run " + st.Active.RunID, nil
	}

	if st.Lease.Active(now) {
		return "skipped (another step in flight)", nil
	}
	st.Lease = &Lease{
		Holder:     "relay",
		Token:      uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(time.Duration(m.cfg.LeaseTtlSec) * time.Second),
	}
	stepID := fmt.Sprintf("s%04d", st.Counters.Steps+1)
	st.Inflight = InflightStep{StepID: stepID, Status: InflightRunning, StartedAt: &now}
	if err := SaveState(st); err != nil {
		return "", err
	}

	prompt, feedbackSeen, err := m.buildStepPrompt(st, stepID)
	if err != nil {
		return "", m.failStep(convKey, st, fmt.Sprintf("build prompt: %v", err))
	}

	managerKey := state.ManagerKey(convKey)
	reply, err := m.deps.Invoke(ctx, managerKey, workdir, prompt)
	if err != nil {
		return "", m.failStep(convKey, st, fmt.Sprintf("manager agent failed: %v", err))
	}

	decision, err := ExtractDecision(reply)
	if err != nil {
		return "", m.failStep(convKey, st, err.Error())
	}
	if st.HasDecisionHash(decision.Hash) {
		st.Inflight = InflightStep{Status: InflightIdle}
		st.Lease = nil
		if err := SaveState(st); err != nil {
			return "", err
		}
		_ = AppendEvent(root, "decision_duplicate", map[string]any{"hash": decision.Hash})
		return "skipped (duplicate decision)", nil
	}
	st.Inflight.DecisionHash = decision.Hash

	if err := ValidateActions(decision, m.cfg.ActionsAllowed, m.cfg.MaxActionsPerStep); err != nil {
		return "", m.failStep(convKey, st, err.Error())
	}

	applied, skipped, applyErr := m.applyActions(convKey, workdir, st, stepID, decision)
	if applyErr != nil {
		return "", m.failStep(convKey, st, applyErr.Error())
	}

	st.Counters.Steps++
	st.RecordDecisionHash(decision.Hash)
	st.LastDecisionAt = &now
	if feedbackSeen != nil {
		// Feedback that made it into this prompt is consumed.
		st.LastFeedbackAt = feedbackSeen
	}
	if st.Active.JobID != "" {
		st.Phase = PhaseWait
	} else {
		st.Phase = PhaseAnalyze
	}
	if st.Status != StatusDone && st.Status != StatusPaused {
		st.Status = StatusRunning
	}
	st.Inflight.Status = InflightApplied
	st.Lease = nil
	if err := SaveState(st); err != nil {
		return "", err
	}
	_ = AppendEvent(root, "decision_applied", map[string]any{
		"stepId": stepID, "hash": decision.Hash, "applied": applied, "skipped": skipped,
	})

	m.appendDigest(st, fmt.Sprintf("step %s: %s (%d actions applied, %d skipped)",
		stepID, firstLine(decision.ResearchUpdate), applied, skipped))
	m.maybePostApplied(convKey, st, stepID, decision, applied, skipped)

	return fmt.Sprintf("step %s applied (%d actions, %d skipped)", stepID, applied, skipped), nil
}

// failStep marks the inflight step failed, blocks the project, releases the
// lease, and surfaces the reason.
func (m *Manager) failStep(convKey string, st *ManagerState, reason string) error {
	st.Inflight.Status = InflightFailed
	st.Inflight.Error = reason
	st.Status = StatusBlocked
	st.AutoRun = false
	st.Lease = nil
	if err := SaveState(st); err != nil {
		slog.Error("research state save failed", "project", st.ProjectRoot, "error", err)
	}
	_ = AppendEvent(st.ProjectRoot, "step_failed", map[string]any{"stepId": st.Inflight.StepID, "error": reason})
	m.appendDigest(st, "step "+st.Inflight.StepID+" failed: "+reason)
	m.maybePostBlocked(convKey, reason)
	return fmt.Errorf("research step failed: %s", reason)
}

func budgetExhausted(st *ManagerState, now time.Time) string {
	if st.Budgets.MaxSteps > 0 && st.Counters.Steps >= st.Budgets.MaxSteps {
		return fmt.Sprintf("steps %d/%d", st.Counters.Steps, st.Budgets.MaxSteps)
	}
	if st.Budgets.MaxRuns > 0 && st.Counters.Runs >= st.Budgets.MaxRuns {
		return fmt.Sprintf("runs %d/%d", st.Counters.Runs, st.Budgets.MaxRuns)
	}
	if st.Budgets.MaxWallClockMinutes > 0 {
		elapsed := int(now.Sub(st.StartedAt).Minutes())
		if elapsed >= st.Budgets.MaxWallClockMinutes {
			return fmt.Sprintf("wall clock %dm/%dm", elapsed, st.Budgets.MaxWallClockMinutes)
		}
	}
	return ""
}

func (m *Manager) jobRunning(convKey, jobID string) bool {
	running := false
	m.store.View(convKey, func(s *state.Session) {
		if s == nil {
			return
		}
		if j := s.FindJob(jobID); j != nil {
			running = j.Status == state.JobRunning
		}
	})
	return running
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}

// buildStepPrompt combines the project's durable context with pending user
// feedback and the required decision format. newestFeedback is the timestamp
// of the latest feedback event included, nil when none was; the caller
// persists it as the new cursor once the step applies.
func (m *Manager) buildStepPrompt(st *ManagerState, stepID string) (prompt string, newestFeedback *time.Time, err error) {
	goal, _ := os.ReadFile(goalPath(st.ProjectRoot))
	hyp, _ := os.ReadFile(hypothesesPath(st.ProjectRoot))
	registryTail := tailOfFile(registryPath(st.ProjectRoot), 4000)
	reportTail := tailOfFile(reportPath(st.ProjectRoot), 4000)

	var since time.Time
	if st.LastFeedbackAt != nil {
		since = *st.LastFeedbackAt
	}
	events, err := ReadEventsSince(st.ProjectRoot, since)
	if err != nil {
		return "", nil, err
	}
	var feedback []string
	for _, ev := range events {
		if ev.Type == "user_feedback" {
			if t, ok := ev.Data["text"].(string); ok {
				feedback = append(feedback, "- "+t)
				ts := ev.TS
				newestFeedback = &ts
			}
		}
	}

	var b strings.Builder
	b.WriteString("You are the research manager for this project. Decide the single next step.\n\n")
	fmt.Fprintf(&b, "[Goal]\n%s\n", strings.TrimSpace(string(goal)))
	if len(hyp) > 0 {
		fmt.Fprintf(&b, "\n[Hypotheses]\n%s\n", strings.TrimSpace(string(hyp)))
	}
	if registryTail != "" {
		fmt.Fprintf(&b, "\n[Run registry (tail)]\n%s\n", registryTail)
	}
	if reportTail != "" {
		fmt.Fprintf(&b, "\n[Rolling report (tail)]\n%s\n", reportTail)
	}
	if len(feedback) > 0 {
		fmt.Fprintf(&b, "\n[New user feedback]\n%s\n", strings.Join(feedback, "\n"))
	}
	fmt.Fprintf(&b, `
[Budgets]
steps %d/%d, runs %d/%d, wall clock limit %dm

Reply with exactly one decision block:

[[research-decision]]
{"stepId": %q, "research_update": "<one-paragraph summary of your reasoning>", "actions": [{"type": "...", "idempotencyKey": "<unique>", ...}]}
[[/research-decision]]

Allowed action types: job_start (command, optional watch{everySec,tailLines}),
job_watch, job_stop, task_add (text), task_run, write_report (markdown, mode
append|replace), research_pause, research_mark_done. Every action needs a
unique idempotencyKey. Long experiments must run as job_start commands that
write a final metrics.json into $RUN_DIR.
`,
		st.Counters.Steps, st.Budgets.MaxSteps,
		st.Counters.Runs, st.Budgets.MaxRuns,
		st.Budgets.MaxWallClockMinutes, stepID)
	return b.String(), newestFeedback, nil
}

func tailOfFile(path string, n int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	s := strings.TrimSpace(string(data))
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
