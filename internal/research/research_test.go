package research

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
	"github.com/nextlevelbuilder/relaydeck/internal/state"
)

func baseCfg() config.ResearchConfig {
	return config.ResearchConfig{
		Enabled:           true,
		DefaultMaxSteps:   10,
		DefaultMaxWallMin: 60,
		DefaultMaxRuns:    5,
		TickSec:           60,
		TickMaxParallel:   2,
		MaxActionsPerStep: 4,
		LeaseTtlSec:       120,
		InflightTtlSec:    600,
	}
}

type fakeDeps struct {
	reply     string
	invokeErr error
	prompts   []string
	posts     []string
	jobs      []string
	tasks     []string
	steps     int
	nextJobID string
}

func (f *fakeDeps) deps(st *state.Store) Deps {
	return Deps{
		Invoke: func(_ context.Context, _, _, prompt string) (string, error) {
			f.prompts = append(f.prompts, prompt)
			return f.reply, f.invokeErr
		},
		Post: func(_, text string) { f.posts = append(f.posts, text) },
		StartJob: func(convKey, _, command string, watch *state.JobWatchConfig, research *state.ResearchRunBinding, _ map[string]string) (*state.Job, error) {
			f.jobs = append(f.jobs, command)
			id := f.nextJobID
			if id == "" {
				id = "job-1"
			}
			job := &state.Job{ID: id, Command: command, Status: state.JobRunning, Watch: watch, Research: research}
			st.Mutate(convKey, func(s *state.Session) { s.AppendJob(job) })
			return job, nil
		},
		WatchJob: func(string, state.JobWatchConfig) error { return nil },
		StopJob:  func(string) (string, error) { return "job-1", nil },
		AddTask: func(_, text string) (*state.Task, error) {
			f.tasks = append(f.tasks, text)
			return &state.Task{Text: text}, nil
		},
		RunTasks:    func(string) {},
		RequestStep: func(string) { f.steps++ },
	}
}

func newTestManager(t *testing.T, f *fakeDeps) (*Manager, *state.Store, string) {
	t.Helper()
	st, err := state.Open(filepath.Join(t.TempDir(), "sessions.json"), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	mgr := NewManager(baseCfg(), st, f.deps(st))

	st.Mutate("dm:1", func(s *state.Session) { s.LastChannelID = "chan-1" })
	root := t.TempDir()
	if _, err := mgr.Start(root, "dm:1", "improve accuracy"); err != nil {
		t.Fatal(err)
	}
	var projectRoot string
	st.View("dm:1", func(s *state.Session) { projectRoot = s.Research.ProjectRoot })
	return mgr, st, projectRoot
}

func decisionReply(stepID, actionsJSON string) string {
	return fmt.Sprintf(`Thinking...
[[research-decision]]
{"stepId": %q, "research_update": "trying a run", "actions": [%s]}
[[/research-decision]]`, stepID, actionsJSON)
}

func TestScaffold(t *testing.T) {
	f := &fakeDeps{}
	_, _, root := newTestManager(t, f)

	for _, d := range []string{"idea", "exp/results", "reports", "writing", "manager", "memory"} {
		if info, err := os.Stat(filepath.Join(root, d)); err != nil || !info.IsDir() {
			t.Errorf("missing dir %s: %v", d, err)
		}
	}
	for _, file := range []string{"idea/goal.md", "idea/hypotheses.yaml", "exp/registry.jsonl",
		"reports/rolling_report.md", "reports/report_digest.md", "memory/WORKING_MEMORY.md"} {
		if _, err := os.Stat(filepath.Join(root, file)); err != nil {
			t.Errorf("missing seed file %s", file)
		}
	}

	st, err := LoadState(root)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != StatusRunning || !st.AutoRun || st.Phase != PhasePlan {
		t.Errorf("state = %+v", st)
	}
	if st.Goal != "improve accuracy" || st.Budgets.MaxSteps != 10 {
		t.Errorf("state = %+v", st)
	}

	events, err := ReadEventsSince(root, time.Time{})
	if err != nil || len(events) != 1 || events[0].Type != "research_started" {
		t.Errorf("events = %v err = %v", events, err)
	}
}

func TestExtractDecision(t *testing.T) {
	d, err := ExtractDecision(decisionReply("s0001", `{"type":"research_pause","idempotencyKey":"k1"}`))
	if err != nil {
		t.Fatal(err)
	}
	if d.StepID != "s0001" || len(d.Actions) != 1 || d.Actions[0].Type != "research_pause" {
		t.Errorf("decision = %+v", d)
	}
	if d.Hash == "" || len(d.Hash) != 64 {
		t.Errorf("hash = %q", d.Hash)
	}

	if _, err := ExtractDecision("no block here"); err == nil {
		t.Error("missing block accepted")
	}
	two := decisionReply("a", `{"type":"job_stop","idempotencyKey":"k"}`) + decisionReply("b", `{"type":"job_stop","idempotencyKey":"k2"}`)
	if _, err := ExtractDecision(two); err == nil {
		t.Error("two blocks accepted")
	}
	if _, err := ExtractDecision("[[research-decision]]{bad[[/research-decision]]"); err == nil {
		t.Error("malformed JSON accepted")
	}
}

func TestValidateActions(t *testing.T) {
	mk := func(actions ...Action) *Decision { return &Decision{Actions: actions} }

	if err := ValidateActions(mk(Action{Type: "job_start", Command: "py train.py", IdempotencyKey: "a"}), nil, 4); err != nil {
		t.Errorf("valid job_start rejected: %v", err)
	}
	if err := ValidateActions(mk(Action{Type: "job_start", Command: "x"}), nil, 4); err == nil {
		t.Error("missing idempotencyKey accepted")
	}
	if err := ValidateActions(mk(Action{Type: "task_add", IdempotencyKey: "a"}), nil, 4); err == nil {
		t.Error("task_add without text accepted")
	}
	if err := ValidateActions(mk(Action{Type: "write_report", Report: strings.Repeat("x", 20001), IdempotencyKey: "a"}), nil, 4); err == nil {
		t.Error("oversized report accepted")
	}
	if err := ValidateActions(mk(Action{Type: "job_stop", IdempotencyKey: "a"}), []string{"task_add"}, 4); err == nil {
		t.Error("disallowed type accepted")
	}
	many := mk(
		Action{Type: "job_stop", IdempotencyKey: "a"},
		Action{Type: "job_stop", IdempotencyKey: "b"},
		Action{Type: "job_stop", IdempotencyKey: "c"},
	)
	if err := ValidateActions(many, nil, 2); err == nil {
		t.Error("over per-step budget accepted")
	}
}

func TestStep_JobStartHappyPath(t *testing.T) {
	f := &fakeDeps{reply: decisionReply("s0001",
		`{"type":"job_start","command":"python train.py","idempotencyKey":"a1","watch":{"everySec":1,"tailLines":20}}`)}
	mgr, _, root := newTestManager(t, f)

	summary, err := mgr.Step(context.Background(), "dm:1", false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(summary, "applied") {
		t.Errorf("summary = %q", summary)
	}
	if len(f.jobs) != 1 {
		t.Fatalf("jobs = %v", f.jobs)
	}
	if !strings.Contains(f.jobs[0], "python train.py") || !strings.Contains(f.jobs[0], "stdout.log") {
		t.Errorf("command not wrapped: %q", f.jobs[0])
	}
	if _, err := os.Stat(filepath.Join(root, "exp", "results", "r0001")); err != nil {
		t.Errorf("run dir missing: %v", err)
	}

	st, _ := LoadState(root)
	if st.Counters.Steps != 1 || st.Counters.Runs != 1 {
		t.Errorf("counters = %+v", st.Counters)
	}
	if st.Phase != PhaseWait || st.Active.RunID != "r0001" {
		t.Errorf("phase=%s active=%+v", st.Phase, st.Active)
	}
	if st.Lease != nil {
		t.Error("lease not released")
	}
	if st.Inflight.Status != InflightApplied {
		t.Errorf("inflight = %+v", st.Inflight)
	}
	if len(st.AppliedDecisionHashes) != 1 || len(st.AppliedActionKeys) != 1 {
		t.Errorf("dedup records = %v / %v", st.AppliedDecisionHashes, st.AppliedActionKeys)
	}
	if len(f.prompts) != 1 || !strings.Contains(f.prompts[0], "improve accuracy") {
		t.Errorf("prompt = %v", f.prompts)
	}
}

func TestStep_DuplicateDecisionSkipped(t *testing.T) {
	f := &fakeDeps{reply: decisionReply("s0001", `{"type":"write_report","markdown":"found X","idempotencyKey":"w1"}`)}
	mgr, _, root := newTestManager(t, f)

	if _, err := mgr.Step(context.Background(), "dm:1", false); err != nil {
		t.Fatal(err)
	}
	// Same reply again: identical hash.
	summary, err := mgr.Step(context.Background(), "dm:1", false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(summary, "duplicate") {
		t.Errorf("summary = %q", summary)
	}
	st, _ := LoadState(root)
	if st.Counters.Steps != 1 {
		t.Errorf("steps = %d", st.Counters.Steps)
	}
}

func TestStep_BudgetBlocksWithoutAgent(t *testing.T) {
	f := &fakeDeps{reply: decisionReply("s0001", `{"type":"job_stop","idempotencyKey":"a"}`)}
	mgr, _, root := newTestManager(t, f)

	st, _ := LoadState(root)
	st.Counters.Steps = st.Budgets.MaxSteps
	if err := SaveState(st); err != nil {
		t.Fatal(err)
	}

	summary, err := mgr.Step(context.Background(), "dm:1", false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(summary, "blocked") {
		t.Errorf("summary = %q", summary)
	}
	if len(f.prompts) != 0 {
		t.Error("agent invoked despite exhausted budget")
	}
	st, _ = LoadState(root)
	if st.Status != StatusBlocked {
		t.Errorf("status = %s", st.Status)
	}
}

func TestStep_LeaseHeldSkips(t *testing.T) {
	f := &fakeDeps{reply: decisionReply("s0001", `{"type":"job_stop","idempotencyKey":"a"}`)}
	mgr, _, root := newTestManager(t, f)

	st, _ := LoadState(root)
	now := time.Now()
	st.Lease = &Lease{Holder: "other", Token: "tok", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}
	SaveState(st)

	summary, err := mgr.Step(context.Background(), "dm:1", false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(summary, "another step in flight") {
		t.Errorf("summary = %q", summary)
	}
	if len(f.prompts) != 0 {
		t.Error("agent invoked while lease held")
	}
}

func TestStep_ExpiredLeaseAcquired(t *testing.T) {
	f := &fakeDeps{reply: decisionReply("s0001", `{"type":"research_pause","idempotencyKey":"a"}`)}
	mgr, _, root := newTestManager(t, f)

	st, _ := LoadState(root)
	st.Lease = &Lease{Holder: "crashed", Token: "tok",
		AcquiredAt: time.Now().Add(-time.Hour), ExpiresAt: time.Now().Add(-time.Minute)}
	SaveState(st)

	if _, err := mgr.Step(context.Background(), "dm:1", false); err != nil {
		t.Fatal(err)
	}
	if len(f.prompts) != 1 {
		t.Error("expired lease blocked the step")
	}
}

func TestStep_InflightTTLRepair(t *testing.T) {
	f := &fakeDeps{}
	mgr, _, root := newTestManager(t, f)

	st, _ := LoadState(root)
	old := time.Now().Add(-time.Hour)
	st.Inflight = InflightStep{StepID: "s0001", Status: InflightRunning, StartedAt: &old}
	SaveState(st)

	// Repair marks the project blocked; the step then reports blocked via
	// the budget/status path without invoking the agent.
	mgr.Step(context.Background(), "dm:1", true)
	st, _ = LoadState(root)
	if st.Inflight.Status != InflightFailed {
		t.Errorf("inflight = %+v", st.Inflight)
	}
	if st.Status != StatusBlocked {
		t.Errorf("status = %s", st.Status)
	}
}

func TestStep_MalformedDecisionBlocks(t *testing.T) {
	f := &fakeDeps{reply: "I think we should just try things."}
	mgr, _, root := newTestManager(t, f)

	if _, err := mgr.Step(context.Background(), "dm:1", false); err == nil {
		t.Fatal("malformed decision should fail the step")
	}
	st, _ := LoadState(root)
	if st.Status != StatusBlocked || st.AutoRun {
		t.Errorf("state = status %s autoRun %v", st.Status, st.AutoRun)
	}
	if st.Inflight.Status != InflightFailed {
		t.Errorf("inflight = %+v", st.Inflight)
	}
	if st.Lease != nil {
		t.Error("lease not released on failure")
	}
}

func TestStep_IdempotencyKeySkipped(t *testing.T) {
	f := &fakeDeps{reply: decisionReply("s0002", `{"type":"task_add","text":"analyze r0001","idempotencyKey":"dup"}`)}
	mgr, _, root := newTestManager(t, f)

	st, _ := LoadState(root)
	st.RecordActionKey("dup")
	SaveState(st)

	summary, err := mgr.Step(context.Background(), "dm:1", false)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(summary, "1 skipped") {
		t.Errorf("summary = %q", summary)
	}
	if len(f.tasks) != 0 {
		t.Errorf("duplicate action executed: %v", f.tasks)
	}
}

func TestHandleJobCompletion_ValidMetrics(t *testing.T) {
	f := &fakeDeps{reply: decisionReply("s0001",
		`{"type":"job_start","command":"true","idempotencyKey":"a1"}`)}
	mgr, st, root := newTestManager(t, f)

	if _, err := mgr.Step(context.Background(), "dm:1", false); err != nil {
		t.Fatal(err)
	}
	runDir := filepath.Join(root, "exp", "results", "r0001")
	if err := os.WriteFile(filepath.Join(runDir, "metrics.json"), []byte(`{"accuracy": 0.92}`), 0o644); err != nil {
		t.Fatal(err)
	}

	var job state.Job
	st.View("dm:1", func(s *state.Session) { job = *s.Jobs[0] })
	code := 0
	job.Status = state.JobDone
	job.ExitCode = &code
	mgr.HandleJobCompletion("dm:1", job)

	data, err := os.ReadFile(filepath.Join(root, "exp", "registry.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	var entry RegistryEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatalf("registry line: %v (%q)", err, data)
	}
	if entry.Status != "ok" || entry.RunID != "r0001" || entry.Metrics["accuracy"] != 0.92 {
		t.Errorf("entry = %+v", entry)
	}

	ms, _ := LoadState(root)
	if ms.Active.JobID != "" {
		t.Error("active run not cleared")
	}
	if f.steps != 1 {
		t.Errorf("auto-step requests = %d", f.steps)
	}
}

func TestHandleJobCompletion_MissingMetrics(t *testing.T) {
	f := &fakeDeps{reply: decisionReply("s0001",
		`{"type":"job_start","command":"true","idempotencyKey":"a1"}`)}
	mgr, st, root := newTestManager(t, f)

	if _, err := mgr.Step(context.Background(), "dm:1", false); err != nil {
		t.Fatal(err)
	}

	var job state.Job
	st.View("dm:1", func(s *state.Session) { job = *s.Jobs[0] })
	code := 0
	job.Status = state.JobDone
	job.ExitCode = &code
	mgr.HandleJobCompletion("dm:1", job)

	data, _ := os.ReadFile(filepath.Join(root, "exp", "registry.jsonl"))
	var entry RegistryEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.Status != "invalid" || !strings.HasPrefix(entry.Notes, "missing_or_invalid_metrics:") {
		t.Errorf("entry = %+v", entry)
	}

	ms, _ := LoadState(root)
	if ms.Status != StatusBlocked || ms.AutoRun {
		t.Errorf("state = status %s autoRun %v", ms.Status, ms.AutoRun)
	}
	if f.steps != 0 {
		t.Error("auto-step requested after invalid run")
	}
}

func TestStep_FeedbackConsumedOnce(t *testing.T) {
	f := &fakeDeps{reply: decisionReply("s0001", `{"type":"write_report","markdown":"a","idempotencyKey":"w1"}`)}
	mgr, _, root := newTestManager(t, f)

	if err := mgr.Note("dm:1", "feedback: try a smaller batch"); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Step(context.Background(), "dm:1", false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(f.prompts[0], "try a smaller batch") {
		t.Fatalf("feedback missing from first prompt")
	}
	st, _ := LoadState(root)
	if st.LastFeedbackAt == nil {
		t.Fatal("feedback cursor not advanced")
	}

	f.reply = decisionReply("s0002", `{"type":"write_report","markdown":"b","idempotencyKey":"w2"}`)
	if _, err := mgr.Step(context.Background(), "dm:1", false); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(f.prompts[1], "try a smaller batch") {
		t.Errorf("consumed feedback re-included in next prompt")
	}
}

func TestStep_WatchOutOfRangeBlocks(t *testing.T) {
	f := &fakeDeps{reply: decisionReply("s0001",
		`{"type":"job_start","command":"true","idempotencyKey":"a1","watch":{"everySec":999999}}`)}
	mgr, _, root := newTestManager(t, f)

	if _, err := mgr.Step(context.Background(), "dm:1", false); err == nil {
		t.Fatal("out-of-range watch.everySec should fail the step")
	}
	if len(f.jobs) != 0 {
		t.Errorf("job started despite invalid watch: %v", f.jobs)
	}
	st, _ := LoadState(root)
	if st.Status != StatusBlocked {
		t.Errorf("status = %s", st.Status)
	}
}

func TestNote_RequiresPrefix(t *testing.T) {
	f := &fakeDeps{}
	mgr, _, root := newTestManager(t, f)
	mgr.cfg.RequireNotePrefix = true

	if err := mgr.Note("dm:1", "just a thought"); err == nil {
		t.Error("note without prefix accepted")
	}
	if err := mgr.Note("dm:1", "feedback: try smaller learning rate"); err != nil {
		t.Fatal(err)
	}
	events, _ := ReadEventsSince(root, time.Time{})
	found := false
	for _, ev := range events {
		if ev.Type == "user_feedback" {
			found = true
		}
	}
	if !found {
		t.Error("feedback event not recorded")
	}
}

func TestTicker_Eligibility(t *testing.T) {
	f := &fakeDeps{}
	mgr, _, root := newTestManager(t, f)
	ticker := NewTicker(mgr)

	if !ticker.eligible("dm:1") {
		t.Error("fresh running project should be eligible")
	}

	st, _ := LoadState(root)
	st.Phase = PhaseWait
	SaveState(st)
	if ticker.eligible("dm:1") {
		t.Error("wait phase should not be eligible")
	}

	st.Phase = PhaseAnalyze
	st.AutoRun = false
	SaveState(st)
	if ticker.eligible("dm:1") {
		t.Error("autoRun=false should not be eligible")
	}
}

func TestTicker_ReentryGuard(t *testing.T) {
	f := &fakeDeps{}
	mgr, _, _ := newTestManager(t, f)
	ticker := NewTicker(mgr)

	if !ticker.claim("dm:1") {
		t.Fatal("first claim failed")
	}
	if ticker.claim("dm:1") {
		t.Error("second claim should fail while in flight")
	}
	ticker.release("dm:1")
	if !ticker.claim("dm:1") {
		t.Error("claim after release failed")
	}
}
