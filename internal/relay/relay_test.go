package relay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/relaydeck/internal/agent"
	"github.com/nextlevelbuilder/relaydeck/internal/commands"
	"github.com/nextlevelbuilder/relaydeck/internal/config"
	"github.com/nextlevelbuilder/relaydeck/internal/state"
)

type fakeChat struct {
	mu    sync.Mutex
	sent  []string
	files []string
}

func (c *fakeChat) Send(channelID, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, content)
	return nil
}

func (c *fakeChat) SendFiles(channelID, caption string, paths []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = append(c.files, paths...)
	return nil
}

func (c *fakeChat) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fakeReply struct {
	mu    sync.Mutex
	final string
	done  chan struct{}
}

func newFakeReply() *fakeReply { return &fakeReply{done: make(chan struct{})} }

func (f *fakeReply) Edit(string) error { return nil }
func (f *fakeReply) Finalize(text string) error {
	f.mu.Lock()
	f.final = text
	f.mu.Unlock()
	close(f.done)
	return nil
}
func (f *fakeReply) Discard() {}

func (f *fakeReply) wait(t *testing.T) string {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("reply never finalized")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.final
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		StateDir: dir,
		Discord:  config.DiscordConfig{Token: "x"},
		Agent: config.AgentConfig{
			Provider:       config.ProviderCodex,
			DefaultWorkdir: dir,
		},
		Uploads:     config.UploadsConfig{Enabled: true, MaxBytes: 1 << 20, AllowOutsideConversation: true},
		Attachments: config.AttachmentsConfig{Enabled: true, MaxFiles: 3, MaxBytes: 1 << 20, MaxChars: 4000},
		Tasks:       config.TasksConfig{Enabled: true, MaxPending: 10, StopOnError: true},
		Plans:       config.PlansConfig{Enabled: true, MaxHistory: 10},
		Actions:     config.ActionsConfig{Enabled: true, MaxPerMessage: 5},
		Jobs:        config.JobsConfig{AutoWatch: false},
		Research:    config.ResearchConfig{Enabled: true, DefaultMaxSteps: 10, LeaseTtlSec: 60, InflightTtlSec: 600},
	}
}

func newTestRelay(t *testing.T, cfg *config.Config) (*Relay, *fakeChat, *state.Store) {
	t.Helper()
	store, err := state.Open(filepath.Join(cfg.StateDir, "sessions.json"), cfg.Agent.DefaultWorkdir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	chat := &fakeChat{}
	r, err := New(cfg, store, chat)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Close)
	return r, chat, store
}

func TestHandleMessage_Command(t *testing.T) {
	r, _, store := newTestRelay(t, testConfig(t))
	reply := newFakeReply()
	r.HandleMessage(Message{ConvKey: "dm:1", IsDM: true, ChannelID: "c1", Content: "/status", Reply: reply})

	out := reply.wait(t)
	if !strings.Contains(out, "workdir:") {
		t.Errorf("status reply = %q", out)
	}
	var channel string
	store.View("dm:1", func(s *state.Session) { channel = s.LastChannelID })
	if channel != "c1" {
		t.Errorf("LastChannelID = %q", channel)
	}
}

func TestHandleMessage_AgentTurn(t *testing.T) {
	cfg := testConfig(t)
	r, _, store := newTestRelay(t, cfg)

	r.runAgentFn = func(ctx context.Context, req agent.Request) (agent.Result, error) {
		if req.SessionID != "" {
			t.Errorf("first turn should not resume, got %q", req.SessionID)
		}
		return agent.Result{SessionID: "sess-1", Text: "hello back"}, nil
	}

	reply := newFakeReply()
	r.HandleMessage(Message{ConvKey: "dm:1", IsDM: true, ChannelID: "c1", Content: "hi", Reply: reply})
	if got := reply.wait(t); got != "hello back" {
		t.Errorf("reply = %q", got)
	}

	var threadID string
	store.View("dm:1", func(s *state.Session) { threadID = s.ThreadID })
	if threadID != "sess-1" {
		t.Errorf("ThreadID = %q", threadID)
	}
}

func TestAgentTurn_UploadMarker(t *testing.T) {
	cfg := testConfig(t)
	r, chat, _ := newTestRelay(t, cfg)

	path := filepath.Join(cfg.Agent.DefaultWorkdir, "report.txt")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	r.runAgentFn = func(ctx context.Context, req agent.Request) (agent.Result, error) {
		return agent.Result{SessionID: "s", Text: "here you go [[upload:" + path + "]]"}, nil
	}

	reply := newFakeReply()
	r.HandleMessage(Message{ConvKey: "dm:1", IsDM: true, ChannelID: "c1", Content: "send it", Reply: reply})
	out := reply.wait(t)
	if !strings.Contains(out, "[uploaded:report.txt]") {
		t.Errorf("marker not replaced: %q", out)
	}
	chat.mu.Lock()
	files := append([]string(nil), chat.files...)
	chat.mu.Unlock()
	if len(files) != 1 || files[0] != path {
		t.Errorf("files = %v", files)
	}
}

func TestAgentTurn_ActionsGatedOff(t *testing.T) {
	cfg := testConfig(t)
	cfg.Actions.Enabled = false
	r, _, _ := newTestRelay(t, cfg)

	r.runAgentFn = func(ctx context.Context, req agent.Request) (agent.Result, error) {
		return agent.Result{SessionID: "s", Text: `ok
[[relay-actions]]
{"actions":[{"type":"task_add","text":"do x"}]}
[[/relay-actions]]`}, nil
	}
	reply := newFakeReply()
	r.HandleMessage(Message{ConvKey: "dm:1", IsDM: true, ChannelID: "c1", Content: "go", Reply: reply})
	out := reply.wait(t)
	if !strings.Contains(out, "actions not executed") {
		t.Errorf("expected gating note, got %q", out)
	}
	if got := r.TaskList("dm:1"); got != "no tasks" {
		t.Errorf("task queued despite gate: %q", got)
	}
}

func TestAgentTurn_ActionTaskAdd(t *testing.T) {
	cfg := testConfig(t)
	r, _, _ := newTestRelay(t, cfg)

	r.runAgentFn = func(ctx context.Context, req agent.Request) (agent.Result, error) {
		return agent.Result{SessionID: "s", Text: `queuing it
[[relay-actions]]
{"actions":[{"type":"task_add","text":"write the docs"}]}
[[/relay-actions]]`}, nil
	}
	reply := newFakeReply()
	r.HandleMessage(Message{ConvKey: "dm:1", IsDM: true, ChannelID: "c1", Content: "go", Reply: reply})
	out := reply.wait(t)
	if !strings.Contains(out, "task t-0001 queued") {
		t.Errorf("out = %q", out)
	}
	if !strings.Contains(r.TaskList("dm:1"), "write the docs") {
		t.Errorf("task missing: %q", r.TaskList("dm:1"))
	}
}

func TestBackend_WorkdirValidation(t *testing.T) {
	cfg := testConfig(t)
	r, _, store := newTestRelay(t, cfg)

	if out := r.SetWorkdir("dm:1", "relative/path"); !strings.HasPrefix(out, "⚠") {
		t.Errorf("relative path accepted: %q", out)
	}
	if out := r.SetWorkdir("dm:1", filepath.Join(cfg.StateDir, "missing")); !strings.HasPrefix(out, "⚠") {
		t.Errorf("missing dir accepted: %q", out)
	}

	good := t.TempDir()
	// Seed a session id so we can observe the reset.
	store.Mutate("dm:1", func(s *state.Session) { s.ThreadID = "old" })
	if out := r.SetWorkdir("dm:1", good); !strings.Contains(out, good) {
		t.Errorf("out = %q", out)
	}
	store.View("dm:1", func(s *state.Session) {
		if s.Workdir != good {
			t.Errorf("workdir = %q", s.Workdir)
		}
		if s.ThreadID != "" {
			t.Error("workdir change should reset the agent session")
		}
	})

	cfg.Agent.AllowedWorkdirRoots = []string{good}
	if out := r.SetWorkdir("dm:1", os.TempDir()); !strings.HasPrefix(out, "⚠") {
		t.Errorf("out-of-root path accepted: %q", out)
	}
}

func TestBackend_TaskAddAndList(t *testing.T) {
	r, _, _ := newTestRelay(t, testConfig(t))
	if out := r.TaskAdd("dm:1", "first"); !strings.Contains(out, "t-0001") {
		t.Errorf("out = %q", out)
	}
	if out := r.TaskAdd("dm:1", "second"); !strings.Contains(out, "2 pending") {
		t.Errorf("out = %q", out)
	}
	list := r.TaskList("dm:1")
	if !strings.Contains(list, "t-0001 [pending] first") || !strings.Contains(list, "t-0002 [pending] second") {
		t.Errorf("list = %q", list)
	}
}

func TestBackend_TaskRunDrainsQueue(t *testing.T) {
	cfg := testConfig(t)
	r, chat, _ := newTestRelay(t, cfg)

	var mu sync.Mutex
	var prompts []string
	r.runAgentFn = func(ctx context.Context, req agent.Request) (agent.Result, error) {
		mu.Lock()
		prompts = append(prompts, req.Prompt)
		mu.Unlock()
		return agent.Result{SessionID: "s", Text: "did it [[task:done]]"}, nil
	}

	r.TaskAdd("dm:1", "alpha")
	r.TaskAdd("dm:1", "beta")
	out := r.TaskRun(commands.Env{ConvKey: "dm:1", IsDM: true})
	if !strings.Contains(out, "2 pending") {
		t.Errorf("out = %q", out)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !r.TaskActive("dm:1") && !strings.Contains(r.TaskList("dm:1"), "pending") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	list := r.TaskList("dm:1")
	if strings.Contains(list, "pending") {
		t.Fatalf("queue not drained: %q", list)
	}
	mu.Lock()
	n := len(prompts)
	first := ""
	if n > 0 {
		first = prompts[0]
	}
	mu.Unlock()
	if n != 2 {
		t.Errorf("agent invoked %d times", n)
	}
	if !strings.Contains(first, "[TASK t-0001]") {
		t.Errorf("prompt = %q", first)
	}
	_ = chat
}

func TestBackend_ResetAndStatus(t *testing.T) {
	r, _, store := newTestRelay(t, testConfig(t))
	store.Mutate("dm:1", func(s *state.Session) { s.ThreadID = "sess" })

	status := r.Status("dm:1")
	if !strings.Contains(status, "sess (resumable)") {
		t.Errorf("status = %q", status)
	}
	r.Reset("dm:1")
	status = r.Status("dm:1")
	if !strings.Contains(status, "none (next message starts fresh)") {
		t.Errorf("status after reset = %q", status)
	}
}

func TestBackend_AutoSet(t *testing.T) {
	r, _, store := newTestRelay(t, testConfig(t))
	r.AutoSet("dm:1", "actions", false)
	store.View("dm:1", func(s *state.Session) {
		if s.Auto.Actions {
			t.Error("auto actions should be off")
		}
	})
	r.AutoSet("dm:1", "research", true)
	store.View("dm:1", func(s *state.Session) {
		if !s.Auto.Research {
			t.Error("auto research should be on")
		}
	})
}

func TestBackend_ResearchStartAndStatus(t *testing.T) {
	cfg := testConfig(t)
	r, _, store := newTestRelay(t, cfg)
	store.Mutate("dm:1", func(s *state.Session) { s.LastChannelID = "c1" })

	out := r.ResearchStart(commands.Env{ConvKey: "dm:1", IsDM: true}, "improve accuracy")
	if !strings.Contains(out, "research project created") {
		t.Fatalf("out = %q", out)
	}
	status := r.ResearchStatus("dm:1")
	if !strings.Contains(status, "improve accuracy") {
		t.Errorf("status = %q", status)
	}

	// A second start in the same conversation is refused.
	out = r.ResearchStart(commands.Env{ConvKey: "dm:1", IsDM: true}, "another goal")
	if !strings.Contains(out, "already active") {
		t.Errorf("out = %q", out)
	}

	if out := r.ResearchStop("dm:1"); !strings.Contains(out, "stopped") {
		t.Errorf("stop = %q", out)
	}
	if out := r.ResearchStatus("dm:1"); !strings.HasPrefix(out, "⚠") {
		t.Errorf("status after stop = %q", out)
	}
}

func TestBackend_AttachDmOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.AttachDmOnly = true
	r, _, store := newTestRelay(t, cfg)

	out := r.Attach(commands.Env{ConvKey: "channel:g:c", IsDM: false}, "sess-9")
	if !strings.Contains(out, "only available in DMs") {
		t.Errorf("guild attach = %q", out)
	}
	store.View("channel:g:c", func(s *state.Session) {
		if s != nil && s.ThreadID != "" {
			t.Errorf("threadID set despite refusal: %q", s.ThreadID)
		}
	})

	out = r.Attach(commands.Env{ConvKey: "dm:1", IsDM: true}, "sess-9")
	if !strings.Contains(out, "attached") {
		t.Errorf("dm attach = %q", out)
	}
	store.View("dm:1", func(s *state.Session) {
		if s.ThreadID != "sess-9" {
			t.Errorf("threadID = %q", s.ThreadID)
		}
	})
}

func TestProgressEditHonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	ed := timedEditor(stallReply{block: release})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := ed.Edit(ctx, "working")
	if err == nil {
		t.Fatal("stalled edit returned nil")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("edit blocked for %s past its deadline", elapsed)
	}
}

// stallReply blocks Edit until the channel closes.
type stallReply struct{ block chan struct{} }

func (s stallReply) Edit(string) error {
	<-s.block
	return nil
}
func (s stallReply) Finalize(string) error { return nil }
func (s stallReply) Discard()              {}

func TestResearchCompletionWaitsForQueue(t *testing.T) {
	cfg := testConfig(t)
	r, _, store := newTestRelay(t, cfg)
	store.Mutate("dm:1", func(s *state.Session) { s.LastChannelID = "c1" })

	out := r.ResearchStart(commands.Env{ConvKey: "dm:1", IsDM: true}, "goal")
	if !strings.Contains(out, "research project created") {
		t.Fatalf("out = %q", out)
	}
	var root string
	store.View("dm:1", func(s *state.Session) { root = s.Research.ProjectRoot })

	// Occupy the conversation queue so the completion hook must wait its turn.
	gate := make(chan struct{})
	r.queue.Go(r.baseCtx, "dm:1", func(context.Context) error { <-gate; return nil }, nil)

	code := 0
	runDir := filepath.Join(root, "exp", "results", "r0001")
	job := state.Job{ID: "job-1", Status: state.JobDone, ExitCode: &code,
		Research: &state.ResearchRunBinding{
			ProjectRoot: root,
			StepID:      "s0001",
			RunID:       "r0001",
			RunDir:      runDir,
			MetricsPath: filepath.Join(runDir, "metrics.json"),
		}}
	r.onResearchJobDone("dm:1", job)

	regPath := filepath.Join(root, "exp", "registry.jsonl")
	time.Sleep(200 * time.Millisecond)
	if data, _ := os.ReadFile(regPath); strings.Contains(string(data), "r0001") {
		t.Fatal("completion hook ran while the queue was occupied")
	}

	close(gate)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if data, _ := os.ReadFile(regPath); strings.Contains(string(data), "r0001") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("completion hook never ran after the queue drained")
}

func TestBackend_ResearchDmOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Research.DmOnly = true
	r, _, _ := newTestRelay(t, cfg)
	out := r.ResearchStart(commands.Env{ConvKey: "channel:g:c", IsDM: false}, "goal")
	if !strings.Contains(out, "only available in DMs") {
		t.Errorf("out = %q", out)
	}
}

func TestDispatcher_GoThroughRelay(t *testing.T) {
	cfg := testConfig(t)
	r, _, _ := newTestRelay(t, cfg)
	r.runAgentFn = func(ctx context.Context, req agent.Request) (agent.Result, error) {
		return agent.Result{SessionID: "s", Text: "done [[task:done]]"}, nil
	}

	reply := newFakeReply()
	r.HandleMessage(Message{ConvKey: "dm:1", IsDM: true, ChannelID: "c1", Content: "/go fix the build", Reply: reply})
	out := reply.wait(t)
	if !strings.Contains(out, "task runner started") {
		t.Errorf("out = %q", out)
	}
}

func TestContextReload(t *testing.T) {
	cfg := testConfig(t)
	cfg.Context = config.ContextConfig{Enabled: true, Version: 3, MaxChars: 1000, MaxCharsPerFile: 500, Specs: []string{"head:README.md"}}
	r, _, store := newTestRelay(t, cfg)

	store.Mutate("dm:1", func(s *state.Session) { s.ContextVersion = 3 })
	if out := r.ContextInfo("dm:1"); !strings.Contains(out, "already injected") {
		t.Errorf("out = %q", out)
	}
	r.ContextReload("dm:1")
	if out := r.ContextInfo("dm:1"); !strings.Contains(out, "next message") {
		t.Errorf("out = %q", out)
	}
}
