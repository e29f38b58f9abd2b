// Package relay wires the whole pipeline together: it owns the conversation
// queue, routes inbound chat messages to the command dispatcher or the agent,
// and implements the callbacks every subsystem needs (posting, task
// invocation, research steps, job hooks).
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/relaydeck/internal/actions"
	"github.com/nextlevelbuilder/relaydeck/internal/agent"
	"github.com/nextlevelbuilder/relaydeck/internal/commands"
	"github.com/nextlevelbuilder/relaydeck/internal/config"
	"github.com/nextlevelbuilder/relaydeck/internal/contextfiles"
	"github.com/nextlevelbuilder/relaydeck/internal/convq"
	"github.com/nextlevelbuilder/relaydeck/internal/gitutil"
	"github.com/nextlevelbuilder/relaydeck/internal/handoff"
	"github.com/nextlevelbuilder/relaydeck/internal/jobs"
	"github.com/nextlevelbuilder/relaydeck/internal/plans"
	"github.com/nextlevelbuilder/relaydeck/internal/progress"
	"github.com/nextlevelbuilder/relaydeck/internal/research"
	"github.com/nextlevelbuilder/relaydeck/internal/state"
	"github.com/nextlevelbuilder/relaydeck/internal/tasks"
	"github.com/nextlevelbuilder/relaydeck/internal/uploads"
)

// Chat is the outbound surface the relay posts through. Implemented by the
// discord shell.
type Chat interface {
	Send(channelID, content string) error
	SendFiles(channelID, caption string, paths []string) error
}

// Replier delivers the reply for one inbound message.
type Replier interface {
	Edit(text string) error
	Finalize(text string) error
	Discard()
}

// Message is one normalized inbound chat message.
type Message struct {
	ConvKey     string
	IsDM        bool
	GuildID     string
	ChannelID   string
	Content     string
	Attachments []uploads.Attachment
	Reply       Replier
}

// Relay is the application core.
type Relay struct {
	cfg   *config.Config
	store *state.Store
	chat  Chat
	queue *convq.Queue

	invoker    *agent.Invoker
	runAgentFn func(ctx context.Context, req agent.Request) (agent.Result, error)

	ingestor *uploads.Ingestor
	resolver *uploads.Resolver
	injector *contextfiles.Injector

	tasksRunner *tasks.Runner
	jobsManager *jobs.Manager
	plansSvc    *plans.Service
	researchMgr *research.Manager
	ticker      *research.Ticker
	handoffWr   *handoff.Writer
	dispatcher  *commands.Dispatcher

	baseCtx context.Context
	cancel  context.CancelFunc
}

// New wires the relay from config, store, and the chat shell.
func New(cfg *config.Config, store *state.Store, chat Chat) (*Relay, error) {
	injector, err := contextfiles.NewInjector(cfg.Context)
	if err != nil {
		return nil, fmt.Errorf("context config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:      cfg,
		store:    store,
		chat:     chat,
		queue:    convq.New(),
		invoker:  agent.New(cfg.Agent),
		ingestor: uploads.NewIngestor(cfg.Attachments, cfg.StateDir),
		resolver: uploads.NewResolver(cfg.Uploads, cfg.StateDir),
		injector: injector,
		baseCtx:  ctx,
		cancel:   cancel,
	}
	r.runAgentFn = r.invoker.Run

	r.tasksRunner = tasks.NewRunner(cfg.Tasks, cfg.Git, cfg.Handoff, store, tasks.Deps{
		Invoke:     r.invokeForTask,
		Post:       r.post,
		KillActive: r.invoker.Registry().Kill,
		AutoCommit: gitutil.AutoCommit,
		Handoff:    r.autoHandoff,
	})

	r.researchMgr = research.NewManager(cfg.Research, store, research.Deps{
		Invoke:      r.invokeManager,
		Post:        r.post,
		StartJob:    func(convKey, workdir, command string, w *state.JobWatchConfig, rb *state.ResearchRunBinding, env map[string]string) (*state.Job, error) {
			return r.jobsManager.Start(convKey, workdir, command, w, rb, env)
		},
		WatchJob:    func(convKey string, w state.JobWatchConfig) error { return r.jobsManager.Watch(convKey, w) },
		StopJob:     func(convKey string) (string, error) { return r.jobsManager.Stop(convKey) },
		AddTask:     r.tasksRunner.Add,
		RunTasks:    r.runTasksAsync,
		RequestStep: r.requestResearchStep,
	})
	r.ticker = research.NewTicker(r.researchMgr)

	r.jobsManager = jobs.NewManager(cfg.Jobs, cfg.StateDir, store, jobs.Hooks{
		Post:              r.post,
		AddTask:           func(convKey, text string) error { _, err := r.tasksRunner.Add(convKey, text); return err },
		RunTasks:          r.runTasksAsync,
		ResearchCompleted: r.onResearchJobDone,
	})

	r.plansSvc = plans.NewService(cfg.Plans, cfg.StateDir, store, plans.Deps{
		Generate: r.generateOneShot,
		AddTask:  r.tasksRunner.Add,
	})

	r.handoffWr = handoff.NewWriter(cfg.Handoff)
	r.dispatcher = commands.NewDispatcher(r)
	return r, nil
}

// Start recovers persisted watchers and launches the research ticker.
func (r *Relay) Start() {
	r.jobsManager.RecoverWatchers()
	if r.cfg.Research.Enabled {
		go r.ticker.Run(r.baseCtx)
	}
}

// Close stops background work. Jobs keep running detached; watchers are
// re-adopted on the next startup.
func (r *Relay) Close() {
	r.cancel()
	r.jobsManager.Close()
}

// projectsRoot is where research projects are scaffolded.
func (r *Relay) projectsRoot() string {
	if r.cfg.ResearchProjectsRoot != "" {
		return r.cfg.ResearchProjectsRoot
	}
	return filepath.Join(r.cfg.StateDir, "research")
}

// HandleMessage routes one inbound message. Called from the shell's gateway
// goroutine; agent turns are enqueued, commands run inline.
func (r *Relay) HandleMessage(msg Message) {
	r.store.Mutate(msg.ConvKey, func(s *state.Session) {
		s.LastChannelID = msg.ChannelID
		s.LastGuildID = msg.GuildID
	})

	if commands.IsCommand(msg.Content) {
		env := commands.Env{ConvKey: msg.ConvKey, IsDM: msg.IsDM, ChannelID: msg.ChannelID, GuildID: msg.GuildID}
		reply := r.dispatcher.Dispatch(env, msg.Content)
		if err := msg.Reply.Finalize(reply); err != nil {
			slog.Warn("command reply failed", "conv", msg.ConvKey, "error", err)
		}
		return
	}

	r.queue.Go(r.baseCtx, msg.ConvKey, func(ctx context.Context) error {
		r.agentTurn(ctx, msg)
		return nil
	}, nil)
}

// agentTurn runs the full per-message pipeline inside the conversation queue.
func (r *Relay) agentTurn(ctx context.Context, msg Message) {
	prompt, sessionID := r.buildPrompt(ctx, msg)

	var rep *progress.Reporter
	if r.cfg.Progress.Enabled {
		rep = progress.New(timedEditor(msg.Reply), r.progressOptions())
	}

	req := agent.Request{
		ConvKey:   msg.ConvKey,
		Workdir:   r.workdir(msg.ConvKey),
		Prompt:    prompt,
		SessionID: sessionID,
		OnNote: func(text string) {
			if rep != nil {
				rep.Note(text)
			}
		},
		OnSessionInvalid: func() {
			r.store.Mutate(msg.ConvKey, func(s *state.Session) { s.ThreadID = "" })
		},
	}
	res, err := r.runAgentFn(ctx, req)
	if rep != nil {
		rep.Stop()
	}
	if err != nil {
		r.finalize(msg, fmt.Sprintf("⚠ agent failed: %v", err))
		return
	}
	r.store.Mutate(msg.ConvKey, func(s *state.Session) { s.ThreadID = res.SessionID })

	text, files, notes := r.processOutput(msg.ConvKey, msg.IsDM, res.Text)
	notes = append(res.Notes, notes...)

	var b strings.Builder
	for _, n := range notes {
		b.WriteString("ℹ ")
		b.WriteString(n)
		b.WriteString("\n")
	}
	b.WriteString(text)
	r.finalize(msg, b.String())

	if len(files) > 0 {
		if err := r.chat.SendFiles(msg.ChannelID, "", files); err != nil {
			slog.Warn("upload send failed", "conv", msg.ConvKey, "error", err)
		}
	}
}

// buildPrompt assembles the user text plus attachment and context blocks, and
// returns the agent session id to resume.
func (r *Relay) buildPrompt(ctx context.Context, msg Message) (prompt, sessionID string) {
	var contextVersion int
	var workdir string
	r.store.View(msg.ConvKey, func(s *state.Session) {
		if s == nil {
			return
		}
		sessionID = s.ThreadID
		contextVersion = s.ContextVersion
		workdir = s.Workdir
	})
	if workdir == "" {
		workdir = r.cfg.Agent.DefaultWorkdir
	}

	var b strings.Builder
	if r.injector.ShouldInject(contextVersion) {
		b.WriteString(r.injector.Render(workdir))
		b.WriteString("\n\n")
		r.store.Mutate(msg.ConvKey, func(s *state.Session) {
			s.ContextVersion = r.injector.Version()
		})
	}
	b.WriteString(msg.Content)
	b.WriteString(r.ingestor.Ingest(ctx, msg.ConvKey, msg.Attachments))
	return b.String(), sessionID
}

// processOutput runs the outbound half of the pipeline on agent text: upload
// markers, then relay actions. Returns the cleaned text, the validated upload
// paths, and user-facing notes.
func (r *Relay) processOutput(convKey string, isDM bool, text string) (cleaned string, files, notes []string) {
	workdir := r.workdir(convKey)

	cleaned, paths := uploads.ExtractMarkers(text)
	files, uploadNotes := r.resolver.Resolve(r.ingestor.ConvDir(convKey), workdir, paths)
	notes = append(notes, uploadNotes...)

	maxActs := r.cfg.Actions.MaxPerMessage
	if maxActs <= 0 {
		maxActs = 5
	}
	cleaned, acts, actNotes := actions.Extract(cleaned, maxActs)
	notes = append(notes, actNotes...)

	if len(acts) > 0 {
		var auto bool
		r.store.View(convKey, func(s *state.Session) { auto = s != nil && s.Auto.Actions })
		if refusal := actions.Gate(r.cfg.Actions, isDM, auto, acts); refusal != "" {
			notes = append(notes, "actions not executed: "+refusal)
		} else {
			notes = append(notes, r.executeActions(convKey, workdir, acts)...)
		}
	}
	return cleaned, files, notes
}

// executeActions runs gated relay actions in order, one note per action.
func (r *Relay) executeActions(convKey, workdir string, acts []actions.Action) []string {
	var notes []string
	for _, a := range acts {
		switch a.Type {
		case "job_start":
			job, err := r.jobsManager.Start(convKey, workdir, a.Command, a.Watch, nil, nil)
			if err != nil {
				notes = append(notes, fmt.Sprintf("job_start failed: %v", err))
				continue
			}
			notes = append(notes, fmt.Sprintf("job %s started", job.ID))
		case "job_watch":
			w := a.Watch
			if w == nil {
				def, _ := actions.ValidateWatch(0, 0, "", false)
				w = &def
			}
			if err := r.jobsManager.Watch(convKey, *w); err != nil {
				notes = append(notes, fmt.Sprintf("job_watch failed: %v", err))
				continue
			}
			notes = append(notes, "job watch attached")
		case "job_stop":
			id, err := r.jobsManager.Stop(convKey)
			if err != nil {
				notes = append(notes, fmt.Sprintf("job_stop failed: %v", err))
				continue
			}
			notes = append(notes, fmt.Sprintf("job %s stopped", id))
		case "task_add":
			t, err := r.tasksRunner.Add(convKey, a.Text)
			if err != nil {
				notes = append(notes, fmt.Sprintf("task_add failed: %v", err))
				continue
			}
			notes = append(notes, fmt.Sprintf("task %s queued", t.ID))
		case "task_run":
			if r.tasksRunner.Active(convKey) {
				notes = append(notes, "task_run skipped: runner already active")
				continue
			}
			r.runTasksAsync(convKey)
			notes = append(notes, "task runner started")
		}
	}
	return notes
}

// invokeForTask is the task runner's agent entry point. It resumes the
// conversation session and runs the outbound pipeline; results are posted by
// the runner, uploads directly by us.
func (r *Relay) invokeForTask(ctx context.Context, convKey, prompt string) (string, error) {
	var sessionID string
	r.store.View(convKey, func(s *state.Session) {
		if s != nil {
			sessionID = s.ThreadID
		}
	})
	res, err := r.runAgentFn(ctx, agent.Request{
		ConvKey:   convKey,
		Workdir:   r.workdir(convKey),
		Prompt:    prompt,
		SessionID: sessionID,
		OnSessionInvalid: func() {
			r.store.Mutate(convKey, func(s *state.Session) { s.ThreadID = "" })
		},
	})
	if err != nil {
		return "", err
	}
	r.store.Mutate(convKey, func(s *state.Session) { s.ThreadID = res.SessionID })

	text, files, notes := r.processOutput(convKey, state.IsDM(convKey), res.Text)
	if len(files) > 0 {
		var channelID string
		r.store.View(convKey, func(s *state.Session) {
			if s != nil {
				channelID = s.LastChannelID
			}
		})
		if channelID != "" {
			if err := r.chat.SendFiles(channelID, "", files); err != nil {
				slog.Warn("upload send failed", "conv", convKey, "error", err)
			}
		}
	}
	for _, n := range notes {
		r.post(convKey, "ℹ "+n)
	}
	return text, nil
}

// invokeManager runs the research manager's agent turn in its dedicated
// conversation key, resuming its own session.
func (r *Relay) invokeManager(ctx context.Context, managerConvKey, workdir, prompt string) (string, error) {
	var sessionID string
	r.store.View(managerConvKey, func(s *state.Session) {
		if s != nil {
			sessionID = s.ThreadID
		}
	})
	res, err := r.runAgentFn(ctx, agent.Request{
		ConvKey:   managerConvKey,
		Workdir:   workdir,
		Prompt:    prompt,
		SessionID: sessionID,
		OnSessionInvalid: func() {
			r.store.Mutate(managerConvKey, func(s *state.Session) { s.ThreadID = "" })
		},
	})
	if err != nil {
		return "", err
	}
	r.store.Mutate(managerConvKey, func(s *state.Session) { s.ThreadID = res.SessionID })
	return res.Text, nil
}

// generateOneShot runs a stateless, read-only agent invocation (plans).
func (r *Relay) generateOneShot(ctx context.Context, workdir, prompt string) (string, error) {
	res, err := r.runAgentFn(ctx, agent.Request{
		ConvKey:   "oneshot:" + state.NewStampedID(),
		Workdir:   workdir,
		Prompt:    prompt,
		Ephemeral: true,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// post delivers text to the conversation's last known channel.
func (r *Relay) post(convKey, text string) {
	var channelID string
	r.store.View(convKey, func(s *state.Session) {
		if s != nil {
			channelID = s.LastChannelID
		}
	})
	if channelID == "" {
		slog.Warn("post dropped: no known channel", "conv", convKey)
		return
	}
	if err := r.chat.Send(channelID, text); err != nil {
		slog.Warn("post failed", "conv", convKey, "error", err)
	}
}

// runTasksAsync schedules the task runner onto the conversation queue.
func (r *Relay) runTasksAsync(convKey string) {
	r.queue.Go(r.baseCtx, convKey, func(ctx context.Context) error {
		return r.tasksRunner.Run(ctx, convKey)
	}, func(err error) {
		r.post(convKey, fmt.Sprintf("⚠ task run failed: %v", err))
	})
}

// onResearchJobDone enqueues the research completion hook onto the owning
// conversation key so it never races a user turn or an auto-step.
func (r *Relay) onResearchJobDone(convKey string, job state.Job) {
	r.queue.Go(r.baseCtx, convKey, func(context.Context) error {
		r.researchMgr.HandleJobCompletion(convKey, job)
		return nil
	}, nil)
}

// requestResearchStep schedules an autonomous manager step onto the
// conversation queue, keeping strict ordering with user turns.
func (r *Relay) requestResearchStep(convKey string) {
	r.queue.Go(r.baseCtx, convKey, func(ctx context.Context) error {
		out, err := r.researchMgr.Step(ctx, convKey, false)
		if err != nil {
			slog.Warn("research auto-step failed", "conv", convKey, "error", err)
			return nil // the manager already posted and blocked the project
		}
		slog.Debug("research auto-step", "conv", convKey, "result", out)
		return nil
	}, nil)
}

// autoHandoff writes a handoff entry without user involvement.
func (r *Relay) autoHandoff(convKey string) {
	snap := r.sessionSnapshot(convKey)
	if snap == nil {
		return
	}
	if _, err := r.handoffWr.Write(snap, handoff.Options{}); err != nil {
		slog.Warn("auto handoff failed", "conv", convKey, "error", err)
	}
}

// sessionSnapshot deep-copies enough of the session for read-only renderers.
func (r *Relay) sessionSnapshot(convKey string) *state.Session {
	var snap *state.Session
	r.store.View(convKey, func(s *state.Session) {
		if s == nil {
			return
		}
		cp := *s
		cp.Tasks = make([]*state.Task, len(s.Tasks))
		for i, t := range s.Tasks {
			tc := *t
			cp.Tasks[i] = &tc
		}
		cp.Jobs = make([]*state.Job, len(s.Jobs))
		for i, j := range s.Jobs {
			jc := *j
			cp.Jobs[i] = &jc
		}
		cp.Plans = append([]*state.Plan(nil), s.Plans...)
		snap = &cp
	})
	return snap
}

func (r *Relay) workdir(convKey string) string {
	var wd string
	r.store.View(convKey, func(s *state.Session) {
		if s != nil {
			wd = s.Workdir
		}
	})
	if wd == "" {
		wd = r.cfg.Agent.DefaultWorkdir
	}
	return wd
}

func (r *Relay) finalize(msg Message, text string) {
	if err := msg.Reply.Finalize(text); err != nil {
		slog.Warn("reply delivery failed", "conv", msg.ConvKey, "error", err)
	}
}

// timedEditor adapts a Replier to the progress editor, honoring the per-edit
// context so a stalled chat call cannot wedge the reporter.
func timedEditor(reply Replier) progress.Editor {
	return progress.EditorFunc(func(ctx context.Context, text string) error {
		done := make(chan error, 1)
		go func() { done <- reply.Edit(text) }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

func (r *Relay) progressOptions() progress.Options {
	p := r.cfg.Progress
	return progress.Options{
		MinEdit:     time.Duration(p.MinEditMs) * time.Millisecond,
		Heartbeat:   time.Duration(p.HeartbeatMs) * time.Millisecond,
		EditTimeout: time.Duration(p.EditTimeoutMs) * time.Millisecond,
		StallWarn:   time.Duration(p.StallWarnMs) * time.Millisecond,
		KeepLines:   p.KeepLines,
		MaxLines:    p.MaxLines,
		RunTimeout:  r.cfg.Agent.Timeout(),
	}
}
