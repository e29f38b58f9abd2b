package relay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/relaydeck/internal/commands"
	"github.com/nextlevelbuilder/relaydeck/internal/gitutil"
	"github.com/nextlevelbuilder/relaydeck/internal/handoff"
	"github.com/nextlevelbuilder/relaydeck/internal/plans"
	"github.com/nextlevelbuilder/relaydeck/internal/state"
	"github.com/nextlevelbuilder/relaydeck/internal/tasks"
)

// The relay is the command backend: every slash command handler lives here
// and returns the reply text. Long-running handlers enqueue their work and
// reply immediately.

const helpText = `**Commands**
/status — session overview
/reset — start a fresh agent session
/workdir <path> — set the working directory
/attach <session-id> — attach to an existing agent session
/upload <path> — post a file from the workdir
/context [reload] — show or re-inject workdir context files
/task add <text> | list | run | stop | clear [done|all]
/go <task> — add a task and run the queue
/worktree list | new <name> [--from <ref>] [--use] | use <name> | rm <name> [--force] | prune
/plan <request> | list | show [id|last] | queue <id|last> [--run] | apply <id> [--confirm]
/handoff [--dry-run] [--commit|--no-commit] [--push|--no-push]
/research start <goal> | status | run | step | pause | stop | note <text>
/overnight start <goal> | status | stop
/auto {actions|research} {on|off}`

func (r *Relay) Help() string { return helpText }

func (r *Relay) Status(convKey string) string {
	snap := r.sessionSnapshot(convKey)
	if snap == nil {
		return "no session yet — say something first"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**Session** %s\n", convKey)
	fmt.Fprintf(&b, "workdir: %s\n", snap.Workdir)
	if snap.ThreadID != "" {
		fmt.Fprintf(&b, "agent session: %s (resumable)\n", snap.ThreadID)
	} else {
		b.WriteString("agent session: none (next message starts fresh)\n")
	}

	var pending, done, failed, blocked int
	for _, t := range snap.Tasks {
		switch t.Status {
		case state.TaskPending:
			pending++
		case state.TaskDone:
			done++
		case state.TaskFailed:
			failed++
		case state.TaskBlocked:
			blocked++
		}
	}
	fmt.Fprintf(&b, "tasks: %d pending, %d done, %d failed, %d blocked", pending, done, failed, blocked)
	if snap.TaskLoop.Running {
		fmt.Fprintf(&b, " — runner active (%s)", snap.TaskLoop.CurrentTaskID)
	}
	b.WriteString("\n")

	if j := snap.RunningJob(); j != nil {
		fmt.Fprintf(&b, "running job: %s (pid %d)\n", j.ID, j.PID)
	}
	if p := snap.LatestPlan(); p != nil {
		fmt.Fprintf(&b, "latest plan: %s — %s\n", p.ID, p.Title)
	}
	fmt.Fprintf(&b, "auto: actions %v, research %v\n", snap.Auto.Actions, snap.Auto.Research)
	if snap.Research.Enabled {
		fmt.Fprintf(&b, "research project: %s\n", snap.Research.ProjectRoot)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Relay) Reset(convKey string) string {
	r.store.Mutate(convKey, func(s *state.Session) {
		s.ThreadID = ""
		s.ContextVersion = 0
	})
	return "🔄 session reset — the next message starts a fresh agent session"
}

func (r *Relay) SetWorkdir(convKey, path string) string {
	if !filepath.IsAbs(path) {
		return "⚠ workdir must be an absolute path"
	}
	path = filepath.Clean(path)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return fmt.Sprintf("⚠ not a directory: %s", path)
	}
	if len(r.cfg.Agent.AllowedWorkdirRoots) > 0 {
		ok := false
		for _, root := range r.cfg.Agent.AllowedWorkdirRoots {
			if insideRoot(path, root) {
				ok = true
				break
			}
		}
		if !ok {
			return "⚠ path is outside the allowed workdir roots"
		}
	}
	r.store.Mutate(convKey, func(s *state.Session) {
		s.Workdir = path
		s.ThreadID = "" // a new workdir means a new agent session
		s.ContextVersion = 0
	})
	return "workdir set to " + path + " (session reset)"
}

func (r *Relay) Attach(env commands.Env, sessionID string) string {
	if r.cfg.Agent.AttachDmOnly && !env.IsDM {
		return "⚠ /attach is only available in DMs"
	}
	r.store.Mutate(env.ConvKey, func(s *state.Session) {
		s.ThreadID = sessionID
	})
	return "attached to agent session " + sessionID
}

func (r *Relay) Upload(env commands.Env, path string) string {
	files, notes := r.resolver.Resolve(r.ingestor.ConvDir(env.ConvKey), r.workdir(env.ConvKey), []string{path})
	if len(files) == 0 {
		if len(notes) > 0 {
			return "⚠ " + strings.Join(notes, "; ")
		}
		return "⚠ could not resolve " + path
	}
	if err := r.chat.SendFiles(env.ChannelID, "", files); err != nil {
		return fmt.Sprintf("⚠ upload failed: %v", err)
	}
	return "uploaded " + filepath.Base(files[0])
}

func (r *Relay) ContextInfo(convKey string) string {
	if !r.cfg.Context.Enabled || len(r.cfg.Context.Specs) == 0 {
		return "context injection is disabled"
	}
	var sessionVersion int
	r.store.View(convKey, func(s *state.Session) {
		if s != nil {
			sessionVersion = s.ContextVersion
		}
	})
	var b strings.Builder
	fmt.Fprintf(&b, "context files (version %d, session has %d):\n", r.injector.Version(), sessionVersion)
	for _, spec := range r.cfg.Context.Specs {
		fmt.Fprintf(&b, "- %s\n", spec)
	}
	if r.cfg.Context.EveryTurn {
		b.WriteString("injected every turn")
	} else if r.injector.ShouldInject(sessionVersion) {
		b.WriteString("will be injected on the next message")
	} else {
		b.WriteString("already injected; `/context reload` to re-inject")
	}
	return b.String()
}

func (r *Relay) ContextReload(convKey string) string {
	r.store.Mutate(convKey, func(s *state.Session) {
		s.ContextVersion = 0
	})
	return "context will be re-injected on the next message"
}

// --- tasks ---

func (r *Relay) TaskAdd(convKey, text string) string {
	t, err := r.tasksRunner.Add(convKey, text)
	if err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	var pending int
	r.store.View(convKey, func(s *state.Session) {
		if s != nil {
			pending = s.PendingTasks()
		}
	})
	return fmt.Sprintf("queued %s (%d pending)", t.ID, pending)
}

func (r *Relay) TaskList(convKey string) string {
	snap := r.sessionSnapshot(convKey)
	if snap == nil || len(snap.Tasks) == 0 {
		return "no tasks"
	}
	var b strings.Builder
	for _, t := range snap.Tasks {
		fmt.Fprintf(&b, "%s [%s] %s", t.ID, t.Status, t.Text)
		if t.LastError != "" {
			fmt.Fprintf(&b, " — %s", t.LastError)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Relay) TaskRun(env commands.Env) string {
	if r.tasksRunner.Active(env.ConvKey) {
		return "task runner is already active"
	}
	var pending int
	r.store.View(env.ConvKey, func(s *state.Session) {
		if s != nil {
			pending = s.PendingTasks()
		}
	})
	if pending == 0 {
		return "no pending tasks"
	}
	r.runTasksAsync(env.ConvKey)
	return fmt.Sprintf("▶ task runner started (%d pending)", pending)
}

func (r *Relay) TaskStop(convKey string) string {
	if r.tasksRunner.Stop(convKey) {
		return "⏹ stop requested — the current task will be canceled"
	}
	return "task runner is not active"
}

func (r *Relay) TaskClear(convKey, scope string) string {
	n := r.tasksRunner.Clear(convKey, scope)
	return fmt.Sprintf("cleared %d tasks (%s)", n, scope)
}

func (r *Relay) TaskActive(convKey string) bool {
	return r.tasksRunner.Active(convKey)
}

// --- worktrees ---

func (r *Relay) WorktreeList(convKey string) string {
	wd := r.workdir(convKey)
	if !gitutil.IsRepo(wd) {
		return "⚠ workdir is not a git repository"
	}
	wts, err := gitutil.Worktrees(wd)
	if err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	var b strings.Builder
	for _, wt := range wts {
		fmt.Fprintf(&b, "- %s", wt.Path)
		if wt.Branch != "" {
			fmt.Fprintf(&b, " (%s)", wt.Branch)
		}
		if wt.Path == wd {
			b.WriteString(" ← current")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Relay) WorktreeNew(convKey, name, fromRef string, use bool) string {
	wd := r.workdir(convKey)
	if !gitutil.IsRepo(wd) {
		return "⚠ workdir is not a git repository"
	}
	path, err := gitutil.AddWorktree(wd, name, fromRef)
	if err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	reply := "worktree created at " + path
	if use {
		reply += "\n" + r.SetWorkdir(convKey, path)
	}
	return reply
}

func (r *Relay) WorktreeUse(convKey, name string) string {
	wd := r.workdir(convKey)
	wts, err := gitutil.Worktrees(wd)
	if err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	for _, wt := range wts {
		if wt.Branch == name || filepath.Base(wt.Path) == name {
			return r.SetWorkdir(convKey, wt.Path)
		}
	}
	return fmt.Sprintf("⚠ no worktree named %q", name)
}

func (r *Relay) WorktreeRemove(convKey, name string, force bool) string {
	wd := r.workdir(convKey)
	wts, err := gitutil.Worktrees(wd)
	if err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	for _, wt := range wts {
		if wt.Branch == name || filepath.Base(wt.Path) == name {
			if wt.Path == wd {
				return "⚠ refusing to remove the current workdir; `/worktree use` another first"
			}
			if err := gitutil.RemoveWorktree(wd, wt.Path, force); err != nil {
				return fmt.Sprintf("⚠ %v", err)
			}
			return "worktree removed: " + wt.Path
		}
	}
	return fmt.Sprintf("⚠ no worktree named %q", name)
}

func (r *Relay) WorktreePrune(convKey string) string {
	if err := gitutil.PruneWorktrees(r.workdir(convKey)); err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	return "stale worktrees pruned"
}

// --- plans ---

func (r *Relay) PlanCreate(env commands.Env, request string) string {
	if !r.cfg.Plans.Enabled {
		return "⚠ plans are disabled"
	}
	r.queue.Go(r.baseCtx, env.ConvKey, func(ctx context.Context) error {
		plan, err := r.plansSvc.Create(ctx, env.ConvKey, request)
		if err != nil {
			r.post(env.ConvKey, fmt.Sprintf("⚠ plan generation failed: %v", err))
			return nil
		}
		text, _ := r.plansSvc.Read(plan)
		steps := plans.ParseTaskBreakdown(text)
		r.post(env.ConvKey, fmt.Sprintf("🧭 plan %s ready — **%s** (%d steps)\n`/plan show %s` · `/plan queue %s`",
			plan.ID, plan.Title, len(steps), plan.ID, plan.ID))
		return nil
	}, nil)
	return "🧭 planning… I'll post the result here"
}

func (r *Relay) PlanList(convKey string) string {
	snap := r.sessionSnapshot(convKey)
	if snap == nil || len(snap.Plans) == 0 {
		return "no plans yet — `/plan <request>` to create one"
	}
	var b strings.Builder
	for _, p := range snap.Plans {
		fmt.Fprintf(&b, "- %s — %s (%s)\n", p.ID, p.Title, p.CreatedAt.Format("2006-01-02 15:04"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Relay) PlanShow(convKey, id string) string {
	plan, err := r.plansSvc.Find(convKey, id)
	if err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	text, err := r.plansSvc.Read(plan)
	if err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	return fmt.Sprintf("**%s** (%s)\n\n%s", plan.Title, plan.ID, text)
}

func (r *Relay) PlanQueue(env commands.Env, id string, run bool) string {
	plan, err := r.plansSvc.Find(env.ConvKey, id)
	if err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	queued, skipped, err := r.plansSvc.Queue(env.ConvKey, plan)
	if err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	reply := fmt.Sprintf("queued %d tasks from %s (%d duplicates skipped)", queued, plan.ID, skipped)
	if run && queued > 0 {
		reply += "\n" + r.TaskRun(env)
	}
	return reply
}

func (r *Relay) PlanApply(env commands.Env, id string, confirm bool) string {
	plan, err := r.plansSvc.Find(env.ConvKey, id)
	if err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	if r.cfg.Plans.ApplyConfirmInGuilds && !env.IsDM && !confirm {
		return fmt.Sprintf("applying a plan in a channel needs confirmation: `/plan apply %s --confirm`", plan.ID)
	}
	text, err := r.plansSvc.Read(plan)
	if err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	r.queue.Go(r.baseCtx, env.ConvKey, func(ctx context.Context) error {
		out, err := r.invokeForTask(ctx, env.ConvKey, plans.ApplyPrompt(text))
		if err != nil {
			r.post(env.ConvKey, fmt.Sprintf("⚠ plan apply failed: %v", err))
			return nil
		}
		r.post(env.ConvKey, tasks.StripMarkers(out))
		if r.cfg.Handoff.AutoAfterPlanApply {
			r.autoHandoff(env.ConvKey)
		}
		return nil
	}, nil)
	return fmt.Sprintf("▶ applying plan %s — %s", plan.ID, plan.Title)
}

// --- handoff ---

func (r *Relay) Handoff(env commands.Env, opts commands.HandoffOpts) string {
	snap := r.sessionSnapshot(env.ConvKey)
	if snap == nil {
		return "no session yet"
	}
	summary, err := r.handoffWr.Write(snap, handoff.Options{
		DryRun: opts.DryRun,
		Commit: opts.Commit,
		Push:   opts.Push,
	})
	if err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	return summary
}

// --- research ---

func (r *Relay) researchGate(env commands.Env) string {
	if !r.cfg.Research.Enabled {
		return "⚠ research is disabled"
	}
	if r.cfg.Research.DmOnly && !env.IsDM {
		return "⚠ research is only available in DMs"
	}
	return ""
}

func (r *Relay) ResearchStart(env commands.Env, goal string) string {
	if msg := r.researchGate(env); msg != "" {
		return msg
	}
	st, err := r.researchMgr.Start(r.projectsRoot(), env.ConvKey, goal)
	if err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	return fmt.Sprintf("🔬 research project created\ngoal: %s\nproject: %s\n`/research run` to start the loop, `/research note feedback: …` to steer it",
		st.Goal, st.ProjectRoot)
}

func (r *Relay) ResearchStatus(convKey string) string {
	out, err := r.researchMgr.Status(convKey)
	if err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	return out
}

func (r *Relay) ResearchRun(env commands.Env) string {
	if msg := r.researchGate(env); msg != "" {
		return msg
	}
	if err := r.researchMgr.Resume(env.ConvKey); err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	r.store.Mutate(env.ConvKey, func(s *state.Session) { s.Auto.Research = true })
	r.requestResearchStep(env.ConvKey)
	return "▶ research loop running — I'll post progress here"
}

func (r *Relay) ResearchStep(env commands.Env) string {
	if msg := r.researchGate(env); msg != "" {
		return msg
	}
	r.queue.Go(r.baseCtx, env.ConvKey, func(ctx context.Context) error {
		out, err := r.researchMgr.Step(ctx, env.ConvKey, true)
		if err != nil {
			r.post(env.ConvKey, fmt.Sprintf("⚠ research step failed: %v", err))
			return nil
		}
		r.post(env.ConvKey, "research: "+out)
		return nil
	}, nil)
	return "research step queued"
}

func (r *Relay) ResearchPause(convKey string) string {
	if err := r.researchMgr.Pause(convKey); err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	return "⏸ research paused — `/research run` to resume"
}

func (r *Relay) ResearchStop(convKey string) string {
	if err := r.researchMgr.Stop(convKey); err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	return "⏹ research stopped and unbound from this conversation"
}

func (r *Relay) ResearchNote(convKey, text string) string {
	if err := r.researchMgr.Note(convKey, text); err != nil {
		return fmt.Sprintf("⚠ %v", err)
	}
	return "noted — the manager sees it on its next step"
}

// --- autonomy ---

func (r *Relay) AutoSet(convKey, which string, on bool) string {
	r.store.Mutate(convKey, func(s *state.Session) {
		switch which {
		case "actions":
			s.Auto.Actions = on
		case "research":
			s.Auto.Research = on
		}
	})
	setting := "off"
	if on {
		setting = "on"
	}
	return fmt.Sprintf("auto %s is now %s", which, setting)
}

func (r *Relay) Go(env commands.Env, task string) string {
	// The dispatcher routes /go through TaskAdd + TaskRun; this exists for
	// completeness of the backend surface.
	if reply := r.TaskAdd(env.ConvKey, task); strings.HasPrefix(reply, "⚠") {
		return reply
	}
	return r.TaskRun(env)
}

func insideRoot(path, root string) bool {
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(root), path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
