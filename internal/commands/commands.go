// Package commands parses the slash-command surface and routes to the relay
// backend. Parsing is first-token + rest, applied recursively for
// sub-commands; handlers return the reply text.
package commands

import (
	"regexp"
	"strings"
)

// commandRe matches messages that are slash commands.
var commandRe = regexp.MustCompile(`^/(help|status|reset|workdir|attach|upload|context|task|worktree|plan|handoff|research|auto|go|overnight)\b`)

// Env carries per-message context into handlers.
type Env struct {
	ConvKey   string
	IsDM      bool
	ChannelID string
	GuildID   string
}

// HandoffOpts are the parsed /handoff flags.
type HandoffOpts struct {
	DryRun bool
	Commit *bool
	Push   *bool
}

// Backend is the relay surface the dispatcher routes into. Handlers return
// the reply text; long-running work is enqueued internally.
type Backend interface {
	Help() string
	Status(convKey string) string
	Reset(convKey string) string
	SetWorkdir(convKey, path string) string
	Attach(env Env, sessionID string) string
	Upload(env Env, path string) string
	ContextInfo(convKey string) string
	ContextReload(convKey string) string

	TaskAdd(convKey, text string) string
	TaskList(convKey string) string
	TaskRun(env Env) string
	TaskStop(convKey string) string
	TaskClear(convKey, scope string) string
	TaskActive(convKey string) bool

	WorktreeList(convKey string) string
	WorktreeNew(convKey, name, fromRef string, use bool) string
	WorktreeUse(convKey, name string) string
	WorktreeRemove(convKey, name string, force bool) string
	WorktreePrune(convKey string) string

	PlanCreate(env Env, request string) string
	PlanList(convKey string) string
	PlanShow(convKey, id string) string
	PlanQueue(env Env, id string, run bool) string
	PlanApply(env Env, id string, confirm bool) string

	Handoff(env Env, opts HandoffOpts) string

	ResearchStart(env Env, goal string) string
	ResearchStatus(convKey string) string
	ResearchRun(env Env) string
	ResearchStep(env Env) string
	ResearchPause(convKey string) string
	ResearchStop(convKey string) string
	ResearchNote(convKey, text string) string

	AutoSet(convKey, which string, on bool) string
	Go(env Env, task string) string
}

// Dispatcher routes parsed commands to the backend.
type Dispatcher struct {
	b Backend
}

// NewDispatcher wraps a backend.
func NewDispatcher(b Backend) *Dispatcher { return &Dispatcher{b: b} }

// IsCommand reports whether content is a slash command the relay owns.
func IsCommand(content string) bool {
	return commandRe.MatchString(strings.TrimSpace(content))
}

// split returns the first token and the trimmed rest.
func split(s string) (head, rest string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t\n"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}

const busyRefusal = "Refusing while task runner is active. Run `/task stop` first."

// refusedWhileBusy lists the commands blocked during a task run. /status,
// /task stop, research status/note stay available.
func (d *Dispatcher) refusedWhileBusy(cmd, rest string) bool {
	sub, _ := split(rest)
	switch cmd {
	case "workdir", "reset", "attach", "go":
		return true
	case "overnight":
		return sub != "status"
	case "research":
		return sub != "status" && sub != "note"
	case "context":
		return sub == "reload"
	}
	return false
}

// Dispatch parses content and runs the handler. Returns the reply text.
func (d *Dispatcher) Dispatch(env Env, content string) string {
	content = strings.TrimSpace(content)
	cmd, rest := split(strings.TrimPrefix(content, "/"))
	cmd = strings.ToLower(cmd)

	if cmd != "status" && !(cmd == "task" && strings.HasPrefix(rest, "stop")) &&
		d.b.TaskActive(env.ConvKey) && d.refusedWhileBusy(cmd, rest) {
		return busyRefusal
	}

	switch cmd {
	case "help":
		return d.b.Help()
	case "status":
		return d.b.Status(env.ConvKey)
	case "reset":
		return d.b.Reset(env.ConvKey)
	case "workdir":
		if rest == "" {
			return "usage: /workdir <absolute-path>"
		}
		return d.b.SetWorkdir(env.ConvKey, rest)
	case "attach":
		if rest == "" {
			return "usage: /attach <session-id>"
		}
		return d.b.Attach(env, rest)
	case "upload":
		if rest == "" {
			return "usage: /upload <path>"
		}
		return d.b.Upload(env, rest)
	case "context":
		sub, _ := split(rest)
		switch sub {
		case "":
			return d.b.ContextInfo(env.ConvKey)
		case "reload":
			return d.b.ContextReload(env.ConvKey)
		}
		return "usage: /context [reload]"
	case "task":
		return d.task(env, rest)
	case "worktree":
		return d.worktree(env, rest)
	case "plan":
		return d.plan(env, rest)
	case "handoff":
		return d.b.Handoff(env, parseHandoffOpts(rest))
	case "research":
		return d.research(env, rest)
	case "auto":
		return d.auto(env, rest)
	case "go":
		if rest == "" {
			return "usage: /go <task>"
		}
		if reply := d.b.TaskAdd(env.ConvKey, rest); strings.HasPrefix(reply, "⚠") {
			return reply
		}
		return d.b.TaskRun(env)
	case "overnight":
		return d.overnight(env, rest)
	}
	return "unknown command; try /help"
}

func (d *Dispatcher) task(env Env, rest string) string {
	sub, arg := split(rest)
	switch sub {
	case "add":
		if arg == "" {
			return "usage: /task add <text>"
		}
		return d.b.TaskAdd(env.ConvKey, arg)
	case "list", "":
		return d.b.TaskList(env.ConvKey)
	case "run":
		return d.b.TaskRun(env)
	case "stop":
		return d.b.TaskStop(env.ConvKey)
	case "clear":
		scope := "done"
		if arg == "all" {
			scope = "all"
		}
		return d.b.TaskClear(env.ConvKey, scope)
	}
	return "usage: /task {add <text>|list|run|stop|clear [done|all]}"
}

func (d *Dispatcher) worktree(env Env, rest string) string {
	sub, arg := split(rest)
	switch sub {
	case "list", "":
		return d.b.WorktreeList(env.ConvKey)
	case "new":
		name, flags := split(arg)
		if name == "" {
			return "usage: /worktree new <name> [--from <ref>] [--use]"
		}
		fromRef := flagValue(flags, "--from")
		return d.b.WorktreeNew(env.ConvKey, name, fromRef, hasFlag(flags, "--use"))
	case "use":
		if arg == "" {
			return "usage: /worktree use <name>"
		}
		return d.b.WorktreeUse(env.ConvKey, arg)
	case "rm":
		name, flags := split(arg)
		if name == "" {
			return "usage: /worktree rm <name> [--force]"
		}
		return d.b.WorktreeRemove(env.ConvKey, name, hasFlag(flags, "--force"))
	case "prune":
		return d.b.WorktreePrune(env.ConvKey)
	}
	return "usage: /worktree {list|new <name> [--from <ref>] [--use]|use <name>|rm <name> [--force]|prune}"
}

func (d *Dispatcher) plan(env Env, rest string) string {
	sub, arg := split(rest)
	switch sub {
	case "":
		return "usage: /plan [<request>|list|show [id|last]|queue <id|last> [--run]|apply <id> [--confirm]]"
	case "list":
		return d.b.PlanList(env.ConvKey)
	case "show":
		id := arg
		if id == "" {
			id = "last"
		}
		return d.b.PlanShow(env.ConvKey, id)
	case "queue":
		id, flags := split(arg)
		if id == "" {
			id = "last"
		}
		return d.b.PlanQueue(env, id, hasFlag(flags, "--run"))
	case "apply":
		id, flags := split(arg)
		if id == "" {
			return "usage: /plan apply <id> [--confirm]"
		}
		return d.b.PlanApply(env, id, hasFlag(flags, "--confirm"))
	default:
		// Anything else is a plan request.
		return d.b.PlanCreate(env, rest)
	}
}

func (d *Dispatcher) research(env Env, rest string) string {
	sub, arg := split(rest)
	switch sub {
	case "start":
		if arg == "" {
			return "usage: /research start <goal>"
		}
		return d.b.ResearchStart(env, arg)
	case "status", "":
		return d.b.ResearchStatus(env.ConvKey)
	case "run":
		return d.b.ResearchRun(env)
	case "step":
		return d.b.ResearchStep(env)
	case "pause":
		return d.b.ResearchPause(env.ConvKey)
	case "stop":
		return d.b.ResearchStop(env.ConvKey)
	case "note":
		if arg == "" {
			return "usage: /research note <text>"
		}
		return d.b.ResearchNote(env.ConvKey, arg)
	}
	return "usage: /research {start <goal>|status|run|step|pause|stop|note <text>}"
}

func (d *Dispatcher) auto(env Env, rest string) string {
	which, setting := split(rest)
	if (which != "actions" && which != "research") || (setting != "on" && setting != "off") {
		return "usage: /auto {actions|research} {on|off}"
	}
	return d.b.AutoSet(env.ConvKey, which, setting == "on")
}

// overnight is the research loop with an auto-run kickoff.
func (d *Dispatcher) overnight(env Env, rest string) string {
	sub, arg := split(rest)
	switch sub {
	case "start":
		if arg == "" {
			return "usage: /overnight start <goal>"
		}
		reply := d.b.ResearchStart(env, arg)
		return reply + "\n" + d.b.ResearchRun(env)
	case "status", "":
		return d.b.ResearchStatus(env.ConvKey)
	case "stop":
		return d.b.ResearchStop(env.ConvKey)
	}
	return "usage: /overnight {start <goal>|status|stop}"
}

func parseHandoffOpts(rest string) HandoffOpts {
	opts := HandoffOpts{}
	for _, f := range strings.Fields(rest) {
		switch f {
		case "--dry-run":
			opts.DryRun = true
		case "--commit":
			v := true
			opts.Commit = &v
		case "--no-commit":
			v := false
			opts.Commit = &v
		case "--push":
			v := true
			opts.Push = &v
		case "--no-push":
			v := false
			opts.Push = &v
		}
	}
	return opts
}

func hasFlag(flags, name string) bool {
	for _, f := range strings.Fields(flags) {
		if f == name {
			return true
		}
	}
	return false
}

func flagValue(flags, name string) string {
	fields := strings.Fields(flags)
	for i, f := range fields {
		if f == name && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}
