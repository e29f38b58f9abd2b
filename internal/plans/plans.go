// Package plans generates plan documents with one-shot agent calls, stores
// them on disk, and turns their task breakdowns into queued tasks.
package plans

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
	"github.com/nextlevelbuilder/relaydeck/internal/gitutil"
	"github.com/nextlevelbuilder/relaydeck/internal/state"
)

// Deps are the collaborators the plan service calls back into.
type Deps struct {
	// Generate runs a one-shot, stateless, read-only agent invocation.
	Generate func(ctx context.Context, workdir, prompt string) (string, error)
	// AddTask enqueues a pending task, enforcing the queue cap.
	AddTask func(convKey, text string) (*state.Task, error)
}

// Service owns plan creation, lookup, and queueing.
type Service struct {
	cfg      config.PlansConfig
	stateDir string
	store    *state.Store
	deps     Deps
}

// NewService creates a plan service persisting under stateDir.
func NewService(cfg config.PlansConfig, stateDir string, store *state.Store, deps Deps) *Service {
	return &Service{cfg: cfg, stateDir: stateDir, store: store, deps: deps}
}

func planPrompt(request, repoCtx string) string {
	var b strings.Builder
	b.WriteString("Produce a concise implementation plan in Markdown for the request below.\n")
	b.WriteString("Include a `## Task breakdown` section listing concrete, independent steps as markdown task-list items (`- [ ] step`).\n")
	b.WriteString("Do not make any changes; this is planning only.\n\n")
	if repoCtx != "" {
		b.WriteString("[Repository context]\n")
		b.WriteString(repoCtx)
		b.WriteString("\n")
	}
	b.WriteString("[Request]\n")
	b.WriteString(request)
	return b.String()
}

// Create runs a one-shot plan generation, writes the plan file, and records
// it in the session.
func (sv *Service) Create(ctx context.Context, convKey, request string) (*state.Plan, error) {
	if !sv.cfg.Enabled {
		return nil, fmt.Errorf("plans are disabled")
	}
	request = strings.TrimSpace(request)
	if request == "" {
		return nil, fmt.Errorf("plan request must not be empty")
	}

	var workdir string
	sv.store.View(convKey, func(s *state.Session) {
		if s != nil {
			workdir = s.Workdir
		}
	})

	text, err := sv.deps.Generate(ctx, workdir, planPrompt(request, gitutil.RepoContext(workdir)))
	if err != nil {
		return nil, fmt.Errorf("plan generation failed: %w", err)
	}

	plan := &state.Plan{
		ID:        state.NewStampedID(),
		CreatedAt: time.Now(),
		Title:     planTitle(text, request),
		Workdir:   workdir,
		Request:   request,
	}
	dir := filepath.Join(sv.stateDir, "plans", state.Slug(convKey))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plans dir: %w", err)
	}
	plan.Path = filepath.Join(dir, plan.ID+".md")
	if err := os.WriteFile(plan.Path, []byte(text), 0o644); err != nil {
		return nil, fmt.Errorf("write plan file: %w", err)
	}

	sv.store.Mutate(convKey, func(s *state.Session) {
		s.AppendPlan(plan, sv.cfg.MaxHistory)
	})
	return plan, nil
}

func planTitle(text, request string) string {
	for _, line := range strings.Split(text, "\n") {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			return strings.TrimSpace(m[2])
		}
	}
	if len(request) > 80 {
		return request[:80] + "…"
	}
	return request
}

// Find resolves a plan by id, or the most recent one for "last" / "".
func (sv *Service) Find(convKey, id string) (*state.Plan, error) {
	var plan *state.Plan
	sv.store.View(convKey, func(s *state.Session) {
		if s == nil {
			return
		}
		if id == "" || id == "last" {
			plan = s.LatestPlan()
			return
		}
		for _, p := range s.Plans {
			if p.ID == id {
				plan = p
				return
			}
		}
	})
	if plan == nil {
		return nil, fmt.Errorf("no such plan %q", id)
	}
	return plan, nil
}

// Read returns the plan's on-disk text.
func (sv *Service) Read(p *state.Plan) (string, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return "", fmt.Errorf("read plan file: %w", err)
	}
	return string(data), nil
}

// Queue parses the plan's task breakdown and appends new pending tasks,
// deduplicating by text against current pending and running tasks. Returns
// the queued and skipped counts.
func (sv *Service) Queue(convKey string, p *state.Plan) (queued, skipped int, err error) {
	text, err := sv.Read(p)
	if err != nil {
		return 0, 0, err
	}
	steps := ParseTaskBreakdown(text)
	if len(steps) == 0 {
		return 0, 0, fmt.Errorf("plan has no parseable task breakdown")
	}

	existing := make(map[string]bool)
	sv.store.View(convKey, func(s *state.Session) {
		if s == nil {
			return
		}
		for _, t := range s.Tasks {
			if t.Status == state.TaskPending || t.Status == state.TaskRunning {
				existing[strings.TrimSpace(t.Text)] = true
			}
		}
	})

	for _, step := range steps {
		key := strings.TrimSpace(step)
		if existing[key] {
			skipped++
			continue
		}
		if _, err := sv.deps.AddTask(convKey, step); err != nil {
			return queued, skipped, err
		}
		existing[key] = true
		queued++
	}
	return queued, skipped, nil
}

// ApplyPrompt builds the agent prompt that executes a plan.
func ApplyPrompt(planText string) string {
	return "Execute the following plan. Work through it step by step and report what you did.\n\n" + planText
}
