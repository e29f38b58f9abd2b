// Package handoff appends session-state summaries to repo Markdown files so
// a future agent (or human) can pick up where this one left off.
package handoff

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
	"github.com/nextlevelbuilder/relaydeck/internal/gitutil"
	"github.com/nextlevelbuilder/relaydeck/internal/state"
)

// Options are the per-invocation overrides from /handoff flags.
type Options struct {
	DryRun bool
	Commit *bool // nil means follow config
	Push   *bool
}

// Writer renders and writes handoff entries.
type Writer struct {
	cfg config.HandoffConfig
}

// NewWriter creates a handoff writer.
func NewWriter(cfg config.HandoffConfig) *Writer {
	return &Writer{cfg: cfg}
}

func (w *Writer) files() []string {
	if len(w.cfg.Files) > 0 {
		return w.cfg.Files
	}
	return []string{"HANDOFF.md"}
}

// Render builds the handoff entry for a session snapshot.
func Render(s *state.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n## Handoff %s\n\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- workdir: %s\n", s.Workdir)

	var pending, done, failed, blocked int
	for _, t := range s.Tasks {
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
	fmt.Fprintf(&b, "- tasks: %d pending, %d done, %d failed, %d blocked\n", pending, done, failed, blocked)

	for _, t := range s.Tasks {
		if t.Status == state.TaskPending || t.Status == state.TaskBlocked {
			fmt.Fprintf(&b, "  - [%s] %s: %s\n", t.Status, t.ID, t.Text)
		}
	}
	if j := s.RunningJob(); j != nil {
		fmt.Fprintf(&b, "- running job: %s (`%s`)\n", j.ID, firstLine(j.Command))
	}
	if p := s.LatestPlan(); p != nil {
		fmt.Fprintf(&b, "- latest plan: %s (%s)\n", p.Title, p.Path)
	}
	if s.Research.Enabled {
		fmt.Fprintf(&b, "- research project: %s\n", s.Research.ProjectRoot)
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "…"
	}
	return s
}

// Write appends the handoff entry to each configured file under the session
// workdir, then commits/pushes per config and options. Returns a summary of
// what happened.
func (w *Writer) Write(s *state.Session, opts Options) (string, error) {
	if !w.cfg.Enabled {
		return "", fmt.Errorf("handoff is disabled")
	}
	entry := Render(s)
	if opts.DryRun {
		return "dry run — would append:\n" + entry, nil
	}

	var written []string
	for _, rel := range w.files() {
		path := rel
		if !filepath.IsAbs(path) {
			path = filepath.Join(s.Workdir, rel)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return "", fmt.Errorf("open handoff file %s: %w", rel, err)
		}
		_, werr := f.WriteString(entry)
		f.Close()
		if werr != nil {
			return "", fmt.Errorf("write handoff file %s: %w", rel, werr)
		}
		written = append(written, rel)
	}
	summary := "handoff written to " + strings.Join(written, ", ")

	commit := w.cfg.GitAutoCommit
	if opts.Commit != nil {
		commit = *opts.Commit
	}
	if commit && gitutil.IsRepo(s.Workdir) {
		msg := w.cfg.GitCommitMessage
		if msg == "" {
			msg = "chore: update handoff notes"
		}
		committed, err := gitutil.AutoCommit(s.Workdir, msg)
		if err != nil {
			return summary, fmt.Errorf("handoff commit: %w", err)
		}
		if committed {
			summary += ", committed"
			push := w.cfg.GitAutoPush
			if opts.Push != nil {
				push = *opts.Push
			}
			if push {
				if err := gitutil.Push(s.Workdir); err != nil {
					return summary, fmt.Errorf("handoff push: %w", err)
				}
				summary += ", pushed"
			}
		}
	}
	return summary, nil
}
