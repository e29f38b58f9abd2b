// Package contextfiles injects configured workdir files into agent prompts.
// Each spec is "mode:path" where mode picks the truncation policy (head,
// tail, headtail) and path is resolved against the session workdir.
package contextfiles

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
	"github.com/nextlevelbuilder/relaydeck/internal/uploads"
)

// Spec is one parsed context entry.
type Spec struct {
	Mode string
	Path string
}

// ParseSpecs parses "mode:path" entries, defaulting mode to headtail.
func ParseSpecs(raw []string) ([]Spec, error) {
	var specs []Spec
	for _, r := range raw {
		mode, path, found := strings.Cut(r, ":")
		if !found {
			specs = append(specs, Spec{Mode: "headtail", Path: strings.TrimSpace(r)})
			continue
		}
		mode = strings.TrimSpace(mode)
		switch mode {
		case "head", "tail", "headtail":
		default:
			return nil, fmt.Errorf("context spec %q: mode must be head, tail, or headtail", r)
		}
		specs = append(specs, Spec{Mode: mode, Path: strings.TrimSpace(path)})
	}
	return specs, nil
}

// Injector renders the context block for a workdir.
type Injector struct {
	cfg   config.ContextConfig
	specs []Spec
}

// NewInjector parses the configured specs once at startup.
func NewInjector(cfg config.ContextConfig) (*Injector, error) {
	specs, err := ParseSpecs(cfg.Specs)
	if err != nil {
		return nil, err
	}
	return &Injector{cfg: cfg, specs: specs}, nil
}

// Version is the configured context version; sessions compare it against
// their contextVersion to decide whether a reload is due.
func (in *Injector) Version() int { return in.cfg.Version }

// ShouldInject reports whether this turn gets a context block: either every
// turn, or once when the session's version lags the configured one.
func (in *Injector) ShouldInject(sessionVersion int) bool {
	if !in.cfg.Enabled || len(in.specs) == 0 {
		return false
	}
	return in.cfg.EveryTurn || sessionVersion < in.cfg.Version
}

// Render reads the spec'd files under workdir and builds the injected block.
// Missing files are noted, not fatal.
func (in *Injector) Render(workdir string) string {
	if len(in.specs) == 0 {
		return ""
	}
	var sections []string
	total := 0
	for _, sp := range in.specs {
		path := sp.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(workdir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			sections = append(sections, fmt.Sprintf("### %s\n(not readable: %v)", sp.Path, err))
			continue
		}
		text := uploads.TruncateByMode(string(data), sp.Mode, in.cfg.MaxCharsPerFile)
		if total+len(text) > in.cfg.MaxChars {
			text = uploads.TruncateByMode(text, "head", in.cfg.MaxChars-total)
		}
		total += len(text)
		sections = append(sections, fmt.Sprintf("### %s\n```\n%s\n```", sp.Path, text))
		if total >= in.cfg.MaxChars {
			break
		}
	}
	return "[Workdir Context]\n" + strings.Join(sections, "\n\n")
}
