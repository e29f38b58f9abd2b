package research

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const maxReportChars = 20000

var decisionRe = regexp.MustCompile(`(?is)\[\[research-decision\]\](.*?)\[\[/research-decision\]\]`)

// Decision is one parsed manager decision block.
type Decision struct {
	StepID         string   `json:"stepId"`
	ResearchUpdate string   `json:"research_update"`
	Actions        []Action `json:"actions"`

	// Hash is sha256 over the raw block body, used to deduplicate whole
	// decisions across retries.
	Hash string `json:"-"`
}

// Action is one validated research action.
type Action struct {
	Type           string `json:"type"`
	IdempotencyKey string `json:"idempotencyKey"`

	Command string    `json:"command,omitempty"`  // job_start
	Watch   *rawWatch `json:"watch,omitempty"`    // job_start, job_watch
	Text    string    `json:"text,omitempty"`     // task_add
	Report  string    `json:"markdown,omitempty"` // write_report
	Mode    string    `json:"mode,omitempty"`     // write_report: append (default) | replace
}

type rawWatch struct {
	EverySec  int    `json:"everySec,omitempty"`
	TailLines int    `json:"tailLines,omitempty"`
	ThenTask  string `json:"thenTask,omitempty"`
	RunTasks  bool   `json:"runTasks,omitempty"`
}

// DecisionHash computes the dedup hash over the raw decision JSON.
func DecisionHash(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

// ExtractDecision parses exactly one research-decision block from the
// manager's reply. Zero or multiple blocks, or malformed JSON, is an error.
func ExtractDecision(text string) (*Decision, error) {
	matches := decisionRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("no research-decision block in manager reply")
	}
	if len(matches) > 1 {
		return nil, fmt.Errorf("manager reply contains %d research-decision blocks, expected exactly one", len(matches))
	}
	body := strings.TrimSpace(matches[0][1])

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.DisallowUnknownFields()
	var d Decision
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("malformed research-decision JSON: %w", err)
	}
	d.Hash = DecisionHash(body)
	return &d, nil
}

// ValidateActions checks the decision's actions against the allowed set and
// the per-step budget, and verifies per-type required fields. Idempotency
// dedup happens at apply time, not here.
func ValidateActions(d *Decision, allowed []string, maxPerStep int) error {
	if len(d.Actions) == 0 {
		return nil
	}
	if maxPerStep > 0 && len(d.Actions) > maxPerStep {
		return fmt.Errorf("decision has %d actions, budget is %d per step", len(d.Actions), maxPerStep)
	}
	for i := range d.Actions {
		a := &d.Actions[i]
		if a.IdempotencyKey == "" {
			return fmt.Errorf("action %d (%s) missing idempotencyKey", i, a.Type)
		}
		if !typeAllowed(allowed, a.Type) {
			return fmt.Errorf("action type %q not in researchActionsAllowed", a.Type)
		}
		switch a.Type {
		case "job_start":
			if strings.TrimSpace(a.Command) == "" {
				return fmt.Errorf("job_start requires a command")
			}
		case "job_watch", "job_stop", "task_run", "research_pause", "research_mark_done":
		case "task_add":
			if strings.TrimSpace(a.Text) == "" {
				return fmt.Errorf("task_add requires text")
			}
		case "write_report":
			if strings.TrimSpace(a.Report) == "" {
				return fmt.Errorf("write_report requires markdown")
			}
			if len(a.Report) > maxReportChars {
				return fmt.Errorf("write_report markdown exceeds %d chars", maxReportChars)
			}
			switch a.Mode {
			case "", "append", "replace":
			default:
				return fmt.Errorf("write_report mode %q invalid", a.Mode)
			}
		default:
			return fmt.Errorf("unknown research action type %q", a.Type)
		}
	}
	return nil
}

func typeAllowed(allowed []string, t string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}
