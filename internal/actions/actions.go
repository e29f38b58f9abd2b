// Package actions parses and validates [[relay-actions]] blocks emitted by
// the agent in its final text. Extraction is unconditional; whether an
// extracted action may run is decided by Gate.
package actions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
	"github.com/nextlevelbuilder/relaydeck/internal/state"
)

const (
	maxCommandChars = 4000
	maxTaskChars    = 2000
)

// Action is one validated relay action. Exactly the fields for its Type are
// populated.
type Action struct {
	Type    string
	Command string                // job_start
	Text    string                // task_add
	Watch   *state.JobWatchConfig // job_start, job_watch
}

var blockRe = regexp.MustCompile(`(?is)\[\[relay-actions\]\](.*?)\[\[/relay-actions\]\]`)

// rawAction mirrors the wire schema; unknown fields are rejected per variant.
type rawAction struct {
	Type    string    `json:"type"`
	Command string    `json:"command,omitempty"`
	Text    string    `json:"text,omitempty"`
	Watch   *rawWatch `json:"watch,omitempty"`
}

type rawWatch struct {
	EverySec  int    `json:"everySec,omitempty"`
	TailLines int    `json:"tailLines,omitempty"`
	ThenTask  string `json:"thenTask,omitempty"`
	RunTasks  bool   `json:"runTasks,omitempty"`
}

// Extract removes the first relay-actions block from text and returns the
// cleaned text, the validated actions, and one note per rejected action or
// malformed block. Only one block per message is honored; any later blocks
// are left in place as plain text. A block that fails JSON parsing is
// removed anyway; a block with a missing terminator is left untouched.
func Extract(text string, maxActions int) (cleaned string, acts []Action, notes []string) {
	loc := blockRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return strings.TrimSpace(text), nil, nil
	}
	body := strings.TrimSpace(text[loc[2]:loc[3]])
	cleaned = strings.TrimSpace(text[:loc[0]] + text[loc[1]:])

	var envelope struct {
		Actions []json.RawMessage `json:"actions"`
	}
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&envelope); err != nil {
		notes = append(notes, fmt.Sprintf("relay-actions block ignored: %v", err))
		return cleaned, nil, notes
	}
	for _, raw := range envelope.Actions {
		if len(acts) >= maxActions {
			notes = append(notes, "relay-actions: max actions per message reached, rest ignored")
			break
		}
		act, err := validateOne(raw)
		if err != nil {
			notes = append(notes, fmt.Sprintf("relay-actions: action rejected: %v", err))
			continue
		}
		acts = append(acts, act)
	}
	return cleaned, acts, notes
}

func validateOne(raw json.RawMessage) (Action, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var ra rawAction
	if err := dec.Decode(&ra); err != nil {
		return Action{}, fmt.Errorf("unknown or malformed fields: %v", err)
	}

	act := Action{Type: ra.Type}
	switch ra.Type {
	case "job_start":
		if strings.TrimSpace(ra.Command) == "" {
			return Action{}, fmt.Errorf("job_start requires a command")
		}
		if len(ra.Command) > maxCommandChars {
			return Action{}, fmt.Errorf("job_start command exceeds %d chars", maxCommandChars)
		}
		act.Command = ra.Command
	case "job_watch":
	case "job_stop", "task_run":
		if ra.Watch != nil {
			return Action{}, fmt.Errorf("%s does not accept watch", ra.Type)
		}
	case "task_add":
		if strings.TrimSpace(ra.Text) == "" {
			return Action{}, fmt.Errorf("task_add requires text")
		}
		if len(ra.Text) > maxTaskChars {
			return Action{}, fmt.Errorf("task_add text exceeds %d chars", maxTaskChars)
		}
		act.Text = ra.Text
	default:
		return Action{}, fmt.Errorf("unknown action type %q", ra.Type)
	}

	if ra.Watch != nil {
		w, err := ValidateWatch(ra.Watch.EverySec, ra.Watch.TailLines, ra.Watch.ThenTask, ra.Watch.RunTasks)
		if err != nil {
			return Action{}, err
		}
		act.Watch = &w
	}
	return act, nil
}

// ValidateWatch range-checks watch parameters, applying defaults for zero
// values.
func ValidateWatch(everySec, tailLines int, thenTask string, runTasks bool) (state.JobWatchConfig, error) {
	if everySec == 0 {
		everySec = 30
	}
	if tailLines == 0 {
		tailLines = 20
	}
	if everySec < 1 || everySec > 86400 {
		return state.JobWatchConfig{}, fmt.Errorf("watch.everySec %d out of range [1, 86400]", everySec)
	}
	if tailLines < 1 || tailLines > 500 {
		return state.JobWatchConfig{}, fmt.Errorf("watch.tailLines %d out of range [1, 500]", tailLines)
	}
	if len(thenTask) > maxTaskChars {
		return state.JobWatchConfig{}, fmt.Errorf("watch.thenTask exceeds %d chars", maxTaskChars)
	}
	return state.JobWatchConfig{
		Enabled:   true,
		EverySec:  everySec,
		TailLines: tailLines,
		ThenTask:  thenTask,
		RunTasks:  runTasks,
	}, nil
}

// Gate decides whether extracted actions may execute in this context.
// A non-empty refusal explains why; execution proceeds only on "".
func Gate(cfg config.ActionsConfig, isDM bool, sessionAuto bool, acts []Action) (refusal string) {
	if len(acts) == 0 {
		return ""
	}
	if !cfg.Enabled {
		return "agent actions are disabled"
	}
	if cfg.DmOnly && !isDM {
		return "agent actions are only allowed in DMs"
	}
	if !sessionAuto {
		return "agent actions are off for this conversation (`/auto actions on` to enable)"
	}
	for _, a := range acts {
		if !allowedType(cfg.Allowed, a.Type) {
			return fmt.Sprintf("action type %q is not allowed", a.Type)
		}
	}
	return ""
}

func allowedType(allowed []string, t string) bool {
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
