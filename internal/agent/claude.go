package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// claudeEvent is one line of the claude-style stream-json output.
type claudeEvent struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	Result    string `json:"result,omitempty"`
	Message   *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
			Name string `json:"name,omitempty"` // tool_use
		} `json:"content"`
	} `json:"message,omitempty"`
}

// claudeRun accumulates stream state across events.
type claudeRun struct {
	sessionID string
	text      string
	resultErr string
	initFail  bool
}

// consumeClaudeEvent folds one event into the run state and returns an
// optional progress note.
func consumeClaudeEvent(line []byte, run *claudeRun) (note string) {
	var ev claudeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return ""
	}
	switch ev.Type {
	case "system":
		switch ev.Subtype {
		case "init":
			run.sessionID = ev.SessionID
		case "init_failure":
			run.initFail = true
		}
		return ""
	case "assistant":
		if ev.Message == nil {
			return ""
		}
		for _, c := range ev.Message.Content {
			switch c.Type {
			case "text":
				if strings.TrimSpace(c.Text) != "" {
					run.text = c.Text
				}
			case "tool_use":
				if c.Name != "" {
					note = "tool: " + c.Name
				}
			}
		}
		return note
	case "user":
		return "tool result received"
	case "result":
		if ev.IsError {
			run.resultErr = ev.Result
		} else if strings.TrimSpace(ev.Result) != "" {
			run.text = ev.Result
		}
		if ev.SessionID != "" {
			run.sessionID = ev.SessionID
		}
		return ""
	}
	return ""
}

// quotaKeywords identify heavy-model quota exhaustion in error output.
var quotaKeywords = []string{
	"rate limit", "rate_limit", "quota", "overloaded", "usage limit", "limit reached",
}

func isQuotaError(diag string) bool {
	lower := strings.ToLower(diag)
	for _, kw := range quotaKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// claudeArgv builds the claude-style argument vector for the given model.
func (iv *Invoker) claudeArgv(req Request, model string) []string {
	argv := []string{iv.cfg.BinaryName(), "-p", "--output-format", "stream-json", "--verbose"}
	if model != "" {
		argv = append(argv, "--model", model)
	}
	if iv.cfg.ApprovalPolicy != "" {
		argv = append(argv, "--permission-mode", iv.cfg.ApprovalPolicy)
	}
	if req.SessionID != "" && !req.Ephemeral {
		argv = append(argv, "--resume", req.SessionID)
	}
	argv = append(argv, "--", req.Prompt)
	return argv
}

func (iv *Invoker) runClaude(ctx context.Context, req Request) (Result, error) {
	model := PickModel(req.Prompt, iv.cfg.ModelLight, iv.cfg.ModelHeavy)
	res, err := iv.runClaudeOnce(ctx, req, model, true)
	logRun(req, iv.cfg.Provider, err)
	return res, err
}

// runClaudeOnce runs one claude invocation, retrying once on a transient
// init failure and falling back once from heavy to light on quota errors.
func (iv *Invoker) runClaudeOnce(ctx context.Context, req Request, model string, mayRetry bool) (Result, error) {
	run := &claudeRun{}
	onLine := func(line []byte) {
		if note := consumeClaudeEvent(line, run); note != "" {
			req.note(note)
		}
	}

	stderrTail, stdoutSample, err := iv.spawn(ctx, req, iv.claudeArgv(req, model), onLine)

	if err == nil && run.resultErr != "" {
		err = fmt.Errorf("agent result error: %s", capString(run.resultErr, 600))
	}

	if err != nil {
		diag := diagError(err, stderrTail, stdoutSample)

		if req.SessionID != "" && iv.isStaleSessionError(diag) {
			old := req.SessionID
			req.SessionID = ""
			if req.OnSessionInvalid != nil {
				req.OnSessionInvalid()
			}
			req.note("previous session is stale, starting fresh")
			res, retryErr := iv.runClaudeOnce(ctx, req, model, mayRetry)
			if retryErr != nil {
				return Result{}, retryErr
			}
			res.Notes = append([]string{fmt.Sprintf(
				"Note: previous claude session `%s` could not be resumed, so I started a new session.", old)},
				res.Notes...)
			return res, nil
		}

		if mayRetry && model == iv.cfg.ModelHeavy && iv.cfg.ModelLight != "" && isQuotaError(diag) {
			req.note("heavy model unavailable, falling back to light model")
			res, retryErr := iv.runClaudeOnce(ctx, req, iv.cfg.ModelLight, false)
			if retryErr != nil {
				return Result{}, retryErr
			}
			res.Notes = append([]string{fmt.Sprintf(
				"Note: %s hit a usage limit; answered with %s instead.", model, iv.cfg.ModelLight)},
				res.Notes...)
			return res, nil
		}

		if mayRetry && run.initFail {
			req.note("agent init failed, retrying once")
			return iv.runClaudeOnce(ctx, req, model, false)
		}

		return Result{}, fmt.Errorf("%s", diag)
	}

	if run.text == "" {
		return Result{}, fmt.Errorf("agent produced no final message%s", optionalDiag(stderrTail))
	}
	return Result{SessionID: run.sessionID, Text: run.text, Model: model}, nil
}
