package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// codexEvent is one line of the codex-style NDJSON stream.
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id,omitempty"`
	Item     *struct {
		Type    string `json:"type,omitempty"`
		Text    string `json:"text,omitempty"`
		Command string `json:"command,omitempty"`
		Status  string `json:"status,omitempty"`
	} `json:"item,omitempty"`
	Message string `json:"message,omitempty"`
}

// codexRun accumulates stream state across events.
type codexRun struct {
	threadID string
	text     string
}

// consumeCodexEvent folds one event into the run state and returns an
// optional human-readable progress note.
func consumeCodexEvent(line []byte, run *codexRun) (note string) {
	var ev codexEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return ""
	}
	switch ev.Type {
	case "thread.started":
		run.threadID = ev.ThreadID
		return ""
	case "item.started":
		if ev.Item != nil && ev.Item.Type == "command_execution" && ev.Item.Command != "" {
			return "running: " + capString(ev.Item.Command, 120)
		}
		return ""
	case "item.completed":
		if ev.Item == nil {
			return ""
		}
		switch ev.Item.Type {
		case "agent_message":
			run.text = ev.Item.Text
			return ""
		case "command_execution":
			return "command finished"
		case "reasoning":
			return "thinking…"
		}
		return ""
	case "error":
		if ev.Message != "" {
			return "agent error: " + capString(ev.Message, 200)
		}
		return ""
	}
	return ""
}

// codexArgv builds the codex-style argument vector.
func (iv *Invoker) codexArgv(req Request) []string {
	argv := []string{iv.cfg.BinaryName(), "exec"}
	if req.SessionID != "" && !req.Ephemeral {
		argv = append(argv, "resume", req.SessionID)
	}
	argv = append(argv, "--cd", req.Workdir)
	sandbox := iv.cfg.Sandbox
	if req.Ephemeral {
		sandbox = "read-only"
	}
	if sandbox != "" {
		argv = append(argv, "--sandbox", sandbox)
	}
	argv = append(argv, "--skip-git-repo-check")
	if iv.cfg.ApprovalPolicy != "" {
		argv = append(argv, "-c", "approval_policy="+iv.cfg.ApprovalPolicy)
	}
	argv = append(argv, "--json", req.Prompt)
	return argv
}

func (iv *Invoker) runCodex(ctx context.Context, req Request) (Result, error) {
	run := &codexRun{}
	onLine := func(line []byte) {
		if note := consumeCodexEvent(line, run); note != "" {
			req.note(note)
		}
	}

	stderrTail, stdoutSample, err := iv.spawn(ctx, req, iv.codexArgv(req), onLine)
	logRun(req, iv.cfg.Provider, err)
	if err != nil {
		diag := diagError(err, stderrTail, stdoutSample)
		if req.SessionID != "" && iv.isStaleSessionError(diag) {
			// The saved session is gone on the agent side; drop it, persist,
			// and retry fresh once.
			old := req.SessionID
			req.SessionID = ""
			if req.OnSessionInvalid != nil {
				req.OnSessionInvalid()
			}
			req.note("previous session is stale, starting fresh")
			res, retryErr := iv.runCodex(ctx, req)
			if retryErr != nil {
				return Result{}, retryErr
			}
			res.Notes = append([]string{fmt.Sprintf(
				"Note: previous codex session `%s` could not be resumed, so I started a new session.", old)},
				res.Notes...)
			return res, nil
		}
		return Result{}, fmt.Errorf("%s", diag)
	}

	if run.text == "" {
		return Result{}, fmt.Errorf("agent produced no final message%s", optionalDiag(stderrTail))
	}
	return Result{SessionID: run.threadID, Text: run.text}, nil
}

func optionalDiag(stderrTail string) string {
	if stderrTail == "" {
		return ""
	}
	return "; stderr: " + capString(stderrTail, 400)
}
