// Package agent runs the local agent CLI and parses its NDJSON event stream.
//
// Two provider flavors are supported: codex-style (`exec ... --json`) and
// claude-style (`-p --output-format stream-json`). Both produce a final
// assistant text plus an opaque session id that permits resuming.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
)

const killGrace = 5 * time.Second

// Request describes one agent invocation.
type Request struct {
	ConvKey   string
	Workdir   string
	Prompt    string
	SessionID string // resume when set
	Ephemeral bool   // one-shot, read-only; never resumes and discards the session id
	OnNote    func(string)

	// OnSessionInvalid is called when a resume failed against a stale
	// session, before the fresh retry. Callers persist the cleared id here.
	OnSessionInvalid func()
}

// Result is the outcome of a successful invocation.
type Result struct {
	SessionID string
	Text      string
	Model     string
	// Notes are user-visible prefixes (stale-session recovery, model
	// fallback) to show before the text.
	Notes []string
}

// Invoker spawns the agent binary and supervises its lifetime.
type Invoker struct {
	cfg config.AgentConfig
	reg *Registry
}

// New builds an invoker around the configured agent CLI.
func New(cfg config.AgentConfig) *Invoker {
	return &Invoker{cfg: cfg, reg: NewRegistry()}
}

// Registry exposes the active-child registry for cancellation.
func (iv *Invoker) Registry() *Registry { return iv.reg }

// Run invokes the agent once (with internal retry for stale sessions, model
// quota fallback, and init failures) and returns the final text.
func (iv *Invoker) Run(ctx context.Context, req Request) (Result, error) {
	tr := otel.Tracer("relaydeck/agent")
	ctx, span := tr.Start(ctx, "agent.run", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("agent.provider", string(iv.cfg.Provider)),
		attribute.Bool("agent.resume", req.SessionID != ""),
	)
	defer span.End()

	switch iv.cfg.Provider {
	case config.ProviderClaude:
		return iv.runClaude(ctx, req)
	default:
		return iv.runCodex(ctx, req)
	}
}

// note routes a progress line to the requester, if it wants one.
func (req *Request) note(text string) {
	if req.OnNote != nil {
		req.OnNote(text)
	}
}

// spawn runs argv in the workdir with the configured wall-clock timeout and
// streams stdout lines to onLine. It returns the stderr tail and a sample of
// non-JSON stdout for diagnostics.
func (iv *Invoker) spawn(ctx context.Context, req Request, argv []string, onLine func(line []byte)) (stderrTail, stdoutSample string, err error) {
	ctx, cancel := context.WithTimeout(ctx, iv.cfg.Timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.Workdir
	// Graceful termination first; force-kill after the grace period.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", "", fmt.Errorf("agent stdout pipe: %w", err)
	}
	var stderr tailBuffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", "", fmt.Errorf("start agent binary %q: %w", argv[0], err)
	}
	iv.reg.set(req.ConvKey, cmd)
	defer iv.reg.clear(req.ConvKey, cmd)

	var sample tailBuffer
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if line[0] != '{' {
			sample.Write(line)
			sample.Write([]byte{'\n'})
			continue
		}
		onLine(line)
	}
	scanErr := sc.Err()

	waitErr := cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		return stderr.String(), sample.String(),
			fmt.Errorf("agent run timed out after %s", iv.cfg.Timeout())
	}
	if waitErr != nil {
		return stderr.String(), sample.String(), fmt.Errorf("agent exited: %w", waitErr)
	}
	if scanErr != nil && scanErr != io.EOF {
		return stderr.String(), sample.String(), fmt.Errorf("read agent stream: %w", scanErr)
	}
	return stderr.String(), sample.String(), nil
}

// isStaleSessionError matches the agent's error output against the
// configured non-resumable-session fragments.
func (iv *Invoker) isStaleSessionError(diag string) bool {
	for _, frag := range iv.cfg.StaleSessionFragments {
		if frag != "" && strings.Contains(diag, frag) {
			return true
		}
	}
	return false
}

// diagError builds a capped diagnostic message from run outputs.
func diagError(err error, stderrTail, stdoutSample string) string {
	var b strings.Builder
	b.WriteString(err.Error())
	if stderrTail != "" {
		b.WriteString("\nstderr: ")
		b.WriteString(capString(stderrTail, 1200))
	}
	if stdoutSample != "" {
		b.WriteString("\nstdout: ")
		b.WriteString(capString(stdoutSample, 400))
	}
	return b.String()
}

func capString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}

// tailBuffer keeps the last few KB written to it.
type tailBuffer struct {
	buf []byte
}

const tailBufferMax = 8 * 1024

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > tailBufferMax {
		t.buf = t.buf[len(t.buf)-tailBufferMax:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

// logRun logs an invocation outcome at debug level.
func logRun(req Request, provider config.Provider, err error) {
	if err != nil {
		slog.Warn("agent run failed", "conv", req.ConvKey, "provider", provider, "error", err)
		return
	}
	slog.Debug("agent run ok", "conv", req.ConvKey, "provider", provider)
}
