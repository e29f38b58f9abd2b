// Package progress edits a single "pending" chat message with throttled,
// rate-limited status updates while an agent run is in flight.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Editor edits the pending message. Implemented by the discord shell.
type Editor interface {
	Edit(ctx context.Context, text string) error
}

// EditorFunc adapts a function to the Editor interface.
type EditorFunc func(ctx context.Context, text string) error

func (f EditorFunc) Edit(ctx context.Context, text string) error { return f(ctx, text) }

// Options tune the reporter. Zero values get defaults.
type Options struct {
	MinEdit     time.Duration // minimum spacing between dirty-triggered edits
	Heartbeat   time.Duration // edit even without news after this long
	EditTimeout time.Duration // per-edit deadline; a slow edit is dropped
	StallWarn   time.Duration // synthesize a stall note after silence
	KeepLines   int           // ring buffer capacity
	MaxLines    int           // rendered lines
	RunTimeout  time.Duration // the configured agent timeout, shown in the header
	Label       string
}

func (o *Options) defaults() {
	if o.MinEdit <= 0 {
		o.MinEdit = 2500 * time.Millisecond
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 20 * time.Second
	}
	if o.EditTimeout <= 0 {
		o.EditTimeout = 10 * time.Second
	}
	if o.StallWarn <= 0 {
		o.StallWarn = 2 * time.Minute
	}
	if o.KeepLines <= 0 {
		o.KeepLines = 50
	}
	if o.MaxLines <= 0 {
		o.MaxLines = 8
	}
}

// Reporter renders recent notes under an elapsed-time header. Note is
// non-blocking; edits happen on a single internal goroutine, so they are
// serialized and temporally ordered, though intermediate states may
// coalesce.
type Reporter struct {
	ed   Editor
	opts Options

	mu          sync.Mutex
	notes       []string
	dirty       bool
	force       bool
	stopped     bool
	lastEvent   time.Time
	stallNoted  bool
	started     time.Time
	lastEditMin time.Time

	wake chan struct{}
	done chan struct{}
}

// New starts a reporter editing through ed.
func New(ed Editor, opts Options) *Reporter {
	opts.defaults()
	now := time.Now()
	r := &Reporter{
		ed:        ed,
		opts:      opts,
		started:   now,
		lastEvent: now,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go r.loop()
	return r
}

// Note records a progress line. Non-blocking; ignored after Stop.
func (r *Reporter) Note(text string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.push(text)
	r.dirty = true
	r.lastEvent = time.Now()
	r.stallNoted = false
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// push appends to the ring, holding r.mu.
func (r *Reporter) push(text string) {
	r.notes = append(r.notes, text)
	if len(r.notes) > r.opts.KeepLines {
		r.notes = r.notes[len(r.notes)-r.opts.KeepLines:]
	}
}

// Stop drains the pending edit and shuts the loop down. Further notes are
// silently ignored.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.force = r.dirty
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	<-r.done
}

func (r *Reporter) loop() {
	defer close(r.done)

	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	// Throttle measures from the run start before any edit has happened, so
	// a huge MinEdit holds every edit until Stop forces the drain.
	lastEdit := r.started
	everEdited := false

	for {
		select {
		case <-r.wake:
		case <-tick.C:
		}

		r.mu.Lock()
		now := time.Now()

		if !r.stopped && !r.stallNoted && now.Sub(r.lastEvent) >= r.opts.StallWarn {
			r.push(fmt.Sprintf("still waiting — no agent events for %s", now.Sub(r.lastEvent).Round(time.Second)))
			r.stallNoted = true
			r.dirty = true
		}

		stopped := r.stopped
		shouldEdit := r.force ||
			(r.dirty && now.Sub(lastEdit) >= r.opts.MinEdit) ||
			(everEdited && now.Sub(lastEdit) >= r.opts.Heartbeat && !stopped)

		var text string
		if shouldEdit {
			text = r.renderLocked(now)
			r.dirty = false
			r.force = false
		}
		r.mu.Unlock()

		if shouldEdit {
			lastEdit = time.Now()
			everEdited = true
			r.edit(text)
		}
		if stopped {
			return
		}
	}
}

// edit performs one serialized edit raced against the edit timeout.
func (r *Reporter) edit(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.EditTimeout)
	defer cancel()
	if err := r.ed.Edit(ctx, text); err != nil {
		slog.Warn("progress edit failed", "label", r.opts.Label, "error", err)
	}
}

func (r *Reporter) renderLocked(now time.Time) string {
	elapsed := now.Sub(r.started).Round(time.Second)
	ago := now.Sub(r.lastEvent).Round(time.Second)

	var b strings.Builder
	fmt.Fprintf(&b, "⏳ working… %s", elapsed)
	if r.opts.RunTimeout > 0 {
		fmt.Fprintf(&b, " / timeout %s", r.opts.RunTimeout.Round(time.Second))
	}
	fmt.Fprintf(&b, " · updated %s · last event %s ago", now.Format("15:04:05"), ago)

	start := 0
	if len(r.notes) > r.opts.MaxLines {
		start = len(r.notes) - r.opts.MaxLines
	}
	for _, n := range r.notes[start:] {
		b.WriteString("\n> ")
		b.WriteString(n)
	}
	return b.String()
}
