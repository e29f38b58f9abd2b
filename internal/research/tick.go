package research

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/relaydeck/internal/state"
)

// Ticker periodically scans sessions for projects eligible for an
// autonomous step and dispatches them, bounded globally by tickMaxParallel
// and per conversation by the tick interval.
type Ticker struct {
	mgr *Manager

	mu       sync.Mutex
	inFlight map[string]bool          // re-entry guard per conversation
	limiters map[string]*rate.Limiter // per-conversation dispatch rate
}

// NewTicker creates the auto-tick driver.
func NewTicker(mgr *Manager) *Ticker {
	return &Ticker{
		mgr:      mgr,
		inFlight: make(map[string]bool),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Run loops until ctx is canceled. With tickCron configured, dispatch
// happens only when the cron expression is due; otherwise every tickSec.
func (t *Ticker) Run(ctx context.Context) {
	interval := time.Duration(t.mgr.cfg.TickSec) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	cronExpr := t.mgr.cfg.TickCron
	gron := gronx.New()
	if cronExpr != "" {
		if !gron.IsValid(cronExpr) {
			slog.Warn("invalid research tickCron, falling back to tickSec", "cron", cronExpr)
			cronExpr = ""
		} else {
			// Cron granularity is one minute; poll on that boundary.
			interval = time.Minute
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cronExpr != "" {
				due, err := gron.IsDue(cronExpr, time.Now())
				if err != nil || !due {
					continue
				}
			}
			t.tick()
		}
	}
}

func (t *Ticker) limiter(convKey string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[convKey]
	if !ok {
		every := time.Duration(t.mgr.cfg.TickSec) * time.Second
		if every <= 0 {
			every = 60 * time.Second
		}
		l = rate.NewLimiter(rate.Every(every), 1)
		t.limiters[convKey] = l
	}
	return l
}

// tick dispatches up to tickMaxParallel eligible auto-steps.
func (t *Ticker) tick() {
	maxParallel := t.mgr.cfg.TickMaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}
	dispatched := 0
	for _, convKey := range t.mgr.store.Keys() {
		if dispatched >= maxParallel {
			break
		}
		if state.IsManagerKey(convKey) {
			continue
		}
		if !t.eligible(convKey) {
			continue
		}
		if !t.limiter(convKey).Allow() {
			continue
		}
		if !t.claim(convKey) {
			continue
		}
		dispatched++
		go t.dispatch(convKey)
	}
}

// eligible checks session flags and manager state without taking the lease.
func (t *Ticker) eligible(convKey string) bool {
	var enabled, auto bool
	var root string
	t.mgr.store.View(convKey, func(s *state.Session) {
		if s == nil {
			return
		}
		enabled = s.Research.Enabled
		auto = s.Auto.Research
		root = s.Research.ProjectRoot
	})
	if !enabled || !auto || root == "" {
		return false
	}
	st, err := LoadState(root)
	if err != nil {
		return false
	}
	return st.Status == StatusRunning && st.AutoRun &&
		st.Phase != PhaseWait && st.Active.JobID == ""
}

func (t *Ticker) claim(convKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inFlight[convKey] {
		return false
	}
	t.inFlight[convKey] = true
	return true
}

func (t *Ticker) release(convKey string) {
	t.mu.Lock()
	delete(t.inFlight, convKey)
	t.mu.Unlock()
}

func (t *Ticker) dispatch(convKey string) {
	defer t.release(convKey)
	if t.mgr.deps.RequestStep == nil {
		return
	}
	slog.Debug("research auto-step dispatched", "conv", convKey)
	t.mgr.deps.RequestStep(convKey)
}
