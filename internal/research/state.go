// Package research implements the autonomous research-manager loop: an
// on-disk project with a typed state document, agent-driven decision steps
// guarded by a lease and idempotency keys, experiment jobs producing
// metrics, and digest reporting back to chat.
package research

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Manager state status values.
const (
	StatusPaused  = "paused"
	StatusRunning = "running"
	StatusBlocked = "blocked"
	StatusDone    = "done"
)

// Manager phase values.
const (
	PhasePlan    = "plan"
	PhaseWait    = "wait"
	PhaseAnalyze = "analyze"
)

// Inflight step status values.
const (
	InflightIdle    = "idle"
	InflightRunning = "running"
	InflightApplied = "applied"
	InflightFailed  = "failed"
)

const (
	maxDecisionHashes = 500
	maxActionKeys     = 2000
	stateVersion      = 1
)

// Budgets bound how long the autonomous loop may run.
type Budgets struct {
	MaxSteps            int `json:"maxSteps"`
	MaxWallClockMinutes int `json:"maxWallClockMinutes"`
	MaxRuns             int `json:"maxRuns"`
}

// Counters track consumed budget.
type Counters struct {
	Steps int `json:"steps"`
	Runs  int `json:"runs"`
}

// Lease is the short-TTL token that serializes manager steps per project.
// Active iff ExpiresAt is in the future.
type Lease struct {
	Holder     string    `json:"holder"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Active reports whether the lease is still held.
func (l *Lease) Active(now time.Time) bool {
	return l != nil && l.ExpiresAt.After(now)
}

// InflightStep records the step currently being applied, so a crash mid-step
// is detectable on the next attempt.
type InflightStep struct {
	StepID       string     `json:"stepId,omitempty"`
	DecisionHash string     `json:"decisionHash,omitempty"`
	Status       string     `json:"status"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// ActiveRefs point at the experiment currently in flight.
type ActiveRefs struct {
	JobID string `json:"jobId,omitempty"`
	RunID string `json:"runId,omitempty"`
}

// DiscordRefs remember where digests go.
type DiscordRefs struct {
	ChannelID string `json:"channelId"`
	GuildID   string `json:"guildId,omitempty"`
}

// Reporting tracks digest cadence.
type Reporting struct {
	LastDiscordDigestAt   *time.Time `json:"lastDiscordDigestAt,omitempty"`
	LastDiscordDigestStep int        `json:"lastDiscordDigestStep"`
}

// ManagerState is the project's durable control document
// (manager/state.json).
type ManagerState struct {
	Version               int          `json:"version"`
	ProjectRoot           string       `json:"projectRoot"`
	Goal                  string       `json:"goal"`
	Status                string       `json:"status"`
	Phase                 string       `json:"phase"`
	AutoRun               bool         `json:"autoRun"`
	Budgets               Budgets      `json:"budgets"`
	Counters              Counters     `json:"counters"`
	Lease                 *Lease       `json:"lease,omitempty"`
	Inflight              InflightStep `json:"inflightStep"`
	Active                ActiveRefs   `json:"active"`
	Discord               DiscordRefs  `json:"discord"`
	StartedAt             time.Time    `json:"startedAt"`
	LastFeedbackAt        *time.Time   `json:"lastFeedbackAt,omitempty"`
	LastDecisionAt        *time.Time   `json:"lastDecisionAt,omitempty"`
	Reporting             Reporting    `json:"reporting"`
	AppliedDecisionHashes []string     `json:"appliedDecisionHashes"`
	AppliedActionKeys     []string     `json:"appliedActionKeys"`
	LastUpdateAt          time.Time    `json:"lastUpdateAt"`
}

// HasDecisionHash reports whether the decision was already applied.
func (m *ManagerState) HasDecisionHash(h string) bool {
	for _, x := range m.AppliedDecisionHashes {
		if x == h {
			return true
		}
	}
	return false
}

// HasActionKey reports whether the idempotency key was already consumed.
func (m *ManagerState) HasActionKey(k string) bool {
	for _, x := range m.AppliedActionKeys {
		if x == k {
			return true
		}
	}
	return false
}

// RecordDecisionHash appends with the bounded-history cap.
func (m *ManagerState) RecordDecisionHash(h string) {
	m.AppliedDecisionHashes = append(m.AppliedDecisionHashes, h)
	if len(m.AppliedDecisionHashes) > maxDecisionHashes {
		m.AppliedDecisionHashes = m.AppliedDecisionHashes[len(m.AppliedDecisionHashes)-maxDecisionHashes:]
	}
}

// RecordActionKey appends with the bounded-history cap.
func (m *ManagerState) RecordActionKey(k string) {
	m.AppliedActionKeys = append(m.AppliedActionKeys, k)
	if len(m.AppliedActionKeys) > maxActionKeys {
		m.AppliedActionKeys = m.AppliedActionKeys[len(m.AppliedActionKeys)-maxActionKeys:]
	}
}

func statePath(projectRoot string) string {
	return filepath.Join(projectRoot, "manager", "state.json")
}

// LoadState reads and normalizes the manager state document.
func LoadState(projectRoot string) (*ManagerState, error) {
	data, err := os.ReadFile(statePath(projectRoot))
	if err != nil {
		return nil, fmt.Errorf("read manager state: %w", err)
	}
	var st ManagerState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse manager state: %w", err)
	}
	normalizeState(&st, projectRoot)
	return &st, nil
}

func normalizeState(st *ManagerState, projectRoot string) {
	if st.Version == 0 {
		st.Version = stateVersion
	}
	if st.ProjectRoot == "" {
		st.ProjectRoot = projectRoot
	}
	switch st.Status {
	case StatusPaused, StatusRunning, StatusBlocked, StatusDone:
	default:
		st.Status = StatusPaused
	}
	switch st.Phase {
	case PhasePlan, PhaseWait, PhaseAnalyze:
	default:
		st.Phase = PhasePlan
	}
	switch st.Inflight.Status {
	case InflightIdle, InflightRunning, InflightApplied, InflightFailed:
	default:
		st.Inflight.Status = InflightIdle
	}
	if st.AppliedDecisionHashes == nil {
		st.AppliedDecisionHashes = []string{}
	}
	if st.AppliedActionKeys == nil {
		st.AppliedActionKeys = []string{}
	}
}

// SaveState writes the state document atomically (tmp+rename).
func SaveState(st *ManagerState) error {
	st.LastUpdateAt = time.Now()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manager state: %w", err)
	}
	path := statePath(st.ProjectRoot)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manager state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename manager state: %w", err)
	}
	return nil
}

// Event is one line of the project's append-only events.jsonl.
type Event struct {
	TS   time.Time      `json:"ts"`
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

func eventsPath(projectRoot string) string {
	return filepath.Join(projectRoot, "manager", "events.jsonl")
}

// AppendEvent appends one event line. Append-only; only this process writes.
func AppendEvent(projectRoot, typ string, data map[string]any) error {
	f, err := os.OpenFile(eventsPath(projectRoot), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open events log: %w", err)
	}
	defer f.Close()
	line, err := json.Marshal(Event{TS: time.Now(), Type: typ, Data: data})
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// ReadEventsSince returns events strictly newer than since. A zero since
// returns everything.
func ReadEventsSince(projectRoot string, since time.Time) ([]Event, error) {
	data, err := os.ReadFile(eventsPath(projectRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Event
	for _, line := range splitLines(data) {
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.TS.After(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
