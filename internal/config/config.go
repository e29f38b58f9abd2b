// Package config holds the immutable relay configuration.
//
// The config is loaded once at startup from a JSON5 file, overlaid with
// environment variables, and never mutated afterwards. Secrets (the Discord
// token) come from the environment and are never written back to disk.
package config

import (
	"fmt"
	"time"
)

// Provider identifies the agent CLI flavor.
type Provider string

const (
	ProviderCodex  Provider = "codex"
	ProviderClaude Provider = "claude"
)

// Config is the root configuration for the relay.
type Config struct {
	StateDir             string `json:"stateDir"`
	ResearchProjectsRoot string `json:"researchProjectsRoot"`

	Discord     DiscordConfig     `json:"discord"`
	Agent       AgentConfig       `json:"agent"`
	Uploads     UploadsConfig     `json:"uploads"`
	Attachments AttachmentsConfig `json:"attachments"`
	Context     ContextConfig     `json:"context"`
	Tasks       TasksConfig       `json:"tasks"`
	Plans       PlansConfig       `json:"plans"`
	Handoff     HandoffConfig     `json:"handoff"`
	Git         GitConfig         `json:"git"`
	Actions     ActionsConfig     `json:"actions"`
	Jobs        JobsConfig        `json:"jobs"`
	Progress    ProgressConfig    `json:"progress"`
	Research    ResearchConfig    `json:"research"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
}

// DiscordConfig configures the chat-platform adapter.
type DiscordConfig struct {
	Token             string   `json:"-"` // from env RELAYDECK_DISCORD_TOKEN only
	AllowedGuilds     []string `json:"allowedGuilds,omitempty"`
	AllowedChannels   []string `json:"allowedChannels,omitempty"`
	ThreadAutoRespond bool     `json:"threadAutoRespond"`
	MaxReplyChars     int      `json:"maxReplyChars"`
}

// AgentConfig configures the agent CLI invoker.
type AgentConfig struct {
	Provider            Provider `json:"provider"` // "codex" or "claude"
	Binary              string   `json:"binary,omitempty"`
	DefaultWorkdir      string   `json:"defaultWorkdir"`
	AllowedWorkdirRoots []string `json:"allowedWorkdirRoots,omitempty"`
	TimeoutMs           int      `json:"timeoutMs"`
	Sandbox             string   `json:"sandbox,omitempty"`
	ApprovalPolicy      string   `json:"approvalPolicy,omitempty"`
	AttachDmOnly        bool     `json:"attachDmOnly"`

	// Claude model routing: light for short prompts, heavy when the prompt is
	// long or matches a reasoning keyword.
	ModelLight string `json:"modelLight,omitempty"`
	ModelHeavy string `json:"modelHeavy,omitempty"`

	// Substring fragments that identify a non-resumable agent session in the
	// CLI's error output.
	StaleSessionFragments []string `json:"staleSessionFragments,omitempty"`
}

// Timeout returns the wall-clock timeout for one agent child run.
func (a AgentConfig) Timeout() time.Duration {
	if a.TimeoutMs <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(a.TimeoutMs) * time.Millisecond
}

// BinaryName returns the agent binary, defaulting per provider.
func (a AgentConfig) BinaryName() string {
	if a.Binary != "" {
		return a.Binary
	}
	if a.Provider == ProviderClaude {
		return "claude"
	}
	return "codex"
}

// UploadsConfig configures the outgoing file bridge ([[upload:...]] markers).
type UploadsConfig struct {
	Enabled                  bool     `json:"enabled"`
	MaxBytes                 int64    `json:"maxBytes"`
	AllowedRoots             []string `json:"allowedRoots,omitempty"`
	AllowOutsideConversation bool     `json:"allowOutsideConversation"`
}

// AttachmentsConfig configures ingestion of chat-side text attachments.
type AttachmentsConfig struct {
	Enabled  bool  `json:"enabled"`
	MaxFiles int   `json:"maxFiles"`
	MaxBytes int64 `json:"maxBytes"`
	MaxChars int   `json:"maxChars"`
}

// ContextConfig configures workdir context file injection.
type ContextConfig struct {
	Enabled         bool     `json:"enabled"`
	EveryTurn       bool     `json:"everyTurn"`
	Version         int      `json:"version"`
	MaxChars        int      `json:"maxChars"`
	MaxCharsPerFile int      `json:"maxCharsPerFile"`
	Specs           []string `json:"specs,omitempty"` // "mode:path", mode ∈ head|tail|headtail
}

// TasksConfig configures the task queue and runner.
type TasksConfig struct {
	Enabled        bool `json:"enabled"`
	MaxPending     int  `json:"maxPending"`
	StopOnError    bool `json:"stopOnError"`
	PostFullOutput bool `json:"postFullOutput"`
	SummaryAfter   bool `json:"summaryAfterRun"`
}

// PlansConfig configures the plan subsystem.
type PlansConfig struct {
	Enabled              bool `json:"enabled"`
	MaxHistory           int  `json:"maxHistory"`
	ApplyConfirmInGuilds bool `json:"applyRequireConfirmInGuilds"`
}

// HandoffConfig configures handoff file writing.
type HandoffConfig struct {
	Enabled            bool     `json:"enabled"`
	AutoAfterTaskRun   bool     `json:"autoAfterTaskRun"`
	AutoAfterEachTask  bool     `json:"autoAfterEachTask"`
	AutoAfterPlanApply bool     `json:"autoAfterPlanApply"`
	Files              []string `json:"files,omitempty"`
	GitAutoCommit      bool     `json:"gitAutoCommit"`
	GitAutoPush        bool     `json:"gitAutoPush"`
	GitCommitMessage   string   `json:"gitCommitMessage,omitempty"`
}

// GitConfig configures automatic commits after task completion.
type GitConfig struct {
	AutoCommitEnabled bool   `json:"autoCommitEnabled"`
	AutoCommitScope   string `json:"autoCommitScope,omitempty"` // "task", "plan", "both"
	CommitPrefix      string `json:"commitPrefix,omitempty"`
}

// ActionsConfig gates agent-requested relay actions.
type ActionsConfig struct {
	Enabled       bool     `json:"enabled"`
	DmOnly        bool     `json:"dmOnly"`
	Allowed       []string `json:"allowed,omitempty"`
	MaxPerMessage int      `json:"maxPerMessage"`
}

// JobsConfig configures background job defaults.
type JobsConfig struct {
	AutoWatch          bool `json:"autoWatch"`
	AutoWatchEverySec  int  `json:"autoWatchEverySec"`
	AutoWatchTailLines int  `json:"autoWatchTailLines"`
}

// ProgressConfig configures the throttled pending-message editor.
type ProgressConfig struct {
	Enabled       bool `json:"enabled"`
	MinEditMs     int  `json:"minEditMs"`
	HeartbeatMs   int  `json:"heartbeatMs"`
	EditTimeoutMs int  `json:"editTimeoutMs"`
	StallWarnMs   int  `json:"stallWarnMs"`
	KeepLines     int  `json:"keepLines"`
	MaxLines      int  `json:"maxLines"`
}

// ResearchConfig configures the autonomous research manager.
type ResearchConfig struct {
	Enabled           bool     `json:"enabled"`
	DmOnly            bool     `json:"dmOnly"`
	DefaultMaxSteps   int      `json:"defaultMaxSteps"`
	DefaultMaxWallMin int      `json:"defaultMaxWallclockMin"`
	DefaultMaxRuns    int      `json:"defaultMaxRuns"`
	TickSec           int      `json:"tickSec"`
	TickCron          string   `json:"tickCron,omitempty"` // optional cron expression overriding tickSec
	TickMaxParallel   int      `json:"tickMaxParallel"`
	ActionsAllowed    []string `json:"actionsAllowed,omitempty"`
	MaxActionsPerStep int      `json:"maxActionsPerStep"`
	LeaseTtlSec       int      `json:"leaseTtlSec"`
	InflightTtlSec    int      `json:"inflightTtlSec"`
	RequireNotePrefix bool     `json:"requireNotePrefix"`
	PostOnApplied     bool     `json:"postOnApplied"`
	PostOnBlocked     bool     `json:"postOnBlocked"`
	PostEverySteps    int      `json:"postEverySteps"`
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Validate checks startup-fatal requirements.
func (c *Config) Validate() error {
	if c.Discord.Token == "" {
		return fmt.Errorf("discord token missing: set RELAYDECK_DISCORD_TOKEN")
	}
	if c.StateDir == "" {
		return fmt.Errorf("stateDir must not be empty")
	}
	if c.Agent.Provider != ProviderCodex && c.Agent.Provider != ProviderClaude {
		return fmt.Errorf("agent provider must be %q or %q, got %q", ProviderCodex, ProviderClaude, c.Agent.Provider)
	}
	return nil
}
