package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		StateDir:             ExpandHome("~/.relaydeck"),
		ResearchProjectsRoot: ExpandHome("~/.relaydeck/research"),
		Discord: DiscordConfig{
			ThreadAutoRespond: true,
			MaxReplyChars:     1800,
		},
		Agent: AgentConfig{
			Provider:       ProviderCodex,
			DefaultWorkdir: ExpandHome("~/relaydeck-work"),
			TimeoutMs:      20 * 60 * 1000,
			Sandbox:        "workspace-write",
			AttachDmOnly:   true,
			ModelLight:     "claude-3-5-haiku-latest",
			ModelHeavy:     "claude-sonnet-4-5",
			StaleSessionFragments: []string{
				"No conversation found with session ID",
				"no thread found",
				"session not found",
				"conversation not found",
			},
		},
		Uploads: UploadsConfig{
			Enabled:  true,
			MaxBytes: 8 << 20,
		},
		Attachments: AttachmentsConfig{
			Enabled:  true,
			MaxFiles: 4,
			MaxBytes: 512 << 10,
			MaxChars: 24000,
		},
		Context: ContextConfig{
			Enabled:         true,
			MaxChars:        24000,
			MaxCharsPerFile: 8000,
		},
		Tasks: TasksConfig{
			Enabled:      true,
			MaxPending:   50,
			SummaryAfter: true,
		},
		Plans: PlansConfig{
			Enabled:              true,
			MaxHistory:           20,
			ApplyConfirmInGuilds: true,
		},
		Handoff: HandoffConfig{
			Enabled: true,
			Files:   []string{"HANDOFF.md"},
		},
		Git: GitConfig{
			AutoCommitScope: "task",
			CommitPrefix:    "relay:",
		},
		Actions: ActionsConfig{
			Enabled:       true,
			DmOnly:        true,
			Allowed:       []string{"job_start", "job_watch", "job_stop", "task_add", "task_run"},
			MaxPerMessage: 3,
		},
		Jobs: JobsConfig{
			AutoWatch:          true,
			AutoWatchEverySec:  60,
			AutoWatchTailLines: 20,
		},
		Progress: ProgressConfig{
			Enabled:       true,
			MinEditMs:     2500,
			HeartbeatMs:   20000,
			EditTimeoutMs: 10000,
			StallWarnMs:   120000,
			KeepLines:     50,
			MaxLines:      8,
		},
		Research: ResearchConfig{
			Enabled:           true,
			DmOnly:            true,
			DefaultMaxSteps:   40,
			DefaultMaxWallMin: 480,
			DefaultMaxRuns:    20,
			TickSec:           90,
			TickMaxParallel:   2,
			ActionsAllowed: []string{
				"job_start", "job_watch", "job_stop",
				"task_add", "task_run",
				"write_report", "research_pause", "research_mark_done",
			},
			MaxActionsPerStep: 4,
			LeaseTtlSec:       600,
			InflightTtlSec:    1800,
			RequireNotePrefix: false,
			PostOnApplied:     true,
			PostOnBlocked:     true,
			PostEverySteps:    5,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if cfg.Research.TickCron != "" && !gronx.New().IsValid(cfg.Research.TickCron) {
		return nil, fmt.Errorf("invalid research.tickCron expression: %q", cfg.Research.TickCron)
	}

	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("RELAYDECK_DISCORD_TOKEN", &c.Discord.Token)
	envStr("RELAYDECK_STATE_DIR", &c.StateDir)
	envStr("RELAYDECK_RESEARCH_ROOT", &c.ResearchProjectsRoot)
	envStr("RELAYDECK_AGENT_BINARY", &c.Agent.Binary)
	envStr("RELAYDECK_WORKDIR", &c.Agent.DefaultWorkdir)

	if v := os.Getenv("RELAYDECK_AGENT_PROVIDER"); v != "" {
		c.Agent.Provider = Provider(v)
	}
	if v := os.Getenv("RELAYDECK_AGENT_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Agent.TimeoutMs = ms
		}
	}
	if v := os.Getenv("RELAYDECK_ALLOWED_GUILDS"); v != "" {
		c.Discord.AllowedGuilds = strings.Split(v, ",")
	}
	if v := os.Getenv("RELAYDECK_ALLOWED_CHANNELS"); v != "" {
		c.Discord.AllowedChannels = strings.Split(v, ",")
	}

	c.StateDir = ExpandHome(c.StateDir)
	c.ResearchProjectsRoot = ExpandHome(c.ResearchProjectsRoot)
	c.Agent.DefaultWorkdir = ExpandHome(c.Agent.DefaultWorkdir)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
