package research

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/relaydeck/internal/state"
)

var projectDirs = []string{
	"idea",
	"exp/results",
	"reports",
	"writing",
	"manager",
	"memory",
}

// seededFiles maps project-relative paths to their initial contents.
// Existing files are never overwritten.
func seededFiles(goal string) map[string]string {
	return map[string]string{
		"idea/goal.md":            "# Goal\n\n" + goal + "\n",
		"idea/hypotheses.yaml":    "# Hypotheses under investigation.\n# - id: h1\n#   statement: ...\n#   status: open\n",
		"exp/registry.jsonl":      "",
		"reports/rolling_report.md": "# Rolling report\n\nGoal: " + goal + "\n",
		"reports/report_digest.md":  "# Report digest\n",
		"writing/rolling_report.md": "# Rolling report\n\nGoal: " + goal + "\n",
		"memory/WORKING_MEMORY.md":  "# Working memory\n",
		"memory/HANDOFF_LOG.md":     "# Handoff log\n",
	}
}

// Scaffold creates a research project directory for the conversation and
// writes a fresh manager state. Returns the project root.
func Scaffold(projectsRoot, convKey, goal string, budgets Budgets, channelID, guildID string) (string, *ManagerState, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return "", nil, fmt.Errorf("research goal must not be empty")
	}

	slug := state.Slug(goal)
	if len(slug) > 40 {
		slug = slug[:40]
	}
	stamp := time.Now().UTC().Format("20060102-150405")
	root := filepath.Join(projectsRoot, state.Slug(convKey), stamp+"-"+slug)

	for _, d := range projectDirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return "", nil, fmt.Errorf("scaffold %s: %w", d, err)
		}
	}
	for rel, content := range seededFiles(goal) {
		path := filepath.Join(root, rel)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", nil, fmt.Errorf("seed %s: %w", rel, err)
		}
	}

	st := &ManagerState{
		Version:               stateVersion,
		ProjectRoot:           root,
		Goal:                  goal,
		Status:                StatusRunning,
		Phase:                 PhasePlan,
		AutoRun:               true,
		Budgets:               budgets,
		Inflight:              InflightStep{Status: InflightIdle},
		Discord:               DiscordRefs{ChannelID: channelID, GuildID: guildID},
		StartedAt:             time.Now(),
		AppliedDecisionHashes: []string{},
		AppliedActionKeys:     []string{},
	}
	if err := SaveState(st); err != nil {
		return "", nil, err
	}
	if err := AppendEvent(root, "research_started", map[string]any{"goal": goal}); err != nil {
		return "", nil, err
	}
	return root, st, nil
}

// GoalPath and friends are the project's well-known files.
func goalPath(root string) string     { return filepath.Join(root, "idea", "goal.md") }
func hypothesesPath(root string) string { return filepath.Join(root, "idea", "hypotheses.yaml") }
func registryPath(root string) string { return filepath.Join(root, "exp", "registry.jsonl") }
func reportPath(root string) string   { return filepath.Join(root, "reports", "rolling_report.md") }
func digestPath(root string) string   { return filepath.Join(root, "reports", "report_digest.md") }

// legacyReportPath is kept in sync by write_report for older tooling.
func legacyReportPath(root string) string { return filepath.Join(root, "writing", "rolling_report.md") }
