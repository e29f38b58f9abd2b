package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-time setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

// onboardAnswers is what the wizard collects; everything else stays at
// defaults and can be edited in the config file later.
type onboardAnswers struct {
	Provider string
	Workdir  string
	StateDir string
	DmOnly   bool
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("config already exists at %s; edit it directly or remove it first", cfgPath)
	}

	defaults := config.Default()
	ans := onboardAnswers{
		Provider: string(defaults.Agent.Provider),
		Workdir:  defaults.Agent.DefaultWorkdir,
		StateDir: defaults.StateDir,
		DmOnly:   true,
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Agent CLI").
				Description("Which local agent CLI should the relay drive?").
				Options(
					huh.NewOption("codex", string(config.ProviderCodex)),
					huh.NewOption("claude", string(config.ProviderClaude)),
				).
				Value(&ans.Provider),
			huh.NewInput().
				Title("Default workdir").
				Description("Where the agent works unless a conversation overrides it").
				Value(&ans.Workdir),
			huh.NewInput().
				Title("State directory").
				Description("Session state, job logs, plans, and uploads live here").
				Value(&ans.StateDir),
			huh.NewConfirm().
				Title("Restrict agent actions and research to DMs?").
				Value(&ans.DmOnly),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg := config.Default()
	cfg.Agent.Provider = config.Provider(ans.Provider)
	cfg.Agent.DefaultWorkdir = config.ExpandHome(ans.Workdir)
	cfg.StateDir = config.ExpandHome(ans.StateDir)
	cfg.Actions.DmOnly = ans.DmOnly
	cfg.Research.DmOnly = ans.DmOnly

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfgPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Wrote %s\n\n", cfgPath)
	fmt.Println("Next steps:")
	fmt.Println("  1. export RELAYDECK_DISCORD_TOKEN=<your bot token>")
	fmt.Println("  2. relaydeck doctor   # verify the environment")
	fmt.Println("  3. relaydeck run")
	return nil
}
