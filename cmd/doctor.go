package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relaydeck/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("relaydeck doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Discord:")
	if cfg.Discord.Token != "" {
		fmt.Println("    Token:      set")
	} else {
		fmt.Println("    Token:      MISSING (set RELAYDECK_DISCORD_TOKEN)")
	}

	fmt.Println()
	fmt.Println("  Agent:")
	fmt.Printf("    Provider:   %s\n", cfg.Agent.Provider)
	binary := cfg.Agent.BinaryName()
	if path, err := exec.LookPath(binary); err != nil {
		fmt.Printf("    Binary:     %s (NOT ON PATH)\n", binary)
	} else {
		fmt.Printf("    Binary:     %s (OK)\n", path)
	}
	checkDir("Workdir", cfg.Agent.DefaultWorkdir)

	fmt.Println()
	fmt.Println("  State:")
	checkWritableDir("StateDir", cfg.StateDir)
	checkWritableDir("Research", cfg.ResearchProjectsRoot)

	fmt.Println()
	fmt.Println("  Tools:")
	if path, err := exec.LookPath("git"); err != nil {
		fmt.Println("    git:        NOT ON PATH (auto-commit, worktrees, handoff commits disabled)")
	} else {
		fmt.Printf("    git:        %s (OK)\n", path)
	}
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		fmt.Println("    /bin/sh:    MISSING (background jobs will not run)")
	} else {
		fmt.Println("    /bin/sh:    OK")
	}
}

func checkDir(label, dir string) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		fmt.Printf("    %-11s %s (NOT A DIRECTORY)\n", label+":", dir)
		return
	}
	fmt.Printf("    %-11s %s (OK)\n", label+":", dir)
}

func checkWritableDir(label, dir string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Printf("    %-11s %s (CANNOT CREATE: %v)\n", label+":", dir, err)
		return
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		fmt.Printf("    %-11s %s (NOT WRITABLE)\n", label+":", dir)
		return
	}
	os.Remove(probe)
	fmt.Printf("    %-11s %s (OK)\n", label+":", dir)
}
