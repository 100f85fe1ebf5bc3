package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/paths"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("dotclaw doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (not found, using defaults)")
	} else {
		fmt.Println(" (found)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load failed: %v\n", err)
		return
	}
	fmt.Printf("  Default model: %s\n", cfg.DefaultModel)
	fmt.Printf("  Max concurrent agents: %d\n", cfg.Concurrency.MaxAgents)
	fmt.Printf("  Background jobs enabled: %v\n", cfg.BackgroundJobs.Enabled)

	layout, err := paths.Resolve()
	if err != nil {
		fmt.Printf("  Layout resolution failed: %v\n", err)
		return
	}
	fmt.Printf("  Home: %s\n", layout.Home)
	fmt.Printf("  Store: %s\n", layout.StoreDir)
}
