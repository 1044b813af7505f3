package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fentz26/steward/internal/config"
	"github.com/fentz26/steward/internal/connectors/localexec"
	"github.com/spf13/cobra"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the configuration, sandbox interpreters and daemon",
	RunE:  runDoctor,
}

func init() {
	doctorCmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the YAML configuration file")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	problems := 0

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("✗ config: %v\n", err)
		problems++
		cfg = config.Default()
	} else {
		fmt.Printf("✓ config: %s\n", configPath)
	}

	fmt.Println("\nSandbox interpreters:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, in := range localexec.Detect() {
		mark := "✗"
		if in.Available {
			mark = "✓"
		}
		selected := ""
		if in.Name == cfg.Executor.Interpreter {
			selected = "(configured)"
			if !in.Available {
				problems++
			}
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", mark, in.Name, in.Path, in.Version, selected)
	}
	w.Flush()

	fmt.Println()
	health, err := CheckHealth()
	switch {
	case err != nil && health == nil:
		fmt.Printf("✗ daemon: not reachable at %s\n", apiAddr)
		problems++
	case err != nil:
		fmt.Printf("✗ daemon: %s, database %s\n", health.Version, health.DB)
		problems++
	default:
		state := "running"
		if health.Paused {
			state = "paused"
		}
		fmt.Printf("✓ daemon: %s, database %s, loop %s\n", health.Version, health.DB, state)
	}

	if problems > 0 {
		return fmt.Errorf("%d problem(s) found", problems)
	}
	return nil
}
