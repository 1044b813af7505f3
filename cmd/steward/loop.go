package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/fentz26/steward/internal/models"
	"github.com/fentz26/steward/internal/scheduler"
	"github.com/spf13/cobra"
)

var loopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Inspect and control the autonomous loop",
}

var loopStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show loop statistics",
	RunE:  runLoopStats,
}

var loopOpportunitiesCmd = &cobra.Command{
	Use:   "opportunities",
	Short: "Run opportunity detection without attempting anything",
	RunE:  runLoopOpportunities,
}

var loopPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop the loop from starting new work",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiPost("/loop/pause", nil, nil); err != nil {
			return err
		}
		fmt.Println("Loop paused")
		return nil
	},
}

var loopResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Let the loop start new work again",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiPost("/loop/resume", nil, nil); err != nil {
			return err
		}
		fmt.Println("Loop resumed")
		return nil
	},
}

var loopHoldsCmd = &cobra.Command{
	Use:   "holds",
	Short: "List held components",
	RunE:  runLoopHolds,
}

func init() {
	loopCmd.AddCommand(loopStatsCmd, loopOpportunitiesCmd, loopPauseCmd, loopResumeCmd, loopHoldsCmd)
}

func runLoopStats(cmd *cobra.Command, args []string) error {
	var s scheduler.Stats
	if err := apiGet("/statistics", &s); err != nil {
		return err
	}

	state := "running"
	switch {
	case !s.Running:
		state = "stopped"
	case s.Paused:
		state = "paused"
	}
	fmt.Printf("State:         %s\n", state)
	fmt.Printf("Cycles:        %d (monitor %d, opportunity %d)\n", s.CyclesCompleted, s.MonitorCycles, s.OpportunityCycles)
	fmt.Printf("Health checks: %d\n", s.HealthChecks)
	fmt.Printf("Opportunities: %d detected, %d attempted, %d skipped\n", s.OpportunitiesDetected, s.OpportunitiesAttempted, s.Skipped)
	fmt.Printf("Improvements:  %d deployed, %d failed\n", s.ImprovementsDeployed, s.ImprovementsFailed)
	fmt.Printf("Workers:       %d active, %d components cooling down\n", s.ActiveWorkers, s.CoolingDown)
	printCounts("Failures by stage", s.FailuresByStage)
	printCounts("Rollbacks by type", s.RollbacksByType)
	return nil
}

func printCounts(title string, counts map[string]int64) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("%s:\n", title)
	for _, k := range keys {
		fmt.Printf("  %-12s %d\n", k, counts[k])
	}
}

func runLoopOpportunities(cmd *cobra.Command, args []string) error {
	var opps []models.Opportunity
	if err := apiGet("/opportunities", &opps); err != nil {
		return err
	}
	if len(opps) == 0 {
		fmt.Println("No opportunities")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PRIORITY\tCOMPONENT\tSUCCESS\tFAILURES (24h)\tREASON")
	for _, o := range opps {
		fmt.Fprintf(w, "%s\t%s\t%.1f%% (%d)\t%d\t%s\n", o.Priority, o.ComponentID,
			o.Metrics.SuccessRate()*100, o.Metrics.Total, o.RecentFailures, o.Reason)
	}
	return w.Flush()
}

func runLoopHolds(cmd *cobra.Command, args []string) error {
	var holds []models.Hold
	if err := apiGet("/holds", &holds); err != nil {
		return err
	}
	if len(holds) == 0 {
		fmt.Println("No held components")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COMPONENT\tKIND\tSINCE\tREASON")
	for _, h := range holds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.ComponentID, h.Kind, h.CreatedAt.Format("2006-01-02 15:04"), h.Reason)
	}
	return w.Flush()
}
