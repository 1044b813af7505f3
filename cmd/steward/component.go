package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/fentz26/steward/internal/controlplane"
	"github.com/fentz26/steward/internal/deploy"
	"github.com/fentz26/steward/internal/models"
	"github.com/fentz26/steward/internal/versions"
	"github.com/spf13/cobra"
)

var componentCmd = &cobra.Command{
	Use:     "component",
	Aliases: []string{"c"},
	Short:   "Manage components and their versions",
}

var componentRegisterCmd = &cobra.Command{
	Use:   "register [name]",
	Short: "Register a component with its first artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runComponentRegister,
}

var componentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List components",
	RunE:  runComponentList,
}

var componentShowCmd = &cobra.Command{
	Use:   "show [component-id]",
	Short: "Show component status",
	Args:  cobra.ExactArgs(1),
	RunE:  runComponentShow,
}

var componentHistoryCmd = &cobra.Command{
	Use:   "history [component-id]",
	Short: "List versions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runComponentHistory,
}

var componentCompareCmd = &cobra.Command{
	Use:   "compare [component-id] [from-version] [to-version]",
	Short: "Diff two versions",
	Args:  cobra.ExactArgs(3),
	RunE:  runComponentCompare,
}

var componentDeployCmd = &cobra.Command{
	Use:   "deploy [component-id]",
	Short: "Test and deploy a new version",
	Args:  cobra.ExactArgs(1),
	RunE:  runComponentDeploy,
}

var componentRollbackCmd = &cobra.Command{
	Use:   "rollback [component-id]",
	Short: "Roll back to an earlier version",
	Args:  cobra.ExactArgs(1),
	RunE:  runComponentRollback,
}

var componentUnholdCmd = &cobra.Command{
	Use:   "unhold [component-id]",
	Short: "Clear a hold so autonomous actions resume",
	Args:  cobra.ExactArgs(1),
	RunE:  runComponentUnhold,
}

var componentHealthCmd = &cobra.Command{
	Use:   "health [component-id]",
	Short: "Show health checks of the latest monitoring session",
	Args:  cobra.ExactArgs(1),
	RunE:  runComponentHealth,
}

var (
	entryPoint     string
	artifactFile   string
	statusFilter   string
	historyLimit   int
	deployReason   string
	parentVersion  string
	testsFile      string
	idempotent     bool
	sideEffects    bool
	readOnly       bool
	rollbackTarget string
	rollbackReason string
)

func init() {
	componentCmd.AddCommand(componentRegisterCmd, componentListCmd, componentShowCmd, componentHistoryCmd,
		componentCompareCmd, componentDeployCmd, componentRollbackCmd, componentUnholdCmd, componentHealthCmd)

	componentRegisterCmd.Flags().StringVar(&entryPoint, "entry-point", models.DefaultEntryPoint, "Callable invoked by the runtime")
	componentRegisterCmd.Flags().StringVarP(&artifactFile, "file", "f", "", "Artifact source file (required)")
	componentRegisterCmd.MarkFlagRequired("file")

	componentListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (active, inactive)")

	componentHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of versions")
	componentHealthCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of checks")

	componentDeployCmd.Flags().StringVarP(&artifactFile, "file", "f", "", "Artifact source file (required)")
	componentDeployCmd.Flags().StringVar(&deployReason, "reason", "", "Why this version exists (required)")
	componentDeployCmd.Flags().StringVar(&parentVersion, "parent", "", "Version the candidate was written against")
	componentDeployCmd.Flags().StringVar(&testsFile, "tests", "", "JSON file with declared test cases")
	componentDeployCmd.Flags().BoolVar(&idempotent, "idempotent", false, "Candidate is idempotent")
	componentDeployCmd.Flags().BoolVar(&sideEffects, "side-effects", false, "Candidate has side effects")
	componentDeployCmd.Flags().BoolVar(&readOnly, "read-only", false, "Candidate is read-only")
	componentDeployCmd.MarkFlagRequired("file")
	componentDeployCmd.MarkFlagRequired("reason")

	componentRollbackCmd.Flags().StringVar(&rollbackTarget, "to", "", "Target version ID (default: the previous version)")
	componentRollbackCmd.Flags().StringVar(&rollbackReason, "reason", "", "Why the rollback is needed (required)")
	componentRollbackCmd.MarkFlagRequired("reason")
}

func componentPath(id string, rest string) string {
	return "/components/" + url.PathEscape(id) + rest
}

func runComponentRegister(cmd *cobra.Command, args []string) error {
	artifact, err := os.ReadFile(artifactFile)
	if err != nil {
		return err
	}

	var reg controlplane.Registration
	err = apiPost("/components", controlplane.RegisterRequest{
		Name:       args[0],
		EntryPoint: entryPoint,
		Artifact:   string(artifact),
	}, &reg)
	if err != nil {
		return err
	}

	fmt.Printf("Registered component: %s\n", reg.Component.ID)
	fmt.Printf("Version 1:            %s\n", reg.Version.ID)
	return nil
}

func runComponentList(cmd *cobra.Command, args []string) error {
	path := "/components"
	if statusFilter != "" {
		path += "?status=" + url.QueryEscape(statusFilter)
	}

	var comps []models.Component
	if err := apiGet(path, &comps); err != nil {
		return err
	}

	if len(comps) == 0 {
		fmt.Println("No components found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tENTRY POINT")
	for _, c := range comps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, truncate(c.Name, 40), c.Status, c.EntryPoint)
	}
	return w.Flush()
}

func runComponentShow(cmd *cobra.Command, args []string) error {
	var st controlplane.Status
	if err := apiGet(componentPath(args[0], ""), &st); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", st.Component.ID)
	fmt.Printf("Name:        %s\n", st.Component.Name)
	fmt.Printf("Status:      %s\n", st.Component.Status)
	fmt.Printf("Entry Point: %s\n", st.Component.EntryPoint)
	if st.Hold != nil {
		fmt.Printf("Hold:        %s (%s)\n", st.Hold.Kind, st.Hold.Reason)
	}
	if v := st.CurrentVersion; v != nil {
		fmt.Printf("Current:     v%d %s (%s, success %.1f%% over %d)\n",
			v.VersionNumber, v.ID, v.CreatedBy, v.SuccessRate*100, v.TotalExecutions)
	}
	if s := st.ActiveSession; s != nil {
		fmt.Printf("Monitoring:  session %s until %s\n", s.ID, s.MonitoringWindow.End.Format("2006-01-02 15:04"))
	}

	if len(st.History) > 0 {
		fmt.Println("\nHistory:")
		printVersions(st.History)
	}
	if len(st.RecentRollbacks) > 0 {
		fmt.Println("\nRecent rollbacks:")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, ev := range st.RecentRollbacks {
			outcome := "ok"
			if !ev.Success {
				outcome = "failed"
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", ev.TriggeredAt.Format("2006-01-02 15:04"), ev.RollbackType, outcome, truncate(ev.Reason, 60))
		}
		w.Flush()
	}
	return nil
}

func runComponentHistory(cmd *cobra.Command, args []string) error {
	var history []models.Version
	if err := apiGet(componentPath(args[0], fmt.Sprintf("/versions?limit=%d", historyLimit)), &history); err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Println("No versions found")
		return nil
	}
	printVersions(history)
	return nil
}

func printVersions(history []models.Version) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  \tVERSION\tID\tCREATED BY\tCREATED\tREASON")
	for _, v := range history {
		marker := " "
		if v.IsCurrent {
			marker = "*"
		}
		reason := truncate(v.ImprovementReason, 50)
		if v.IsBreakingChange {
			reason += " [breaking]"
		}
		fmt.Fprintf(w, "%s\tv%d\t%s\t%s\t%s\t%s\n", marker, v.VersionNumber, v.ID, v.CreatedBy,
			v.CreatedAt.Format("2006-01-02 15:04"), reason)
	}
	w.Flush()
}

func runComponentCompare(cmd *cobra.Command, args []string) error {
	q := url.Values{"from": {args[1]}, "to": {args[2]}}
	var cmp versions.Comparison
	if err := apiGet(componentPath(args[0], "/compare?"+q.Encode()), &cmp); err != nil {
		return err
	}

	fmt.Printf("v%d -> v%d: +%d -%d lines\n", cmp.From.VersionNumber, cmp.To.VersionNumber, cmp.LinesAdded, cmp.LinesRemoved)
	fmt.Printf("Success rate: %.1f%% -> %.1f%%\n", cmp.From.SuccessRate*100, cmp.To.SuccessRate*100)
	if cmp.IsBreakingChange {
		fmt.Printf("Breaking change: %s\n", cmp.BreakingChangeSummary)
	}
	fmt.Println()
	fmt.Print(cmp.TextDiff)
	return nil
}

func runComponentDeploy(cmd *cobra.Command, args []string) error {
	artifact, err := os.ReadFile(artifactFile)
	if err != nil {
		return err
	}
	req := controlplane.CreateVersionRequest{
		Artifact:        string(artifact),
		Reason:          deployReason,
		ParentVersionID: parentVersion,
		Characteristics: models.Characteristics{
			Idempotent:     idempotent,
			HasSideEffects: sideEffects,
			ReadOnly:       readOnly,
		},
	}
	if testsFile != "" {
		data, err := os.ReadFile(testsFile)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &req.TestCases); err != nil {
			return fmt.Errorf("parse %s: %w", testsFile, err)
		}
	}

	var outcome deploy.Outcome
	if err := apiPost(componentPath(args[0], "/versions"), req, &outcome); err != nil {
		return err
	}

	if r := outcome.Validation; r != nil {
		fmt.Printf("Tested with %s: %d cases, %d matched\n", r.Strategy, r.Cases, r.Matches)
	}
	d := outcome.Deploy
	fmt.Printf("Deployed v%d: %s\n", d.Version.VersionNumber, d.Version.ID)
	fmt.Printf("Monitoring session %s until %s\n", d.Session.ID, d.Session.MonitoringWindow.End.Format("2006-01-02 15:04"))
	if d.BreakingChange != nil {
		fmt.Println("Warning: entry point signature changed")
	}
	return nil
}

func runComponentRollback(cmd *cobra.Command, args []string) error {
	var ev models.RollbackEvent
	err := apiPost(componentPath(args[0], "/rollback"), controlplane.RollbackRequest{
		VersionID: rollbackTarget,
		Reason:    rollbackReason,
	}, &ev)
	if err != nil {
		return err
	}

	if ev.FromVersionID == ev.ToVersionID {
		fmt.Printf("Already on %s\n", ev.ToVersionID)
		return nil
	}
	fmt.Printf("Rolled back %s -> %s\n", ev.FromVersionID, ev.ToVersionID)
	return nil
}

func runComponentUnhold(cmd *cobra.Command, args []string) error {
	if err := apiDelete(componentPath(args[0], "/hold")); err != nil {
		return err
	}
	fmt.Printf("Hold cleared on %s\n", args[0])
	return nil
}

func runComponentHealth(cmd *cobra.Command, args []string) error {
	var report controlplane.HealthReport
	if err := apiGet(componentPath(args[0], fmt.Sprintf("/health?limit=%d", historyLimit)), &report); err != nil {
		return err
	}
	if report.Session == nil {
		fmt.Println("No monitoring sessions")
		return nil
	}

	s := report.Session
	fmt.Printf("Session:  %s (%s)\n", s.ID, s.Status)
	fmt.Printf("Version:  %s\n", s.VersionID)
	fmt.Printf("Baseline: %.1f%% over %d executions\n", s.Baseline.SuccessRate()*100, s.Baseline.Total)
	fmt.Printf("Window:   %s - %s\n\n", s.MonitoringWindow.Start.Format("2006-01-02 15:04"), s.MonitoringWindow.End.Format("2006-01-02 15:04"))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECKED\tSEVERITY\tCURRENT\tDROP\tROLLBACK")
	for _, hc := range report.Checks {
		current := fmt.Sprintf("%.1f%% (%d)", hc.Current.SuccessRate()*100, hc.Current.Total)
		if hc.InsufficientData {
			current = "insufficient data"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%t\n", hc.CheckedAt.Format("15:04:05"), hc.Severity, current, hc.SuccessRateDrop, hc.NeedsRollback)
	}
	return w.Flush()
}

// --- Helpers ---

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
