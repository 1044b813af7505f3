// Package tui provides the interactive operator dashboard for Steward.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/steward/internal/models"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(cyanColor)
	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
)

type mode int

const (
	modeComponents mode = iota
	modeDetail
	modeLoop
)

// refreshInterval is how often the dashboard polls the daemon.
const refreshInterval = 5 * time.Second

// App is the main TUI application model.
type App struct {
	client        *Client
	components    []models.Component
	selectedIdx   int
	status        *ComponentStatus
	health        *HealthReport
	stats         *LoopStats
	opportunities []models.Opportunity
	input         textinput.Model
	viewport      viewport.Model
	width         int
	height        int
	mode          mode
	message       string
	daemonOnline  bool
	suggestions   *Suggestions
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type / for commands, @ to jump to a component"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		client:      NewClient(apiAddr),
		input:       ti,
		viewport:    viewport.New(80, 20),
		mode:        modeComponents,
		suggestions: NewSuggestions(),
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.fetchComponents(),
		a.fetchStats(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if cmd, handled := a.handleKey(msg); handled {
			return a, cmd
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4
		a.viewport.Width = msg.Width
		a.viewport.Height = max(5, msg.Height-9)
		a.refreshViewport()

	case componentsLoadedMsg:
		a.components = msg.components
		if a.selectedIdx >= len(a.components) {
			a.selectedIdx = max(0, len(a.components)-1)
		}

	case statusLoadedMsg:
		a.status = msg.status
		a.health = msg.health
		a.refreshViewport()

	case statsLoadedMsg:
		a.stats = msg.stats

	case opportunitiesLoadedMsg:
		a.opportunities = msg.opportunities
		a.message = fmt.Sprintf("✓ %d opportunities", len(msg.opportunities))

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case tickMsg:
		cmds = append(cmds, a.refresh(), a.checkDaemon(), a.tickCmd())

	case commandResultMsg:
		a.message = msg.message
		cmds = append(cmds, a.refresh())

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.suggestions.Update(a.input.Value())
	if strings.HasPrefix(a.input.Value(), "@") {
		names := make([]string, len(a.components))
		for i, c := range a.components {
			names[i] = c.Name
		}
		a.suggestions.SetComponents(names)
	}

	return a, tea.Batch(cmds...)
}

// handleKey processes navigation keys. It reports false when the key should
// fall through to the text input.
func (a *App) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	typing := a.input.Value() != ""

	switch msg.String() {
	case "ctrl+c":
		return tea.Quit, true

	case "esc":
		if typing {
			a.input.SetValue("")
			a.suggestions.Update("")
			return nil, true
		}
		if a.mode != modeComponents {
			a.mode = modeComponents
			a.status = nil
			a.health = nil
			return a.fetchComponents(), true
		}

	case "up", "k":
		if a.suggestions.IsVisible() {
			a.suggestions.Prev()
			return nil, true
		}
		if typing {
			return nil, false
		}
		switch a.mode {
		case modeComponents:
			if a.selectedIdx > 0 {
				a.selectedIdx--
			}
		case modeDetail:
			a.viewport.LineUp(1)
		}
		return nil, true

	case "down", "j":
		if a.suggestions.IsVisible() {
			a.suggestions.Next()
			return nil, true
		}
		if typing {
			return nil, false
		}
		switch a.mode {
		case modeComponents:
			if a.selectedIdx < len(a.components)-1 {
				a.selectedIdx++
			}
		case modeDetail:
			a.viewport.LineDown(1)
		}
		return nil, true

	case "tab":
		if a.suggestions.IsVisible() {
			if selected := a.suggestions.Selected(); selected != nil {
				a.input.SetValue(selected.Text + " ")
				a.input.CursorEnd()
				a.suggestions.Update("")
			}
			return nil, true
		}
		if a.mode == modeLoop {
			a.mode = modeComponents
			return a.fetchComponents(), true
		}
		a.mode = modeLoop
		return a.fetchStats(), true

	case "enter":
		if a.suggestions.IsVisible() {
			if selected := a.suggestions.Selected(); selected != nil {
				a.input.SetValue(selected.Text + " ")
				a.input.CursorEnd()
				a.suggestions.Update("")
			}
			return nil, true
		}
		line := strings.TrimSpace(a.input.Value())
		if line != "" {
			a.input.SetValue("")
			return a.executeCommand(line), true
		}
		if a.mode == modeComponents && len(a.components) > 0 {
			a.mode = modeDetail
			return a.fetchStatus(a.components[a.selectedIdx].ID), true
		}
		return nil, true
	}
	return nil, false
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemon := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemon = offlineStyle.Render("○ DAEMON")
	}
	loop := ""
	if a.stats != nil {
		switch {
		case a.stats.Paused:
			loop = lipgloss.NewStyle().Foreground(warningColor).Render("‖ LOOP PAUSED")
		case a.stats.Running:
			loop = onlineStyle.Render("▶ LOOP RUNNING")
		default:
			loop = offlineStyle.Render("■ LOOP STOPPED")
		}
	}
	b.WriteString(titleStyle.Render("STEWARD") + "  " + daemon + "  " + loop + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 20)) + "\n")

	contentHeight := max(5, a.height-8)
	switch a.mode {
	case modeComponents:
		b.WriteString(a.renderComponents(contentHeight))
	case modeDetail:
		b.WriteString(a.viewport.View())
	case modeLoop:
		b.WriteString(a.renderLoop())
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(max(a.width, 40)))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeComponents:
		status = fmt.Sprintf(" Components: %d | ↑↓:nav | Enter:open | Tab:loop | Ctrl+C:quit", len(a.components))
	case modeDetail:
		status = " ↑↓:scroll | /rollback <reason> | /unhold | Esc:back"
	case modeLoop:
		status = " /pause | /resume | /opportunities | Tab:components | Esc:back"
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 20)).Render(status))

	return b.String()
}

func (a *App) renderComponents(height int) string {
	if len(a.components) == 0 {
		return "\n  No components registered.\n"
	}

	lines := []string{headerStyle.Render(fmt.Sprintf("    %-28s %-10s %-12s %s", "NAME", "STATUS", "ENTRY", "ID"))}
	for i, c := range a.components {
		row := fmt.Sprintf("%-28s %-10s %-12s %s", truncate(c.Name, 28), c.Status, truncate(c.EntryPoint, 12), shortID(c.ID))
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render("▶ "+row))
		} else {
			lines = append(lines, itemStyle.Render("  "+row))
		}
	}

	if len(lines) > height {
		start := max(0, a.selectedIdx+1-height/2)
		end := min(len(lines), start+height)
		start = max(0, end-height)
		lines = lines[start:end]
	}
	return strings.Join(lines, "\n")
}

// refreshViewport renders the component detail into the scrollable viewport.
func (a *App) refreshViewport() {
	a.viewport.SetContent(a.renderDetail())
}

func (a *App) renderDetail() string {
	if a.status == nil {
		return "\n  Loading...\n"
	}
	st := a.status
	var b strings.Builder

	b.WriteString(fmt.Sprintf("\n  %s  %s\n", lipgloss.NewStyle().Bold(true).Render(st.Component.Name), helpStyle.Render(st.Component.ID)))
	b.WriteString(fmt.Sprintf("  Status: %s   Entry point: %s\n", st.Component.Status, st.Component.EntryPoint))

	if st.Hold != nil {
		b.WriteString(lipgloss.NewStyle().Foreground(errorColor).Bold(true).
			Render(fmt.Sprintf("  HELD (%s): %s", st.Hold.Kind, st.Hold.Reason)) + "\n")
	}

	if v := st.CurrentVersion; v != nil {
		b.WriteString(fmt.Sprintf("  Current: v%d by %s, success %s over %d executions\n",
			v.VersionNumber, v.CreatedBy, formatRate(v.SuccessRate), v.TotalExecutions))
	}

	if s := st.ActiveSession; s != nil {
		b.WriteString(fmt.Sprintf("  Monitoring since %s until %s (baseline %s of %d)\n",
			s.DeploymentTime.Local().Format("Jan 2 15:04"),
			s.MonitoringWindow.End.Local().Format("Jan 2 15:04"),
			formatRate(s.Baseline.SuccessRate()), s.Baseline.Total))
	}

	b.WriteString("\n  " + headerStyle.Render("History") + "\n")
	for _, v := range st.History {
		marker := " "
		if v.IsCurrent {
			marker = "●"
		}
		line := fmt.Sprintf("  %s v%-3d %-10s %s  %s", marker, v.VersionNumber, v.CreatedBy,
			v.CreatedAt.Local().Format("Jan 2 15:04"), truncate(v.ImprovementReason, 50))
		if v.IsBreakingChange {
			line += lipgloss.NewStyle().Foreground(warningColor).Render("  breaking")
		}
		b.WriteString(line + "\n")
	}

	if a.health != nil && len(a.health.Checks) > 0 {
		b.WriteString("\n  " + headerStyle.Render("Health checks") + "\n")
		for _, hc := range a.health.Checks {
			detail := fmt.Sprintf("current %s (%d)", formatRate(hc.Current.SuccessRate()), hc.Current.Total)
			if hc.InsufficientData {
				detail = "insufficient data"
			}
			if hc.Detail != "" {
				detail += " " + hc.Detail
			}
			b.WriteString(fmt.Sprintf("    %s  %s  %s\n",
				hc.CheckedAt.Local().Format("15:04:05"), formatSeverity(hc.Severity), truncate(detail, 60)))
		}
	}

	if len(st.RecentRollbacks) > 0 {
		b.WriteString("\n  " + headerStyle.Render("Rollbacks") + "\n")
		for _, ev := range st.RecentRollbacks {
			outcome := onlineStyle.Render("ok")
			if !ev.Success {
				outcome = offlineStyle.Render("failed")
			}
			b.WriteString(fmt.Sprintf("    %s  %-9s %s  %s\n",
				ev.TriggeredAt.Local().Format("Jan 2 15:04"), ev.RollbackType, outcome, truncate(ev.Reason, 50)))
		}
	}
	return b.String()
}

func (a *App) renderLoop() string {
	var b strings.Builder
	b.WriteString("\n  " + headerStyle.Render("Autonomous loop") + "\n")
	if a.stats == nil {
		b.WriteString("  Loading...\n")
		return b.String()
	}
	s := a.stats
	b.WriteString(fmt.Sprintf("  Cycles: %d (monitor %d, opportunity %d)\n", s.CyclesCompleted, s.MonitorCycles, s.OpportunityCycles))
	b.WriteString(fmt.Sprintf("  Opportunities: %d detected, %d attempted, %d skipped\n", s.OpportunitiesDetected, s.OpportunitiesAttempted, s.Skipped))
	b.WriteString(fmt.Sprintf("  Improvements: %s deployed, %s failed\n",
		onlineStyle.Render(fmt.Sprint(s.ImprovementsDeployed)), offlineStyle.Render(fmt.Sprint(s.ImprovementsFailed))))
	b.WriteString(fmt.Sprintf("  Rollbacks: %s\n", formatCounts(s.RollbacksByType)))
	b.WriteString(fmt.Sprintf("  Failures by stage: %s\n", formatCounts(s.FailuresByStage)))
	b.WriteString(fmt.Sprintf("  Workers: %d active, %d components cooling down\n", s.ActiveWorkers, s.CoolingDown))
	if s.LastMonitorAt != nil {
		b.WriteString(fmt.Sprintf("  Last monitor cycle: %s\n", s.LastMonitorAt.Local().Format("15:04:05")))
	}
	if s.LastOpportunityAt != nil {
		b.WriteString(fmt.Sprintf("  Last opportunity cycle: %s\n", s.LastOpportunityAt.Local().Format("15:04:05")))
	}

	if len(a.opportunities) > 0 {
		b.WriteString("\n  " + headerStyle.Render("Opportunities") + "\n")
		for _, o := range a.opportunities {
			b.WriteString(fmt.Sprintf("    %-6s %-28s %s\n", o.Priority, truncate(a.componentName(o.ComponentID), 28), o.Reason))
		}
	}
	return b.String()
}

func (a *App) componentName(id string) string {
	for _, c := range a.components {
		if c.ID == id {
			return c.Name
		}
	}
	return shortID(id)
}

// selectedComponent returns the component the operator is looking at.
func (a *App) selectedComponent() (models.Component, bool) {
	if a.mode == modeDetail && a.status != nil {
		return a.status.Component, true
	}
	if len(a.components) == 0 {
		return models.Component{}, false
	}
	return a.components[a.selectedIdx], true
}

func (a *App) executeCommand(line string) tea.Cmd {
	if strings.HasPrefix(line, "@") {
		name := strings.TrimSpace(strings.TrimPrefix(line, "@"))
		for i, c := range a.components {
			if c.Name == name {
				a.selectedIdx = i
				a.mode = modeDetail
				return a.fetchStatus(c.ID)
			}
		}
		a.message = "Error: unknown component " + name
		return nil
	}

	parts := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(parts) == 0 {
		return nil
	}
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "loop":
		a.mode = modeLoop
		return a.fetchStats()
	case "refresh":
		return a.refresh()
	case "opportunities":
		a.mode = modeLoop
		return a.fetchOpportunities()
	case "pause", "resume":
		return a.call(func(ctx context.Context) (string, error) {
			if cmd == "pause" {
				return "✓ Loop paused", a.client.Pause(ctx)
			}
			return "✓ Loop resumed", a.client.Resume(ctx)
		})
	case "rollback", "unhold":
		comp, ok := a.selectedComponent()
		if !ok {
			a.message = "No component selected"
			return nil
		}
		if cmd == "unhold" {
			return a.call(func(ctx context.Context) (string, error) {
				return "✓ Hold cleared on " + comp.Name, a.client.ClearHold(ctx, comp.ID)
			})
		}
		reason := strings.Join(args, " ")
		if reason == "" {
			reason = "operator rollback from dashboard"
		}
		return a.call(func(ctx context.Context) (string, error) {
			ev, err := a.client.Rollback(ctx, comp.ID, "", reason)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("✓ %s rolled back to %s", comp.Name, shortID(ev.ToVersionID)), nil
		})
	default:
		a.message = "Unknown command: " + cmd
		return nil
	}
}

// call runs an API action and reports its result.
func (a *App) call(fn func(ctx context.Context) (string, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultClientTimeout)
		defer cancel()
		msg, err := fn(ctx)
		if err != nil {
			return errMsg{err}
		}
		return commandResultMsg{msg}
	}
}

// refresh reloads whatever the current view shows.
func (a *App) refresh() tea.Cmd {
	switch a.mode {
	case modeDetail:
		if a.status != nil {
			return a.fetchStatus(a.status.Component.ID)
		}
	case modeLoop:
		return a.fetchStats()
	}
	return tea.Batch(a.fetchComponents(), a.fetchStats())
}

func (a *App) fetchComponents() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultClientTimeout)
		defer cancel()
		comps, err := a.client.ListComponents(ctx)
		if err != nil {
			return errMsg{err}
		}
		return componentsLoadedMsg{comps}
	}
}

func (a *App) fetchStatus(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultClientTimeout)
		defer cancel()
		st, err := a.client.GetStatus(ctx, id)
		if err != nil {
			return errMsg{err}
		}
		health, err := a.client.GetHealth(ctx, id, 10)
		if err != nil {
			return errMsg{err}
		}
		return statusLoadedMsg{st, health}
	}
}

func (a *App) fetchStats() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultClientTimeout)
		defer cancel()
		stats, err := a.client.Statistics(ctx)
		if err != nil {
			return errMsg{err}
		}
		return statsLoadedMsg{stats}
	}
}

func (a *App) fetchOpportunities() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultClientTimeout)
		defer cancel()
		opps, err := a.client.Opportunities(ctx)
		if err != nil {
			return errMsg{err}
		}
		return opportunitiesLoadedMsg{opps}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultClientTimeout)
		defer cancel()
		ok, err := a.client.CheckHealth(ctx)
		return daemonStatusMsg{online: err == nil && ok}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type (
	commandResultMsg struct{ message string }
	errMsg           struct{ err error }
	daemonStatusMsg  struct{ online bool }
	tickMsg          time.Time

	componentsLoadedMsg    struct{ components []models.Component }
	statsLoadedMsg         struct{ stats *LoopStats }
	opportunitiesLoadedMsg struct{ opportunities []models.Opportunity }
	statusLoadedMsg        struct {
		status *ComponentStatus
		health *HealthReport
	}
)

func formatSeverity(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return lipgloss.NewStyle().Foreground(errorColor).Bold(true).Render("CRITICAL")
	case models.SeverityHigh:
		return lipgloss.NewStyle().Foreground(errorColor).Render("high    ")
	case models.SeverityMedium:
		return lipgloss.NewStyle().Foreground(warningColor).Render("medium  ")
	default:
		return lipgloss.NewStyle().Foreground(successColor).Render("none    ")
	}
}

func formatRate(r float64) string {
	return fmt.Sprintf("%.1f%%", r*100)
}

func formatCounts(m map[string]int64) string {
	if len(m) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s %d", k, m[k])
	}
	return strings.Join(parts, ", ")
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
