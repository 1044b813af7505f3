package tui

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fentz26/steward/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDaemon serves a minimal Steward API and records mutating calls.
type fakeDaemon struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeDaemon) handler() http.Handler {
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	record := func(r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		f.mu.Unlock()
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, map[string]bool{"ok": true})
	})
	mux.HandleFunc("/components", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, []models.Component{
			{ID: "c-search-0001", Name: "search", EntryPoint: "execute", Status: models.ComponentStatusActive},
			{ID: "c-rank-0002", Name: "rank", EntryPoint: "execute", Status: models.ComponentStatusActive},
		})
	})
	mux.HandleFunc("/components/c-rank-0002", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, ComponentStatus{
			Component:      models.Component{ID: "c-rank-0002", Name: "rank", Status: models.ComponentStatusActive},
			CurrentVersion: &models.Version{VersionNumber: 3, CreatedBy: models.CreatedByAutonomous, SuccessRate: 0.9, TotalExecutions: 40},
			History: []models.Version{
				{VersionNumber: 3, IsCurrent: true, ImprovementReason: "retry on timeout"},
				{VersionNumber: 2},
			},
			Hold: &models.Hold{Kind: models.HoldDegraded, Reason: "rollback failed"},
		})
	})
	mux.HandleFunc("/components/c-rank-0002/health", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, HealthReport{Checks: []models.HealthCheck{
			{Severity: models.SeverityHigh, Current: models.Metrics{Total: 20, Successes: 14}},
		}})
	})
	mux.HandleFunc("/components/c-rank-0002/hold", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		reply(w, map[string]string{"status": "cleared"})
	})
	mux.HandleFunc("/components/c-rank-0002/rollback", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.calls = append(f.calls, "reason="+body["reason"])
		f.mu.Unlock()
		reply(w, models.RollbackEvent{ToVersionID: "v2-000000", Success: true, RollbackType: models.RollbackManual})
	})
	mux.HandleFunc("/statistics", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, LoopStats{Running: true, CyclesCompleted: 7, ImprovementsDeployed: 2,
			RollbacksByType: map[string]int64{"standard": 1, "immediate": 2}})
	})
	mux.HandleFunc("/opportunities", func(w http.ResponseWriter, _ *http.Request) {
		reply(w, []models.Opportunity{{ComponentID: "c-search-0001", Priority: models.PriorityHigh, Reason: "success rate 0.40 below 0.50"}})
	})
	mux.HandleFunc("/loop/pause", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		reply(w, map[string]string{"status": "paused"})
	})
	return mux
}

func (f *fakeDaemon) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestApp(t *testing.T) (*App, *fakeDaemon) {
	t.Helper()
	daemon := &fakeDaemon{}
	srv := httptest.NewServer(daemon.handler())
	t.Cleanup(srv.Close)

	app := New(srv.URL)
	app.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return app, daemon
}

// run executes cmd and feeds its message back into the app.
func run(t *testing.T, app *App, cmd tea.Cmd) {
	t.Helper()
	require.NotNil(t, cmd)
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		for _, c := range batch {
			if c != nil {
				run(t, app, c)
			}
		}
		return
	}
	app.Update(msg)
}

func typeLine(app *App, line string) tea.Cmd {
	app.input.SetValue(line)
	app.suggestions.Update("")
	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return cmd
}

func TestComponentListAndDetail(t *testing.T) {
	app, _ := newTestApp(t)

	run(t, app, app.fetchComponents())
	require.Len(t, app.components, 2)
	assert.Contains(t, app.View(), "search")
	assert.Contains(t, app.View(), "rank")

	app.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, app.selectedIdx)

	_, cmd := app.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, modeDetail, app.mode)
	run(t, app, cmd)

	require.NotNil(t, app.status)
	detail := app.renderDetail()
	assert.Contains(t, detail, "HELD (degraded): rollback failed")
	assert.Contains(t, detail, "Current: v3 by autonomous")
	assert.Contains(t, detail, "retry on timeout")
	assert.Contains(t, detail, "current 70.0% (20)")

	app.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, modeComponents, app.mode)
	assert.Nil(t, app.status)
}

func TestJumpToComponentByName(t *testing.T) {
	app, _ := newTestApp(t)
	run(t, app, app.fetchComponents())

	cmd := typeLine(app, "@rank")
	assert.Equal(t, modeDetail, app.mode)
	run(t, app, cmd)
	assert.Equal(t, "rank", app.status.Component.Name)

	assert.Nil(t, typeLine(app, "@missing"))
	assert.Contains(t, app.message, "unknown component")
}

func TestCommandsCallTheDaemon(t *testing.T) {
	app, daemon := newTestApp(t)
	run(t, app, app.fetchComponents())
	run(t, app, typeLine(app, "@rank"))

	run(t, app, typeLine(app, "/unhold"))
	assert.Contains(t, app.message, "Hold cleared on rank")

	run(t, app, typeLine(app, "/rollback latency spike"))
	assert.Contains(t, app.message, "rank rolled back to v2-00000")

	run(t, app, typeLine(app, "/pause"))
	assert.Equal(t, "✓ Loop paused", app.message)

	assert.Equal(t, []string{
		"DELETE /components/c-rank-0002/hold",
		"POST /components/c-rank-0002/rollback",
		"reason=latency spike",
		"POST /loop/pause",
	}, daemon.recorded())
}

func TestLoopView(t *testing.T) {
	app, _ := newTestApp(t)
	run(t, app, app.fetchComponents())

	run(t, app, typeLine(app, "/opportunities"))
	assert.Equal(t, modeLoop, app.mode)
	require.Len(t, app.opportunities, 1)

	run(t, app, app.fetchStats())
	view := app.renderLoop()
	assert.Contains(t, view, "Cycles: 7")
	assert.Contains(t, view, "Rollbacks: immediate 2, standard 1")
	assert.Contains(t, view, "search")
	assert.Contains(t, app.View(), "LOOP RUNNING")
}

func TestUnknownCommand(t *testing.T) {
	app, _ := newTestApp(t)
	assert.Nil(t, typeLine(app, "/frobnicate"))
	assert.Equal(t, "Unknown command: frobnicate", app.message)
}

func TestErrorsAreShown(t *testing.T) {
	app := New("127.0.0.1:1")
	run(t, app, app.fetchComponents())
	assert.Contains(t, app.message, "Error:")
}

func TestSuggestions(t *testing.T) {
	s := NewSuggestions()

	s.Update("/ro")
	require.True(t, s.IsVisible())
	assert.Equal(t, "/rollback", s.Selected().Text)

	s.Update("@")
	s.SetComponents([]string{"search", "rank"})
	require.True(t, s.IsVisible())
	s.Next()
	assert.Equal(t, "@rank", s.Selected().Text)

	s.Update("/rollback because")
	assert.False(t, s.IsVisible())

	s.Update("plain text")
	assert.False(t, s.IsVisible())
}
