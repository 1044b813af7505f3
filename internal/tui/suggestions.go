package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Suggestions provides autocomplete for commands
type Suggestions struct {
	items        []SuggestionItem
	filtered     []SuggestionItem
	selectedIdx  int
	visible      bool
	prefix       string // "/" or "@"
	currentInput string
}

// SuggestionItem represents a single autocomplete suggestion
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command" or "component"
}

var commandSuggestions = []SuggestionItem{
	{Text: "/rollback", Description: "Roll the selected component back one version", Type: "command"},
	{Text: "/unhold", Description: "Clear the hold on the selected component", Type: "command"},
	{Text: "/pause", Description: "Pause the autonomous loop", Type: "command"},
	{Text: "/resume", Description: "Resume the autonomous loop", Type: "command"},
	{Text: "/opportunities", Description: "Run opportunity detection now", Type: "command"},
	{Text: "/loop", Description: "Show loop statistics", Type: "command"},
	{Text: "/refresh", Description: "Reload components", Type: "command"},
}

// NewSuggestions creates a new suggestions handler
func NewSuggestions() *Suggestions {
	return &Suggestions{
		items:   commandSuggestions,
		visible: false,
	}
}

// Update updates suggestions based on current input
func (s *Suggestions) Update(input string) {
	s.currentInput = input
	switch {
	case input == "" || strings.Contains(input, " "):
		s.visible = false
		s.filtered = nil
		s.prefix = ""
	case input[0] == '/':
		s.prefix = "/"
		s.items = commandSuggestions
		s.visible = true
		s.filter(strings.ToLower(input))
	case input[0] == '@':
		if s.prefix != "@" {
			s.items = nil
		}
		s.prefix = "@"
		s.visible = true
		s.filter(strings.ToLower(strings.TrimPrefix(input, "@")))
	default:
		s.visible = false
		s.filtered = nil
		s.prefix = ""
	}
}

// SetComponents updates the component suggestions shown after "@".
func (s *Suggestions) SetComponents(names []string) {
	if s.prefix != "@" {
		return
	}
	s.items = make([]SuggestionItem, len(names))
	for i, name := range names {
		s.items[i] = SuggestionItem{
			Text:        "@" + name,
			Description: "Select this component",
			Type:        "component",
		}
	}
	s.filter(strings.ToLower(s.currentInput))
}

// filter keeps items containing query, prefix matches first.
func (s *Suggestions) filter(query string) {
	s.selectedIdx = 0
	if query == "" {
		s.filtered = s.items
		return
	}

	var prefixed, contained []SuggestionItem
	for _, item := range s.items {
		text := strings.ToLower(item.Text)
		switch {
		case strings.HasPrefix(strings.TrimLeft(text, "/@"), strings.TrimLeft(query, "/@")):
			prefixed = append(prefixed, item)
		case strings.Contains(text, query):
			contained = append(contained, item)
		}
	}
	s.filtered = append(prefixed, contained...)
}

// Next moves to the next suggestion
func (s *Suggestions) Next() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
}

// Prev moves to the previous suggestion
func (s *Suggestions) Prev() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx--
	if s.selectedIdx < 0 {
		s.selectedIdx = len(s.filtered) - 1
	}
}

// Selected returns the currently selected suggestion
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.visible || len(s.filtered) == 0 || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// IsVisible returns whether suggestions are currently visible
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

// maxVisibleSuggestions caps the dropdown height.
const maxVisibleSuggestions = 5

var (
	dropdownStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#6366F1")).
			Padding(0, 1)

	suggestionSelectedStyle = lipgloss.NewStyle().
				Background(primaryColor).
				Foreground(fgColor).
				Bold(true)

	suggestionItemStyle = lipgloss.NewStyle().Foreground(fgColor)
)

// Render renders the suggestions dropdown
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	var b strings.Builder
	header := "Commands"
	if s.prefix == "@" {
		header = "Components"
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(header))
	b.WriteString("\n")

	for i, item := range s.filtered {
		if i >= maxVisibleSuggestions {
			more := len(s.filtered) - maxVisibleSuggestions
			b.WriteString(helpStyle.Render(fmt.Sprintf("  ... and %d more", more)))
			break
		}

		var line string
		if i == s.selectedIdx {
			line = suggestionSelectedStyle.Render("▶ " + item.Text)
			if item.Description != "" {
				line += " " + suggestionSelectedStyle.Render(item.Description)
			}
		} else {
			line = suggestionItemStyle.Render("  " + item.Text)
			if item.Description != "" {
				line += " " + helpStyle.Render(item.Description)
			}
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return dropdownStyle.Width(width - 4).Render(b.String())
}
