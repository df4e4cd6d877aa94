// Package tokenmgr is the interactive scope picker behind
// "jobhost config token".
package tokenmgr

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/jobhost/internal/auth"
)

var (
	titleStyle      = lipgloss.NewStyle().MarginLeft(2)
	paginationStyle = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	helpStyle       = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)
	quitTextStyle   = lipgloss.NewStyle().Margin(1, 0, 2, 4)
)

type scopeItem struct {
	info     auth.ScopeInfo
	selected bool
}

func (i scopeItem) Title() string {
	check := "[ ]"
	if i.selected {
		check = "[x]"
	}
	return fmt.Sprintf("%s %s", check, i.info.Scope)
}
func (i scopeItem) Description() string { return i.info.Description }
func (i scopeItem) FilterValue() string { return i.info.Scope }

// Picker lets an operator toggle scopes for a new API token.
type Picker struct {
	list     list.Model
	quitting bool
	done     bool
	scopes   []string
}

// NewPicker lists every scope the API understands. preselected scopes
// start checked.
func NewPicker(preselected ...string) *Picker {
	checked := make(map[string]bool, len(preselected))
	for _, s := range preselected {
		checked[strings.TrimSpace(s)] = true
	}

	var items []list.Item
	for _, info := range auth.Catalog() {
		items = append(items, scopeItem{info: info, selected: checked[info.Scope]})
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Select Scopes (Space to toggle, Enter to confirm)"
	l.Styles.Title = titleStyle
	l.Styles.PaginationStyle = paginationStyle
	l.Styles.HelpStyle = helpStyle
	l.SetFilteringEnabled(false)

	return &Picker{list: l}
}

func (p Picker) Init() tea.Cmd { return nil }

func (p Picker) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		p.list.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			p.quitting = true
			return p, tea.Quit

		case " ", "space":
			if it, ok := p.list.SelectedItem().(scopeItem); ok {
				it.selected = !it.selected
				p.list.SetItem(p.list.Index(), it)
			}
			return p, nil

		case "enter":
			p.done = true
			p.scopes = selectedScopes(p.list.Items())
			return p, tea.Quit
		}
	}

	var cmd tea.Cmd
	p.list, cmd = p.list.Update(msg)
	return p, cmd
}

func (p Picker) View() string {
	if p.quitting {
		return quitTextStyle.Render("Cancelled.")
	}
	if p.done {
		return quitTextStyle.Render(fmt.Sprintf("Selected scopes: %s", strings.Join(p.scopes, ", ")))
	}
	return "\n" + p.list.View()
}

// Scopes returns the confirmed selection. It is nil if the picker was
// cancelled.
func (p Picker) Scopes() []string {
	if p.quitting {
		return nil
	}
	return p.scopes
}

func selectedScopes(items []list.Item) []string {
	var out []string
	for _, li := range items {
		if it, ok := li.(scopeItem); ok && it.selected {
			out = append(out, it.info.Scope)
		}
	}
	return out
}

// NewToken returns a random 32-byte hex bearer token.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Snippet renders an api.auth.tokens entry ready to paste into config.
func Snippet(token string, scopes []string) (string, error) {
	for _, s := range scopes {
		if !auth.IsKnownScope(s) {
			return "", fmt.Errorf("unknown scope %q", s)
		}
	}
	entry := []map[string]any{{"token": token, "scopes": scopes}}
	out, err := yaml.Marshal(map[string]any{
		"api": map[string]any{"auth": map[string]any{"tokens": entry}},
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
