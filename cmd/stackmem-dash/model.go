package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"stackmem/pkg/protocol"
)

// tickMsg is sent on every poll interval as the fallback refresh when
// file watching is unavailable.
type tickMsg time.Time

// snapshotMsg carries a fetched snapshot. nil snapshot means the fetch
// failed; the error is shown in the footer.
type snapshotMsg struct {
	snap *snapshot
	err  error
}

// tickCmd returns a command that sends a tickMsg after 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// paneID selects which table has focus.
type paneID int

const (
	hotPane paneID = iota
	closedPane
)

// Model is the Bubble Tea model for the stackmem dashboard.
type Model struct {
	source *dataSource
	theme  Theme

	snap *snapshot
	err  error

	hotTable    table.Model
	closedTable table.Model
	activePane  paneID

	width  int
	height int
}

func newModel() (Model, error) {
	source, err := newDataSource(context.Background())
	if err != nil {
		return Model{}, err
	}

	hot := table.New(
		table.WithColumns([]table.Column{
			{Title: "Depth", Width: 5},
			{Title: "Frame", Width: 36},
			{Title: "Type", Width: 12},
			{Title: "Opened", Width: 19},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	closed := table.New(
		table.WithColumns([]table.Column{
			{Title: "Frame", Width: 30},
			{Title: "State", Width: 10},
			{Title: "Digest", Width: 50},
		}),
		table.WithHeight(10),
	)

	return Model{
		source:      source,
		theme:       DefaultTheme(),
		hotTable:    hot,
		closedTable: closed,
	}, nil
}

// fetchCmd returns a tea.Cmd that loads a fresh snapshot.
func (m Model) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.source.fetch(context.Background())
		return snapshotMsg{snap: snap, err: err}
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.fetchCmd(), tickCmd()}
	if watch := watchHomeDir(m.source.home); watch != nil {
		cmds = append(cmds, watch)
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			_ = m.source.close(context.Background())
			return m, tea.Quit
		case "r":
			return m, m.fetchCmd()
		case "tab":
			m = m.togglePane()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Batch(m.fetchCmd(), tickCmd())

	case fsChangeMsg:
		// Re-arm the watcher after every delivery; each runWatcher call
		// returns exactly one message.
		cmds := []tea.Cmd{m.fetchCmd()}
		if watch := watchHomeDir(m.source.home); watch != nil {
			cmds = append(cmds, watch)
		}
		return m, tea.Batch(cmds...)

	case snapshotMsg:
		m.err = msg.err
		if msg.snap != nil {
			m.snap = msg.snap
			m.hotTable.SetRows(hotRows(msg.snap.Open))
			m.closedTable.SetRows(closedRows(msg.snap.Closed))
		}
		return m, nil
	}

	var cmd tea.Cmd
	if m.activePane == hotPane {
		m.hotTable, cmd = m.hotTable.Update(msg)
	} else {
		m.closedTable, cmd = m.closedTable.Update(msg)
	}
	return m, cmd
}

func (m Model) togglePane() Model {
	if m.activePane == hotPane {
		m.activePane = closedPane
		m.hotTable.Blur()
		m.closedTable.Focus()
	} else {
		m.activePane = hotPane
		m.closedTable.Blur()
		m.hotTable.Focus()
	}
	return m
}

func hotRows(open []protocol.Frame) []table.Row {
	rows := make([]table.Row, 0, len(open))
	for _, f := range open {
		rows = append(rows, table.Row{
			fmt.Sprintf("%d", f.Depth),
			f.Name,
			string(f.Type),
			f.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	return rows
}

func closedRows(closed []protocol.Frame) []table.Row {
	rows := make([]table.Row, 0, len(closed))
	for _, f := range closed {
		rows = append(rows, table.Row{f.Name, string(f.State), f.DigestText})
	}
	return rows
}

// View implements tea.Model.
func (m Model) View() string {
	titleStyle := lipgloss.NewStyle().Foreground(m.theme.Primary).Bold(true)
	mutedStyle := lipgloss.NewStyle().Foreground(m.theme.Muted)

	var b strings.Builder
	scope := ""
	if m.snap != nil {
		scope = fmt.Sprintf("  %s / %s", m.snap.Scope.ProjectID, m.snap.Scope.RunID)
	}
	b.WriteString(titleStyle.Render("stackmem") + mutedStyle.Render(scope) + "\n\n")

	b.WriteString(titleStyle.Render("Hot stack") + "\n")
	b.WriteString(m.hotTable.View() + "\n\n")

	b.WriteString(titleStyle.Render("Recently closed") + "\n")
	b.WriteString(m.closedTable.View() + "\n\n")

	b.WriteString(m.footer(mutedStyle))
	return b.String()
}

func (m Model) footer(muted lipgloss.Style) string {
	if m.err != nil {
		return lipgloss.NewStyle().Foreground(m.theme.Error).
			Render(fmt.Sprintf("error: %v", m.err))
	}
	status := "q quit · r refresh · tab switch pane"
	if m.snap != nil {
		status = fmt.Sprintf("%d open · %d shown closed · %d queries · %s",
			len(m.snap.Open), len(m.snap.Closed), m.snap.Metrics.TotalQueries, status)
	}
	return muted.Render(status)
}
