package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/loomlabs/loom/app"
	"github.com/loomlabs/loom/config"
	"github.com/loomlabs/loom/store"
)

const serveUIRefreshInterval = 2 * time.Second

var (
	uiTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	uiLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(12)

	uiValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	uiErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	uiBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)

	uiHelpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

type serveTickMsg time.Time

type serveStatsMsg struct {
	stats *store.Stats
	err   error
}

type serveModel struct {
	app         *app.App
	projectRoot string
	cfg         *config.Config
	stats       *store.Stats
	statsErr    error
	startedAt   time.Time
	width       int
}

func newServeModel(a *app.App, projectRoot string, cfg *config.Config) serveModel {
	return serveModel{
		app:         a,
		projectRoot: projectRoot,
		cfg:         cfg,
		startedAt:   time.Now(),
	}
}

func (m serveModel) Init() tea.Cmd {
	return tea.Batch(m.fetchStats(), serveTick())
}

func serveTick() tea.Cmd {
	return tea.Tick(serveUIRefreshInterval, func(t time.Time) tea.Msg {
		return serveTickMsg(t)
	})
}

func (m serveModel) fetchStats() tea.Cmd {
	a := m.app
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), serveUIRefreshInterval)
		defer cancel()
		stats, err := a.Stats(ctx)
		return serveStatsMsg{stats: stats, err: err}
	}
}

func (m serveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case serveTickMsg:
		return m, tea.Batch(m.fetchStats(), serveTick())

	case serveStatsMsg:
		m.stats = msg.stats
		m.statsErr = msg.err
	}
	return m, nil
}

func (m serveModel) View() string {
	var b strings.Builder

	b.WriteString(uiTitleStyle.Render("loom serve"))
	b.WriteString("\n\n")

	row := func(label, value string) {
		b.WriteString(uiLabelStyle.Render(label))
		b.WriteString(uiValueStyle.Render(value))
		b.WriteString("\n")
	}

	row("Project", m.projectRoot)
	row("Backend", m.cfg.Store.Backend)
	row("Embedder", fmt.Sprintf("%s (%s)", m.cfg.Embedder.Provider, m.cfg.Embedder.Model))
	row("Uptime", time.Since(m.startedAt).Round(time.Second).String())

	if m.statsErr != nil {
		b.WriteString(uiLabelStyle.Render("Index"))
		b.WriteString(uiErrorStyle.Render(fmt.Sprintf("error: %v", m.statsErr)))
		b.WriteString("\n")
	} else if m.stats != nil {
		row("Index", fmt.Sprintf("%d files, %d chunks", m.stats.TotalFiles, m.stats.TotalChunks))
		if !m.stats.LastUpdated.IsZero() {
			row("Updated", m.stats.LastUpdated.Format("15:04:05"))
		}
	} else {
		row("Index", "loading...")
	}

	watched := m.app.WatchedPaths()
	row("Watching", fmt.Sprintf("%d path(s)", len(watched)))
	for _, p := range watched {
		b.WriteString(uiLabelStyle.Render(""))
		b.WriteString(uiValueStyle.Render(p))
		b.WriteString("\n")
	}

	content := uiBoxStyle.Render(strings.TrimRight(b.String(), "\n"))
	help := uiHelpStyle.Render("q: quit")
	return content + "\n" + help + "\n"
}

// runServeUI blocks until the user quits the status view.
func runServeUI(a *app.App, projectRoot string, cfg *config.Config) error {
	p := tea.NewProgram(newServeModel(a, projectRoot, cfg))
	_, err := p.Run()
	return err
}
