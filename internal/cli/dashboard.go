package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/valter-silva-au/obscore/pkg/models"
)

// Dashboard panel indices.
const (
	panelHealth = iota
	panelAlerts
	panelLogs
	panelCount
)

// dashboardSource is the subset of api.Client the dashboard reads.
type dashboardSource interface {
	PlatformHealth(ctx context.Context) (models.PlatformHealth, error)
	ActiveAlerts(ctx context.Context, severity, service string) ([]models.Alert, error)
	LogStatistics(ctx context.Context, hours int) (models.LogStatistics, error)
}

type dashboardModel struct {
	source      dashboardSource
	refresh     time.Duration
	activePanel int
	width       int
	height      int

	// Data.
	health   *models.PlatformHealth
	alerts   []alertSnapshot
	logStats *models.LogStatistics
	loadedAt time.Time

	// State.
	loading bool
	err     error
}

type alertSnapshot struct {
	severity models.Severity
	title    string
	service  string
	status   models.AlertStatus
}

// dataLoadedMsg carries loaded data back to the model.
type dataLoadedMsg struct {
	health   *models.PlatformHealth
	alerts   []alertSnapshot
	logStats *models.LogStatistics
	at       time.Time
	err      error
}

// refreshTickMsg triggers a periodic reload.
type refreshTickMsg time.Time

// Style definitions.
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(1, 2)

	activePanelStyle = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("62")).
				Padding(1, 2)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			MarginBottom(1)

	statusHealthy     = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusWarning     = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	statusCritical    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	statusMaintenance = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
	statusUnknown     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	severityCritical = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	severityHigh     = lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true)
	severityMedium   = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	severityLow      = lipgloss.NewStyle().Foreground(lipgloss.Color("69"))

	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func newDashboardModel(src dashboardSource, refresh time.Duration) dashboardModel {
	return dashboardModel{
		source:      src,
		refresh:     refresh,
		activePanel: panelHealth,
		loading:     true,
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.loadData, m.tick())
}

func (m dashboardModel) tick() tea.Cmd {
	if m.refresh <= 0 {
		return nil
	}
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return refreshTickMsg(t) })
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.activePanel = (m.activePanel + 1) % panelCount
			return m, nil
		case "shift+tab":
			m.activePanel = (m.activePanel - 1 + panelCount) % panelCount
			return m, nil
		case "r":
			m.loading = true
			return m, m.loadData
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case refreshTickMsg:
		return m, tea.Batch(m.loadData, m.tick())

	case dataLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.health = msg.health
		m.alerts = msg.alerts
		m.logStats = msg.logStats
		m.loadedAt = msg.at
		m.err = nil
		return m, nil
	}

	return m, nil
}

func (m dashboardModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	title := titleStyle.Render(" obscore dashboard ")
	help := helpStyle.Render("tab: switch panel | r: refresh | q: quit")
	if !m.loadedAt.IsZero() {
		help += helpStyle.Render(" | updated " + m.loadedAt.Format("15:04:05"))
	}

	// Keep showing stale data during a background refresh.
	if m.loading && m.health == nil {
		return fmt.Sprintf("%s\n\n  Loading data...\n\n%s", title, help)
	}

	if m.err != nil {
		return fmt.Sprintf("%s\n\n  Error: %s\n\n%s", title, m.err, help)
	}

	healthPanel := m.renderHealthPanel()
	alertsPanel := m.renderAlertsPanel()
	logsPanel := m.renderLogsPanel()

	// Available width for panels after accounting for margins.
	availableWidth := m.width - 2

	var body string
	if availableWidth > 120 {
		colWidth := availableWidth / 3
		healthPanel = m.applyPanelStyle(panelHealth, healthPanel, colWidth-4)
		alertsPanel = m.applyPanelStyle(panelAlerts, alertsPanel, colWidth-4)
		logsPanel = m.applyPanelStyle(panelLogs, logsPanel, colWidth-4)
		body = lipgloss.JoinHorizontal(lipgloss.Top, healthPanel, alertsPanel, logsPanel)
	} else {
		panelWidth := availableWidth - 4
		if panelWidth < 20 {
			panelWidth = 20
		}
		healthPanel = m.applyPanelStyle(panelHealth, healthPanel, panelWidth)
		alertsPanel = m.applyPanelStyle(panelAlerts, alertsPanel, panelWidth)
		logsPanel = m.applyPanelStyle(panelLogs, logsPanel, panelWidth)
		body = lipgloss.JoinVertical(lipgloss.Left, healthPanel, alertsPanel, logsPanel)
	}

	return fmt.Sprintf("%s\n\n%s\n\n%s", title, body, help)
}

func (m dashboardModel) applyPanelStyle(panel int, content string, width int) string {
	style := panelStyle
	if m.activePanel == panel {
		style = activePanelStyle
	}
	return style.Width(width).Render(content)
}

func (m dashboardModel) renderHealthPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Health"))
	b.WriteString("\n")

	if m.health == nil || len(m.health.Services) == 0 {
		b.WriteString("  No services reporting.")
		return b.String()
	}

	h := m.health
	b.WriteString(styleForHealth(h.Status).Render(fmt.Sprintf("  Platform: %s", h.Status)))
	b.WriteString(fmt.Sprintf("\n  Score %.1f, %d issue(s)\n\n", h.AverageScore, h.TotalIssues))

	names := make([]string, 0, len(h.Services))
	for name := range h.Services {
		names = append(names, name)
	}
	// Worst first, then by name.
	sort.Slice(names, func(i, j int) bool {
		si, sj := h.Services[names[i]], h.Services[names[j]]
		if si.OverallStatus.Severity() != sj.OverallStatus.Severity() {
			return si.OverallStatus.Severity() > sj.OverallStatus.Severity()
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		sh := h.Services[name]
		line := fmt.Sprintf("  %-16s %-9s %5.1f", name, sh.OverallStatus, sh.HealthScore)
		b.WriteString(styleForHealth(sh.OverallStatus).Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

func (m dashboardModel) renderAlertsPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Alerts"))
	b.WriteString("\n")

	if len(m.alerts) == 0 {
		b.WriteString("  No active alerts.")
		return b.String()
	}

	for _, a := range m.alerts {
		sev := styleForSeverity(a.severity).Render(fmt.Sprintf("[%s]", strings.ToUpper(string(a.severity))))
		b.WriteString(fmt.Sprintf("  %s %s (%s, %s)\n", sev, a.title, a.service, a.status))
	}

	b.WriteString(fmt.Sprintf("\n  Total: %d alert(s)", len(m.alerts)))
	return b.String()
}

func (m dashboardModel) renderLogsPanel() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Logs (1h)"))
	b.WriteString("\n")

	if m.logStats == nil || m.logStats.TotalLogs == 0 {
		b.WriteString("  No logs in window.")
		return b.String()
	}

	s := m.logStats
	b.WriteString(fmt.Sprintf("  %-14s %d\n", "Entries", s.TotalLogs))
	b.WriteString(fmt.Sprintf("  %-14s %.1f%%\n", "Error rate", s.ErrorRate))
	b.WriteString(fmt.Sprintf("  %-14s %d\n\n", "Parse failures", s.ParseFailures))

	for _, level := range []models.LogLevel{models.LevelCritical, models.LevelError, models.LevelWarning, models.LevelInfo, models.LevelDebug, models.LevelTrace} {
		if n := s.ByLevel[level]; n > 0 {
			b.WriteString(fmt.Sprintf("  %-14s %d\n", level, n))
		}
	}
	return b.String()
}

func styleForHealth(status models.HealthStatus) lipgloss.Style {
	switch status {
	case models.HealthHealthy:
		return statusHealthy
	case models.HealthWarning:
		return statusWarning
	case models.HealthCritical:
		return statusCritical
	case models.HealthMaintenance:
		return statusMaintenance
	default:
		return statusUnknown
	}
}

func styleForSeverity(severity models.Severity) lipgloss.Style {
	switch severity {
	case models.SeverityCritical:
		return severityCritical
	case models.SeverityHigh:
		return severityHigh
	case models.SeverityMedium:
		return severityMedium
	case models.SeverityLow:
		return severityLow
	default:
		return lipgloss.NewStyle()
	}
}

func (m dashboardModel) loadData() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := m.source.PlatformHealth(ctx)
	if err != nil {
		return dataLoadedMsg{err: fmt.Errorf("loading health: %w", err)}
	}

	alerts, err := m.source.ActiveAlerts(ctx, "", "")
	if err != nil {
		return dataLoadedMsg{err: fmt.Errorf("loading alerts: %w", err)}
	}
	// Most severe first, newest first within a severity.
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].Severity.Rank() != alerts[j].Severity.Rank() {
			return alerts[i].Severity.Rank() > alerts[j].Severity.Rank()
		}
		return alerts[i].TriggeredAt.After(alerts[j].TriggeredAt)
	})
	snaps := make([]alertSnapshot, 0, len(alerts))
	for _, a := range alerts {
		snaps = append(snaps, alertSnapshot{
			severity: a.Severity,
			title:    a.Title,
			service:  a.ServiceName,
			status:   a.Status,
		})
	}

	stats, err := m.source.LogStatistics(ctx, 1)
	if err != nil {
		return dataLoadedMsg{err: fmt.Errorf("loading log statistics: %w", err)}
	}

	return dataLoadedMsg{
		health:   &health,
		alerts:   snaps,
		logStats: &stats,
		at:       time.Now(),
	}
}

var dashboardRefresh time.Duration

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Interactive TUI dashboard for health, alerts and logs",
	Long: `Launch an interactive terminal dashboard showing platform health, active
alerts and log statistics from a running obscore server.

Navigate between panels with Tab, refresh with r, quit with q.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := tea.NewProgram(newDashboardModel(newClient(), dashboardRefresh), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	dashboardCmd.Flags().DurationVar(&dashboardRefresh, "refresh", 5*time.Second, "Auto-refresh interval (0 disables)")
	rootCmd.AddCommand(dashboardCmd)
}
