// Package tui provides the live terminal dashboard: backlog progress,
// the agent pool, and a scrolling feed of redacted agent output, all
// driven by the event bus.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/backlogd/internal/events"
	"github.com/ShayCichocki/backlogd/pkg/models"
)

const maxLogLines = 500

// eventMsg wraps a bus event for the bubbletea update loop.
type eventMsg struct {
	event events.Event
}

// busClosedMsg signals that the subscription channel closed.
type busClosedMsg struct{}

// Dashboard is the bubbletea model for the live view.
type Dashboard struct {
	projectName string
	sub         *events.Subscription

	logs     viewport.Model
	logLines []string

	agents   []models.AgentInfo
	passing  int
	total    int
	percent  float64
	width    int
	height   int
	ready    bool
	quitting bool

	titleStyle    lipgloss.Style
	labelStyle    lipgloss.Style
	statusIdle    lipgloss.Style
	statusWorking lipgloss.Style
	statusPaused  lipgloss.Style
	statusCrashed lipgloss.Style
	borderStyle   lipgloss.Style
}

// NewDashboard creates a dashboard fed by the given subscription.
func NewDashboard(projectName string, sub *events.Subscription) *Dashboard {
	return &Dashboard{
		projectName: projectName,
		sub:         sub,

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")),
		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),
		statusIdle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")), // Blue
		statusWorking: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")), // Green
		statusPaused: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")), // Orange
		statusCrashed: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")), // Red
		borderStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")),
	}
}

// waitForEvent blocks on the subscription as a tea.Cmd.
func (d *Dashboard) waitForEvent() tea.Msg {
	ev, ok := <-d.sub.Events()
	if !ok {
		return busClosedMsg{}
	}
	return eventMsg{event: ev}
}

// Init implements tea.Model.
func (d *Dashboard) Init() tea.Cmd {
	return d.waitForEvent
}

// Update implements tea.Model.
func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			d.quitting = true
			return d, tea.Quit
		}
		var cmd tea.Cmd
		d.logs, cmd = d.logs.Update(msg)
		return d, cmd

	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		logHeight := msg.Height - d.headerHeight() - 2
		if logHeight < 3 {
			logHeight = 3
		}
		if !d.ready {
			d.logs = viewport.New(msg.Width-2, logHeight)
			d.ready = true
		} else {
			d.logs.Width = msg.Width - 2
			d.logs.Height = logHeight
		}
		d.refreshLogs()
		return d, nil

	case eventMsg:
		d.apply(msg.event)
		return d, d.waitForEvent

	case busClosedMsg:
		return d, tea.Quit
	}

	return d, nil
}

// apply folds one bus event into the model state.
func (d *Dashboard) apply(ev events.Event) {
	switch e := ev.(type) {
	case events.Progress:
		d.passing = e.Passing
		d.total = e.Total
		d.percent = e.Percentage
	case events.AgentPool:
		d.agents = e.Agents
	case events.AgentLog:
		line := fmt.Sprintf("[%s] %s", e.AgentID, e.Line)
		d.logLines = append(d.logLines, line)
		if len(d.logLines) > maxLogLines {
			d.logLines = d.logLines[len(d.logLines)-maxLogLines:]
		}
		d.refreshLogs()
	case events.AgentInstanceStatus:
		for i := range d.agents {
			if d.agents[i].AgentID == e.AgentID {
				d.agents[i].Status = e.Status
				d.agents[i].CurrentFeatureID = e.FeatureID
			}
		}
	case events.DependencyResolved:
		line := fmt.Sprintf("[deps] feature %d unblocked %d feature(s)", e.FeatureID, len(e.UnblockedFeatureIDs))
		d.logLines = append(d.logLines, line)
		d.refreshLogs()
	}
}

func (d *Dashboard) refreshLogs() {
	if !d.ready {
		return
	}
	atBottom := d.logs.AtBottom()
	d.logs.SetContent(strings.Join(d.logLines, "\n"))
	if atBottom {
		d.logs.GotoBottom()
	}
}

func (d *Dashboard) headerHeight() int {
	// Title, progress, one line per agent, blank separator.
	return 3 + len(d.agents)
}

func (d *Dashboard) statusStyle(status models.AgentStatus) lipgloss.Style {
	switch status {
	case models.AgentStatusWorking:
		return d.statusWorking
	case models.AgentStatusPaused:
		return d.statusPaused
	case models.AgentStatusCrashed:
		return d.statusCrashed
	default:
		return d.statusIdle
	}
}

// View implements tea.Model.
func (d *Dashboard) View() string {
	if d.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(d.titleStyle.Render("backlogd / " + d.projectName))
	b.WriteString("\n")
	b.WriteString(d.labelStyle.Render(fmt.Sprintf("progress: %d/%d passing (%.1f%%)", d.passing, d.total, d.percent)))
	b.WriteString("\n")

	if len(d.agents) == 0 {
		b.WriteString(d.labelStyle.Render("no agents"))
		b.WriteString("\n")
	}
	for _, a := range d.agents {
		status := d.statusStyle(a.Status).Render(string(a.Status))
		line := fmt.Sprintf("  %s  %-8s", a.AgentID, status)
		if a.CurrentFeatureID != nil {
			line += fmt.Sprintf("  feature %d", *a.CurrentFeatureID)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if d.ready {
		b.WriteString(d.borderStyle.Render(d.logs.View()))
	}

	return b.String()
}

// Run starts the dashboard program and blocks until it exits.
func Run(projectName string, sub *events.Subscription) error {
	p := tea.NewProgram(NewDashboard(projectName, sub), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
