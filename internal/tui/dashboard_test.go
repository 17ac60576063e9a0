package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/backlogd/internal/events"
	"github.com/ShayCichocki/backlogd/pkg/models"
)

func newTestDashboard(t *testing.T) (*Dashboard, *events.Bus) {
	t.Helper()
	bus := events.NewBus(64)
	t.Cleanup(bus.Close)
	sub := bus.Subscribe()
	t.Cleanup(sub.Close)

	d := NewDashboard("demo", sub)
	model, _ := d.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	return model.(*Dashboard), bus
}

func TestDashboard_AppliesProgress(t *testing.T) {
	d, _ := newTestDashboard(t)

	d.apply(events.NewProgress(3, 10, 30.0))
	view := d.View()
	if !strings.Contains(view, "3/10 passing (30.0%)") {
		t.Errorf("progress missing from view:\n%s", view)
	}
}

func TestDashboard_AppliesPoolAndStatus(t *testing.T) {
	d, _ := newTestDashboard(t)

	d.apply(events.AgentPool{
		Type: events.TypeAgentPool,
		Agents: []models.AgentInfo{
			{AgentID: "aaaa1111", Status: models.AgentStatusIdle, Model: "m"},
		},
	})
	if !strings.Contains(d.View(), "aaaa1111") {
		t.Error("agent missing from view")
	}

	featureID := int64(9)
	d.apply(events.AgentInstanceStatus{
		Type:      events.TypeAgentInstanceStatus,
		AgentID:   "aaaa1111",
		Status:    models.AgentStatusWorking,
		FeatureID: &featureID,
	})
	view := d.View()
	if !strings.Contains(view, "working") || !strings.Contains(view, "feature 9") {
		t.Errorf("status update missing from view:\n%s", view)
	}
}

func TestDashboard_LogFeedCapped(t *testing.T) {
	d, _ := newTestDashboard(t)

	for i := 0; i < maxLogLines+50; i++ {
		d.apply(events.NewAgentLog("aaaa1111", "line"))
	}
	if len(d.logLines) != maxLogLines {
		t.Errorf("expected log feed capped at %d, got %d", maxLogLines, len(d.logLines))
	}
}

func TestDashboard_QuitKey(t *testing.T) {
	d, _ := newTestDashboard(t)

	model, cmd := d.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if !model.(*Dashboard).quitting {
		t.Error("expected quitting state")
	}
}

func TestDashboard_BusClosedQuits(t *testing.T) {
	d, bus := newTestDashboard(t)

	bus.Close()
	msg := d.waitForEvent()
	if _, ok := msg.(busClosedMsg); !ok {
		t.Fatalf("expected busClosedMsg, got %T", msg)
	}
	if _, cmd := d.Update(msg); cmd == nil {
		t.Error("expected quit command when the bus closes")
	}
}
