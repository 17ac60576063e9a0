package models

import "testing"

func TestAgentStatus_Valid(t *testing.T) {
	tests := []struct {
		name   string
		status AgentStatus
		want   bool
	}{
		{"idle is valid", AgentStatusIdle, true},
		{"working is valid", AgentStatusWorking, true},
		{"paused is valid", AgentStatusPaused, true},
		{"stopped is valid", AgentStatusStopped, true},
		{"crashed is valid", AgentStatusCrashed, true},
		{"empty string is invalid", AgentStatus(""), false},
		{"unknown status is invalid", AgentStatus("unknown"), false},
		{"typo status is invalid", AgentStatus("workng"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Valid(); got != tt.want {
				t.Errorf("AgentStatus(%q).Valid() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestAgentStatus_Live(t *testing.T) {
	tests := []struct {
		name   string
		status AgentStatus
		want   bool
	}{
		{"idle is live", AgentStatusIdle, true},
		{"working is live", AgentStatusWorking, true},
		{"paused is live", AgentStatusPaused, true},
		{"stopped is not live", AgentStatusStopped, false},
		{"crashed is not live", AgentStatusCrashed, false},
		{"unknown is not live", AgentStatus("unknown"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.status.Live(); got != tt.want {
				t.Errorf("AgentStatus(%q).Live() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}
