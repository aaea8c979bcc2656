package transport

import (
	"errors"
	"testing"
)

func TestValidateTopic(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		ok    bool
	}{
		{"simple", "svc.events", true},
		{"digits and separators", "svc-2.user_events.v1", true},
		{"no dot", "events", false},
		{"upper case", "Svc.events", false},
		{"space", "svc events.x", false},
		{"empty", "", false},
		{"reserved extension", "tools.exe", false},
		{"reserved device", "con.events", false},
		{"reserved device inner segment", "svc.lpt3.events", false},
		{"device-like but longer", "console.events", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTopic(tt.topic)
			if tt.ok && err != nil {
				t.Errorf("expected %q to be valid, got %v", tt.topic, err)
			}
			if !tt.ok {
				if err == nil {
					t.Errorf("expected %q to be rejected", tt.topic)
				} else if !errors.Is(err, ErrInvalidTopic) {
					t.Errorf("expected ErrInvalidTopic, got %v", err)
				}
			}
		})
	}
}
