package sweeper

import (
	"testing"

	"github.com/wisbric/nightowl/internal/store"
)

func TestAlreadySent(t *testing.T) {
	tests := []struct {
		name      string
		warnings  store.WarningFlags
		threshold int
		want      bool
	}{
		{name: "30 unset", warnings: store.WarningFlags{}, threshold: 30, want: false},
		{name: "30 set", warnings: store.WarningFlags{Sent30: true}, threshold: 30, want: true},
		{name: "15 set but 5 unset", warnings: store.WarningFlags{Sent30: true, Sent15: true}, threshold: 5, want: false},
		{name: "unsupported threshold treated as sent", warnings: store.WarningFlags{}, threshold: 45, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := alreadySent(tt.warnings, tt.threshold); got != tt.want {
				t.Errorf("alreadySent(%+v, %d) = %v, want %v", tt.warnings, tt.threshold, got, tt.want)
			}
		})
	}
}

func TestWarningThresholdsDescending(t *testing.T) {
	for i := 1; i < len(warningThresholds); i++ {
		if warningThresholds[i] >= warningThresholds[i-1] {
			t.Fatalf("warningThresholds must be strictly descending, got %v", warningThresholds)
		}
	}
}
