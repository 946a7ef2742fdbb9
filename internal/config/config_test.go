package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default mode is all",
			check:  func(c *Config) bool { return c.Mode == "all" },
			expect: "all",
		},
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default queue name",
			check:  func(c *Config) bool { return c.QueueName == "gpu_reservations" },
			expect: "gpu_reservations",
		},
		{
			name:   "default visibility timeout",
			check:  func(c *Config) bool { return c.VisibilityTimeoutSecs == 900 },
			expect: "900",
		},
		{
			name:   "default warning minutes",
			check:  func(c *Config) bool { return c.WarningMinutes == 30 },
			expect: "30",
		},
		{
			name:   "default grace period",
			check:  func(c *Config) bool { return c.GracePeriodSeconds == 120 },
			expect: "120",
		},
		{
			name:   "default max reservation hours",
			check:  func(c *Config) bool { return c.MaxReservationHours == 48 },
			expect: "48",
		},
		{
			name:   "default per user active cap",
			check:  func(c *Config) bool { return c.PerUserActiveCap == 2 },
			expect: "2",
		},
		{
			name:   "default multi node cap",
			check:  func(c *Config) bool { return c.MultiNodeCapNodes == 4 },
			expect: "4",
		},
		{
			name:   "default cpu slots per node",
			check:  func(c *Config) bool { return c.CPUSlotsPerNode == 3 },
			expect: "3",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}
