package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"liqguard/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("默认配置应通过校验: %v", err)
	}

	if cfg.Monitor.PollInterval != time.Minute {
		t.Errorf("poll interval: %s", cfg.Monitor.PollInterval)
	}
	if cfg.Feed.InitialDelay != time.Second || cfg.Feed.MaxDelay != time.Minute || cfg.Feed.Multiplier != 2 {
		t.Errorf("feed backoff: %+v", cfg.Feed)
	}
	iv := cfg.ThrottleIntervals()
	if iv.Urgent != 5*time.Minute || iv.Critical != 30*time.Minute || iv.Warning != time.Hour {
		t.Errorf("cooldowns: %+v", iv)
	}
	th := cfg.DefaultThresholds()
	want := models.DefaultThresholds()
	if !th.Warning.Equal(want.Warning) || !th.Critical.Equal(want.Critical) || !th.Urgent.Equal(want.Urgent) {
		t.Errorf("thresholds: %+v", th)
	}
	if cfg.RiskParams().MaintenanceMarginRatio.String() != "0.03" {
		t.Errorf("maintenance ratio: %s", cfg.RiskParams().MaintenanceMarginRatio)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, strings.Join([]string{
		"database:",
		"  driver: postgres",
		"  dsn: postgres://localhost/liqguard",
		"monitor:",
		"  poll_interval: 15s",
		"alerting:",
		"  cooldown:",
		"    urgent: 2m",
	}, "\n")))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Driver != "postgres" || cfg.Monitor.PollInterval != 15*time.Second {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Database, cfg.Monitor)
	}
	if cfg.Alerting.Cooldown.Urgent != 2*time.Minute {
		t.Fatalf("urgent cooldown: %s", cfg.Alerting.Cooldown.Urgent)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LIQGUARD_THRESHOLDS_WARNING", "70")
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Thresholds.Warning != 70 {
		t.Fatalf("环境变量应覆盖阈值, 实际 %v", cfg.Thresholds.Warning)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres"; c.Database.DSN = "" }},
		{"zero poll", func(c *Config) { c.Monitor.PollInterval = 0 }},
		{"unordered thresholds", func(c *Config) { c.Thresholds.Warning = 95; c.Thresholds.Urgent = 80 }},
		{"telegram without token", func(c *Config) { c.Alerting.Telegram.Enabled = true }},
		{"bad maintenance ratio", func(c *Config) { c.Risk.MaintenanceMarginRatio = 1.5 }},
		{"zero cooldown", func(c *Config) { c.Alerting.Cooldown.Critical = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("应返回校验错误")
			}
		})
	}
}
