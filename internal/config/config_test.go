package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Bus.QueueSize != 1000 || cfg.Bus.HistorySize != 500 {
		t.Fatalf("unexpected bus defaults: %+v", cfg.Bus)
	}
	if cfg.Agents.MaxAgents != 20 || cfg.Agents.DefaultTokenBudget != 5000 {
		t.Fatalf("unexpected agent defaults: %+v", cfg.Agents)
	}
	d, err := cfg.ReportInterval()
	if err != nil || d != 10*time.Minute {
		t.Fatalf("report interval: %v %v", d, err)
	}
	if !cfg.Events.JSONL || cfg.Events.SQLite {
		t.Fatalf("unexpected event defaults: %+v", cfg.Events)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("missions:\n  phase_policy: forward\nbus:\n  queue_size: 5\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Missions.PhasePolicy != "forward" {
		t.Fatalf("phase policy not applied: %s", cfg.Missions.PhasePolicy)
	}
	if cfg.Bus.QueueSize != 5 {
		t.Fatalf("queue size not applied: %d", cfg.Bus.QueueSize)
	}
	if cfg.Missions.RetrospectivePolicy != "reject" {
		t.Fatalf("retrospective default lost: %s", cfg.Missions.RetrospectivePolicy)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"phase policy":  "missions:\n  phase_policy: sideways\n",
		"retro policy":  "missions:\n  retrospective_policy: maybe\n",
		"interval":      "pipeline:\n  report_interval: soon\n",
		"level":         "notify:\n  min_level: loud\n",
		"webhook url":   "notify:\n  webhooks:\n    - secret: x\n",
		"queue size":    "bus:\n  queue_size: 0\n",
		"parallelism":   "pipeline:\n  parallel_limit: 0\n",
		"missing agent": "bus:\n  dispatcher: \"\"\n",
	}
	for name, doc := range cases {
		if _, err := config.FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load optional without file: %v", err)
	}
	if _, err := config.Load(dir); err == nil || !strings.Contains(err.Error(), "al config init") {
		t.Fatalf("expected missing config error, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, config.FileName), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(dir); err != nil {
		t.Fatalf("load generated default: %v", err)
	}
	if got := cfg.LogPath(dir); got != filepath.Join(dir, "logs") {
		t.Fatalf("log path: %s", got)
	}
}

func TestWebhookActive(t *testing.T) {
	off := false
	if (config.WebhookConfig{URL: "http://x", Enabled: &off}).Active() {
		t.Fatalf("disabled hook reported active")
	}
	if (config.WebhookConfig{}).Active() {
		t.Fatalf("hook without url reported active")
	}
	if !(config.WebhookConfig{URL: "http://x"}).Active() {
		t.Fatalf("hook with url should be active")
	}
}
