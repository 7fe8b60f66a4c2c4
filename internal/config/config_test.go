package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "simulation.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
hub:
  protocol: sim
  connect_timeout: 10s
defaults:
  interval: 5s
  jitter: 0.1
fleets:
  - name: climate
    template: temperature_sensor
    count: 3
  - name: lobby
    template: motion_sensor
    count: 2
    cadence:
      interval: 500ms
      burst_count: 3
sinks:
  stdout: true
admin:
  addr: ":8080"
`

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Hub.ConnectTimeout.Std() != 10*time.Second {
		t.Errorf("connect_timeout = %v", cfg.Hub.ConnectTimeout.Std())
	}
	if cfg.Defaults.Interval.Std() != 5*time.Second {
		t.Errorf("interval = %v", cfg.Defaults.Interval.Std())
	}
	if len(cfg.Fleets) != 2 {
		t.Fatalf("fleets = %d", len(cfg.Fleets))
	}
	if cfg.Fleets[0].Prefix != "climate" {
		t.Errorf("prefix default = %q, want fleet name", cfg.Fleets[0].Prefix)
	}
	if cfg.Fleets[0].Protocol != "sim" {
		t.Errorf("protocol default = %q, want hub protocol", cfg.Fleets[0].Protocol)
	}
	if cfg.Fleets[1].Cadence == nil || cfg.Fleets[1].Cadence.Interval.Std() != 500*time.Millisecond {
		t.Errorf("fleet cadence override not parsed: %+v", cfg.Fleets[1].Cadence)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
}

func TestLoadValidatesWithCueSchema(t *testing.T) {
	path := writeConfig(t, validYAML)
	if _, err := Load(path, "../../schemas/simulation.cue"); err != nil {
		t.Fatalf("Load with schema: %v", err)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown template",
			yaml: "fleets:\n  - name: a\n    template: nope\n    count: 1\n",
		},
		{
			name: "duplicate fleet",
			yaml: "fleets:\n  - name: a\n    template: motion_sensor\n    count: 1\n  - name: a\n    template: motion_sensor\n    count: 1\n",
		},
		{
			name: "zero count",
			yaml: "fleets:\n  - name: a\n    template: motion_sensor\n    count: 0\n",
		},
		{
			name: "bad protocol",
			yaml: "fleets:\n  - name: a\n    template: motion_sensor\n    count: 1\n    protocol: pigeon\n",
		},
		{
			name: "mqtt without endpoint",
			yaml: "hub:\n  protocol: mqtt\n",
		},
		{
			name: "invalid template definition",
			yaml: "templates:\n  - name: bad\n    fields:\n      - name: x\n        type: float\n        pattern: sine\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			_, err := Load(path, "")
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadConfiguredTemplateUsableByFleet(t *testing.T) {
	path := writeConfig(t, `
fleets:
  - name: probes
    template: ph_probe
    count: 1
templates:
  - name: ph_probe
    fields:
      - name: ph
        type: float
        pattern: random
        min: 0
        max: 14
`)
	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Fleets[0].Template != "ph_probe" {
		t.Errorf("template = %q", cfg.Fleets[0].Template)
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	path := writeConfig(t, "defaults:\n  interval: fast\n")
	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected duration parse error")
	}
}
