package main

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"fleetsim/internal/config"
	"fleetsim/internal/sink"
)

// newSinks assembles the configured sink fan-out. It returns the
// Prometheus registry for the admin /metrics endpoint (nil when the
// Prometheus sink is disabled) and a cleanup closing held resources.
func newSinks(cfg *config.SimulationConfig) (*sink.MultiSink, *prometheus.Registry, func(), error) {
	var sinks []sink.Sink
	var reg *prometheus.Registry

	if cfg.Sinks.TUI {
		sinks = append(sinks, sink.NewTUISink())
	} else if cfg.Sinks.Stdout {
		sinks = append(sinks, sink.NewStdoutSink())
	}
	if cfg.Sinks.File != nil {
		fs, err := sink.NewFileSink(cfg.Sinks.File.Events, cfg.Sinks.File.Stats)
		if err != nil {
			return nil, nil, nil, err
		}
		sinks = append(sinks, fs)
	}
	if cfg.Sinks.Prometheus {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		sinks = append(sinks, sink.NewPromSink(reg))
	}
	if url := envOverride("NATS_URL", cfg.Sinks.NATS); url != "" {
		ns, err := sink.NewNATSSink(url)
		if err != nil {
			return nil, nil, nil, err
		}
		sinks = append(sinks, ns)
	}
	if cfg.Sinks.Greptime != nil {
		endpoint := envOverride("GREPTIMEDB_ENDPOINT", cfg.Sinks.Greptime.Endpoint)
		gs, err := sink.NewGreptimeSink(endpoint, cfg.Sinks.Greptime.Database)
		if err != nil {
			return nil, nil, nil, err
		}
		sinks = append(sinks, gs)
	}

	multi := sink.NewMultiSink(sinks...)
	cleanup := func() { multi.Close() }
	return multi, reg, cleanup, nil
}

// envOverride prefers the environment variable over the config value.
func envOverride(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
