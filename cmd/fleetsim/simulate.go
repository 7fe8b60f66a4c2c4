package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fleetsim/internal/admin"
	"fleetsim/internal/config"
	"fleetsim/internal/device"
	"fleetsim/internal/engine"
	"fleetsim/internal/event"
	"fleetsim/internal/hub"
	"fleetsim/internal/logging"
)

var (
	simConfigPath string
	simSchemaPath string
	simPrintOnly  bool
	simLogFile    string
	simTUI        bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the virtual device fleet",
	Long:  "simulate starts a fleet of virtual devices sending templated telemetry to the configured hub.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(simConfigPath, simSchemaPath)
		if err != nil {
			return err
		}
		if simPrintOnly {
			cfg.Sinks = config.Sinks{Stdout: true}
		}
		if simLogFile != "" {
			cfg.Sinks.File = &config.FileSink{Events: simLogFile, Stats: simLogFile + ".stats"}
		}
		if simTUI {
			cfg.Sinks.Stdout = false
			cfg.Sinks.TUI = true
		}

		log := logging.New(cfg.Logging.Level, cfg.Logging.Format)

		sinks, reg, cleanup, err := newSinks(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		mgr := hub.NewManager(hub.Config{
			MaxConnections:    int64(cfg.Connection.MaxConnections),
			AcquireQueueDepth: int64(cfg.Connection.AcquireQueueDepth),
			AcquireTimeout:    cfg.Connection.AcquireTimeout.Std(),
			SendRate:          cfg.Connection.SendRate,
			SendBurst:         cfg.Connection.SendBurst,
			MaxSendDelay:      cfg.Connection.MaxSendDelay.Std(),
			ConnectTimeout:    cfg.Hub.ConnectTimeout.Std(),
			Options: hub.Options{
				Endpoint:       cfg.Hub.Endpoint,
				ConnectTimeout: cfg.Hub.ConnectTimeout.Std(),
			},
		}, log)

		bus := event.NewBus()
		eng := engine.New(engine.Config{
			MaxDevices:       cfg.Engine.MaxDevices,
			StartConcurrency: cfg.Engine.StartConcurrency,
			StartJitter:      cfg.Engine.StartJitter.Std(),
			StatsInterval:    cfg.Engine.StatsInterval.Std(),
			StopGrace:        cfg.Engine.StopGrace.Std(),
		}, deviceConfig(cfg.Defaults), mgr, bus, cfg.Templates, log)

		if err := populateFleets(eng, cfg); err != nil {
			return err
		}
		eng.Subscribe("sinks", sinks)

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		ctx = logging.NewContext(ctx, log)

		if cfg.Admin.Addr != "" {
			srv := admin.NewServer(eng, reg, log)
			go func() {
				if err := srv.Start(ctx, cfg.Admin.Addr); err != nil && err != http.ErrServerClosed {
					log.Error("admin server failed", "error", err)
				}
			}()
		}

		if err := eng.StartAll(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		go eng.Run(ctx, sinks)
		log.Info("fleet running", "devices", eng.Stats().Devices)

		<-ctx.Done()
		log.Info("shutting down fleet")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutCancel()
		return eng.Shutdown(shutCtx)
	},
}

// deviceConfig maps the YAML cadence block onto the device runtime knobs.
func deviceConfig(c config.Cadence) device.Config {
	return device.Config{
		Interval:         c.Interval.Std(),
		Jitter:           c.Jitter,
		BurstCount:       c.BurstCount,
		BurstGap:         c.BurstGap.Std(),
		MaxMessages:      c.MaxMessages,
		MaxRetries:       c.MaxRetries,
		RetryBase:        c.RetryBase.Std(),
		RetryCap:         c.RetryCap.Std(),
		ThrottleCooldown: c.ThrottleCooldown.Std(),
		SendTimeout:      c.SendTimeout.Std(),
	}
}

// populateFleets registers every configured fleet's devices, numbered
// per fleet prefix.
func populateFleets(eng *engine.Engine, cfg *config.SimulationConfig) error {
	for _, fleet := range cfg.Fleets {
		var devCfg *device.Config
		if fleet.Cadence != nil {
			dc := deviceConfig(*fleet.Cadence)
			devCfg = &dc
		}
		for i := 1; i <= fleet.Count; i++ {
			id := fmt.Sprintf("%s-%04d", fleet.Prefix, i)
			_, err := eng.AddDevice(hub.Identity{
				DeviceID:   id,
				Template:   fleet.Template,
				Credential: fleet.Credential,
				Protocol:   hub.Protocol(fleet.Protocol),
			}, devCfg)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func init() {
	simulateCmd.Flags().StringVar(&simConfigPath, "config", "config/simulation.yaml", "Path to simulation configuration YAML")
	simulateCmd.Flags().StringVar(&simSchemaPath, "schema", "schemas/simulation.cue", "Path to CUE schema file")
	simulateCmd.Flags().BoolVar(&simPrintOnly, "print-only", false, "Print events to STDOUT instead of the configured sinks")
	simulateCmd.Flags().StringVar(&simLogFile, "log-file", "", "Path to export event logs (JSONL)")
	simulateCmd.Flags().BoolVar(&simTUI, "tui", false, "Render the fleet in a terminal UI")
}
