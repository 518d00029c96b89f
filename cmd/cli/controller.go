package cli

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bulkprobe/bulkprobe/internal/api"
	"github.com/bulkprobe/bulkprobe/internal/logging"
	"github.com/bulkprobe/bulkprobe/internal/metrics"
	"github.com/bulkprobe/bulkprobe/internal/monitor"
	"github.com/bulkprobe/bulkprobe/internal/publisher"
	"github.com/bulkprobe/bulkprobe/internal/scan"
)

var (
	controllerTargetsFile string
	controllerName        string
	controllerKind        string
	controllerMonitored   bool
	controllerNotifyURL   string
)

var controllerCmd = &cobra.Command{
	Use:   "controller",
	Short: "Run the controller process",
	Long: `Run the long-lived controller: it serves the operational HTTP API,
tracks monitored bulk scans through completion, and optionally publishes
a targets file on a recurring cron schedule.`,
	RunE: runController,
}

func init() {
	controllerCmd.Flags().StringVar(&controllerTargetsFile, "targets", "", "targets file for scheduled publications")
	controllerCmd.Flags().StringVar(&controllerName, "name", "", "bulk scan name for scheduled publications (default: targets file basename)")
	controllerCmd.Flags().StringVar(&controllerKind, "kind", "tls", "scan kind for scheduled publications")
	controllerCmd.Flags().BoolVar(&controllerMonitored, "monitored", true, "track scheduled publications through completion")
	controllerCmd.Flags().StringVar(&controllerNotifyURL, "notify-url", "", "webhook URL notified when a scheduled bulk scan finishes")
	rootCmd.AddCommand(controllerCmd)
}

func runController(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.Default().WithComponent("controller")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := connectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	msgBus, err := connectBus(cfg)
	if err != nil {
		return err
	}
	defer msgBus.Close()

	if err := msgBus.DeclareJobQueue(); err != nil {
		return err
	}

	progressMonitor := monitor.New(st, msgBus,
		cfg.Monitor.NotifyTimeout, cfg.Monitor.LogInterval, logging.Default())

	parser, err := buildParser(cfg)
	if err != nil {
		return err
	}
	pub := publisher.New(msgBus, st, progressMonitor, parser, publisher.Config{
		Parallelism:    cfg.Controller.PublishParallelism,
		ExcludedProbes: cfg.Controller.ExcludedProbes,
		UnionExcluded:  cfg.Controller.ExcludedProbesUnion,
	}, logging.Default())

	var sched *publisher.Scheduler
	if cfg.Controller.Schedule != "" {
		if controllerTargetsFile == "" {
			return fmt.Errorf("a schedule is configured but no --targets file was given")
		}
		sched = publisher.NewScheduler(pub, logging.Default())
		if _, err := sched.Schedule(cfg.Controller.Schedule, scheduledRequest()); err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	m := metrics.Global()
	go m.StartPeriodicUpdates(ctx, 15*time.Second)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.New(cfg.GetAPIAddress(), st, m.Registry(),
			cfg.API.RequestTimeout, logging.Default())
		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error("operational HTTP server failed", "error", err)
			}
		}()
	}

	log.Info("controller running",
		"api_enabled", cfg.API.Enabled, "schedule", cfg.Controller.Schedule)
	<-ctx.Done()
	log.Info("shutting down")

	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to stop operational HTTP server", "error", err)
		}
	}
	return nil
}

// scheduledRequest builds the request for each scheduled run at trigger
// time, so edits to the targets file are picked up between runs.
func scheduledRequest() publisher.RequestBuilder {
	return func() (publisher.Request, error) {
		targets, err := publisher.LoadTargets(controllerTargetsFile)
		if err != nil {
			return publisher.Request{}, err
		}
		name := controllerName
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(controllerTargetsFile), filepath.Ext(controllerTargetsFile))
		}
		return publisher.Request{
			Name:       name,
			Targets:    targets,
			ScanConfig: scan.ScanConfig{Kind: controllerKind},
			Monitored:  controllerMonitored,
			NotifyURL:  controllerNotifyURL,
		}, nil
	}
}
