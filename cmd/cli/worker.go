package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bulkprobe/bulkprobe/internal/api"
	"github.com/bulkprobe/bulkprobe/internal/bus"
	"github.com/bulkprobe/bulkprobe/internal/logging"
	"github.com/bulkprobe/bulkprobe/internal/metrics"
	"github.com/bulkprobe/bulkprobe/internal/probe"
	"github.com/bulkprobe/bulkprobe/internal/scan"
	"github.com/bulkprobe/bulkprobe/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker process",
	Long: `Run a long-lived worker: it consumes scan jobs from the shared queue,
executes them through per-bulk-scan scanners, persists the results and
acknowledges each job once its outcome is on record.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

// busNotifier adapts the bus to the router's completion interface: jobs
// are acknowledged on the consuming channel, then announced on the
// bulk scan's done queue.
type busNotifier struct {
	bus      *bus.Bus
	consumer *bus.JobConsumer
}

func (n *busNotifier) NotifyOfDone(ctx context.Context, job *scan.ScanJobDescription) error {
	return n.bus.NotifyOfDone(ctx, n.consumer, job)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.Default().WithComponent("worker")

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

	registry := scan.NewScannerRegistry()
	if err := probe.Register(registry); err != nil {
		return err
	}

	manager := worker.NewManager(registry, cfg.Worker.Parallelism,
		cfg.Worker.IdleEviction, logging.Default())
	go manager.Run(ctx, time.Minute)

	consumer, err := msgBus.ConsumeJobs(ctx, cfg.Worker.Prefetch)
	if err != nil {
		return err
	}

	router := worker.NewRouter(manager, st,
		&busNotifier{bus: msgBus, consumer: consumer},
		cfg.Worker.ScanTimeout, cfg.Worker.ExcludedProbes, logging.Default())

	m := metrics.Global()
	go m.StartPeriodicUpdates(ctx, 15*time.Second)

	var apiServer *api.Server
	if cfg.API.Enabled {
		// Workers have no reason to serve bulk scan listings; they
		// expose health and metrics only.
		apiServer = api.New(cfg.GetAPIAddress(), nil, m.Registry(),
			cfg.API.RequestTimeout, logging.Default())
		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error("operational HTTP server failed", "error", err)
			}
		}()
	}

	routerDone := make(chan struct{})
	go func() {
		defer close(routerDone)
		// In-flight jobs get a grace period beyond the shutdown signal.
		router.Run(context.Background(), consumer.Jobs())
	}()

	log.Info("worker running",
		"prefetch", cfg.Worker.Prefetch, "parallelism", cfg.Worker.Parallelism)
	<-ctx.Done()
	log.Info("shutting down, draining in-flight jobs")

	// Closing the consumer ends the job stream; the router then drains
	// what it already holds.
	if err := consumer.Close(); err != nil {
		log.Error("failed to close job consumer", "error", err)
	}

	shutdownTimeout := cfg.Worker.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	select {
	case <-routerDone:
	case <-time.After(shutdownTimeout):
		log.Warn("shutdown timeout elapsed with jobs still in flight")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	manager.Shutdown(shutdownCtx)

	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to stop operational HTTP server", "error", err)
		}
	}
	return nil
}
