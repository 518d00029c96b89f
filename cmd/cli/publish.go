package cli

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bulkprobe/bulkprobe/internal/logging"
	"github.com/bulkprobe/bulkprobe/internal/monitor"
	"github.com/bulkprobe/bulkprobe/internal/publisher"
	"github.com/bulkprobe/bulkprobe/internal/scan"
)

var (
	publishTargetsFile    string
	publishName           string
	publishKind           string
	publishDetailLevel    string
	publishReexecutions   int
	publishTimeoutMillis  int
	publishExcludedProbes []string
	publishOptions        string
	publishMonitored      bool
	publishNotifyURL      string
	publishWait           bool
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish one bulk scan from a targets file",
	Long: `Read a targets file, resolve and filter its entries, and publish one
scan job per usable target onto the shared job queue. With --wait the
command keeps running until the workers have finished every job.`,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVar(&publishTargetsFile, "targets", "", "targets file, one host[:port] per line (required)")
	publishCmd.Flags().StringVar(&publishName, "name", "", "bulk scan name (default: targets file basename)")
	publishCmd.Flags().StringVar(&publishKind, "kind", "tls", "scan kind")
	publishCmd.Flags().StringVar(&publishDetailLevel, "detail-level", "", "scanner detail level")
	publishCmd.Flags().IntVar(&publishReexecutions, "reexecutions", 0, "probe retries after a failed attempt")
	publishCmd.Flags().IntVar(&publishTimeoutMillis, "timeout-ms", 0, "per-job scan timeout in milliseconds (0: worker default)")
	publishCmd.Flags().StringSliceVar(&publishExcludedProbes, "excluded-probes", nil, "probes to skip for this bulk scan")
	publishCmd.Flags().StringVar(&publishOptions, "options", "", "kind-specific scanner options as a JSON document")
	publishCmd.Flags().BoolVar(&publishMonitored, "monitored", true, "track this bulk scan through completion")
	publishCmd.Flags().StringVar(&publishNotifyURL, "notify-url", "", "webhook URL notified when the bulk scan finishes")
	publishCmd.Flags().BoolVar(&publishWait, "wait", false, "block until all jobs are done (requires --monitored)")
	_ = publishCmd.MarkFlagRequired("targets")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if publishWait && !publishMonitored {
		return fmt.Errorf("--wait requires --monitored")
	}

	var options json.RawMessage
	if publishOptions != "" {
		if !json.Valid([]byte(publishOptions)) {
			return fmt.Errorf("--options is not valid JSON")
		}
		options = json.RawMessage(publishOptions)
	}

	targets, err := publisher.LoadTargets(publishTargetsFile)
	if err != nil {
		return err
	}
	name := publishName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(publishTargetsFile), filepath.Ext(publishTargetsFile))
	}

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

	bulkScan, err := pub.Publish(ctx, publisher.Request{
		Name:    name,
		Targets: targets,
		ScanConfig: scan.ScanConfig{
			Kind:           publishKind,
			DetailLevel:    publishDetailLevel,
			Reexecutions:   publishReexecutions,
			TimeoutMillis:  publishTimeoutMillis,
			ExcludedProbes: publishExcludedProbes,
			Options:        options,
		},
		Monitored: publishMonitored,
		NotifyURL: publishNotifyURL,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Published bulk scan %d (%s): %d targets, %d jobs published, %d unresolvable, %d denylisted\n",
		bulkScan.ID, bulkScan.CollectionName, bulkScan.TargetsGiven, bulkScan.ScanJobsPublished,
		bulkScan.ScanJobsResolutionErrors, bulkScan.ScanJobsDenylisted)

	if !publishWait {
		return nil
	}

	// The monitor drops a bulk scan from its active set once it is
	// finalized, so an empty set means every job is done.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for progressMonitor.ActiveCount() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("interrupted while waiting for completion")
		case <-ticker.C:
		}
	}

	final, err := st.GetBulkScan(ctx, bulkScan.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Bulk scan %d finished: %d successful scans\n", final.ID, final.SuccessfulScans)
	return nil
}
