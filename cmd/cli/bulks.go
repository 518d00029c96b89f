package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/bulkprobe/bulkprobe/internal/scan"
)

var (
	bulksLimit      int
	bulksOutputJSON bool
)

var bulksCmd = &cobra.Command{
	Use:   "bulks",
	Short: "Inspect bulk scans",
}

var bulksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bulk scans, newest first",
	RunE:  runBulksList,
}

var bulksGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one bulk scan as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runBulksGet,
}

func init() {
	bulksListCmd.Flags().IntVar(&bulksLimit, "limit", 20, "maximum number of bulk scans to list (0: all)")
	bulksListCmd.Flags().BoolVar(&bulksOutputJSON, "json", false, "output as JSON")
	bulksCmd.AddCommand(bulksListCmd)
	bulksCmd.AddCommand(bulksGetCmd)
	rootCmd.AddCommand(bulksCmd)
}

func runBulksList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := connectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	bulkScans, err := st.ListBulkScans(ctx, bulksLimit)
	if err != nil {
		return err
	}

	if bulksOutputJSON {
		return json.NewEncoder(os.Stdout).Encode(bulkScans)
	}
	displayBulkScansTable(bulkScans)
	return nil
}

func displayBulkScansTable(bulkScans []*scan.BulkScan) {
	if len(bulkScans) == 0 {
		fmt.Println("No bulk scans found.")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Started", "Status", "Targets", "Published", "Successful")

	for _, b := range bulkScans {
		status := "running"
		if b.Finished {
			status = "finished"
		}
		_ = table.Append([]string{
			strconv.FormatInt(b.ID, 10),
			b.Name,
			b.StartTime.Format("2006-01-02 15:04"),
			status,
			strconv.Itoa(b.TargetsGiven),
			strconv.Itoa(b.ScanJobsPublished),
			strconv.FormatInt(b.SuccessfulScans, 10),
		})
	}

	_ = table.Render()
}

func runBulksGet(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid bulk scan id %q", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := connectStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	bulkScan, err := st.GetBulkScan(ctx, id)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(bulkScan)
}
