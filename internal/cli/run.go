package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sku-render-pipeline/internal/coordinator"
	"sku-render-pipeline/internal/models"
	"sku-render-pipeline/internal/records"
)

var runCmd = &cobra.Command{
	Use:   "run <records.json|records.yaml>",
	Short: "Render one batch locally and print a report",
	Long: `Run loads a record file, renders every record with the configured models,
and prints a per-task report once the batch completes. Artifacts are written
under storage.output_dir in a batch_<id> directory.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runConcurrency int
	runMaxRetries  int
	runJSON        bool
)

func init() {
	runCmd.Flags().IntVarP(&runConcurrency, "concurrency", "k", 0, "tasks in flight (default pipeline.concurrency)")
	runCmd.Flags().IntVar(&runMaxRetries, "max-retries", -1, "retry budget per task (default from file or pipeline.max_retries)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the final status as JSON")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	batch, err := records.Load(args[0])
	if err != nil {
		return err
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Close()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	view, err := renderBatch(ctx, a.coord, batch, runConcurrency, runMaxRetries)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if runJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	}
	fmt.Fprint(out, renderReport(view))
	return nil
}

// renderBatch creates and runs a job to completion. The flag retry budget wins
// over the file's, which wins over the configured default.
func renderBatch(ctx context.Context, coord *coordinator.Coordinator, batch records.Batch, concurrency, maxRetries int) (models.JobStatusView, error) {
	if maxRetries < 0 && batch.MaxRetries != nil {
		maxRetries = *batch.MaxRetries
	}

	jobID, err := coord.CreateJob(batch.Records, maxRetries)
	if err != nil {
		return models.JobStatusView{}, err
	}
	if err := coord.Run(ctx, jobID, concurrency); err != nil {
		return models.JobStatusView{}, fmt.Errorf("batch %s did not complete: %w", jobID, err)
	}
	return coord.GetStatus(jobID)
}
