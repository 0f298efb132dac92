package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/paperbase/internal/model"
	"github.com/sells-group/paperbase/internal/pipeline"
)

var (
	processRecursive   bool
	processConcurrency int
	processForceOCR    string
	processForceMeta   string
	processForceExtr   string
	processRefine      string
)

var processCmd = &cobra.Command{
	Use:   "process [files or directories...]",
	Short: "Run PDFs through the extraction pipeline",
	Long: `Runs each PDF through OCR, metadata extraction and record extraction,
skipping stages that already completed. Force flags re-run a stage and
everything downstream of it; refinement only runs when requested.

Force flags take "all", or a comma-separated list of document ids or file
hashes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		files, err := collectFiles(args, processRecursive)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return eris.New("no PDF files found")
		}

		sch, err := loadSchema()
		if err != nil {
			return err
		}

		opts := model.Options{
			ForceOCR:        parseForceSpec(processForceOCR),
			ForceMetadata:   parseForceSpec(processForceMeta),
			ForceExtraction: parseForceSpec(processForceExtr),
			Refine:          parseForceSpec(processRefine),
		}

		concurrency := processConcurrency
		if concurrency == 0 {
			concurrency = cfg.Batch.MaxConcurrentDocuments
		}

		zap.L().Info("starting batch",
			zap.Int("files", len(files)),
			zap.Int("concurrency", concurrency))

		runner := pipeline.NewBatchRunner(pipelineFactory(sch), concurrency)
		reports, err := runner.Run(ctx, files, opts)
		if err != nil {
			return eris.Wrap(err, "batch run")
		}

		summary := printReports(reports)
		if summary.Errored > 0 {
			return eris.Errorf("%d of %d documents failed", summary.Errored, summary.Processed)
		}
		return nil
	},
}

func printReports(reports []model.StatusReport) model.BatchSummary {
	var summary model.BatchSummary

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tOCR\tMETADATA\tEXTRACTION\tREFINEMENT\tRECORDS\tTIME")
	for i := range reports {
		r := &reports[i]
		summary.Add(r)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			filepath.Base(r.File),
			stageCell(r.OCR),
			stageCell(r.Metadata),
			stageCell(r.Extraction),
			stageCell(r.Refinement),
			r.RecordCount,
			r.Duration.Round(10*time.Millisecond),
		)
	}
	w.Flush()

	fmt.Printf("\n%d processed, %d failed, %d records\n",
		summary.Processed, summary.Errored, summary.TotalRecords)
	return summary
}

// stageCell renders a stage status for the report table, keeping failure
// reasons short enough to scan.
func stageCell(st model.StageStatus) string {
	if st.State == model.StateFailed {
		reason := st.Reason
		if len(reason) > 40 {
			reason = reason[:37] + "..."
		}
		return fmt.Sprintf("failed (%s)", reason)
	}
	return string(st.State)
}

func init() {
	processCmd.Flags().BoolVarP(&processRecursive, "recursive", "r", false, "recurse into directories")
	processCmd.Flags().IntVarP(&processConcurrency, "concurrency", "c", 0, "parallel documents (default from config)")
	processCmd.Flags().StringVar(&processForceOCR, "force-ocr", "", "re-run OCR and all downstream stages")
	processCmd.Flags().StringVar(&processForceMeta, "force-metadata", "", "re-run metadata and all downstream stages")
	processCmd.Flags().StringVar(&processForceExtr, "force-extraction", "", "re-run record extraction")
	processCmd.Flags().StringVar(&processRefine, "refine", "", "run the refinement stage")
	rootCmd.AddCommand(processCmd)
}
