package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/paperbase/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "paperbase",
	Short: "Structured data extraction from scientific PDFs",
	Long:  "Runs PDFs through OCR, bibliographic metadata extraction, schema-driven record extraction and optional refinement, persisting everything to a local database.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
