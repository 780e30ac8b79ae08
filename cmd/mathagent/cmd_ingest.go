package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/mathagent/internal/ingest"
)

func newIngestCmd(c *cli) *cobra.Command {
	var opts ingest.Options
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Embed JSONL problem files into the vector index",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newBase(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.close()

			opts.VectorSize = c.cfg.Vector.VectorSize
			stats, err := ingest.New(a.embedder, a.vector, c.logger).Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			c.logger.Info("Ingestion finished", zap.Any("stats", stats))
			fmt.Fprintf(cmd.OutOrStdout(),
				"files=%d processed=%d upserted=%d skipped=%d corrupt=%d failed=%d\n",
				stats.Files, stats.Processed, stats.Upserted, stats.Skipped, stats.Corrupt, stats.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Dir, "dir", "data/raw", "directory of *.jsonl files")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 64, "records per embed and upsert batch")
	cmd.Flags().IntVar(&opts.MaxRecords, "max-records", 0, "stop after this many records (0 = all)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 2, "concurrent batch workers")
	return cmd
}
