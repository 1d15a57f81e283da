package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cloaklabs/cloak/internal/audit"
	"github.com/cloaklabs/cloak/internal/etl"
	"github.com/cloaklabs/cloak/internal/pii"
)

var (
	anonInput      string
	anonOutput     string
	anonFormat     string
	anonTextColumn string
	anonScope      string
	anonBatchSize  int
)

var anonymizeCmd = &cobra.Command{
	Use:   "anonymize",
	Short: "Mask PII in a transcript file",
	Long: `Anonymize masks the text column of a CSV, JSONL, or Parquet transcript
file and writes the result in the same format. With --scope=file a value
repeated across rows keeps one token; with --scope=record every row gets
an independent token namespace.`,
	RunE: runAnonymize,
}

func init() {
	anonymizeCmd.Flags().StringVar(&anonInput, "input", "", "input file (csv, jsonl, or parquet)")
	anonymizeCmd.Flags().StringVar(&anonOutput, "output", "", "output file")
	anonymizeCmd.Flags().StringVar(&anonFormat, "format", "", "input format override (csv, jsonl, parquet)")
	anonymizeCmd.Flags().StringVar(&anonTextColumn, "text-column", "text", "name of the column to mask")
	anonymizeCmd.Flags().StringVar(&anonScope, "scope", "file", "token identity scope (file or record)")
	anonymizeCmd.Flags().IntVar(&anonBatchSize, "batch-size", 1000, "rows per processing batch")
	_ = anonymizeCmd.MarkFlagRequired("input")
	_ = anonymizeCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(anonymizeCmd)
}

func runAnonymize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	scope := etl.Scope(anonScope)
	if scope != etl.ScopeFile && scope != etl.ScopeRecord {
		return fmt.Errorf("invalid scope %q, want file or record", anonScope)
	}

	format := etl.FileFormat(anonFormat)
	switch format {
	case "", etl.FormatCSV, etl.FormatJSONL, etl.FormatParquet:
	default:
		return fmt.Errorf("invalid format %q, want csv, jsonl, or parquet", anonFormat)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	registry, err := pii.NewRegistry(cfg.Privacy)
	if err != nil {
		return fmt.Errorf("failed to build detection rules: %w", err)
	}
	engine := pii.NewEngine(pii.NewDetector(registry, log), cfg.Privacy, log)

	pipeline := etl.NewPipeline(engine, &etl.Config{
		BatchSize:  anonBatchSize,
		TextColumn: anonTextColumn,
		Scope:      scope,
		Format:     format,
	}, log)

	if cfg.Audit.Enabled {
		auditStore, err := audit.NewStore(cfg.Audit, log)
		if err != nil {
			return fmt.Errorf("failed to initialize audit store: %w", err)
		}
		defer auditStore.Close()
		auditStore.Start(cmd.Context())
		pipeline.SetAudit(auditStore)
		defer func() {
			if err := auditStore.Flush(cmd.Context()); err != nil {
				log.Error("Failed to flush audit events", zap.Error(err))
			}
		}()
	}

	result, err := pipeline.ProcessFile(cmd.Context(), anonInput, anonOutput)
	if err != nil {
		return fmt.Errorf("anonymization failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Processed %d records in %s\n", result.TotalRecords, result.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  masked:  %d records, %d values\n", result.MaskedRecords, result.TotalFindings)
	if result.Skipped > 0 {
		fmt.Fprintf(out, "  skipped: %d records\n", result.Skipped)
	}
	if len(result.ByCategory) > 0 {
		categories := make([]string, 0, len(result.ByCategory))
		for c := range result.ByCategory {
			categories = append(categories, c)
		}
		sort.Strings(categories)
		fmt.Fprintln(out, "  by category:")
		for _, c := range categories {
			fmt.Fprintf(out, "    %-8s %d\n", c, result.ByCategory[c])
		}
	}
	return nil
}
