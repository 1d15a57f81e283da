package etl

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/cloaklabs/cloak/internal/audit"
	"github.com/cloaklabs/cloak/internal/logger"
	"github.com/cloaklabs/cloak/internal/pii"
)

// Pipeline anonymizes transcript files offline. Nothing here talks to the
// model; rows go straight from reader to masker to writer.
type Pipeline struct {
	engine *pii.Engine
	cfg    *Config
	logger *logger.Logger
	audit  *audit.Store
}

// NewPipeline creates an anonymizer around the given detection engine.
func NewPipeline(engine *pii.Engine, cfg *Config, log *logger.Logger) *Pipeline {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.TextColumn == "" {
		cfg.TextColumn = "text"
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeFile
	}
	if cfg.ProgressReport <= 0 {
		cfg.ProgressReport = 1000
	}

	return &Pipeline{
		engine: engine,
		cfg:    cfg,
		logger: log.WithComponent("etl"),
	}
}

// SetAudit attaches an audit trail for detection counts found during a run.
func (p *Pipeline) SetAudit(store *audit.Store) {
	p.audit = store
}

// masker applies the configured session scope. File scope keeps one session
// for the whole run; record scope builds a throwaway session per row.
type masker struct {
	engine   *pii.Engine
	scope    Scope
	fileSess *pii.Session
}

func newMasker(engine *pii.Engine, scope Scope, name string) *masker {
	m := &masker{engine: engine, scope: scope}
	if scope != ScopeRecord {
		m.fileSess = pii.NewSession("file:"+name, engine)
	}
	return m
}

func (m *masker) mask(row int64, text string) pii.Result {
	if m.scope == ScopeRecord {
		return pii.NewSession(m.sessionID(row), m.engine).Mask(text)
	}
	return m.fileSess.Mask(text)
}

func (m *masker) sessionID(row int64) string {
	if m.scope == ScopeRecord {
		return fmt.Sprintf("record-%d", row)
	}
	return m.fileSess.ID()
}

// run carries the mutable state of one ProcessFile call.
type run struct {
	mask       *masker
	result     *Result
	start      time.Time
	lastReport int64
}

// ProcessFile anonymizes inputPath into outputPath. The format is taken
// from configuration or detected from the input extension.
func (p *Pipeline) ProcessFile(ctx context.Context, inputPath, outputPath string) (*Result, error) {
	if filepath.Clean(inputPath) == filepath.Clean(outputPath) {
		return nil, fmt.Errorf("output path must differ from input path")
	}

	format := p.cfg.Format
	if format == "" {
		format = DetectFormat(inputPath)
	}
	if format == "" {
		return nil, fmt.Errorf("cannot detect format of %q, specify one explicitly", inputPath)
	}

	in, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer in.Close()

	out, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output: %w", err)
	}

	p.logger.Info("Starting anonymization",
		zap.String("input", inputPath),
		zap.String("output", outputPath),
		zap.String("format", string(format)),
		zap.String("scope", string(p.cfg.Scope)),
		zap.Int("batch_size", p.cfg.BatchSize))

	r := &run{
		mask:   newMasker(p.engine, p.cfg.Scope, filepath.Base(inputPath)),
		result: &Result{ByCategory: make(map[string]int64)},
		start:  time.Now(),
	}

	switch format {
	case FormatCSV:
		err = p.processCSV(ctx, in, out, r)
	case FormatJSONL:
		err = p.processJSONL(ctx, in, out, r)
	case FormatParquet:
		err = p.processParquet(ctx, in, out, r)
	default:
		err = fmt.Errorf("unsupported file format: %s", format)
	}
	if err != nil {
		out.Close()
		return r.result, err
	}

	if err := out.Close(); err != nil {
		return r.result, fmt.Errorf("failed to finalize output: %w", err)
	}

	r.result.Duration = time.Since(r.start)
	p.logger.Info("Anonymization completed",
		zap.Int64("total_records", r.result.TotalRecords),
		zap.Int64("masked_records", r.result.MaskedRecords),
		zap.Int64("skipped", r.result.Skipped),
		zap.Int64("total_findings", r.result.TotalFindings),
		zap.Duration("duration", r.result.Duration))

	return r.result, nil
}

// processCSV rewrites the configured text column and passes every other
// column through untouched. Malformed rows are dropped, not copied.
func (p *Pipeline) processCSV(ctx context.Context, in io.Reader, out io.Writer, r *run) error {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	writer := csv.NewWriter(out)

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}

	textIdx := -1
	for i, col := range header {
		if col == p.cfg.TextColumn {
			textIdx = i
			break
		}
	}
	if textIdx == -1 {
		return fmt.Errorf("column %q not found in CSV header %v", p.cfg.TextColumn, header)
	}

	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	eof := false
	for !eof {
		if err := ctx.Err(); err != nil {
			return err
		}

		for n := 0; n < p.cfg.BatchSize; n++ {
			row, err := reader.Read()
			if err == io.EOF {
				eof = true
				break
			}
			if err != nil {
				r.result.Skipped++
				r.result.Errors = append(r.result.Errors, err.Error())
				p.logger.Warn("Skipping malformed CSV row", zap.Error(err))
				continue
			}
			if textIdx >= len(row) {
				r.result.Skipped++
				r.result.Errors = append(r.result.Errors, fmt.Sprintf("short row with %d columns", len(row)))
				p.logger.Warn("Skipping short CSV row", zap.Int("columns", len(row)))
				continue
			}

			row[textIdx] = p.maskField(r, row[textIdx])
			if err := writer.Write(row); err != nil {
				return fmt.Errorf("failed to write CSV row: %w", err)
			}
		}

		writer.Flush()
		if err := writer.Error(); err != nil {
			return fmt.Errorf("failed to flush CSV output: %w", err)
		}
		p.reportProgress(r)
	}

	return nil
}

// processJSONL decodes one object per line, masks the text field, and
// re-encodes the whole object so unknown fields survive. Rows without a
// string text field pass through unchanged.
func (p *Pipeline) processJSONL(ctx context.Context, in io.Reader, out io.Writer, r *run) error {
	decoder := json.NewDecoder(in)
	encoder := json.NewEncoder(out)
	encoder.SetEscapeHTML(false)

	eof := false
	for !eof {
		if err := ctx.Err(); err != nil {
			return err
		}

		for n := 0; n < p.cfg.BatchSize; n++ {
			var row map[string]interface{}
			err := decoder.Decode(&row)
			if err == io.EOF {
				eof = true
				break
			}
			if err != nil {
				return fmt.Errorf("failed to decode JSONL record %d: %w", r.result.TotalRecords+1, err)
			}

			if text, ok := row[p.cfg.TextColumn].(string); ok {
				row[p.cfg.TextColumn] = p.maskField(r, text)
			} else {
				r.result.TotalRecords++
				r.result.Skipped++
			}

			if err := encoder.Encode(row); err != nil {
				return fmt.Errorf("failed to write JSONL record: %w", err)
			}
		}
		p.reportProgress(r)
	}

	return nil
}

// processParquet reads and writes the fixed transcript schema.
func (p *Pipeline) processParquet(ctx context.Context, in *os.File, out io.Writer, r *run) error {
	reader := parquet.NewReader(in)
	defer reader.Close()

	writer := parquet.NewWriter(out, parquet.SchemaOf(new(TranscriptRecord)))

	eof := false
	for !eof {
		if err := ctx.Err(); err != nil {
			return err
		}

		for n := 0; n < p.cfg.BatchSize; n++ {
			var rec TranscriptRecord
			err := reader.Read(&rec)
			if err == io.EOF {
				eof = true
				break
			}
			if err != nil {
				return fmt.Errorf("failed to read Parquet record: %w", err)
			}

			rec.Text = p.maskField(r, rec.Text)
			if err := writer.Write(&rec); err != nil {
				return fmt.Errorf("failed to write Parquet record: %w", err)
			}
		}
		p.reportProgress(r)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize Parquet output: %w", err)
	}
	return nil
}

// maskField masks one text value and folds the findings into the run result.
func (p *Pipeline) maskField(r *run, text string) string {
	r.result.TotalRecords++
	if text == "" {
		return text
	}

	res := r.mask.mask(r.result.TotalRecords, text)
	if len(res.Findings) == 0 {
		return res.Masked
	}

	r.result.MaskedRecords++
	for _, f := range res.Findings {
		r.result.TotalFindings += int64(f.Count)
		r.result.ByCategory[string(f.Category)] += int64(f.Count)
	}
	if p.audit != nil {
		row := r.result.TotalRecords
		p.audit.Record(audit.FindingsToEvents(r.mask.sessionID(row), "", "etl", time.Now(), res.Findings)...)
	}
	return res.Masked
}

func (p *Pipeline) reportProgress(r *run) {
	if r.result.TotalRecords-r.lastReport < int64(p.cfg.ProgressReport) {
		return
	}
	r.lastReport = r.result.TotalRecords

	elapsed := time.Since(r.start)
	rate := float64(r.result.TotalRecords) / elapsed.Seconds()
	p.logger.Info("Anonymization progress",
		zap.Int64("records", r.result.TotalRecords),
		zap.Int64("masked", r.result.MaskedRecords),
		zap.Int64("findings", r.result.TotalFindings),
		zap.Float64("rate_per_sec", rate),
		zap.Duration("elapsed", elapsed))
}
