package etl

import (
	"path/filepath"
	"strings"
	"time"
)

// TranscriptRecord is one row of a transcript dataset. Parquet files must
// use this schema; CSV and JSONL inputs may carry extra columns, which pass
// through untouched.
type TranscriptRecord struct {
	ID   string `csv:"id" parquet:"id" json:"id"`
	Text string `csv:"text" parquet:"text" json:"text"`
}

// Scope controls how token identity spans an input file.
type Scope string

const (
	// ScopeFile masks the whole file against one session, so a value
	// repeated across rows keeps one token.
	ScopeFile Scope = "file"
	// ScopeRecord gives every row a fresh session; counters restart at 1
	// and no linkage survives between rows.
	ScopeRecord Scope = "record"
)

// Result summarizes one anonymization run.
type Result struct {
	TotalRecords  int64            `json:"total_records"`
	MaskedRecords int64            `json:"masked_records"`
	Skipped       int64            `json:"skipped"`
	TotalFindings int64            `json:"total_findings"`
	ByCategory    map[string]int64 `json:"by_category"`
	Duration      time.Duration    `json:"duration"`
	Errors        []string         `json:"errors,omitempty"`
}

// Config contains anonymizer configuration.
type Config struct {
	BatchSize      int        `yaml:"batch_size" mapstructure:"batch_size"`           // 1000
	TextColumn     string     `yaml:"text_column" mapstructure:"text_column"`         // "text"
	Scope          Scope      `yaml:"scope" mapstructure:"scope"`                     // "file"
	Format         FileFormat `yaml:"format" mapstructure:"format"`                   // detected from extension when empty
	ProgressReport int        `yaml:"progress_report" mapstructure:"progress_report"` // 1000
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSONL   FileFormat = "jsonl"
)

// DetectFormat infers the file format from the extension. It returns the
// empty string for extensions it does not know.
func DetectFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV
	case ".parquet":
		return FormatParquet
	case ".json", ".jsonl", ".ndjson":
		return FormatJSONL
	default:
		return ""
	}
}
