package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// Config captures all command-line options required to run the ingestion
// pipeline.
type Config struct {
	MboxPath          string
	OutputDir         string
	StateDB           string
	ChunkSizeMB       int
	BufferSize        int
	Workers           int
	OrderBy           string
	SubjectWindowDays int
	SkipMalformed     bool
	Resume            bool
	LogLevel          string
	LogDir            string
	IncludeHeader     []string
	IncludeBody       []string
	ExcludeHeader     []string
	ExcludeBody       []string
}

// ChunkSizeBytes converts the configured chunk size to bytes. Zero means
// unlimited (a single chunk).
func (c Config) ChunkSizeBytes() int64 {
	return int64(c.ChunkSizeMB) * 1024 * 1024
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDB, err := defaultStateDB()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("mbox", "", "Path to the .mbox archive to process")
	flags.String("out", "", "Output directory for chunk files and manifest (default: alongside the archive)")
	flags.String("state-db", defaultStateDB, "Path to the chunk state database")
	flags.Int("chunk-size-mb", 50, "Target chunk size in megabytes (0 = single chunk)")
	flags.Int("buffer-size", 1024*1024, "Read buffer size in bytes")
	flags.Int("workers", 4, "Number of parallel chunk workers")
	flags.String("order-by", "date", "Work selection order: date or size")
	flags.Int("subject-window", 7, "Subject-match fallback window in days for thread grouping")
	flags.Bool("skip-malformed", true, "Skip unparseable messages instead of failing the chunk")
	flags.Bool("resume", true, "Resume previously interrupted chunks from their recorded offsets")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (stdout only when empty)")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	return cmd.MarkFlagRequired("mbox")
}

// LoadConfig converts the parsed Cobra flags into a Config struct with
// validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	mboxPath, err := flags.GetString("mbox")
	if err != nil {
		return Config{}, err
	}
	outputDir, err := flags.GetString("out")
	if err != nil {
		return Config{}, err
	}
	stateDB, err := flags.GetString("state-db")
	if err != nil {
		return Config{}, err
	}
	chunkSizeMB, err := flags.GetInt("chunk-size-mb")
	if err != nil {
		return Config{}, err
	}
	bufferSize, err := flags.GetInt("buffer-size")
	if err != nil {
		return Config{}, err
	}
	workers, err := flags.GetInt("workers")
	if err != nil {
		return Config{}, err
	}
	orderBy, err := flags.GetString("order-by")
	if err != nil {
		return Config{}, err
	}
	subjectWindow, err := flags.GetInt("subject-window")
	if err != nil {
		return Config{}, err
	}
	skipMalformed, err := flags.GetBool("skip-malformed")
	if err != nil {
		return Config{}, err
	}
	resume, err := flags.GetBool("resume")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}
	includeHeader, err := flags.GetStringArray("include-header")
	if err != nil {
		return Config{}, err
	}
	includeBody, err := flags.GetStringArray("include-body")
	if err != nil {
		return Config{}, err
	}
	excludeHeader, err := flags.GetStringArray("exclude-header")
	if err != nil {
		return Config{}, err
	}
	excludeBody, err := flags.GetStringArray("exclude-body")
	if err != nil {
		return Config{}, err
	}

	if outputDir == "" {
		outputDir = filepath.Dir(mboxPath)
	}
	if stateDB == "" {
		stateDB, err = defaultStateDB()
		if err != nil {
			return Config{}, err
		}
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		MboxPath:          mboxPath,
		OutputDir:         filepath.Clean(outputDir),
		StateDB:           filepath.Clean(stateDB),
		ChunkSizeMB:       chunkSizeMB,
		BufferSize:        bufferSize,
		Workers:           workers,
		OrderBy:           strings.ToLower(orderBy),
		SubjectWindowDays: subjectWindow,
		SkipMalformed:     skipMalformed,
		Resume:            resume,
		LogLevel:          logLevel,
		LogDir:            logDir,
		IncludeHeader:     includeHeader,
		IncludeBody:       includeBody,
		ExcludeHeader:     excludeHeader,
		ExcludeBody:       excludeBody,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.MboxPath == "" {
		return fmt.Errorf("--mbox is required")
	}
	if cfg.ChunkSizeMB < 0 {
		return fmt.Errorf("--chunk-size-mb must not be negative")
	}
	if cfg.BufferSize <= 0 {
		return fmt.Errorf("--buffer-size must be positive")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("--workers must be positive")
	}
	if cfg.SubjectWindowDays < 0 {
		return fmt.Errorf("--subject-window must not be negative")
	}

	switch cfg.OrderBy {
	case "date", "size":
	default:
		return fmt.Errorf("invalid --order-by: %s (want date or size)", cfg.OrderBy)
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func defaultStateDB() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mbox-threader", "state.db"), nil
}
