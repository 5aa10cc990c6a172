package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/migadu/mailscan/consts"
	"github.com/migadu/mailscan/headerscan"
)

const (
	DefaultQueueDepth    = 64
	MaxQueueDepth        = 4096
	DefaultReadBlockSize = "4KiB"
	DefaultMaxHeaderSize = "1MiB"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// ScanConfig controls the per-worker executors and the header parser.
type ScanConfig struct {
	// Backend selects the completion queue implementation: "uring" uses the
	// kernel io_uring, "sync" emulates it with blocking syscalls, "auto"
	// tries uring first and falls back to sync.
	Backend string `toml:"backend"`

	// QueueDepth is both the ring size and the number of files a single
	// worker keeps in flight. Must be a power of two.
	QueueDepth int `toml:"queue_depth"`

	// Workers is the number of worker goroutines, each owning one ring.
	// Zero means runtime.NumCPU().
	Workers int `toml:"workers"`

	ReadBlockSize string `toml:"read_block_size"`
	MaxHeaderSize string `toml:"max_header_size"`

	// MalformedFields is "skip" or "retry". See headerscan.MalformedPolicy.
	MalformedFields string `toml:"malformed_fields"`

	Dedup          bool `toml:"dedup"`
	SkipMaildirTmp bool `toml:"skip_maildir_tmp"`
}

// MatchConfig selects the matcher variant.
type MatchConfig struct {
	Pattern    string `toml:"pattern"`
	IgnoreCase bool   `toml:"ignore_case"`
	Fuzzy      bool   `toml:"fuzzy"`
}

// ReportConfig controls how the merged result is written.
type ReportConfig struct {
	Format string `toml:"format"` // "text" or "json"
	Output string `toml:"output"` // "-" for stdout, otherwise a file path
}

// ExportConfig holds optional export targets.
type ExportConfig struct {
	SQLitePath string `toml:"sqlite_path"`
}

// MetricsConfig holds metrics output configuration.
type MetricsConfig struct {
	// Textfile, if set, receives the Prometheus metrics in text exposition
	// format when the scan finishes (node_exporter textfile collector).
	Textfile string `toml:"textfile"`
}

// Config holds the complete mailscan configuration
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	Scan    ScanConfig    `toml:"scan"`
	Match   MatchConfig   `toml:"match"`
	Report  ReportConfig  `toml:"report"`
	Export  ExportConfig  `toml:"export"`
	Metrics MetricsConfig `toml:"metrics"`
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Scan: ScanConfig{
			Backend:         "auto",
			QueueDepth:      DefaultQueueDepth,
			Workers:         0,
			ReadBlockSize:   DefaultReadBlockSize,
			MaxHeaderSize:   DefaultMaxHeaderSize,
			MalformedFields: "skip",
		},
		Report: ReportConfig{
			Format: "text",
			Output: "-",
		},
	}
}

// GetWorkers returns the configured worker count, defaulting to the number of CPUs.
func (s *ScanConfig) GetWorkers() int {
	if s.Workers <= 0 {
		return runtime.NumCPU()
	}
	return s.Workers
}

// GetReadBlockSize parses the read block size (e.g. "4KiB", "16kb").
func (s *ScanConfig) GetReadBlockSize() (int, error) {
	return parseSize("read_block_size", s.ReadBlockSize, DefaultReadBlockSize)
}

// GetMaxHeaderSize parses the header block size limit. "0" disables the limit.
func (s *ScanConfig) GetMaxHeaderSize() (int, error) {
	return parseSize("max_header_size", s.MaxHeaderSize, DefaultMaxHeaderSize)
}

func parseSize(name, value, def string) (int, error) {
	if value == "" {
		value = def
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if n > uint64(1<<31-1) {
		return 0, fmt.Errorf("%s %q is too large", name, value)
	}
	return int(n), nil
}

// Validate checks option values that cannot be expressed in the TOML types.
func (c *Config) Validate() error {
	switch c.Scan.Backend {
	case "auto", "uring", "sync":
	default:
		return fmt.Errorf("invalid scan.backend %q (want auto, uring or sync)", c.Scan.Backend)
	}

	d := c.Scan.QueueDepth
	if d <= 0 || d > MaxQueueDepth || d&(d-1) != 0 {
		return fmt.Errorf("scan.queue_depth %d: %w (1..%d)", d, consts.ErrInvalidQueueDepth, MaxQueueDepth)
	}

	if _, err := headerscan.ParseMalformedPolicy(c.Scan.MalformedFields); err != nil {
		return fmt.Errorf("invalid scan.malformed_fields %q (want skip or retry)", c.Scan.MalformedFields)
	}

	block, err := c.Scan.GetReadBlockSize()
	if err != nil {
		return err
	}
	if block == 0 {
		return fmt.Errorf("scan.read_block_size must be greater than zero")
	}
	if _, err := c.Scan.GetMaxHeaderSize(); err != nil {
		return err
	}

	switch c.Report.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid report.format %q (want text or json)", c.Report.Format)
	}

	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace from all string fields
// This function is lenient with:
//   - Duplicate keys: logs warning and uses first occurrence
//   - Unknown keys: logs warning and ignores them
//
// All other syntax errors are returned with a hint attached.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "has already been defined") {
			return enhanceConfigError(err)
		}

		log.Printf("WARNING: Configuration file '%s' contains duplicate keys: %v", configPath, err)
		log.Printf("WARNING: Only the first occurrence of each key will be used.")

		cleaned := removeDuplicateKeysFromTOML(string(content))
		metadata, err = toml.Decode(cleaned, cfg)
		if err != nil {
			return enhanceConfigError(err)
		}
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// removeDuplicateKeysFromTOML comments out every repeated key within a table,
// keeping the first occurrence.
func removeDuplicateKeysFromTOML(content string) string {
	lines := strings.Split(content, "\n")
	seen := make(map[string]int)
	result := make([]string, 0, len(lines))
	section := ""

	for lineNum, line := range lines {
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
		case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
			section = strings.Trim(trimmed, "[] ")
			// Every [[array]] element starts a fresh key set.
			if strings.HasPrefix(trimmed, "[[") {
				for k := range seen {
					if strings.HasPrefix(k, section+".") {
						delete(seen, k)
					}
				}
			}
		default:
			key, _, ok := strings.Cut(trimmed, "=")
			if !ok {
				break
			}
			fullKey := strings.TrimSpace(key)
			if section != "" {
				fullKey = section + "." + fullKey
			}
			if prev, dup := seen[fullKey]; dup {
				log.Printf("WARNING: Duplicate key '%s' at line %d (first occurrence at line %d). Ignoring duplicate.",
					fullKey, lineNum+1, prev+1)
				result = append(result, "# DUPLICATE IGNORED: "+line)
				continue
			}
			seen[fullKey] = lineNum
		}

		result = append(result, line)
	}

	return strings.Join(result, "\n")
}

// enhanceConfigError provides more helpful error messages for common TOML parsing issues
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file.\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check:\n"+
			"  - All strings are properly quoted\n"+
			"  - Section headers use [section] format\n"+
			"  - Sizes are strings, e.g. read_block_size = \"4KiB\"", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
