package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all application configuration
type Config struct {
	Database Database `json:"database"`
	Logging  Logging  `json:"logging"`
	Scan     Scan     `json:"scan"`
	Compress Compress `json:"compress"`
	Tape     Tape     `json:"tape"`
}

// Database holds catalog database configuration
type Database struct {
	Path string `json:"path"`
}

// Logging holds logging configuration
type Logging struct {
	Level      string `json:"level"`
	Format     string `json:"format"` // "json" or "text"
	OutputPath string `json:"output_path"`
}

// Scan holds file-tree scanner configuration
type Scan struct {
	Threads        int  `json:"threads"`
	UseMultithread bool `json:"use_multithread"`
}

// Compress holds compressor/archiver configuration
type Compress struct {
	Method          string `json:"method"` // pgzip, 7z, 7z-command, tar, zstd
	Level           int    `json:"level"`
	Threads         int    `json:"threads"`
	CommandThreads  int    `json:"command_threads"`
	DictionarySize  string `json:"dictionary_size"`
	ParallelBatches int    `json:"parallel_batches"`
	MaxFileSize     int64  `json:"max_file_size"` // archive unit target size in bytes
	CompressDir     string `json:"compress_dir"`
	DirectlyToTape  bool   `json:"directly_to_tape"`

	// EncryptionPassword is applied to archives of tasks with encryption
	// enabled. Only set via environment, never persisted to the JSON file.
	EncryptionPassword string `json:"-"`
}

// Tape holds tape drive and cartridge configuration
type Tape struct {
	DriveLetter            string `json:"drive_letter"` // mount point or drive letter
	DevicePath             string `json:"device_path"`
	ToolPath               string `json:"tool_path"` // ITDT binary; empty means search candidates
	GenericDriverFallback  bool   `json:"generic_driver_fallback"`
	DefaultBlockSize       int    `json:"default_block_size"`
	MaxVolumeSize          int64  `json:"max_volume_size"`
	DefaultRetentionMonths int    `json:"default_retention_months"`
	AutoEraseExpired       bool   `json:"auto_erase_expired"`
	BackgroundCopyUpdate   bool   `json:"background_copy_update"`
	FormatBeforeFull       bool   `json:"format_before_full"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: Database{
			Path: "/var/lib/tapevaultr/tapevaultr.db",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "json",
			OutputPath: "/var/log/tapevaultr/tapevaultr.log",
		},
		Scan: Scan{
			Threads:        4,
			UseMultithread: true,
		},
		Compress: Compress{
			Method:          "7z-command",
			Level:           5,
			Threads:         4,
			CommandThreads:  4,
			DictionarySize:  "64m",
			ParallelBatches: 2,
			MaxFileSize:     12 << 30, // 12 GiB archive units
			CompressDir:     "temp/compress",
			DirectlyToTape:  false,
		},
		Tape: Tape{
			DriveLetter:            "/mnt/ltfs",
			DevicePath:             "/dev/nst0",
			DefaultBlockSize:       65536,
			MaxVolumeSize:          0,
			DefaultRetentionMonths: 12,
			AutoEraseExpired:       false,
			BackgroundCopyUpdate:   true,
			FormatBeforeFull:       false,
		},
	}
}

// Load loads configuration from a JSON file and applies environment
// variable overrides on top of it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Environment-only configuration is fine
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// Save saves the configuration to a JSON file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ApplyEnv overrides configuration fields from the process environment.
// Unset or unparsable variables leave the current value in place.
func (c *Config) ApplyEnv() {
	envInt("SCAN_THREADS", &c.Scan.Threads)
	envBool("USE_SCAN_MULTITHREAD", &c.Scan.UseMultithread)

	envString("COMPRESSION_METHOD", &c.Compress.Method)
	envInt("COMPRESSION_LEVEL", &c.Compress.Level)
	envInt("COMPRESSION_THREADS", &c.Compress.Threads)
	envInt("COMPRESSION_COMMAND_THREADS", &c.Compress.CommandThreads)
	envString("COMPRESSION_DICTIONARY_SIZE", &c.Compress.DictionarySize)
	envInt("COMPRESSION_PARALLEL_BATCHES", &c.Compress.ParallelBatches)
	envInt64("MAX_FILE_SIZE", &c.Compress.MaxFileSize)
	envString("BACKUP_COMPRESS_DIR", &c.Compress.CompressDir)
	envBool("COMPRESS_DIRECTLY_TO_TAPE", &c.Compress.DirectlyToTape)
	envString("COMPRESSION_PASSWORD", &c.Compress.EncryptionPassword)

	envString("TAPE_DRIVE_LETTER", &c.Tape.DriveLetter)
	envString("TAPE_DEVICE_PATH", &c.Tape.DevicePath)
	envString("TAPE_TOOL_PATH", &c.Tape.ToolPath)
	envBool("TAPE_GENERIC_DRIVER", &c.Tape.GenericDriverFallback)
	envInt("DEFAULT_BLOCK_SIZE", &c.Tape.DefaultBlockSize)
	envInt64("MAX_VOLUME_SIZE", &c.Tape.MaxVolumeSize)
	envInt("DEFAULT_RETENTION_MONTHS", &c.Tape.DefaultRetentionMonths)
	envBool("AUTO_ERASE_EXPIRED", &c.Tape.AutoEraseExpired)
	envBool("ENABLE_BACKGROUND_COPY_UPDATE", &c.Tape.BackgroundCopyUpdate)
	envBool("ENABLE_TAPE_FORMAT_BEFORE_FULL", &c.Tape.FormatBeforeFull)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}
