// Package config loads cutout settings from defaults, an optional YAML file,
// CUTOUT_* environment variables and command-line flags, in that order of
// precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix is stripped from environment variables; the rest maps to a key
// by lower-casing and turning the first "_" after a section into ".":
// CUTOUT_LIMITS_MAX_BATCH -> limits.max_batch.
const EnvPrefix = "CUTOUT_"

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Limits    LimitsConfig    `koanf:"limits"`
	Segment   SegmentConfig   `koanf:"segment"`
	Retention RetentionConfig `koanf:"retention"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

type ServerConfig struct {
	Addr         string        `koanf:"addr" validate:"required"`
	ReadTimeout  time.Duration `koanf:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `koanf:"write_timeout" validate:"gte=0"`
}

// StorageConfig 中相对路径都以 DataDir 为根
type StorageConfig struct {
	DataDir   string `koanf:"data_dir" validate:"required"`
	UploadDir string `koanf:"upload_dir" validate:"required"`
	WorkDir   string `koanf:"work_dir" validate:"required"`
	OutputDir string `koanf:"output_dir" validate:"required"`
	HistoryDB string `koanf:"history_db" validate:"required"`
}

type LimitsConfig struct {
	MaxBatch     int   `koanf:"max_batch" validate:"min=1"`
	MaxFileBytes int64 `koanf:"max_file_bytes" validate:"min=1"`
	MaxDimension int   `koanf:"max_dimension" validate:"min=0"`
}

type SegmentConfig struct {
	URL     string        `koanf:"url" validate:"omitempty,url"`
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
}

// RetentionConfig TTL 为 0 时不做清理
type RetentionConfig struct {
	TTL      time.Duration `koanf:"ttl" validate:"gte=0"`
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
}

func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{
			Addr:         ":5000",
			ReadTimeout:  2 * time.Minute,
			WriteTimeout: 5 * time.Minute,
		},
		Storage: StorageConfig{
			DataDir:   "data",
			UploadDir: "uploads",
			WorkDir:   "processed",
			OutputDir: "output",
			HistoryDB: "history.db",
		},
		Limits: LimitsConfig{
			MaxBatch:     50,
			MaxFileBytes: 10 << 20,
			MaxDimension: 6000,
		},
		Segment: SegmentConfig{
			URL:     "http://localhost:5001/remove-bg",
			Timeout: 2 * time.Minute,
		},
		Retention: RetentionConfig{
			TTL:      24 * time.Hour,
			Interval: 10 * time.Minute,
		},
	}
}

func defaultMap() map[string]any {
	def := Default()
	return map[string]any{
		"log.level":  def.Log.Level,
		"log.format": def.Log.Format,

		"server.addr":          def.Server.Addr,
		"server.read_timeout":  def.Server.ReadTimeout.String(),
		"server.write_timeout": def.Server.WriteTimeout.String(),

		"storage.data_dir":   def.Storage.DataDir,
		"storage.upload_dir": def.Storage.UploadDir,
		"storage.work_dir":   def.Storage.WorkDir,
		"storage.output_dir": def.Storage.OutputDir,
		"storage.history_db": def.Storage.HistoryDB,

		"limits.max_batch":      def.Limits.MaxBatch,
		"limits.max_file_bytes": def.Limits.MaxFileBytes,
		"limits.max_dimension":  def.Limits.MaxDimension,

		"segment.url":     def.Segment.URL,
		"segment.timeout": def.Segment.Timeout.String(),

		"retention.ttl":      def.Retention.TTL.String(),
		"retention.interval": def.Retention.Interval.String(),
	}
}

// Options selects the optional sources for Load.
type Options struct {
	// File is a YAML config file; missing files are skipped.
	File string
	// DotEnv is loaded into the process environment before env parsing.
	// Existing variables are never overwritten.
	DotEnv string
	Flags  *pflag.FlagSet
}

var validate = validator.New()

func Load(opts Options) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultMap(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if opts.File != "" {
		if _, err := os.Stat(opts.File); err == nil {
			if err := k.Load(file.Provider(opts.File), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("load config file %s: %w", opts.File, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("check config file %s: %w", opts.File, err)
		}
	}

	if opts.DotEnv != "" {
		if err := godotenv.Load(opts.DotEnv); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", opts.DotEnv, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	if opts.Flags != nil {
		if err := k.Load(posflag.Provider(opts.Flags, ".", k), nil); err != nil {
			return Config{}, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Storage.resolve()

	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey maps CUTOUT_SERVER_READ_TIMEOUT to server.read_timeout: only the
// section separator becomes a dot, the rest of the name keeps its underscores.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	return section + "." + rest
}

func (s *StorageConfig) resolve() {
	join := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(s.DataDir, p)
	}
	s.UploadDir = join(s.UploadDir)
	s.WorkDir = join(s.WorkDir)
	s.OutputDir = join(s.OutputDir)
	s.HistoryDB = join(s.HistoryDB)
}

// Dirs lists the directories the service writes into.
func (s StorageConfig) Dirs() []string {
	return []string{s.DataDir, s.UploadDir, s.WorkDir, s.OutputDir}
}

// BindFlags registers the flags that override configuration keys.
func BindFlags(flags *pflag.FlagSet) {
	def := Default()
	flags.String("log.level", def.Log.Level, "log level (debug, info, warn, error)")
	flags.String("log.format", def.Log.Format, "log format (text, json)")
	flags.String("server.addr", def.Server.Addr, "HTTP listen address")
	flags.String("storage.data_dir", def.Storage.DataDir, "root directory for uploads, scratch, output and history")
	flags.String("segment.url", def.Segment.URL, "U²-Net remove-bg endpoint")
	flags.Duration("retention.ttl", def.Retention.TTL, "keep finished jobs and artifacts this long (0 keeps them forever)")
}
