package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(Options{})
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Server.Addr, cfg.Server.Addr)
	assert.Equal(t, 50, cfg.Limits.MaxBatch)
	assert.Equal(t, int64(10<<20), cfg.Limits.MaxFileBytes)
	assert.Equal(t, 24*time.Hour, cfg.Retention.TTL)
	assert.Equal(t, filepath.Join("data", "uploads"), cfg.Storage.UploadDir)
	assert.Equal(t, filepath.Join("data", "history.db"), cfg.Storage.HistoryDB)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cutout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":7000"
limits:
  max_batch: 10
retention:
  ttl: 2h
storage:
  data_dir: /srv/cutout
  output_dir: /mnt/out
`), 0o644))

	t.Setenv("CUTOUT_LIMITS_MAX_BATCH", "20")
	t.Setenv("CUTOUT_SERVER_READ_TIMEOUT", "45s")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	require.NoError(t, flags.Parse([]string{"--server.addr=:9000"}))

	cfg, err := Load(Options{File: path, Flags: flags})
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr, "flag beats file")
	assert.Equal(t, 20, cfg.Limits.MaxBatch, "env beats file")
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 2*time.Hour, cfg.Retention.TTL, "file beats default, unset flag keeps file value")
	assert.Equal(t, "/srv/cutout/uploads", cfg.Storage.UploadDir)
	assert.Equal(t, "/mnt/out", cfg.Storage.OutputDir, "absolute paths are kept")
}

func TestLoad_MissingFileIsSkipped(t *testing.T) {
	_, err := Load(Options{File: filepath.Join(t.TempDir(), "nope.yaml")})
	require.NoError(t, err)
}

func TestLoad_DotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("CUTOUT_SEGMENT_URL=http://segment:5001/remove-bg\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("CUTOUT_SEGMENT_URL") })

	cfg, err := Load(Options{DotEnv: path})
	require.NoError(t, err)
	assert.Equal(t, "http://segment:5001/remove-bg", cfg.Segment.URL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"CUTOUT_LOG_FORMAT":       "xml",
		"CUTOUT_LIMITS_MAX_BATCH": "0",
		"CUTOUT_SEGMENT_URL":      "not a url",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load(Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "log.level", envKey("CUTOUT_LOG_LEVEL"))
	assert.Equal(t, "storage.history_db", envKey("CUTOUT_STORAGE_HISTORY_DB"))
	assert.Equal(t, "debug", envKey("CUTOUT_DEBUG"))
}
