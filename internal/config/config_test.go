package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5000, cfg.PortStart)
	assert.Equal(t, 5050, cfg.PortEnd)
	assert.Equal(t, int64(1<<30), cfg.MaxUploadBytes)
	assert.True(t, cfg.ArchiveStripRoot)
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filedrop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port_start: 6000
port_end: 6010
session_idle_timeout: 5m
archive_strip_root: false
history_dsn: /tmp/history.db
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.PortStart)
	assert.Equal(t, 6010, cfg.PortEnd)
	assert.Equal(t, 5*time.Minute, cfg.SessionIdleTimeout)
	assert.False(t, cfg.ArchiveStripRoot)
	assert.Equal(t, "/tmp/history.db", cfg.HistoryDSN)
	assert.Equal(t, 24*time.Hour, cfg.SessionMaxAge)
	assert.Equal(t, "_filedrop._tcp", cfg.ServiceName)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port_start: [1"), 0o644))
	_, err = LoadFile(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.PortStart = 7000
	cfg.PortEnd = 6000
	cfg.MaxUploadBytes = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port_end")
	assert.Contains(t, err.Error(), "max_upload_bytes")
}
