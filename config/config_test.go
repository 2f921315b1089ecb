package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_YAMLThenDefaults(t *testing.T) {
	p := writeConfig(t, `
participant:
  id: P-001
  device_info:
    model: pixel
database:
  path: /data/local.db
scheduler:
  interval: 1m
  backoff: false
remote:
  kind: NATS
  url: nats://127.0.0.1:4222
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "P-001", cfg.Participant.ID)
	assert.Equal(t, "pixel", cfg.Participant.DeviceInfo["model"])
	assert.Equal(t, "/data/local.db", cfg.Database.Path)
	assert.Equal(t, time.Minute, cfg.Scheduler.Interval)
	require.NotNil(t, cfg.Scheduler.Backoff)
	assert.False(t, *cfg.Scheduler.Backoff)
	assert.Equal(t, RemoteNATS, cfg.Remote.Kind)

	assert.Equal(t, 5*time.Second, cfg.Scheduler.InitialDelay)
	assert.Equal(t, 10, cfg.Enrichment.BatchSize)
	assert.Equal(t, 50, cfg.Upload.BatchSize)
	assert.Equal(t, "artifacts", cfg.Artifacts.Dir)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	p := writeConfig(t, "participant:\n  id: from-file\nupload:\n  batch_size: 20\n")
	t.Setenv("SOCIALSCOPE_PARTICIPANT_ID", "from-env")
	t.Setenv("SOCIALSCOPE_SCHEDULER_INTERVAL", "45s")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Participant.ID)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 20, cfg.Upload.BatchSize, "unset variables keep file values")
	assert.True(t, *cfg.Scheduler.Backoff)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Remote.Kind)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	err = cfg.Validate()
	assert.ErrorContains(t, err, "participant.id")
	assert.ErrorContains(t, err, "remote.kind is required")
}

func TestValidate_MemoryRemoteNeedsOptIn(t *testing.T) {
	cfg := &File{Participant: ParticipantConfig{ID: "p"}, Remote: RemoteConfig{Kind: "Memory"}}
	cfg.ApplyDefaults()
	assert.Equal(t, RemoteMemory, cfg.Remote.Kind)
	assert.ErrorContains(t, cfg.Validate(), "allow_memory")

	cfg.Remote.AllowMemory = true
	assert.NoError(t, cfg.Validate())
}

func TestLoad_AllowMemoryFromEnv(t *testing.T) {
	t.Setenv("SOCIALSCOPE_PARTICIPANT_ID", "p")
	t.Setenv("SOCIALSCOPE_REMOTE_KIND", "memory")
	t.Setenv("SOCIALSCOPE_REMOTE_ALLOW_MEMORY", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Remote.AllowMemory)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := &File{Participant: ParticipantConfig{ID: "p"}, Remote: RemoteConfig{Kind: RemoteHTTP}}
	cfg.ApplyDefaults()
	assert.ErrorContains(t, cfg.Validate(), "remote.url")

	cfg.Remote.Kind = "ftp"
	assert.ErrorContains(t, cfg.Validate(), "unknown remote kind")

	cfg.Remote.Kind = RemoteEmbedded
	assert.NoError(t, cfg.Validate())
}

func TestLoad_CaptureInboxFromEnv(t *testing.T) {
	t.Setenv("SOCIALSCOPE_CAPTURE_INBOX_DIR", "/data/inbox")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/data/inbox", cfg.Capture.InboxDir)
}
