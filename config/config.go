// Package config loads the daemon configuration: a YAML file, then
// SOCIALSCOPE_* environment variables, then defaults for anything unset.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type ParticipantConfig struct {
	ID         string            `yaml:"id" env:"SOCIALSCOPE_PARTICIPANT_ID"`
	DeviceInfo map[string]string `yaml:"device_info"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" env:"SOCIALSCOPE_DATABASE_PATH"`
	// Retention is how long synced records are kept before purge removes
	// them. Zero keeps them forever.
	Retention time.Duration `yaml:"retention" env:"SOCIALSCOPE_DATABASE_RETENTION"`
}

type ArtifactsConfig struct {
	Dir string `yaml:"dir" env:"SOCIALSCOPE_ARTIFACTS_DIR"`
}

type CaptureConfig struct {
	MinInterval time.Duration `yaml:"min_interval" env:"SOCIALSCOPE_CAPTURE_MIN_INTERVAL"`
	// InboxDir is the only place capture sources may be read from and removed.
	InboxDir string `yaml:"inbox_dir" env:"SOCIALSCOPE_CAPTURE_INBOX_DIR"`
}

type EnrichmentConfig struct {
	BatchSize int           `yaml:"batch_size" env:"SOCIALSCOPE_ENRICHMENT_BATCH_SIZE"`
	ItemDelay time.Duration `yaml:"item_delay" env:"SOCIALSCOPE_ENRICHMENT_ITEM_DELAY"`
	Tesseract string        `yaml:"tesseract" env:"SOCIALSCOPE_TESSERACT"`
	Language  string        `yaml:"language" env:"SOCIALSCOPE_OCR_LANGUAGE"`
}

type UploadConfig struct {
	BatchSize int `yaml:"batch_size" env:"SOCIALSCOPE_UPLOAD_BATCH_SIZE"`
}

type SchedulerConfig struct {
	Interval     time.Duration `yaml:"interval" env:"SOCIALSCOPE_SCHEDULER_INTERVAL"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"SOCIALSCOPE_SCHEDULER_INITIAL_DELAY"`
	// Backoff is a pointer so an explicit false in YAML survives defaults.
	Backoff    *bool         `yaml:"backoff" env:"SOCIALSCOPE_SCHEDULER_BACKOFF"`
	MaxBackoff time.Duration `yaml:"max_backoff" env:"SOCIALSCOPE_SCHEDULER_MAX_BACKOFF"`
}

const (
	RemoteNATS     = "nats"
	RemoteEmbedded = "embedded"
	RemoteHTTP     = "http"
	RemoteMemory   = "memory"
)

type RemoteConfig struct {
	Kind           string `yaml:"kind" env:"SOCIALSCOPE_REMOTE_KIND"`
	URL            string `yaml:"url" env:"SOCIALSCOPE_REMOTE_URL"`
	Token          string `yaml:"token" env:"SOCIALSCOPE_REMOTE_TOKEN"`
	DocumentBucket string `yaml:"document_bucket" env:"SOCIALSCOPE_REMOTE_DOCUMENT_BUCKET"`
	BlobBucket     string `yaml:"blob_bucket" env:"SOCIALSCOPE_REMOTE_BLOB_BUCKET"`
	// StoreDir holds JetStream data when Kind is embedded.
	StoreDir string `yaml:"store_dir" env:"SOCIALSCOPE_REMOTE_STORE_DIR"`
	// AllowMemory permits the memory kind, whose acknowledgements are lost on
	// exit while the local records stay marked synced.
	AllowMemory bool `yaml:"allow_memory" env:"SOCIALSCOPE_REMOTE_ALLOW_MEMORY"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" env:"SOCIALSCOPE_HTTP_ADDR"`
	// Token, when set, must be sent as a bearer token by bridge clients.
	Token string `yaml:"token" env:"SOCIALSCOPE_HTTP_TOKEN"`
}

type CheckinConfig struct {
	Questions string `yaml:"questions" env:"SOCIALSCOPE_CHECKIN_QUESTIONS"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"SOCIALSCOPE_LOG_LEVEL"`
	Format string `yaml:"format" env:"SOCIALSCOPE_LOG_FORMAT"`
}

type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint" env:"SOCIALSCOPE_OTLP_ENDPOINT"`
}

type File struct {
	Participant ParticipantConfig `yaml:"participant"`
	Database    DatabaseConfig    `yaml:"database"`
	Artifacts   ArtifactsConfig   `yaml:"artifacts"`
	Capture     CaptureConfig     `yaml:"capture"`
	Enrichment  EnrichmentConfig  `yaml:"enrichment"`
	Upload      UploadConfig      `yaml:"upload"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Remote      RemoteConfig      `yaml:"remote"`
	HTTP        HTTPConfig        `yaml:"http"`
	Checkin     CheckinConfig     `yaml:"checkin"`
	Log         LogConfig         `yaml:"log"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Load reads path (optional when empty), overlays the environment and fills
// defaults.
func Load(path string) (*File, error) {
	cfg := &File{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func (c *File) ApplyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "socialscope.db"
	}
	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = "artifacts"
	}
	if c.Enrichment.BatchSize <= 0 {
		c.Enrichment.BatchSize = 10
	}
	if c.Enrichment.ItemDelay == 0 {
		c.Enrichment.ItemDelay = 100 * time.Millisecond
	}
	if c.Enrichment.Tesseract == "" {
		c.Enrichment.Tesseract = "tesseract"
	}
	if c.Enrichment.Language == "" {
		c.Enrichment.Language = "eng"
	}
	if c.Upload.BatchSize <= 0 {
		c.Upload.BatchSize = 50
	}
	if c.Scheduler.Interval <= 0 {
		c.Scheduler.Interval = 30 * time.Second
	}
	if c.Scheduler.InitialDelay <= 0 {
		c.Scheduler.InitialDelay = 5 * time.Second
	}
	if c.Scheduler.Backoff == nil {
		on := true
		c.Scheduler.Backoff = &on
	}
	c.Remote.Kind = strings.ToLower(strings.TrimSpace(c.Remote.Kind))
	if c.Remote.StoreDir == "" {
		c.Remote.StoreDir = "jetstream"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8787"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports settings the daemon cannot start with.
func (c *File) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Participant.ID) == "" {
		errs = append(errs, errors.New("participant.id is required"))
	}
	switch c.Remote.Kind {
	case "":
		errs = append(errs, errors.New("remote.kind is required"))
	case RemoteMemory:
		if !c.Remote.AllowMemory {
			errs = append(errs, errors.New("remote kind memory keeps nothing after exit; set remote.allow_memory or pass --dev"))
		}
	case RemoteEmbedded:
	case RemoteNATS, RemoteHTTP:
		if c.Remote.URL == "" {
			errs = append(errs, fmt.Errorf("remote.url is required for remote kind %s", c.Remote.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown remote kind %q", c.Remote.Kind))
	}
	if c.Capture.MinInterval < 0 {
		errs = append(errs, errors.New("capture.min_interval must not be negative"))
	}
	return errors.Join(errs...)
}
