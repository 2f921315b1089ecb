package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"socialscope/capture"
	"socialscope/checkin"
	"socialscope/config"
	"socialscope/enrich"
	"socialscope/enroll"
	"socialscope/ingest"
	"socialscope/metrics"
	"socialscope/remote"
	"socialscope/scheduler"
	"socialscope/spooler"
	"socialscope/upload"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg    *config.File
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store     *spooler.Store
	remote    remote.Store
	gateway   *ingest.Gateway
	gate      *capture.Gate
	enricher  *enrich.Worker
	uploader  *upload.Worker
	enroller  *enroll.Service
	checkins  *checkin.Engine
	scheduler *scheduler.Scheduler

	closers []func()
}

func newApp(ctx context.Context, cfg *config.File, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if err := os.MkdirAll(cfg.Artifacts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	store, err := spooler.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })

	rs, closeRemote, err := openRemote(ctx, cfg.Remote, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.remote = rs
	a.closers = append(a.closers, closeRemote)

	a.gateway = ingest.NewGateway(store, logger, a.metrics)
	a.gateway.SetDeviceInfo(cfg.Participant.DeviceInfo)
	a.gate = capture.NewGate(store, a.gateway, capture.Config{
		ArtifactDir: cfg.Artifacts.Dir,
		InboxDir:    cfg.Capture.InboxDir,
		MinInterval: cfg.Capture.MinInterval,
	}, logger, a.metrics)

	extractor := enrich.Tesseract{Binary: cfg.Enrichment.Tesseract, Language: cfg.Enrichment.Language}
	a.enricher = enrich.NewWorker(store, extractor, cfg.Enrichment.ItemDelay, logger, a.metrics)
	a.uploader = upload.NewWorker(store, rs, cfg.Upload.BatchSize, logger, a.metrics)
	a.enroller = enroll.NewService(store, rs, logger)

	var set *checkin.QuestionSet
	if cfg.Checkin.Questions != "" {
		set, err = checkin.LoadQuestionSet(cfg.Checkin.Questions)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("load question set: %w", err)
		}
	}
	a.checkins = checkin.NewEngine(store, a.uploader, set, logger, a.metrics)

	a.scheduler = scheduler.New(scheduler.Config{
		Interval:     cfg.Scheduler.Interval,
		InitialDelay: cfg.Scheduler.InitialDelay,
		EnrichBatch:  cfg.Enrichment.BatchSize,
		Backoff:      cfg.Scheduler.Backoff != nil && *cfg.Scheduler.Backoff,
		MaxBackoff:   cfg.Scheduler.MaxBackoff,
	}, a.enricher, a.uploader, a.enroller, logger, a.metrics)

	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	if a.checkins != nil {
		a.checkins.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openRemote(ctx context.Context, cfg config.RemoteConfig, logger *slog.Logger) (remote.Store, func(), error) {
	switch cfg.Kind {
	case config.RemoteMemory:
		logger.Warn("using in-memory remote store; records are not propagated off this device")
		return remote.NewMemory(), func() {}, nil
	case config.RemoteHTTP:
		client := &http.Client{Timeout: 30 * time.Second}
		return remote.NewHTTP(client, cfg.URL, cfg.Token), func() {}, nil
	case config.RemoteNATS:
		n, err := remote.DialNATS(ctx, remote.NATSConfig{
			URL:            cfg.URL,
			DocumentBucket: cfg.DocumentBucket,
			BlobBucket:     cfg.BlobBucket,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return n, n.Close, nil
	case config.RemoteEmbedded:
		ns, err := remote.StartEmbeddedNATS(cfg.StoreDir)
		if err != nil {
			return nil, nil, err
		}
		n, err := remote.DialNATS(ctx, remote.NATSConfig{
			URL:            ns.ClientURL(),
			DocumentBucket: cfg.DocumentBucket,
			BlobBucket:     cfg.BlobBucket,
		}, logger)
		if err != nil {
			ns.Shutdown()
			return nil, nil, err
		}
		logger.Info("embedded JetStream started", "url", ns.ClientURL(), "store_dir", cfg.StoreDir)
		return n, func() {
			n.Close()
			ns.Shutdown()
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown remote kind %q", cfg.Kind)
}

func newLogger(level, format string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: l}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
