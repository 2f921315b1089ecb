// Package scheduler runs the periodic enrichment and upload cycle with at
// most one cycle in flight, and publishes the outcome of each cycle to
// subscribers.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"socialscope/enrich"
	"socialscope/metrics"
	"socialscope/upload"
)

// ErrCycleInFlight is returned by SyncNow when a periodic cycle is running.
var ErrCycleInFlight = errors.New("sync cycle already in flight")

type Enricher interface {
	ProcessPending(ctx context.Context, batchSize int) (enrich.Result, error)
}

type Uploader interface {
	Run(ctx context.Context) (upload.Report, error)
}

// Enroller retries registrations that could not reach the remote store.
type Enroller interface {
	RetryPending(ctx context.Context) (int, error)
}

type Config struct {
	Interval     time.Duration
	InitialDelay time.Duration
	EnrichBatch  int
	Backoff      bool
	MaxBackoff   time.Duration
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 5 * time.Second
	}
	if c.EnrichBatch <= 0 {
		c.EnrichBatch = enrich.DefaultBatchSize
	}
	if c.MaxBackoff < c.Interval {
		c.MaxBackoff = 10 * c.Interval
	}
}

// Status describes one finished cycle.
type Status struct {
	Cycle      uint64        `json:"cycle"`
	Trigger    string        `json:"trigger"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
	Enrolled   int           `json:"enrolled,omitempty"`
	Enrichment enrich.Result `json:"enrichment"`
	Upload     upload.Report `json:"upload"`
	Error      string        `json:"error,omitempty"`
}

type Scheduler struct {
	cfg      Config
	enricher Enricher
	uploader Uploader
	enroller Enroller
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	inFlight atomic.Bool
	group    singleflight.Group
	cycles   atomic.Uint64
	skipped  atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	subs    map[int]chan Status
	nextSub int
	latest  *Status
	backoff *backoff.ExponentialBackOff
}

// New builds a scheduler. enroller may be nil.
func New(cfg Config, enricher Enricher, uploader Uploader, enroller Enroller, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Interval
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return &Scheduler{
		cfg:      cfg,
		enricher: enricher,
		uploader: uploader,
		enroller: enroller,
		logger:   logger.With("component", "scheduler"),
		metrics:  m,
		tracer:   otel.Tracer("socialscope/scheduler"),
		subs:     make(map[int]chan Status),
		backoff:  b,
	}
}

// Start launches the periodic loop. The first cycle runs after the initial
// delay.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	subCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(subCtx)

	s.logger.Info("scheduler started",
		"interval", s.cfg.Interval,
		"initial_delay", s.cfg.InitialDelay,
		"backoff", s.cfg.Backoff)
	return nil
}

// Stop ends the loop and waits for a cycle in progress to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("scheduler stopped",
		"cycles", s.cycles.Load(),
		"skipped", s.skipped.Load())
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	timer := time.NewTimer(s.cfg.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			// A started cycle is not interrupted by Stop.
			st, err := s.runCycle(context.WithoutCancel(ctx), "tick")
			if errors.Is(err, ErrCycleInFlight) {
				s.skipped.Add(1)
				s.metrics.Cycle("skipped")
				s.logger.Debug("tick skipped, cycle in flight")
				timer.Reset(s.cfg.Interval)
				continue
			}
			timer.Reset(s.nextDelay(st))
		}
	}
}

// nextDelay grows the wait after a cycle in which every remote write failed
// and returns to the fixed interval after any success.
func (s *Scheduler) nextDelay(st Status) time.Duration {
	if !s.cfg.Backoff {
		return s.cfg.Interval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.Upload.Attempted() > 0 && st.Upload.Synced() == 0 {
		d := s.backoff.NextBackOff()
		if d == backoff.Stop {
			d = s.cfg.MaxBackoff
		}
		s.logger.Info("remote unreachable, backing off", "next_in", d)
		return d
	}
	s.backoff.Reset()
	return s.cfg.Interval
}

// SyncNow runs a cycle on demand. Concurrent callers share one cycle; a
// call made while a periodic cycle runs returns ErrCycleInFlight. ctx is
// only checked before the cycle starts; a started cycle runs to completion.
func (s *Scheduler) SyncNow(ctx context.Context) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	v, err, _ := s.group.Do("sync", func() (any, error) {
		return s.runCycle(context.WithoutCancel(ctx), "manual")
	})
	st, _ := v.(Status)
	return st, err
}

func (s *Scheduler) runCycle(ctx context.Context, trigger string) (Status, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return Status{}, ErrCycleInFlight
	}
	defer s.inFlight.Store(false)

	ctx, span := s.tracer.Start(ctx, "sync.cycle", trace.WithAttributes(attribute.String("trigger", trigger)))
	defer span.End()

	st := Status{
		Cycle:     s.cycles.Add(1),
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}
	var errs []error

	if s.enroller != nil {
		n, err := s.enroller.RetryPending(ctx)
		if err != nil {
			s.logger.Warn("enrollment retry failed", "error", err)
		}
		st.Enrolled = n
	}

	res, err := s.enricher.ProcessPending(ctx, s.cfg.EnrichBatch)
	st.Enrichment = res
	if err != nil {
		errs = append(errs, fmt.Errorf("enrichment: %w", err))
	}

	report, err := s.uploader.Run(ctx)
	st.Upload = report
	if err != nil {
		errs = append(errs, fmt.Errorf("upload: %w", err))
	}

	st.FinishedAt = time.Now().UTC()
	if err := errors.Join(errs...); err != nil {
		st.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, st.Error)
		s.metrics.Cycle("error")
		s.logger.Warn("sync cycle finished with errors", "cycle", st.Cycle, "error", err)
	} else {
		s.metrics.Cycle("ok")
		s.logger.Info("sync cycle finished",
			"cycle", st.Cycle,
			"trigger", trigger,
			"ocr_processed", res.Processed,
			"synced", report.Synced(),
			"failed", report.Failed(),
			"duration", st.FinishedAt.Sub(st.StartedAt))
	}
	s.publish(st)
	return st, nil
}

// Subscribe returns a channel that always holds the most recent status.
// A slow reader misses intermediate statuses but never the latest one.
func (s *Scheduler) Subscribe() (<-chan Status, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Status, 1)
	if s.latest != nil {
		ch <- *s.latest
	}
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Latest returns the last published status, if any.
func (s *Scheduler) Latest() (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return Status{}, false
	}
	return *s.latest, true
}

// InFlight reports whether a cycle is running.
func (s *Scheduler) InFlight() bool { return s.inFlight.Load() }

func (s *Scheduler) publish(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = &st
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}
