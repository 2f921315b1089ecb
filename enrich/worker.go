// Package enrich extracts text from stored screenshots and records one OCR
// result per screenshot event.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"socialscope/metrics"
	"socialscope/spooler"
)

const DefaultBatchSize = 10

type Store interface {
	PendingScreenshots(limit int, exclude []string) ([]spooler.Event, error)
	InsertOcrResult(r *spooler.OcrResult) error
}

// Result summarizes one ProcessPending call.
type Result struct {
	Processed int
	Failed    int
	Skipped   int
}

type Worker struct {
	store     Store
	extractor Extractor
	itemDelay time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics

	running atomic.Bool

	clock       func() time.Time
	idGenerator func() string
}

func NewWorker(store Store, extractor Extractor, itemDelay time.Duration, logger *slog.Logger, m *metrics.Metrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:       store,
		extractor:   extractor,
		itemDelay:   itemDelay,
		logger:      logger.With("component", "enrich"),
		metrics:     m,
		clock:       func() time.Time { return time.Now().UTC() },
		idGenerator: uuid.NewString,
	}
}

// ProcessPending works through screenshot events without an OCR result in
// batches of batchSize until a short batch signals the end of the queue.
// Items that fail stay pending for the next call. A call made while another
// is running returns a zero Result.
func (w *Worker) ProcessPending(ctx context.Context, batchSize int) (Result, error) {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Debug("enrichment already running, skipping")
		return Result{}, nil
	}
	defer w.running.Store(false)

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var (
		res    Result
		failed []string
	)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch, err := w.store.PendingScreenshots(batchSize, failed)
		if err != nil {
			return res, fmt.Errorf("select pending screenshots: %w", err)
		}
		for i := range batch {
			ev := &batch[i]
			switch err := w.processOne(ctx, ev); {
			case err == nil:
				res.Processed++
			case errors.Is(err, spooler.ErrDuplicate):
				res.Skipped++
			default:
				res.Failed++
				failed = append(failed, ev.ID)
				w.metrics.OcrFailed()
				w.logger.Warn("text extraction failed",
					"event_id", ev.ID,
					"participant_id", ev.ParticipantID,
					"path", ev.ArtifactPath,
					"error", err,
				)
			}
			if i < len(batch)-1 {
				w.pause(ctx)
			}
		}
		if len(batch) < batchSize {
			break
		}
	}
	if res.Processed > 0 || res.Failed > 0 {
		w.logger.Info("enrichment finished",
			"processed", res.Processed,
			"failed", res.Failed,
			"skipped", res.Skipped,
		)
	}
	return res, nil
}

// Running reports whether a ProcessPending call is in progress.
func (w *Worker) Running() bool { return w.running.Load() }

func (w *Worker) processOne(ctx context.Context, ev *spooler.Event) error {
	if _, err := os.Stat(ev.ArtifactPath); err != nil {
		return fmt.Errorf("screenshot file: %w", err)
	}
	start := time.Now()
	text, err := w.extractor.ExtractText(ctx, ev.ArtifactPath)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	ms := elapsed.Milliseconds()

	res := &spooler.OcrResult{
		ID:               w.idGenerator(),
		EventID:          ev.ID,
		ParticipantID:    ev.ParticipantID,
		SessionID:        ev.SessionID,
		ExtractedText:    text,
		WordCount:        WordCount(text),
		ProcessingTimeMs: &ms,
		CapturedAt:       ev.Timestamp,
		ProcessedAt:      w.clock(),
	}
	if err := w.store.InsertOcrResult(res); err != nil {
		if errors.Is(err, spooler.ErrDuplicate) {
			return err
		}
		return fmt.Errorf("insert ocr result: %w", err)
	}
	w.metrics.OcrProcessed(elapsed.Seconds())
	w.logger.Debug("screenshot enriched",
		"event_id", ev.ID,
		"words", res.WordCount,
		"ms", ms,
	)
	return nil
}

func (w *Worker) pause(ctx context.Context) {
	if w.itemDelay <= 0 {
		return
	}
	t := time.NewTimer(w.itemDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// WordCount counts whitespace separated tokens; empty text has zero words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
