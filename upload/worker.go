// Package upload pushes unsynced local records to the remote store and marks
// each one synced only after the remote write is acknowledged.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"socialscope/metrics"
	"socialscope/remote"
	"socialscope/spooler"
)

const DefaultBatchSize = 50

// Store is the part of the local store the worker reads and flags.
type Store interface {
	UnsyncedEvents(limit int, exclude []string) ([]spooler.Event, error)
	UnsyncedSessions(limit int, exclude []string) ([]spooler.Session, error)
	UnsyncedOcrResults(limit int, exclude []string) ([]spooler.OcrResult, error)
	UnsyncedSnapshots(limit int, exclude []string) ([]spooler.ChangeSnapshot, error)
	UnsyncedDecisions(limit int, exclude []string) ([]spooler.CaptureDecision, error)
	UnsyncedCheckins(limit int, exclude []string) ([]spooler.CheckinResponse, error)
	UnsyncedRisks(limit int, exclude []string) ([]spooler.RiskRecord, error)
	Risk(id string) (*spooler.RiskRecord, error)
	OcrResultForEvent(eventID string) (*spooler.OcrResult, error)
	MarkSynced(c spooler.Class, id string) error
	MarkSessionSynced(pushed *spooler.Session) (bool, error)
	PendingCounts() (map[spooler.Class]int64, error)
}

// ClassReport is the outcome of one class in one run.
type ClassReport struct {
	Synced  int   `json:"synced"`
	Failed  int   `json:"failed"`
	Pending int64 `json:"pending"`
}

type Report struct {
	Skipped bool                          `json:"skipped,omitempty"`
	Classes map[spooler.Class]ClassReport `json:"classes"`
}

// Attempted is the number of records the run tried to push.
func (r Report) Attempted() int {
	n := 0
	for _, c := range r.Classes {
		n += c.Synced + c.Failed
	}
	return n
}

func (r Report) Synced() int {
	n := 0
	for _, c := range r.Classes {
		n += c.Synced
	}
	return n
}

func (r Report) Failed() int {
	n := 0
	for _, c := range r.Classes {
		n += c.Failed
	}
	return n
}

// errStale marks a record that changed locally while it was being pushed; it
// stays pending and goes out with the next run.
var errStale = errors.New("record changed during push")

type Worker struct {
	store     Store
	remote    remote.Store
	batchSize int
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	running atomic.Bool
	// riskMu serializes safety alert writes between PushRisk and Run.
	riskMu sync.Mutex
}

func NewWorker(store Store, rs remote.Store, batchSize int, logger *slog.Logger, m *metrics.Metrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Worker{
		store:     store,
		remote:    rs,
		batchSize: batchSize,
		logger:    logger.With("component", "upload"),
		metrics:   m,
		tracer:    otel.Tracer("socialscope/upload"),
	}
}

// Run drains every class once. A run already in progress makes this call
// return a skipped report.
func (w *Worker) Run(ctx context.Context) (Report, error) {
	if !w.running.CompareAndSwap(false, true) {
		return Report{Skipped: true}, nil
	}
	defer w.running.Store(false)

	ctx, span := w.tracer.Start(ctx, "upload.run")
	defer span.End()

	report := Report{Classes: make(map[spooler.Class]ClassReport, len(spooler.Classes))}
	for _, c := range spooler.Classes {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return report, err
		}
		report.Classes[c] = w.runClass(ctx, c)
	}

	pending, err := w.store.PendingCounts()
	if err != nil {
		span.RecordError(err)
		return report, fmt.Errorf("count pending: %w", err)
	}
	for c, n := range pending {
		cr := report.Classes[c]
		cr.Pending = n
		report.Classes[c] = cr
		w.metrics.Pending(string(c), n)
	}
	span.SetAttributes(
		attribute.Int("upload.synced", report.Synced()),
		attribute.Int("upload.failed", report.Failed()),
	)
	if report.Attempted() > 0 {
		w.logger.Info("upload finished",
			"synced", report.Synced(),
			"failed", report.Failed(),
		)
	}
	return report, nil
}

func (w *Worker) runClass(ctx context.Context, c spooler.Class) ClassReport {
	ctx, span := w.tracer.Start(ctx, "upload.class", trace.WithAttributes(attribute.String("class", string(c))))
	defer span.End()

	var cr ClassReport
	switch c {
	case spooler.ClassEvents:
		cr = drain(ctx, w, c, w.store.UnsyncedEvents, func(v *spooler.Event) string { return v.ID }, w.pushEvent)
	case spooler.ClassSessions:
		cr = drain(ctx, w, c, w.store.UnsyncedSessions, func(v *spooler.Session) string { return v.ID }, w.pushSession)
	case spooler.ClassOcr:
		cr = drain(ctx, w, c, w.store.UnsyncedOcrResults, func(v *spooler.OcrResult) string { return v.ID }, w.pushOcr)
	case spooler.ClassSnapshots:
		cr = drain(ctx, w, c, w.store.UnsyncedSnapshots, func(v *spooler.ChangeSnapshot) string { return v.ID }, w.pushSnapshot)
	case spooler.ClassDecisions:
		cr = drain(ctx, w, c, w.store.UnsyncedDecisions, func(v *spooler.CaptureDecision) string { return v.ID }, w.pushDecision)
	case spooler.ClassCheckins:
		cr = drain(ctx, w, c, w.store.UnsyncedCheckins, func(v *spooler.CheckinResponse) string { return v.ID }, w.pushCheckin)
	case spooler.ClassRisks:
		cr = drain(ctx, w, c, w.store.UnsyncedRisks, func(v *spooler.RiskRecord) string { return v.ID }, w.pushRisk)
	}
	span.SetAttributes(attribute.Int("synced", cr.Synced), attribute.Int("failed", cr.Failed))
	if cr.Failed > 0 {
		span.SetStatus(codes.Error, "some records failed")
	}
	w.metrics.UploadSynced(string(c), cr.Synced)
	w.metrics.UploadFailed(string(c), cr.Failed)
	return cr
}

// drain pushes batches of one class until a short batch. Records that fail
// are excluded from later batches of this run and retried on the next one.
func drain[T any](
	ctx context.Context,
	w *Worker,
	c spooler.Class,
	fetch func(limit int, exclude []string) ([]T, error),
	key func(*T) string,
	push func(context.Context, *T) error,
) ClassReport {
	var (
		cr      ClassReport
		skipped []string
	)
	for {
		batch, err := fetch(w.batchSize, skipped)
		if err != nil {
			w.logger.Warn("select unsynced records", "class", c, "error", err)
			return cr
		}
		for i := range batch {
			rec := &batch[i]
			err := push(ctx, rec)
			switch {
			case err == nil:
				cr.Synced++
			case errors.Is(err, errStale):
				skipped = append(skipped, key(rec))
				w.logger.Debug("record changed during push", "class", c, "id", key(rec))
			default:
				cr.Failed++
				skipped = append(skipped, key(rec))
				w.logger.Warn("push failed",
					"class", c,
					"id", key(rec),
					"error", err,
				)
			}
		}
		if len(batch) < w.batchSize {
			return cr
		}
	}
}

func (w *Worker) pushEvent(ctx context.Context, ev *spooler.Event) error {
	fields := eventFields(ev)
	if ev.HasArtifact() {
		ref, err := w.uploadArtifact(ctx, ev)
		switch {
		case errors.Is(err, os.ErrNotExist):
			w.logger.Warn("artifact file missing, pushing event without blob",
				"event_id", ev.ID,
				"path", ev.ArtifactPath,
			)
			fields["artifactMissing"] = true
		case err != nil:
			return fmt.Errorf("upload artifact: %w", err)
		case ev.EventType == spooler.EventTypeScreenshot:
			fields["screenshotUrl"] = ref
		default:
			fields["snapshotUrl"] = ref
		}
	}

	ocr, err := w.store.OcrResultForEvent(ev.ID)
	if err != nil && !errors.Is(err, spooler.ErrNotFound) {
		return fmt.Errorf("lookup ocr result: %w", err)
	}
	if ocr != nil {
		fields["ocr"] = ocrFields(ocr)
	}

	path := remote.DocumentPath(ev.ParticipantID, remote.CollectionEvents, ev.ID)
	if err := w.remote.PutDocument(ctx, path, fields); err != nil {
		return err
	}
	if err := w.store.MarkSynced(spooler.ClassEvents, ev.ID); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	if ocr != nil && !ocr.Synced {
		if err := w.store.MarkSynced(spooler.ClassOcr, ocr.ID); err != nil {
			w.logger.Warn("mark embedded ocr synced", "ocr_id", ocr.ID, "error", err)
		}
	}
	return nil
}

func (w *Worker) uploadArtifact(ctx context.Context, ev *spooler.Event) (string, error) {
	f, err := os.Open(ev.ArtifactPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	path := remote.BlobPath(ev.EventType, ev.ParticipantID, ev.SessionID, filepath.Base(ev.ArtifactPath))
	return w.remote.UploadBlob(ctx, path, contentType(ev.ArtifactPath), f)
}

// pushOcr merges late enrichment onto an event document that already synced.
func (w *Worker) pushOcr(ctx context.Context, r *spooler.OcrResult) error {
	path := remote.DocumentPath(r.ParticipantID, remote.CollectionEvents, r.EventID)
	if err := w.remote.PutDocument(ctx, path, map[string]any{"ocr": ocrFields(r)}); err != nil {
		return err
	}
	return w.store.MarkSynced(spooler.ClassOcr, r.ID)
}

func (w *Worker) pushSession(ctx context.Context, s *spooler.Session) error {
	path := remote.DocumentPath(s.ParticipantID, remote.CollectionSessions, s.ID)
	if err := w.remote.PutDocument(ctx, path, sessionFields(s)); err != nil {
		return err
	}
	ok, err := w.store.MarkSessionSynced(s)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	if !ok {
		return errStale
	}
	return nil
}

func (w *Worker) pushSnapshot(ctx context.Context, s *spooler.ChangeSnapshot) error {
	path := remote.DocumentPath(s.ParticipantID, remote.CollectionChangeSnapshots, s.ID)
	if err := w.remote.PutDocument(ctx, path, snapshotFields(s)); err != nil {
		return err
	}
	return w.store.MarkSynced(spooler.ClassSnapshots, s.ID)
}

func (w *Worker) pushDecision(ctx context.Context, d *spooler.CaptureDecision) error {
	path := remote.DocumentPath(d.ParticipantID, remote.CollectionCaptureDecisions, d.ID)
	if err := w.remote.PutDocument(ctx, path, decisionFields(d)); err != nil {
		return err
	}
	return w.store.MarkSynced(spooler.ClassDecisions, d.ID)
}

func (w *Worker) pushCheckin(ctx context.Context, r *spooler.CheckinResponse) error {
	path := remote.DocumentPath(r.ParticipantID, remote.CollectionEmaResponses, r.ID)
	if err := w.remote.PutDocument(ctx, path, checkinFields(r)); err != nil {
		return err
	}
	return w.store.MarkSynced(spooler.ClassCheckins, r.ID)
}

// pushRisk creates the safety alert document. handled is written only when
// the document is new so a retry never resets the alerting side's flag. A
// record another caller already pushed is left alone.
func (w *Worker) pushRisk(ctx context.Context, r *spooler.RiskRecord) error {
	w.riskMu.Lock()
	defer w.riskMu.Unlock()
	cur, err := w.store.Risk(r.ID)
	if err != nil {
		return err
	}
	if cur.Synced {
		return nil
	}

	path := remote.DocumentPath(r.ParticipantID, remote.CollectionSafetyAlerts, r.ID)
	fields := riskFields(r)
	_, err = w.remote.GetDocument(ctx, path)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		fields["handled"] = false
	case err != nil:
		return err
	}
	if err := w.remote.PutDocument(ctx, path, fields); err != nil {
		return err
	}
	return w.store.MarkSynced(spooler.ClassRisks, r.ID)
}

// PushRisk sends a freshly raised risk record right away instead of waiting
// for the next sync cycle. On failure the record stays pending and the
// regular run retries it.
func (w *Worker) PushRisk(ctx context.Context, r *spooler.RiskRecord) error {
	ctx, span := w.tracer.Start(ctx, "upload.push_risk")
	defer span.End()
	if err := w.pushRisk(ctx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.metrics.UploadFailed(string(spooler.ClassRisks), 1)
		return err
	}
	w.metrics.UploadSynced(string(spooler.ClassRisks), 1)
	w.logger.Info("risk record pushed", "participant_id", r.ParticipantID, "risk_id", r.ID)
	return nil
}
