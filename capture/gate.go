// Package capture suppresses redundant screenshot and page snapshot storage by
// comparing each candidate's content hash with the last stored one for its
// stream.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"socialscope/ingest"
	"socialscope/metrics"
	"socialscope/spooler"
)

var (
	ErrUnsupportedKind = errors.New("unsupported capture kind")
	ErrEmptyCapture    = errors.New("capture has no content")
	// ErrSourceOutsideInbox rejects a source file that is not a regular file
	// inside the configured inbox dir.
	ErrSourceOutsideInbox = errors.New("capture source is not in the inbox dir")
)

const (
	KindScreenshot   = spooler.EventTypeScreenshot
	KindPageSnapshot = spooler.EventTypePageSnapshot
)

// Candidate is one capture attempt. Either Content or SourcePath must be set.
// SourcePath is a file the native capturer wrote into the inbox dir; it is
// moved into the artifact dir when stored and removed otherwise.
type Candidate struct {
	ParticipantID string
	Kind          string
	Platform      string
	URL           string
	Content       []byte
	SourcePath    string
	Width         int
	Height        int
	Trigger       string
}

type Decision struct {
	Stream      string
	Throttled   bool
	Changed     bool
	ContentHash string
	DecisionID  string
	SnapshotID  string
	// Event is the artifact event, set only when new content was stored.
	Event *spooler.Event
}

type Store interface {
	LastSnapshot(stream string) (*spooler.ChangeSnapshot, error)
	InsertSnapshot(snap *spooler.ChangeSnapshot) error
	InsertDecision(d *spooler.CaptureDecision) error
}

// Recorder links stored artifacts to the participant's session as events.
type Recorder interface {
	CurrentSession(ctx context.Context, participantID string) (*spooler.Session, error)
	RecordArtifact(ctx context.Context, participantID string, a ingest.Artifact) (*spooler.Event, error)
}

type Gate struct {
	store       Store
	recorder    Recorder
	dir         string
	inbox       string
	minInterval time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics

	mu          sync.Mutex
	lastAttempt map[string]time.Time

	clock       func() time.Time
	idGenerator func() string
}

type Config struct {
	ArtifactDir string
	// InboxDir is where the native screenshot capturer drops files. Empty
	// disables SourcePath candidates.
	InboxDir string
	// MinInterval is the minimum time between two hash comparisons on the
	// same stream. Zero disables throttling.
	MinInterval time.Duration
}

func NewGate(store Store, recorder Recorder, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:       store,
		recorder:    recorder,
		dir:         cfg.ArtifactDir,
		inbox:       cfg.InboxDir,
		minInterval: cfg.MinInterval,
		logger:      logger.With("component", "capture"),
		metrics:     m,
		lastAttempt: make(map[string]time.Time),
		clock:       func() time.Time { return time.Now().UTC() },
		idGenerator: uuid.NewString,
	}
}

// StreamKey names the stream a capture belongs to.
func StreamKey(kind, sessionID string) string {
	return kind + ":" + sessionID
}

func (g *Gate) Capture(ctx context.Context, c Candidate) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if c.Kind != KindScreenshot && c.Kind != KindPageSnapshot {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, c.Kind)
	}
	if len(c.Content) == 0 && c.SourcePath == "" {
		return Decision{}, ErrEmptyCapture
	}
	if c.SourcePath != "" && !insideDir(g.inbox, c.SourcePath) {
		return Decision{}, fmt.Errorf("%w: %s", ErrSourceOutsideInbox, c.SourcePath)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	sess, err := g.recorder.CurrentSession(ctx, c.ParticipantID)
	if err != nil {
		return Decision{}, err
	}
	stream := StreamKey(c.Kind, sess.ID)
	now := g.clock()

	if g.minInterval > 0 {
		if last, ok := g.lastAttempt[stream]; ok && now.Sub(last) < g.minInterval {
			g.metrics.CaptureDecision(c.Kind, "throttled")
			g.discard(c)
			return Decision{Stream: stream, Throttled: true}, nil
		}
	}
	g.lastAttempt[stream] = now

	content := c.Content
	if len(content) == 0 {
		content, err = os.ReadFile(c.SourcePath)
		if err != nil {
			return Decision{}, fmt.Errorf("read capture source: %w", err)
		}
	}
	hash := ContentHash(c.Kind, content)

	prev, err := g.store.LastSnapshot(stream)
	if err != nil && !errors.Is(err, spooler.ErrNotFound) {
		return Decision{}, fmt.Errorf("last snapshot: %w", err)
	}

	decision := &spooler.CaptureDecision{
		ID:            g.idGenerator(),
		Stream:        stream,
		Kind:          c.Kind,
		ParticipantID: c.ParticipantID,
		SessionID:     sess.ID,
		ContentHash:   hash,
		AttemptedAt:   now,
	}

	if prev != nil && prev.ContentHash == hash {
		if err := g.store.InsertDecision(decision); err != nil {
			return Decision{}, fmt.Errorf("insert decision: %w", err)
		}
		g.discard(c)
		g.metrics.CaptureDecision(c.Kind, "unchanged")
		g.logger.Debug("capture unchanged", "stream", stream, "hash", hash)
		return Decision{Stream: stream, ContentHash: hash, DecisionID: decision.ID}, nil
	}

	ev, snap, err := g.persist(ctx, c, sess, stream, hash, content, now)
	if err != nil {
		return Decision{}, err
	}
	decision.ContentChanged = true
	decision.SnapshotID = snap.ID
	if err := g.store.InsertDecision(decision); err != nil {
		return Decision{}, fmt.Errorf("insert decision: %w", err)
	}
	g.metrics.CaptureDecision(c.Kind, "stored")
	g.logger.Info("capture stored",
		"participant_id", c.ParticipantID,
		"stream", stream,
		"event_id", ev.ID,
		"artifact", ev.ArtifactPath,
	)
	return Decision{
		Stream:      stream,
		Changed:     true,
		ContentHash: hash,
		DecisionID:  decision.ID,
		SnapshotID:  snap.ID,
		Event:       ev,
	}, nil
}

// persist writes the artifact file, its event and the snapshot row.
func (g *Gate) persist(ctx context.Context, c Candidate, sess *spooler.Session, stream, hash string, content []byte, now time.Time) (*spooler.Event, *spooler.ChangeSnapshot, error) {
	dir := filepath.Join(g.dir, safeSegment(c.ParticipantID), safeSegment(sess.ID))
	name := artifactName(c.Kind, now, extFor(c.Kind, c.SourcePath))

	path, err := storeArtifact(dir, name, c.SourcePath, content)
	if err != nil {
		return nil, nil, fmt.Errorf("persist artifact: %w", err)
	}
	g.discard(c)

	var payload ingest.Payload
	if c.Kind == KindScreenshot {
		payload = ingest.Screenshot{Width: c.Width, Height: c.Height, ContentHash: hash, Trigger: c.Trigger}
	} else {
		payload = ingest.PageSnapshot{ContentHash: hash, Bytes: len(content)}
	}
	ev, err := g.recorder.RecordArtifact(ctx, c.ParticipantID, ingest.Artifact{
		Kind:       c.Kind,
		Platform:   c.Platform,
		URL:        c.URL,
		Path:       path,
		Payload:    payload,
		CapturedAt: now,
	})
	if err != nil {
		_ = os.Remove(path)
		return nil, nil, fmt.Errorf("record artifact event: %w", err)
	}

	snap := &spooler.ChangeSnapshot{
		ID:            g.idGenerator(),
		EventID:       ev.ID,
		ParticipantID: c.ParticipantID,
		SessionID:     sess.ID,
		Stream:        stream,
		Kind:          c.Kind,
		ContentHash:   hash,
		ArtifactRef:   path,
		CapturedAt:    now,
	}
	if err := g.store.InsertSnapshot(snap); err != nil {
		return nil, nil, fmt.Errorf("insert snapshot: %w", err)
	}
	return ev, snap, nil
}

func (g *Gate) discard(c Candidate) {
	if c.SourcePath == "" {
		return
	}
	if err := os.Remove(c.SourcePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		g.logger.Warn("discard capture source", "path", c.SourcePath, "error", err)
	}
}

func safeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
	if s == "" {
		return "_"
	}
	return s
}
