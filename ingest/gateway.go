// Package ingest turns inbound observer and device messages into local event
// records linked to the participant's open session.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"gorm.io/datatypes"

	"socialscope/metrics"
	"socialscope/spooler"
)

var ErrNoParticipant = errors.New("participant id is required")

// Message is one inbound envelope. Data is opaque to the gateway beyond the
// typed variant chosen by Type.
type Message struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	URL       string          `json:"url"`
	Platform  string          `json:"platform"`
	Data      json.RawMessage `json:"data"`
}

// Artifact describes a stored capture that becomes an artifact-class event.
type Artifact struct {
	Kind       string
	Platform   string
	URL        string
	Path       string
	Payload    Payload
	CapturedAt time.Time
}

// Store is the subset of the local store the gateway writes to.
type Store interface {
	OpenSession(participantID, newID string, deviceInfo datatypes.JSON, now time.Time) (*spooler.Session, bool, error)
	IncrementSessionEvents(id string) error
	InsertEvent(ev *spooler.Event) error
	EndSession(participantID string, now time.Time) (*spooler.Session, error)
}

type Gateway struct {
	store      Store
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deviceInfo datatypes.JSON

	// Serializes resolve-session + increment + insert so event counts match
	// the events actually written.
	mu sync.Mutex

	clock       func() time.Time
	idGenerator func() string
}

func NewGateway(store Store, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:       store,
		logger:      logger.With("component", "ingest"),
		metrics:     m,
		clock:       func() time.Time { return time.Now().UTC() },
		idGenerator: uuid.NewString,
	}
}

// SetDeviceInfo sets the device description stored on newly opened sessions.
func (g *Gateway) SetDeviceInfo(info map[string]string) {
	if len(info) == 0 {
		g.deviceInfo = nil
		return
	}
	b, err := json.Marshal(info)
	if err != nil {
		return
	}
	g.deviceInfo = datatypes.JSON(b)
}

// Ingest stores one raw message. A message that is not valid JSON, or has no
// type, is kept verbatim as a raw event; it is never rejected.
func (g *Gateway) Ingest(ctx context.Context, participantID string, raw []byte) (*spooler.Event, error) {
	msg, ok := parseEnvelope(raw)
	if !ok {
		g.logger.Warn("malformed inbound message stored as raw",
			"participant_id", participantID,
			"bytes", len(raw),
		)
		payload, _ := json.Marshal(map[string]string{"raw": string(raw)})
		return g.write(ctx, participantID, &spooler.Event{
			EventType: spooler.EventTypeRaw,
			Payload:   datatypes.JSON(payload),
		})
	}
	return g.Record(ctx, participantID, msg)
}

// Record stores an already decoded message.
func (g *Gateway) Record(ctx context.Context, participantID string, msg Message) (*spooler.Event, error) {
	eventType := strings.TrimSpace(msg.Type)
	if eventType == "" {
		eventType = spooler.EventTypeRaw
	}
	ev := &spooler.Event{
		EventType: eventType,
		Platform:  NormalizePlatform(msg.Platform),
		URL:       msg.URL,
		Payload:   storedPayload(eventType, msg.Data),
	}
	if msg.Timestamp > 0 {
		ev.Timestamp = time.UnixMilli(msg.Timestamp).UTC()
	}
	return g.write(ctx, participantID, ev)
}

// RecordArtifact stores the event backing a persisted screenshot or page
// snapshot.
func (g *Gateway) RecordArtifact(ctx context.Context, participantID string, a Artifact) (*spooler.Event, error) {
	if a.Path == "" {
		return nil, fmt.Errorf("artifact path is required")
	}
	var payload datatypes.JSON
	if a.Payload != nil {
		b, err := encodePayload(a.Payload)
		if err != nil {
			return nil, err
		}
		payload = datatypes.JSON(b)
	}
	return g.write(ctx, participantID, &spooler.Event{
		EventType:    a.Kind,
		Platform:     NormalizePlatform(a.Platform),
		URL:          a.URL,
		Payload:      payload,
		ArtifactPath: a.Path,
		Timestamp:    a.CapturedAt,
	})
}

// CurrentSession resolves the participant's open session, opening one if none
// is open.
func (g *Gateway) CurrentSession(ctx context.Context, participantID string) (*spooler.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(participantID) == "" {
		return nil, ErrNoParticipant
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolveSession(participantID)
}

// EndSession closes the participant's open session.
func (g *Gateway) EndSession(ctx context.Context, participantID string) (*spooler.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	sess, err := g.store.EndSession(participantID, g.clock())
	if err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}
	g.logger.Info("session ended",
		"participant_id", participantID,
		"session_id", sess.ID,
		"event_count", sess.EventCount,
	)
	return sess, nil
}

func (g *Gateway) resolveSession(participantID string) (*spooler.Session, error) {
	sess, created, err := g.store.OpenSession(participantID, g.idGenerator(), g.deviceInfo, g.clock())
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	if created {
		g.logger.Info("session opened", "participant_id", participantID, "session_id", sess.ID)
	}
	return sess, nil
}

func (g *Gateway) write(ctx context.Context, participantID string, ev *spooler.Event) (*spooler.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(participantID) == "" {
		return nil, ErrNoParticipant
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	sess, err := g.resolveSession(participantID)
	if err != nil {
		return nil, err
	}
	ev.ID = g.idGenerator()
	ev.ParticipantID = participantID
	ev.SessionID = sess.ID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = g.clock()
	}
	if err := g.store.InsertEvent(ev); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if err := g.store.IncrementSessionEvents(sess.ID); err != nil {
		return nil, fmt.Errorf("increment session events: %w", err)
	}
	g.metrics.EventIngested(ev.EventType)
	g.logger.Debug("event stored",
		"participant_id", participantID,
		"event_id", ev.ID,
		"type", ev.EventType,
	)
	return ev, nil
}

// parseEnvelope probes the message with gjson before decoding so a bad data
// field cannot discard the rest of the envelope.
func parseEnvelope(raw []byte) (Message, bool) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return Message{}, false
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Message{}, false
	}
	typ := root.Get("type")
	if typ.Type != gjson.String || strings.TrimSpace(typ.String()) == "" {
		return Message{}, false
	}
	msg := Message{
		Type:      strings.TrimSpace(typ.String()),
		Timestamp: root.Get("timestamp").Int(),
		URL:       root.Get("url").String(),
		Platform:  root.Get("platform").String(),
	}
	if data := root.Get("data"); data.Exists() {
		msg.Data = json.RawMessage(data.Raw)
	}
	return msg, true
}

// storedPayload keeps the data object as received. Data the known variant
// cannot decode is still stored, and TypedPayload reports it as raw.
func storedPayload(eventType string, data json.RawMessage) datatypes.JSON {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	b, err := json.Marshal(RawPayload{Type: eventType, Data: data})
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

// TypedPayload decodes a stored event payload into its variant.
func TypedPayload(ev *spooler.Event) Payload {
	return DecodePayload(ev.EventType, ev.Payload)
}

// NormalizePlatform lower-cases platform names and folds aliases.
func NormalizePlatform(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	switch p {
	case "x", "x.com", "twitter.com":
		return "twitter"
	case "reddit.com", "old.reddit.com", "www.reddit.com":
		return "reddit"
	}
	return p
}
