// Package remote is the system of record the upload worker propagates local
// records to: a document store keyed by slash separated paths plus blob
// storage for artifacts.
package remote

import (
	"context"
	"errors"
	"io"
	"strings"
)

var (
	ErrNotFound    = errors.New("remote: not found")
	ErrConflict    = errors.New("remote: conflicting write")
	ErrUnavailable = errors.New("remote: unavailable")
)

// Store is implemented by every remote backend.
type Store interface {
	// PutDocument merges fields into the document at path, creating it if
	// absent. Nested maps are merged key by key; existing fields not named
	// in fields are kept.
	PutDocument(ctx context.Context, path string, fields map[string]any) error
	GetDocument(ctx context.Context, path string) (map[string]any, error)
	// UploadBlob stores r at path and returns a reference that can be
	// embedded in documents.
	UploadBlob(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

const (
	CollectionParticipants      = "participants"
	CollectionValidParticipants = "valid_participants"
	CollectionEvents            = "events"
	CollectionSessions          = "sessions"
	CollectionEmaResponses      = "ema_responses"
	CollectionSafetyAlerts      = "safety_alerts"
	CollectionChangeSnapshots   = "change_snapshots"
	CollectionCaptureDecisions  = "capture_decisions"
)

func ParticipantPath(participantID string) string {
	return join(CollectionParticipants, participantID)
}

func ValidParticipantPath(participantID string) string {
	return join(CollectionValidParticipants, participantID)
}

// DocumentPath returns participants/{pid}/{collection}/{id}.
func DocumentPath(participantID, collection, id string) string {
	return join(CollectionParticipants, participantID, collection, id)
}

// BlobPath returns the storage path of an artifact. Screenshots live under
// screenshots/, page snapshots under pages/.
func BlobPath(kind, participantID, sessionID, filename string) string {
	prefix := "screenshots"
	if kind == "page_snapshot" {
		prefix = "pages"
	}
	return join(prefix, participantID, sessionID, filename)
}

func join(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), "/")
		if p == "" {
			p = "_"
		}
		clean = append(clean, p)
	}
	return strings.Join(clean, "/")
}

// Merge folds src into dst. Maps are merged recursively; any other value in
// src replaces the one in dst.
func Merge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		sv, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		dv, ok := dst[k].(map[string]any)
		if !ok {
			dv = nil
		}
		dst[k] = Merge(dv, sv)
	}
	return dst
}
