package spooler

import (
	"time"

	"gorm.io/datatypes"
)

// Event types the core itself interprets. Everything else the page observer
// sends is stored under its own type name.
const (
	EventTypeScreenshot   = "screenshot"
	EventTypePageSnapshot = "page_snapshot"
	EventTypeCheckin      = "checkin"
	EventTypeRaw          = "raw"
)

type Event struct {
	ID            string    `gorm:"primaryKey;size:36"`
	SessionID     string    `gorm:"index;size:36"`
	ParticipantID string    `gorm:"index;size:64"`
	EventType     string    `gorm:"index;size:64"`
	Timestamp     time.Time `gorm:"index"`
	Platform      string    `gorm:"index;size:32"`
	URL           string    `gorm:"type:text"`
	// Payload holds the typed payload variant as JSON; undecodable input is kept
	// verbatim under {"raw": ...}.
	Payload datatypes.JSON
	// ArtifactPath is the local file backing an artifact-class event.
	ArtifactPath string `gorm:"size:1024"`
	Synced       bool   `gorm:"index"`
	CreatedAt    time.Time
}

// HasArtifact reports whether the event carries a binary artifact that must be
// uploaded alongside its document.
func (e *Event) HasArtifact() bool {
	return e.ArtifactPath != "" && (e.EventType == EventTypeScreenshot || e.EventType == EventTypePageSnapshot)
}

type Session struct {
	ID            string `gorm:"primaryKey;size:36"`
	ParticipantID string `gorm:"index;size:64"`
	StartedAt     time.Time
	// EndedAt is nil while the session is open; at most one open session per participant.
	EndedAt    *time.Time `gorm:"index"`
	EventCount int
	DeviceInfo datatypes.JSON
	Synced     bool `gorm:"index"`
	CreatedAt  time.Time
}

type OcrResult struct {
	ID               string `gorm:"primaryKey;size:36"`
	EventID          string `gorm:"uniqueIndex;size:36"`
	ParticipantID    string `gorm:"index;size:64"`
	SessionID        string `gorm:"index;size:36"`
	ExtractedText    string `gorm:"type:text"`
	WordCount        int
	ProcessingTimeMs *int64
	CapturedAt       time.Time
	ProcessedAt      time.Time
	Synced           bool `gorm:"index"`
	CreatedAt        time.Time
}

// ChangeSnapshot is written only when a capture's content hash differs from the
// last stored one for its stream.
type ChangeSnapshot struct {
	ID            string `gorm:"primaryKey;size:36"`
	EventID       string `gorm:"index;size:36"`
	ParticipantID string `gorm:"index;size:64"`
	SessionID     string `gorm:"index;size:36"`
	Stream        string `gorm:"index;size:128"`
	Kind          string `gorm:"size:32"`
	ContentHash   string `gorm:"index;size:32"`
	ArtifactRef   string `gorm:"size:1024"`
	CapturedAt    time.Time `gorm:"index"`
	Synced        bool      `gorm:"index"`
	CreatedAt     time.Time
}

// CaptureDecision is the append-only log of every capture attempt that ran a
// hash comparison, whether or not new content was stored.
type CaptureDecision struct {
	ID             string `gorm:"primaryKey;size:36"`
	Stream         string `gorm:"index;size:128"`
	Kind           string `gorm:"size:32"`
	ParticipantID  string `gorm:"index;size:64"`
	SessionID      string `gorm:"index;size:36"`
	ContentHash    string `gorm:"size:32"`
	ContentChanged bool   `gorm:"index"`
	SnapshotID     string `gorm:"size:36"`
	AttemptedAt    time.Time `gorm:"index"`
	Synced         bool      `gorm:"index"`
	CreatedAt      time.Time
}

type CheckinResponse struct {
	ID                    string `gorm:"primaryKey;size:36"`
	ParticipantID         string `gorm:"index;size:64"`
	SessionID             string `gorm:"index;size:36"`
	QuestionSetID         string `gorm:"size:64"`
	Responses             datatypes.JSON
	StartedAt             time.Time
	CompletedAt           time.Time `gorm:"index"`
	SelfInitiated         bool
	RequiresPostResources bool
	Synced                bool `gorm:"index"`
	CreatedAt             time.Time
}

// RiskRecord is created the moment a risk predicate fires during a check-in.
// Handled is owned by the external alerting collaborator.
type RiskRecord struct {
	ID                string `gorm:"primaryKey;size:36"`
	ParticipantID     string `gorm:"index;size:64"`
	SessionID         string `gorm:"index;size:36"`
	FlowID            string `gorm:"uniqueIndex;size:36"`
	ResponsesSnapshot datatypes.JSON
	TriggerQuestionID string    `gorm:"size:64"`
	TriggeredAt       time.Time `gorm:"index"`
	Handled           bool
	Synced            bool `gorm:"index"`
	CreatedAt         time.Time
}

type Enrollment struct {
	ParticipantID string `gorm:"primaryKey;size:64"`
	// Rejected is set once the remote store confirmed the id is not in the
	// pre-registered list.
	Rejected      bool
	Enrolled      bool `gorm:"index"`
	Attempts      int
	LastAttemptAt *time.Time
	LastError     string `gorm:"type:text"`
	EnrolledAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
