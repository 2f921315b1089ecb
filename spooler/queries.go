package spooler

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func unsynced[T any](db *gorm.DB, limit int, exclude []string) ([]T, error) {
	var out []T
	q := db.Where("synced = ?", false)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Order("created_at asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) InsertEvent(ev *Event) error {
	if ev.ID == "" {
		return fmt.Errorf("event id is required")
	}
	return s.db.Create(ev).Error
}

func (s *Store) Event(id string) (*Event, error) {
	var ev Event
	if err := s.db.Where("id = ?", id).First(&ev).Error; err != nil {
		return nil, notFound(err)
	}
	return &ev, nil
}

func (s *Store) CountEvents(participantID string) (int64, error) {
	var n int64
	err := s.db.Model(&Event{}).Where("participant_id = ?", participantID).Count(&n).Error
	return n, err
}

// OpenSession returns the participant's open session, creating one with newID
// when none is open.
func (s *Store) OpenSession(participantID string, newID string, deviceInfo datatypes.JSON, now time.Time) (*Session, bool, error) {
	var sess Session
	created := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("participant_id = ? AND ended_at IS NULL", participantID).
			Order("started_at desc").First(&sess).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		sess = Session{
			ID:            newID,
			ParticipantID: participantID,
			StartedAt:     now.UTC(),
			DeviceInfo:    deviceInfo,
		}
		created = true
		return tx.Create(&sess).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &sess, created, nil
}

func (s *Store) OpenSessionFor(participantID string) (*Session, error) {
	var sess Session
	err := s.db.Where("participant_id = ? AND ended_at IS NULL", participantID).
		Order("started_at desc").First(&sess).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

func (s *Store) Session(id string) (*Session, error) {
	var sess Session
	if err := s.db.Where("id = ?", id).First(&sess).Error; err != nil {
		return nil, notFound(err)
	}
	return &sess, nil
}

func (s *Store) IncrementSessionEvents(id string) error {
	return s.db.Model(&Session{}).Where("id = ?", id).Updates(map[string]any{
		"event_count": gorm.Expr("event_count + 1"),
		"synced":      false,
	}).Error
}

// EndSession closes the participant's open session, if any.
func (s *Store) EndSession(participantID string, now time.Time) (*Session, error) {
	sess, err := s.OpenSessionFor(participantID)
	if err != nil {
		return nil, err
	}
	end := now.UTC()
	if err := s.db.Model(&Session{}).Where("id = ?", sess.ID).Updates(map[string]any{
		"ended_at": &end,
		"synced":   false,
	}).Error; err != nil {
		return nil, err
	}
	sess.EndedAt = &end
	sess.Synced = false
	return sess, nil
}

// PendingScreenshots selects screenshot events that have no OCR result yet.
func (s *Store) PendingScreenshots(limit int, exclude []string) ([]Event, error) {
	var out []Event
	q := s.db.Model(&Event{}).
		Select("events.*").
		Joins("LEFT JOIN ocr_results ON ocr_results.event_id = events.id").
		Where("events.event_type = ? AND events.artifact_path <> '' AND ocr_results.id IS NULL", EventTypeScreenshot)
	if len(exclude) > 0 {
		q = q.Where("events.id NOT IN ?", exclude)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Order("events.created_at asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) OcrResultForEvent(eventID string) (*OcrResult, error) {
	var r OcrResult
	if err := s.db.Where("event_id = ?", eventID).First(&r).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// InsertOcrResult writes the single result for an event. A second result for
// the same event returns ErrDuplicate and leaves the first untouched.
func (s *Store) InsertOcrResult(r *OcrResult) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&OcrResult{}).Where("event_id = ?", r.EventID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicate
		}
		return tx.Create(r).Error
	})
}

func (s *Store) CountOcrResults(eventID string) (int64, error) {
	var n int64
	err := s.db.Model(&OcrResult{}).Where("event_id = ?", eventID).Count(&n).Error
	return n, err
}

// LastSnapshot returns the most recently stored snapshot for a stream.
func (s *Store) LastSnapshot(stream string) (*ChangeSnapshot, error) {
	var snap ChangeSnapshot
	err := s.db.Where("stream = ?", stream).Order("captured_at desc").Order("created_at desc").First(&snap).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &snap, nil
}

func (s *Store) InsertSnapshot(snap *ChangeSnapshot) error {
	return s.db.Create(snap).Error
}

func (s *Store) InsertDecision(d *CaptureDecision) error {
	return s.db.Create(d).Error
}

// CaptureCounts reports snapshot and decision totals for a stream, plus how
// many decisions found unchanged content.
func (s *Store) CaptureCounts(stream string) (snapshots, decisions, unchanged int64, err error) {
	if err = s.db.Model(&ChangeSnapshot{}).Where("stream = ?", stream).Count(&snapshots).Error; err != nil {
		return
	}
	if err = s.db.Model(&CaptureDecision{}).Where("stream = ?", stream).Count(&decisions).Error; err != nil {
		return
	}
	err = s.db.Model(&CaptureDecision{}).Where("stream = ? AND content_changed = ?", stream, false).Count(&unchanged).Error
	return
}

func (s *Store) InsertCheckin(r *CheckinResponse) error {
	return s.db.Create(r).Error
}

func (s *Store) InsertRisk(r *RiskRecord) error {
	return s.db.Create(r).Error
}

func (s *Store) Risk(id string) (*RiskRecord, error) {
	var r RiskRecord
	if err := s.db.Where("id = ?", id).First(&r).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s *Store) RisksForFlow(flowID string) ([]RiskRecord, error) {
	var out []RiskRecord
	err := s.db.Where("flow_id = ?", flowID).Find(&out).Error
	return out, err
}

func (s *Store) LastCheckin(participantID string) (*CheckinResponse, error) {
	var r CheckinResponse
	err := s.db.Where("participant_id = ? AND self_initiated = ?", participantID, false).
		Order("completed_at desc").First(&r).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s *Store) UnsyncedEvents(limit int, exclude []string) ([]Event, error) {
	return unsynced[Event](s.db, limit, exclude)
}

func (s *Store) UnsyncedSessions(limit int, exclude []string) ([]Session, error) {
	return unsynced[Session](s.db, limit, exclude)
}

func (s *Store) UnsyncedSnapshots(limit int, exclude []string) ([]ChangeSnapshot, error) {
	return unsynced[ChangeSnapshot](s.db, limit, exclude)
}

func (s *Store) UnsyncedDecisions(limit int, exclude []string) ([]CaptureDecision, error) {
	return unsynced[CaptureDecision](s.db, limit, exclude)
}

func (s *Store) UnsyncedCheckins(limit int, exclude []string) ([]CheckinResponse, error) {
	return unsynced[CheckinResponse](s.db, limit, exclude)
}

func (s *Store) UnsyncedRisks(limit int, exclude []string) ([]RiskRecord, error) {
	return unsynced[RiskRecord](s.db, limit, exclude)
}

// UnsyncedOcrResults returns pending OCR results whose source event already
// reached the remote store. Results for unsynced events are merged into the
// event's own write instead.
func (s *Store) UnsyncedOcrResults(limit int, exclude []string) ([]OcrResult, error) {
	var out []OcrResult
	q := s.db.Model(&OcrResult{}).
		Select("ocr_results.*").
		Joins("JOIN events ON events.id = ocr_results.event_id").
		Where("ocr_results.synced = ? AND events.synced = ?", false, true)
	if len(exclude) > 0 {
		q = q.Where("ocr_results.id NOT IN ?", exclude)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Order("ocr_results.created_at asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Enrollment(participantID string) (*Enrollment, error) {
	var e Enrollment
	if err := s.db.Where("participant_id = ?", participantID).First(&e).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (s *Store) SaveEnrollment(e *Enrollment) error {
	return s.db.Save(e).Error
}

func (s *Store) PendingEnrollments() ([]Enrollment, error) {
	var out []Enrollment
	err := s.db.Where("enrolled = ? AND rejected = ?", false, false).Find(&out).Error
	return out, err
}
