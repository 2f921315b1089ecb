package spooler

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// Class names one independently synced record kind.
type Class string

const (
	ClassEvents    Class = "events"
	ClassSessions  Class = "sessions"
	ClassOcr       Class = "ocr_results"
	ClassSnapshots Class = "change_snapshots"
	ClassDecisions Class = "capture_decisions"
	ClassCheckins  Class = "checkin_responses"
	ClassRisks     Class = "risk_records"
)

// Classes lists every synced class in upload order: raw events go before the
// enrichment that may update them.
var Classes = []Class{ClassEvents, ClassSessions, ClassOcr, ClassSnapshots, ClassDecisions, ClassCheckins, ClassRisks}

func OpenDB(path string) (*gorm.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&Event{},
		&Session{},
		&OcrResult{},
		&ChangeSnapshot{},
		&CaptureDecision{},
		&CheckinResponse{},
		&RiskRecord{},
		&Enrollment{},
	); err != nil {
		return nil, err
	}
	return db, nil
}

// Store is the local durable log. It is the only shared mutable resource of the
// core; every mutation is a single-record insert or flag update.
type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One device-local writer.
	sqlDB.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	err = sqlDB.Close()
	s.db = nil
	return err
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func modelFor(c Class) (any, error) {
	switch c {
	case ClassEvents:
		return &Event{}, nil
	case ClassSessions:
		return &Session{}, nil
	case ClassOcr:
		return &OcrResult{}, nil
	case ClassSnapshots:
		return &ChangeSnapshot{}, nil
	case ClassDecisions:
		return &CaptureDecision{}, nil
	case ClassCheckins:
		return &CheckinResponse{}, nil
	case ClassRisks:
		return &RiskRecord{}, nil
	default:
		return nil, fmt.Errorf("unknown record class %q", c)
	}
}

// MarkSynced flips the synced flag of one record after the remote write was
// acknowledged. Marking an already synced record is a no-op.
func (s *Store) MarkSynced(c Class, id string) error {
	model, err := modelFor(c)
	if err != nil {
		return err
	}
	return s.db.Model(model).Where("id = ?", id).Update("synced", true).Error
}

// MarkSessionSynced marks a session synced only if it still matches the state
// that was pushed; a counter bump in between keeps it pending.
func (s *Store) MarkSessionSynced(pushed *Session) (bool, error) {
	q := s.db.Model(&Session{}).Where("id = ? AND event_count = ?", pushed.ID, pushed.EventCount)
	if pushed.EndedAt == nil {
		q = q.Where("ended_at IS NULL")
	} else {
		q = q.Where("ended_at IS NOT NULL")
	}
	res := q.Update("synced", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// PendingCounts returns the number of unsynced records per class.
func (s *Store) PendingCounts() (map[Class]int64, error) {
	out := make(map[Class]int64, len(Classes))
	for _, c := range Classes {
		model, _ := modelFor(c)
		var n int64
		if err := s.db.Model(model).Where("synced = ?", false).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("count pending %s: %w", c, err)
		}
		out[c] = n
	}
	return out, nil
}

// Purge deletes synced records created before the cutoff. Unsynced records and
// open sessions are never purged.
func (s *Store) Purge(before time.Time) (map[Class]int64, error) {
	out := make(map[Class]int64, len(Classes))
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, c := range Classes {
			model, _ := modelFor(c)
			q := tx.Where("synced = ? AND created_at < ?", true, before.UTC())
			if c == ClassSessions {
				q = q.Where("ended_at IS NOT NULL")
			}
			res := q.Delete(model)
			if res.Error != nil {
				return fmt.Errorf("purge %s: %w", c, res.Error)
			}
			out[c] = res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
