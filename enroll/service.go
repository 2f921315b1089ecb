// Package enroll binds a participant id to the remote store. Enrollment is
// best effort: the device keeps capturing locally while it is pending.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"socialscope/remote"
	"socialscope/spooler"
)

// ErrNotRegistered is returned when the remote store confirmed that the id
// is not in the pre-registered list.
var ErrNotRegistered = errors.New("participant id is not registered")

const (
	DefaultRetryBase = time.Minute
	DefaultRetryMax  = 6 * time.Hour
)

type Store interface {
	Enrollment(participantID string) (*spooler.Enrollment, error)
	SaveEnrollment(e *spooler.Enrollment) error
	PendingEnrollments() ([]spooler.Enrollment, error)
}

type Service struct {
	store  Store
	remote remote.Store
	logger *slog.Logger

	RetryBase time.Duration
	RetryMax  time.Duration

	clock func() time.Time
}

func NewService(store Store, rs remote.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		remote:    rs,
		logger:    logger.With("component", "enroll"),
		RetryBase: DefaultRetryBase,
		RetryMax:  DefaultRetryMax,
		clock:     func() time.Time { return time.Now().UTC() },
	}
}

// Ensure enrolls participantID if it is not already. A remote failure is
// recorded on the local record and nil is returned so capture can proceed
// offline; RetryPending picks the record up later.
func (s *Service) Ensure(ctx context.Context, participantID string) (*spooler.Enrollment, error) {
	rec, err := s.store.Enrollment(participantID)
	switch {
	case errors.Is(err, spooler.ErrNotFound):
		rec = &spooler.Enrollment{ParticipantID: participantID}
	case err != nil:
		return nil, fmt.Errorf("load enrollment: %w", err)
	}
	if rec.Enrolled {
		return rec, nil
	}
	if rec.Rejected {
		return rec, ErrNotRegistered
	}
	err = s.attempt(ctx, rec)
	if errors.Is(err, ErrNotRegistered) {
		return rec, err
	}
	return rec, nil
}

// RetryPending retries enrollments that are neither done nor rejected and
// whose retry delay has passed. It returns how many completed.
func (s *Service) RetryPending(ctx context.Context) (int, error) {
	pending, err := s.store.PendingEnrollments()
	if err != nil {
		return 0, fmt.Errorf("pending enrollments: %w", err)
	}
	now := s.clock()
	n := 0
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rec := &pending[i]
		if !s.RetryAllowed(rec, now) {
			continue
		}
		if err := s.attempt(ctx, rec); err == nil {
			n++
		}
	}
	return n, nil
}

// RetryAllowed reports whether rec may be retried at now. The delay doubles
// with every failed attempt up to RetryMax.
func (s *Service) RetryAllowed(rec *spooler.Enrollment, now time.Time) bool {
	if rec.Enrolled || rec.Rejected {
		return false
	}
	if rec.LastAttemptAt == nil || rec.Attempts == 0 {
		return true
	}
	wait := s.RetryBase
	for i := 1; i < rec.Attempts && wait < s.RetryMax; i++ {
		wait *= 2
	}
	wait = min(wait, s.RetryMax)
	return now.Sub(*rec.LastAttemptAt) >= wait
}

func (s *Service) attempt(ctx context.Context, rec *spooler.Enrollment) error {
	now := s.clock()
	rec.Attempts++
	rec.LastAttemptAt = &now

	err := s.register(ctx, rec.ParticipantID, now)
	switch {
	case err == nil:
		rec.Enrolled = true
		rec.EnrolledAt = &now
		rec.LastError = ""
		s.logger.Info("participant enrolled", "participant_id", rec.ParticipantID, "attempts", rec.Attempts)
	case errors.Is(err, ErrNotRegistered):
		rec.Rejected = true
		rec.LastError = err.Error()
		s.logger.Warn("participant id not registered, running local only", "participant_id", rec.ParticipantID)
	default:
		rec.LastError = err.Error()
		s.logger.Warn("enrollment deferred", "participant_id", rec.ParticipantID, "attempts", rec.Attempts, "error", err)
	}
	if serr := s.store.SaveEnrollment(rec); serr != nil {
		return fmt.Errorf("save enrollment: %w", serr)
	}
	return err
}

func (s *Service) register(ctx context.Context, participantID string, now time.Time) error {
	_, err := s.remote.GetDocument(ctx, remote.ValidParticipantPath(participantID))
	if errors.Is(err, remote.ErrNotFound) {
		return ErrNotRegistered
	}
	if err != nil {
		return fmt.Errorf("check registration: %w", err)
	}

	fields := map[string]any{
		"participantId":  participantID,
		"inUse":          true,
		"lastEnrolledAt": now.Format(time.RFC3339Nano),
	}
	existing, err := s.remote.GetDocument(ctx, remote.ParticipantPath(participantID))
	switch {
	case errors.Is(err, remote.ErrNotFound):
		fields["enrolledAt"] = now.Format(time.RFC3339Nano)
	case err != nil:
		return fmt.Errorf("load participant: %w", err)
	case existing["enrolledAt"] == nil:
		fields["enrolledAt"] = now.Format(time.RFC3339Nano)
	}
	if err := s.remote.PutDocument(ctx, remote.ParticipantPath(participantID), fields); err != nil {
		return fmt.Errorf("write participant: %w", err)
	}
	return nil
}
