// Package cards resolves scanned identity-card codes to enrolled students and
// writes time-bounded card assignments.
package cards

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/db"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/outcome"
)

type Store interface {
	GetActiveCardByCode(ctx context.Context, code string) (db.IdentityCard, error)
	GetCard(ctx context.Context, id int64) (db.IdentityCard, error)
	GetActiveAssignment(ctx context.Context, cardID int64, at time.Time) (db.CardAssignment, error)
	CreateCardAssignment(ctx context.Context, arg db.CreateCardAssignmentParams) (db.CardAssignment, error)
	GetStudent(ctx context.Context, id int64) (db.Student, error)
	TouchCardLastSeen(ctx context.Context, cardID int64, at time.Time) error
}

type Resolution struct {
	CardID       int64
	AssignmentID int64
	Student      db.Student
}

type Resolver struct {
	store        Store
	loc          *time.Location
	logger       *slog.Logger
	touchTimeout time.Duration
	touches      sync.WaitGroup
}

// NewResolver checks enrollment dates against the calendar day in loc.
func NewResolver(store Store, loc *time.Location, logger *slog.Logger) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, loc: loc, logger: logger, touchTimeout: 2 * time.Second}
}

// Resolve maps a card code to the student holding it at now.
func (r *Resolver) Resolve(ctx context.Context, code string, now time.Time) (Resolution, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Resolution{}, outcome.Validation(outcome.CodeInvalidRequest, "card code required")
	}

	card, err := r.store.GetActiveCardByCode(ctx, code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Resolution{}, outcome.NotFound(outcome.CodeCardNotFound)
		}
		return Resolution{}, outcome.System("load card", err)
	}
	if !card.Active {
		return Resolution{}, outcome.NotFound(outcome.CodeCardNotFound)
	}

	assignment, err := r.store.GetActiveAssignment(ctx, card.ID, now)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Resolution{}, outcome.NotFound(outcome.CodeNoActiveAssignment)
		}
		return Resolution{}, outcome.System("load assignment", err)
	}

	student, err := r.store.GetStudent(ctx, assignment.StudentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Resolution{}, outcome.NotFound(outcome.CodeStudentInactive)
		}
		return Resolution{}, outcome.System("load student", err)
	}
	if !r.Enrolled(student, now) {
		return Resolution{}, outcome.NotFound(outcome.CodeStudentInactive)
	}

	r.touch(ctx, card.ID, now)
	return Resolution{CardID: card.ID, AssignmentID: assignment.ID, Student: student}, nil
}

// Wait blocks until pending last-seen updates finish.
func (r *Resolver) Wait() {
	r.touches.Wait()
}

func (r *Resolver) touch(ctx context.Context, cardID int64, at time.Time) {
	r.touches.Add(1)
	go func() {
		defer r.touches.Done()
		touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.touchTimeout)
		defer cancel()
		if err := r.store.TouchCardLastSeen(touchCtx, cardID, at); err != nil {
			r.logger.Warn("card last-seen update failed", "card_id", cardID, "error", err)
		}
	}()
}

// Enrolled reports whether the student is enrolled on now's day in the
// resolver's location.
func (r *Resolver) Enrolled(s db.Student, now time.Time) bool {
	return Enrolled(s, now, r.loc)
}

// Enrolled reports whether the student is active and the calendar day of now
// in loc falls inside the enrollment dates, both ends inclusive. Enrollment
// dates are DATE columns and arrive as UTC midnight.
func Enrolled(s db.Student, now time.Time, loc *time.Location) bool {
	if !s.Active {
		return false
	}
	if loc == nil {
		loc = time.UTC
	}
	day := civilDate(now.In(loc))
	if s.EnrolledFrom != nil && day.Before(civilDate(s.EnrolledFrom.UTC())) {
		return false
	}
	if s.EnrolledTo != nil && day.After(civilDate(s.EnrolledTo.UTC())) {
		return false
	}
	return true
}

func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
