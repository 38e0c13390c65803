package cards

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/db"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/outcome"
)

type AssignParams struct {
	CardID    int64
	StudentID int64
	ValidFrom time.Time
	ValidTo   *time.Time
}

// Assign binds a card to a student for a validity window. The data store
// rejects a window overlapping another active assignment of the same card.
func (r *Resolver) Assign(ctx context.Context, arg AssignParams, now time.Time) (db.CardAssignment, error) {
	if arg.ValidTo != nil && arg.ValidTo.Before(arg.ValidFrom) {
		return db.CardAssignment{}, outcome.Validation(outcome.CodeInvalidRequest, "validTo before validFrom")
	}

	card, err := r.store.GetCard(ctx, arg.CardID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return db.CardAssignment{}, outcome.NotFound(outcome.CodeCardNotFound)
		}
		return db.CardAssignment{}, outcome.System("load card", err)
	}
	if !card.Active || card.Status == db.CardDisabled {
		return db.CardAssignment{}, outcome.NotFound(outcome.CodeCardNotFound)
	}

	if _, err := r.store.GetStudent(ctx, arg.StudentID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return db.CardAssignment{}, outcome.NotFound(outcome.CodeStudentNotFound)
		}
		return db.CardAssignment{}, outcome.System("load student", err)
	}

	assignment, err := r.store.CreateCardAssignment(ctx, db.CreateCardAssignmentParams{
		CardID:    arg.CardID,
		StudentID: arg.StudentID,
		ValidFrom: arg.ValidFrom.UTC(),
		ValidTo:   utcPtr(arg.ValidTo),
		CreatedAt: now.UTC(),
	})
	if err != nil {
		if errors.Is(err, db.ErrConflict) {
			return db.CardAssignment{}, outcome.Conflict(outcome.CodeAssignmentOverlap)
		}
		return db.CardAssignment{}, outcome.System("create assignment", err)
	}
	r.logger.Info("card assigned", "card_id", assignment.CardID, "student_id", assignment.StudentID, "assignment_id", assignment.ID)
	return assignment, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
