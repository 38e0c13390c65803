// Package trip tracks which route leg each driver is currently running.
//
// Every leg change mints a new phase id. Attendance history is keyed by the
// phase, so the board/alight alternation restarts on each leg change even
// when a driver returns to a leg used earlier in the day.
package trip

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/db"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/outcome"
)

const DefaultLeg = db.LegOutbound

type Store interface {
	GetTripPhase(ctx context.Context, driverID int64) (db.TripPhase, error)
	EnsureTripPhase(ctx context.Context, arg db.TripPhase) (db.TripPhase, error)
	UpsertTripPhase(ctx context.Context, arg db.TripPhase) (db.TripPhase, error)
}

type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewTracker(store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, logger: logger, now: time.Now}
}

// Leg returns the driver's current leg, outbound when none is recorded.
func (t *Tracker) Leg(ctx context.Context, driverID int64) (db.Leg, error) {
	phase, err := t.store.GetTripPhase(ctx, driverID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultLeg, nil
		}
		return "", outcome.System("load trip phase", err)
	}
	return phase.Leg, nil
}

// SetLeg overwrites the driver's leg. Setting the current leg again is a
// no-op that keeps the phase.
func (t *Tracker) SetLeg(ctx context.Context, driverID int64, leg db.Leg) (db.TripPhase, error) {
	if !leg.Valid() {
		return db.TripPhase{}, outcome.Validation(outcome.CodeInvalidRequest, "leg must be outbound or return")
	}
	phase, err := t.store.UpsertTripPhase(ctx, db.TripPhase{
		DriverID:  driverID,
		Leg:       leg,
		PhaseID:   newPhaseID(),
		UpdatedAt: t.now().UTC(),
	})
	if err != nil {
		return db.TripPhase{}, outcome.System("store trip phase", err)
	}
	t.logger.Info("trip leg set", "driver_id", driverID, "leg", phase.Leg, "phase_id", uuidString(phase.PhaseID))
	return phase, nil
}

// Current returns the driver's phase, creating one when none is recorded.
// hint seeds the leg of a newly created phase; an existing phase always wins.
func (t *Tracker) Current(ctx context.Context, driverID int64, hint db.Leg) (db.TripPhase, error) {
	if hint == "" {
		hint = DefaultLeg
	}
	if !hint.Valid() {
		return db.TripPhase{}, outcome.Validation(outcome.CodeInvalidRequest, "leg must be outbound or return")
	}
	phase, err := t.store.GetTripPhase(ctx, driverID)
	if err == nil {
		if phase.Leg != hint {
			t.logger.Debug("leg hint ignored", "driver_id", driverID, "recorded", phase.Leg, "hint", hint)
		}
		return phase, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return db.TripPhase{}, outcome.System("load trip phase", err)
	}
	phase, err = t.store.EnsureTripPhase(ctx, db.TripPhase{
		DriverID:  driverID,
		Leg:       hint,
		PhaseID:   newPhaseID(),
		UpdatedAt: t.now().UTC(),
	})
	if err != nil {
		return db.TripPhase{}, outcome.System("create trip phase", err)
	}
	return phase, nil
}

func newPhaseID() pgtype.UUID {
	return pgtype.UUID{Bytes: uuid.New(), Valid: true}
}

func uuidString(id pgtype.UUID) string {
	if !id.Valid {
		return ""
	}
	return uuid.UUID(id.Bytes).String()
}
