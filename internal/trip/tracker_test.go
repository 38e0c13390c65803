package trip

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/db"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/outcome"
)

type fakeStore struct {
	phases map[int64]db.TripPhase
	err    error
}

func (f *fakeStore) GetTripPhase(_ context.Context, driverID int64) (db.TripPhase, error) {
	if f.err != nil {
		return db.TripPhase{}, f.err
	}
	p, ok := f.phases[driverID]
	if !ok {
		return db.TripPhase{}, pgx.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) EnsureTripPhase(_ context.Context, arg db.TripPhase) (db.TripPhase, error) {
	if p, ok := f.phases[arg.DriverID]; ok {
		return p, nil
	}
	f.phases[arg.DriverID] = arg
	return arg, nil
}

func (f *fakeStore) UpsertTripPhase(_ context.Context, arg db.TripPhase) (db.TripPhase, error) {
	if p, ok := f.phases[arg.DriverID]; ok && p.Leg == arg.Leg {
		return p, nil
	}
	f.phases[arg.DriverID] = arg
	return arg, nil
}

func newTracker() (*Tracker, *fakeStore) {
	store := &fakeStore{phases: map[int64]db.TripPhase{}}
	tracker := NewTracker(store, nil)
	tracker.now = func() time.Time { return time.Date(2026, 3, 2, 6, 30, 0, 0, time.UTC) }
	return tracker, store
}

func TestLegDefaultsToOutbound(t *testing.T) {
	tracker, _ := newTracker()
	leg, err := tracker.Leg(context.Background(), 1)
	if err != nil {
		t.Fatalf("leg error: %v", err)
	}
	if leg != db.LegOutbound {
		t.Fatalf("expected outbound default, got %s", leg)
	}
}

func TestSetLegMintsPhaseOnlyOnChange(t *testing.T) {
	tracker, _ := newTracker()
	ctx := context.Background()

	first, err := tracker.SetLeg(ctx, 1, db.LegOutbound)
	if err != nil {
		t.Fatalf("set leg: %v", err)
	}
	again, err := tracker.SetLeg(ctx, 1, db.LegOutbound)
	if err != nil {
		t.Fatalf("set leg again: %v", err)
	}
	if again.PhaseID != first.PhaseID {
		t.Fatalf("expected idempotent set to keep phase")
	}

	ret, err := tracker.SetLeg(ctx, 1, db.LegReturn)
	if err != nil {
		t.Fatalf("set return: %v", err)
	}
	if ret.PhaseID == first.PhaseID {
		t.Fatalf("expected new phase on leg change")
	}
	leg, _ := tracker.Leg(ctx, 1)
	if leg != db.LegReturn {
		t.Fatalf("expected return leg, got %s", leg)
	}

	back, _ := tracker.SetLeg(ctx, 1, db.LegOutbound)
	if back.PhaseID == first.PhaseID || back.PhaseID == ret.PhaseID {
		t.Fatalf("expected returning to outbound to mint a fresh phase")
	}
}

func TestSetLegRejectsUnknownLeg(t *testing.T) {
	tracker, _ := newTracker()
	_, err := tracker.SetLeg(context.Background(), 1, db.Leg("sideways"))
	if outcome.KindOf(err) != outcome.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCurrentSeedsFromHintOnlyWhenUnset(t *testing.T) {
	tracker, store := newTracker()
	ctx := context.Background()

	phase, err := tracker.Current(ctx, 7, db.LegReturn)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if phase.Leg != db.LegReturn || !phase.PhaseID.Valid {
		t.Fatalf("expected seeded return phase, got %+v", phase)
	}

	again, err := tracker.Current(ctx, 7, db.LegOutbound)
	if err != nil {
		t.Fatalf("current again: %v", err)
	}
	if again.Leg != db.LegReturn || again.PhaseID != phase.PhaseID {
		t.Fatalf("expected recorded phase to win over hint")
	}
	if len(store.phases) != 1 {
		t.Fatalf("expected one phase row, got %d", len(store.phases))
	}

	fresh, err := tracker.Current(ctx, 8, "")
	if err != nil {
		t.Fatalf("current without hint: %v", err)
	}
	if fresh.Leg != db.LegOutbound {
		t.Fatalf("expected outbound default, got %s", fresh.Leg)
	}
}

func TestLegStoreFailure(t *testing.T) {
	tracker, store := newTracker()
	store.err = errors.New("connection refused")
	if _, err := tracker.Leg(context.Background(), 1); outcome.KindOf(err) != outcome.KindSystem {
		t.Fatalf("expected system error, got %v", err)
	}
	if _, err := tracker.Current(context.Background(), 1, ""); outcome.KindOf(err) != outcome.KindSystem {
		t.Fatalf("expected system error, got %v", err)
	}
}
