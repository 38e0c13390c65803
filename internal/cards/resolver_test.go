package cards

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/db"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/outcome"
)

type fakeStore struct {
	mu          sync.Mutex
	cards       map[int64]db.IdentityCard
	assignments []db.CardAssignment
	students    map[int64]db.Student
	touched     map[int64]time.Time
	touchErr    error
	loadErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cards:    map[int64]db.IdentityCard{},
		students: map[int64]db.Student{},
		touched:  map[int64]time.Time{},
	}
}

func (f *fakeStore) GetActiveCardByCode(_ context.Context, code string) (db.IdentityCard, error) {
	if f.loadErr != nil {
		return db.IdentityCard{}, f.loadErr
	}
	for _, c := range f.cards {
		if c.Code == code && c.Active {
			return c, nil
		}
	}
	return db.IdentityCard{}, pgx.ErrNoRows
}

func (f *fakeStore) GetCard(_ context.Context, id int64) (db.IdentityCard, error) {
	c, ok := f.cards[id]
	if !ok {
		return db.IdentityCard{}, pgx.ErrNoRows
	}
	return c, nil
}

func (f *fakeStore) GetActiveAssignment(_ context.Context, cardID int64, at time.Time) (db.CardAssignment, error) {
	for _, a := range f.assignments {
		if a.CardID != cardID || !a.Active || a.ValidFrom.After(at) {
			continue
		}
		if a.ValidTo != nil && a.ValidTo.Before(at) {
			continue
		}
		return a, nil
	}
	return db.CardAssignment{}, pgx.ErrNoRows
}

// CreateCardAssignment mirrors the exclusion constraint on card_assignments.
func (f *fakeStore) CreateCardAssignment(_ context.Context, arg db.CreateCardAssignmentParams) (db.CardAssignment, error) {
	for _, a := range f.assignments {
		if a.CardID == arg.CardID && a.Active && overlaps(a.ValidFrom, a.ValidTo, arg.ValidFrom, arg.ValidTo) {
			return db.CardAssignment{}, db.ErrConflict
		}
	}
	a := db.CardAssignment{
		ID:        int64(len(f.assignments) + 1),
		CardID:    arg.CardID,
		StudentID: arg.StudentID,
		ValidFrom: arg.ValidFrom,
		ValidTo:   arg.ValidTo,
		Active:    true,
		CreatedAt: arg.CreatedAt,
	}
	f.assignments = append(f.assignments, a)
	card := f.cards[arg.CardID]
	card.Status = db.CardAssigned
	f.cards[arg.CardID] = card
	return a, nil
}

func overlaps(aFrom time.Time, aTo *time.Time, bFrom time.Time, bTo *time.Time) bool {
	if aTo != nil && aTo.Before(bFrom) {
		return false
	}
	if bTo != nil && bTo.Before(aFrom) {
		return false
	}
	return true
}

func (f *fakeStore) GetStudent(_ context.Context, id int64) (db.Student, error) {
	s, ok := f.students[id]
	if !ok {
		return db.Student{}, pgx.ErrNoRows
	}
	return s, nil
}

func (f *fakeStore) TouchCardLastSeen(_ context.Context, cardID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touchErr != nil {
		return f.touchErr
	}
	f.touched[cardID] = at
	return nil
}

func ptr[T any](v T) *T {
	return &v
}

var now = time.Date(2026, 3, 2, 7, 15, 0, 0, time.UTC)

func seeded() *fakeStore {
	f := newFakeStore()
	f.cards[1] = db.IdentityCard{ID: 1, Code: "E398F334", Status: db.CardAssigned, Active: true}
	f.students[100014] = db.Student{ID: 100014, DisplayName: "Nina", Active: true}
	f.assignments = append(f.assignments, db.CardAssignment{
		ID: 1, CardID: 1, StudentID: 100014, ValidFrom: now.Add(-30 * 24 * time.Hour), Active: true,
	})
	return f
}

func TestResolveAssignedCard(t *testing.T) {
	store := seeded()
	resolver := NewResolver(store, nil, nil)

	res, err := resolver.Resolve(context.Background(), " E398F334 ", now)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if res.Student.ID != 100014 || res.CardID != 1 {
		t.Fatalf("unexpected resolution %+v", res)
	}
	resolver.Wait()
	if got := store.touched[1]; !got.Equal(now) {
		t.Fatalf("expected last-seen update at %s, got %s", now, got)
	}
}

func TestResolveFailures(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*fakeStore)
		code  string
		kind  outcome.Kind
	}{
		{"unknown card", func(f *fakeStore) { delete(f.cards, 1) }, outcome.CodeCardNotFound, outcome.KindNotFound},
		{"inactive card", func(f *fakeStore) {
			c := f.cards[1]
			c.Active = false
			f.cards[1] = c
		}, outcome.CodeCardNotFound, outcome.KindNotFound},
		{"expired assignment", func(f *fakeStore) {
			f.assignments[0].ValidTo = ptr(now.Add(-time.Hour))
		}, outcome.CodeNoActiveAssignment, outcome.KindNotFound},
		{"future assignment", func(f *fakeStore) {
			f.assignments[0].ValidFrom = now.Add(time.Hour)
		}, outcome.CodeNoActiveAssignment, outcome.KindNotFound},
		{"inactive assignment", func(f *fakeStore) {
			f.assignments[0].Active = false
		}, outcome.CodeNoActiveAssignment, outcome.KindNotFound},
		{"inactive student", func(f *fakeStore) {
			s := f.students[100014]
			s.Active = false
			f.students[100014] = s
		}, outcome.CodeStudentInactive, outcome.KindNotFound},
		{"enrollment ended", func(f *fakeStore) {
			s := f.students[100014]
			s.EnrolledTo = ptr(now.Add(-48 * time.Hour))
			f.students[100014] = s
		}, outcome.CodeStudentInactive, outcome.KindNotFound},
		{"store failure", func(f *fakeStore) { f.loadErr = errors.New("pool exhausted") }, outcome.CodeSystemError, outcome.KindSystem},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := seeded()
			tc.setup(store)
			resolver := NewResolver(store, nil, nil)
			_, err := resolver.Resolve(context.Background(), "E398F334", now)
			got := outcome.From(err)
			if got == nil || got.Code != tc.code || got.Kind != tc.kind {
				t.Fatalf("expected %s/%s, got %v", tc.kind, tc.code, err)
			}
			resolver.Wait()
			if len(store.touched) != 0 {
				t.Fatalf("expected no last-seen update on failure")
			}
		})
	}
}

func TestResolveRejectsBlankCode(t *testing.T) {
	resolver := NewResolver(seeded(), nil, nil)
	_, err := resolver.Resolve(context.Background(), "   ", now)
	if outcome.KindOf(err) != outcome.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestResolveIgnoresLastSeenFailure(t *testing.T) {
	store := seeded()
	store.touchErr = errors.New("write timeout")
	resolver := NewResolver(store, nil, nil)
	if _, err := resolver.Resolve(context.Background(), "E398F334", now); err != nil {
		t.Fatalf("expected success despite last-seen failure, got %v", err)
	}
	resolver.Wait()
}

func TestEnrolledBoundaries(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	s := db.Student{Active: true, EnrolledFrom: ptr(day), EnrolledTo: ptr(day)}
	if !Enrolled(s, day.Add(23*time.Hour), time.UTC) {
		t.Fatalf("expected enrollment dates to be inclusive")
	}
	if Enrolled(s, day.Add(25*time.Hour), time.UTC) {
		t.Fatalf("expected student outside enrollment after end date")
	}
	if Enrolled(s, day.Add(-time.Hour), time.UTC) {
		t.Fatalf("expected student outside enrollment before start date")
	}
}

func TestEnrolledUsesServiceTimeZone(t *testing.T) {
	bangkok := time.FixedZone("ICT", 7*60*60)
	first := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	last := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	s := db.Student{Active: true, EnrolledFrom: ptr(first), EnrolledTo: ptr(last)}

	// 06:30 on the first enrolled day in Bangkok is still the previous day in UTC.
	morning := time.Date(2026, 10, 15, 6, 30, 0, 0, bangkok).UTC()
	if !Enrolled(s, morning, bangkok) {
		t.Fatalf("expected student enrolled at %s local", morning.In(bangkok))
	}
	if Enrolled(s, morning, time.UTC) {
		t.Fatalf("expected UTC day to fall before enrollment")
	}

	dayAfter := time.Date(2026, 10, 21, 6, 30, 0, 0, bangkok).UTC()
	if Enrolled(s, dayAfter, bangkok) {
		t.Fatalf("expected student outside enrollment at %s local", dayAfter.In(bangkok))
	}
}

func TestResolveOnFirstEnrolledMorning(t *testing.T) {
	bangkok := time.FixedZone("ICT", 7*60*60)
	store := seeded()
	s := store.students[100014]
	s.EnrolledFrom = ptr(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	store.students[100014] = s

	morning := time.Date(2026, 3, 2, 6, 30, 0, 0, bangkok)
	resolver := NewResolver(store, bangkok, nil)
	if _, err := resolver.Resolve(context.Background(), "E398F334", morning); err != nil {
		t.Fatalf("expected enrolled student on first morning, got %v", err)
	}
	resolver.Wait()
}

func TestAssignRejectsOverlap(t *testing.T) {
	store := seeded()
	store.students[100015] = db.Student{ID: 100015, DisplayName: "Oat", Active: true}
	resolver := NewResolver(store, nil, nil)

	_, err := resolver.Assign(context.Background(), AssignParams{
		CardID: 1, StudentID: 100015, ValidFrom: now.Add(24 * time.Hour),
	}, now)
	if !outcome.IsCode(err, outcome.CodeAssignmentOverlap) {
		t.Fatalf("expected AssignmentOverlap, got %v", err)
	}

	store.assignments[0].ValidTo = ptr(now.Add(12 * time.Hour))
	assignment, err := resolver.Assign(context.Background(), AssignParams{
		CardID: 1, StudentID: 100015, ValidFrom: now.Add(24 * time.Hour),
	}, now)
	if err != nil {
		t.Fatalf("expected non-overlapping assignment to succeed, got %v", err)
	}
	if assignment.StudentID != 100015 || !assignment.Active {
		t.Fatalf("unexpected assignment %+v", assignment)
	}
}

func TestAssignValidation(t *testing.T) {
	store := seeded()
	resolver := NewResolver(store, nil, nil)

	_, err := resolver.Assign(context.Background(), AssignParams{
		CardID: 1, StudentID: 100014, ValidFrom: now, ValidTo: ptr(now.Add(-time.Minute)),
	}, now)
	if outcome.KindOf(err) != outcome.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err = resolver.Assign(context.Background(), AssignParams{CardID: 99, StudentID: 100014, ValidFrom: now}, now)
	if !outcome.IsCode(err, outcome.CodeCardNotFound) {
		t.Fatalf("expected CardNotFound, got %v", err)
	}

	store.cards[2] = db.IdentityCard{ID: 2, Code: "AA00", Status: db.CardAvailable, Active: true}
	_, err = resolver.Assign(context.Background(), AssignParams{CardID: 2, StudentID: 404, ValidFrom: now}, now)
	if !outcome.IsCode(err, outcome.CodeStudentNotFound) {
		t.Fatalf("expected StudentNotFound, got %v", err)
	}
}
