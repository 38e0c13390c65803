package recipients

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/db"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/outcome"
)

type fakeStore struct {
	links     map[int64]db.ChannelLink
	guardians map[int64][]db.GuardianChannel
	err       error
}

func (f *fakeStore) GetActiveChannelLink(_ context.Context, kind db.OwnerKind, ownerID int64) (db.ChannelLink, error) {
	if kind != db.OwnerStudent {
		return db.ChannelLink{}, pgx.ErrNoRows
	}
	l, ok := f.links[ownerID]
	if !ok {
		return db.ChannelLink{}, pgx.ErrNoRows
	}
	return l, nil
}

func (f *fakeStore) ListGuardianChannels(_ context.Context, studentID int64) ([]db.GuardianChannel, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.guardians[studentID], nil
}

func lineID(c string) string {
	return "U" + strings.Repeat(c, 32)
}

var student = db.Student{ID: 100014, DisplayName: "Nina", Active: true}

func TestResolveStudentAndGuardian(t *testing.T) {
	store := &fakeStore{
		links: map[int64]db.ChannelLink{100014: {OwnerKind: db.OwnerStudent, OwnerID: 100014, Address: lineID("a"), Active: true}},
		guardians: map[int64][]db.GuardianChannel{100014: {
			{GuardianID: 9, GuardianName: "Mali", Relationship: "mother", Address: lineID("b")},
		}},
	}
	got, err := NewResolver(store, nil, nil).Resolve(context.Background(), student)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 recipients, got %d", len(got))
	}
	if got[0].OwnerKind != db.OwnerStudent || got[1].OwnerKind != db.OwnerGuardian || got[1].OwnerID != 9 {
		t.Fatalf("unexpected recipients %+v", got)
	}
}

func TestResolveDeduplicatesGuardianLinkedTwice(t *testing.T) {
	store := &fakeStore{
		links: map[int64]db.ChannelLink{100014: {Address: lineID("a"), Active: true}},
		guardians: map[int64][]db.GuardianChannel{100014: {
			{GuardianID: 9, Relationship: "mother", Address: lineID("b")},
			{GuardianID: 9, Relationship: "emergency_contact", Address: lineID("b")},
		}},
	}
	got, err := NewResolver(store, nil, nil).Resolve(context.Background(), student)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 recipients after dedupe, got %d", len(got))
	}
}

func TestResolveSkipsInvalidAndInactive(t *testing.T) {
	store := &fakeStore{
		links: map[int64]db.ChannelLink{100014: {Address: lineID("a"), Active: false}},
		guardians: map[int64][]db.GuardianChannel{100014: {
			{GuardianID: 9, Address: "not-a-line-id"},
			{GuardianID: 10, Address: "U" + strings.Repeat("a", 31)},
			{GuardianID: 11, Address: lineID("c")},
		}},
	}
	got, err := NewResolver(store, nil, nil).Resolve(context.Background(), student)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 || got[0].OwnerID != 11 {
		t.Fatalf("expected only guardian 11, got %+v", got)
	}
}

func TestResolveWithoutChannels(t *testing.T) {
	got, err := NewResolver(&fakeStore{}, nil, nil).Resolve(context.Background(), student)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no recipients, got %d", len(got))
	}
}

func TestResolveStoreFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("timeout")}
	_, err := NewResolver(store, nil, nil).Resolve(context.Background(), student)
	if outcome.KindOf(err) != outcome.KindSystem {
		t.Fatalf("expected system error, got %v", err)
	}
}
