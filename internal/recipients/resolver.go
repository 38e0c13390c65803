// Package recipients expands a student into the push-channel addresses that
// should hear about them: the student's own channel and every linked
// guardian's channel.
package recipients

import (
	"context"
	"errors"
	"log/slog"
	"regexp"

	"github.com/jackc/pgx/v5"

	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/db"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/outcome"
)

// LineUserID matches LINE Messaging API user ids: "U" and 32 hex digits.
var LineUserID = regexp.MustCompile(`^U[0-9a-f]{32}$`)

type Store interface {
	GetActiveChannelLink(ctx context.Context, kind db.OwnerKind, ownerID int64) (db.ChannelLink, error)
	ListGuardianChannels(ctx context.Context, studentID int64) ([]db.GuardianChannel, error)
}

// Recipient is one deliverable address. Owner fields are for logs only.
type Recipient struct {
	Address   string
	OwnerKind db.OwnerKind
	OwnerID   int64
	OwnerName string
}

type Resolver struct {
	store   Store
	pattern *regexp.Regexp
	logger  *slog.Logger
}

func NewResolver(store Store, pattern *regexp.Regexp, logger *slog.Logger) *Resolver {
	if pattern == nil {
		pattern = LineUserID
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, pattern: pattern, logger: logger}
}

// Resolve returns the student's own channel first, then guardian channels,
// each address at most once.
func (r *Resolver) Resolve(ctx context.Context, student db.Student) ([]Recipient, error) {
	var out []Recipient
	seen := map[string]bool{}
	add := func(rc Recipient) {
		if !r.pattern.MatchString(rc.Address) {
			r.logger.Debug("channel address skipped", "owner_kind", rc.OwnerKind, "owner_id", rc.OwnerID)
			return
		}
		if seen[rc.Address] {
			return
		}
		seen[rc.Address] = true
		out = append(out, rc)
	}

	link, err := r.store.GetActiveChannelLink(ctx, db.OwnerStudent, student.ID)
	switch {
	case err == nil:
		if link.Active {
			add(Recipient{Address: link.Address, OwnerKind: db.OwnerStudent, OwnerID: student.ID, OwnerName: student.DisplayName})
		}
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return nil, outcome.System("load student channel", err)
	}

	guardians, err := r.store.ListGuardianChannels(ctx, student.ID)
	if err != nil {
		return nil, outcome.System("load guardian channels", err)
	}
	for _, g := range guardians {
		add(Recipient{Address: g.Address, OwnerKind: db.OwnerGuardian, OwnerID: g.GuardianID, OwnerName: g.GuardianName})
	}
	return out, nil
}
