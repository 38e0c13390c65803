// Package attendance turns resolved scans into append-only board/alight
// events.
//
// Events alternate per student within a trip phase and service day, starting
// with board. A scan landing within the duplicate window of the student's
// latest event is reported as DuplicateScan. Each event carries a sequence
// number unique per (student, phase, day), so two concurrent writers that
// read the same latest event cannot both append.
package attendance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/cache"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/db"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/outcome"
)

type Store interface {
	GetLatestEvent(ctx context.Context, studentID int64, phaseID pgtype.UUID, serviceDate time.Time) (db.AttendanceEvent, error)
	InsertAttendanceEvent(ctx context.Context, e db.AttendanceEvent) (db.AttendanceEvent, error)
}

type PhaseSource interface {
	Current(ctx context.Context, driverID int64, hint db.Leg) (db.TripPhase, error)
}

// Notifier receives every recorded event. It must not block the caller.
type Notifier interface {
	NotifyAttendance(event db.AttendanceEvent)
}

type Input struct {
	StudentID   int64
	DriverID    int64
	CardID      *int64
	Lat         *float64
	Lon         *float64
	Source      db.EventSource
	LegHint     db.Leg
	At          time.Time
	DebounceKey string
}

type Options struct {
	DuplicateWindow time.Duration
	Location        *time.Location
	Debounce        cache.Keyed
	Logger          *slog.Logger
}

type Recorder struct {
	store    Store
	phases   PhaseSource
	notifier Notifier
	window   time.Duration
	loc      *time.Location
	debounce cache.Keyed
	logger   *slog.Logger
}

func NewRecorder(store Store, phases PhaseSource, notifier Notifier, opts Options) *Recorder {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Recorder{
		store:    store,
		phases:   phases,
		notifier: notifier,
		window:   opts.DuplicateWindow,
		loc:      opts.Location,
		debounce: opts.Debounce,
		logger:   opts.Logger,
	}
}

func (r *Recorder) Record(ctx context.Context, in Input) (db.AttendanceEvent, error) {
	if in.Source != db.SourceScan && in.Source != db.SourceManual {
		return db.AttendanceEvent{}, outcome.Validation(outcome.CodeInvalidRequest, "unknown event source")
	}
	if in.At.IsZero() {
		in.At = time.Now()
	}

	phase, err := r.phases.Current(ctx, in.DriverID, in.LegHint)
	if err != nil {
		return db.AttendanceEvent{}, err
	}

	// The debounce key is per phase so a tap right after a leg change is
	// classified afresh instead of being held back by the previous leg.
	key := phaseKey(in.DebounceKey, phase)
	claimed, err := r.claim(ctx, key)
	if err != nil {
		return db.AttendanceEvent{}, err
	}

	event, err := r.record(ctx, in, phase)
	if err != nil {
		if claimed && !outcome.IsCode(err, outcome.CodeDuplicateScan) {
			r.release(key)
		}
		return db.AttendanceEvent{}, err
	}

	r.logger.Info("attendance recorded",
		"student_id", event.StudentID,
		"driver_id", event.DriverID,
		"event_type", event.EventType,
		"leg", event.Leg,
		"seq", event.Seq,
		"source", event.Source,
	)
	if r.notifier != nil {
		r.notifier.NotifyAttendance(event)
	}
	return event, nil
}

func (r *Recorder) record(ctx context.Context, in Input, phase db.TripPhase) (db.AttendanceEvent, error) {
	day := ServiceDate(in.At, r.loc)

	var latest *db.AttendanceEvent
	prev, err := r.store.GetLatestEvent(ctx, in.StudentID, phase.PhaseID, day)
	switch {
	case err == nil:
		latest = &prev
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return db.AttendanceEvent{}, outcome.System("load latest event", err)
	}

	if latest != nil && in.At.Sub(latest.OccurredAt) < r.window {
		return db.AttendanceEvent{}, outcome.Conflict(outcome.CodeDuplicateScan)
	}

	seq := int32(1)
	if latest != nil {
		seq = latest.Seq + 1
	}
	event, err := r.store.InsertAttendanceEvent(ctx, db.AttendanceEvent{
		ID:          pgtype.UUID{Bytes: uuid.New(), Valid: true},
		StudentID:   in.StudentID,
		DriverID:    in.DriverID,
		EventType:   Classify(latest),
		Leg:         phase.Leg,
		PhaseID:     phase.PhaseID,
		ServiceDate: day,
		Seq:         seq,
		OccurredAt:  in.At.UTC(),
		Lat:         in.Lat,
		Lon:         in.Lon,
		Source:      in.Source,
		CardID:      in.CardID,
	})
	if err != nil {
		if errors.Is(err, db.ErrConflict) {
			return db.AttendanceEvent{}, outcome.Conflict(outcome.CodeDuplicateScan)
		}
		return db.AttendanceEvent{}, outcome.System("insert event", err)
	}
	return event, nil
}

func phaseKey(key string, phase db.TripPhase) string {
	if key == "" || !phase.PhaseID.Valid {
		return key
	}
	return key + ":" + uuid.UUID(phase.PhaseID.Bytes).String()
}

func (r *Recorder) claim(ctx context.Context, key string) (bool, error) {
	if r.debounce == nil || key == "" || r.window <= 0 {
		return false, nil
	}
	ok, err := r.debounce.Claim(ctx, key, r.window)
	if err != nil {
		r.logger.Warn("scan debounce unavailable", "key", key, "error", err)
		return false, nil
	}
	if !ok {
		return false, outcome.Conflict(outcome.CodeDuplicateScan)
	}
	return true, nil
}

func (r *Recorder) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.debounce.Release(ctx, key); err != nil {
		r.logger.Warn("scan debounce release failed", "key", key, "error", err)
	}
}

// Classify returns the event type following latest: board when there is no
// prior event or the prior one was an alighting, alight otherwise.
func Classify(latest *db.AttendanceEvent) db.EventType {
	if latest == nil || latest.EventType == db.EventAlight {
		return db.EventBoard
	}
	return db.EventAlight
}

// ServiceDate is the calendar day of at in loc, as a UTC midnight.
func ServiceDate(at time.Time, loc *time.Location) time.Time {
	y, m, d := at.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
