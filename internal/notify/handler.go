package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/db"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/jobs"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/recipients"
)

type Store interface {
	GetStudent(ctx context.Context, id int64) (db.Student, error)
	GetDriver(ctx context.Context, id int64) (db.Driver, error)
	GetTripPhase(ctx context.Context, driverID int64) (db.TripPhase, error)
	ListOnboardStudents(ctx context.Context, phaseID pgtype.UUID, serviceDate time.Time) ([]int64, error)
}

type RecipientSource interface {
	Resolve(ctx context.Context, student db.Student) ([]recipients.Recipient, error)
}

// Handler turns recorded events and incident transitions into dispatches.
type Handler struct {
	store      Store
	recipients RecipientSource
	dispatcher *Dispatcher
	loc        *time.Location
	logger     *slog.Logger
	now        func() time.Time
}

func NewHandler(store Store, rs RecipientSource, dispatcher *Dispatcher, loc *time.Location, logger *slog.Logger) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, recipients: rs, dispatcher: dispatcher, loc: loc, logger: logger, now: time.Now}
}

// Attendance notifies the student and guardians about one board/alight.
func (h *Handler) Attendance(ctx context.Context, e db.AttendanceEvent) (Result, error) {
	student, err := h.store.GetStudent(ctx, e.StudentID)
	if err != nil {
		return Result{}, fmt.Errorf("load student %d: %w", e.StudentID, err)
	}
	driverName := h.driverName(ctx, e.DriverID)
	to, err := h.recipients.Resolve(ctx, student)
	if err != nil {
		return Result{}, err
	}
	return h.dispatcher.Dispatch(ctx, to, ForEvent(e.EventType), Params{
		StudentName: student.DisplayName,
		EventKind:   string(e.EventType),
		DriverName:  driverName,
		At:          e.OccurredAt,
	})
}

// Incident broadcasts tmpl to the recipients of every student on board the
// driver's bus, one message per student.
func (h *Handler) Incident(ctx context.Context, inc db.EmergencyIncident, tmpl Template) ([]Result, error) {
	if !Dispatching(tmpl) {
		res, err := h.dispatcher.Dispatch(ctx, nil, tmpl, Params{})
		return []Result{res}, err
	}

	phase, err := h.store.GetTripPhase(ctx, inc.DriverID)
	if errors.Is(err, pgx.ErrNoRows) {
		h.logger.Info("incident audience empty: no trip phase", "driver_id", inc.DriverID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load trip phase: %w", err)
	}
	now := h.now()
	y, m, d := now.In(h.loc).Date()
	onboard, err := h.store.ListOnboardStudents(ctx, phase.PhaseID, time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return nil, fmt.Errorf("list onboard students: %w", err)
	}

	driverName := h.driverName(ctx, inc.DriverID)
	details := ""
	if inc.Details != nil {
		details = *inc.Details
	}
	var results []Result
	for _, id := range onboard {
		student, err := h.store.GetStudent(ctx, id)
		if err != nil {
			h.logger.Warn("incident recipient skipped", "student_id", id, "error", err)
			continue
		}
		to, err := h.recipients.Resolve(ctx, student)
		if err != nil {
			h.logger.Warn("incident recipients unresolved", "student_id", id, "error", err)
			continue
		}
		res, err := h.dispatcher.Dispatch(ctx, to, tmpl, Params{
			StudentName: student.DisplayName,
			DriverName:  driverName,
			TriggerType: inc.TriggerType,
			Details:     details,
			At:          now,
		})
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (h *Handler) driverName(ctx context.Context, id int64) string {
	driver, err := h.store.GetDriver(ctx, id)
	if err != nil {
		h.logger.Warn("driver name unavailable", "driver_id", id, "error", err)
		return fmt.Sprintf("#%d", id)
	}
	return driver.DisplayName
}

// Async queues notifications on a jobs.Runner so callers never wait on the
// channel.
type Async struct {
	Runner  *jobs.Runner
	Handler *Handler
}

func (a Async) NotifyAttendance(e db.AttendanceEvent) {
	a.Runner.Enqueue(jobs.Job{
		Name:      "notify_attendance",
		Reference: fmt.Sprintf("student:%d:seq:%d", e.StudentID, e.Seq),
		Run: func(ctx context.Context) error {
			_, err := a.Handler.Attendance(ctx, e)
			return err
		},
	})
}

func (a Async) NotifyIncident(inc db.EmergencyIncident, tmpl Template) {
	a.Runner.Enqueue(jobs.Job{
		Name:      "notify_incident",
		Reference: uuidString(inc.ID),
		Run: func(ctx context.Context) error {
			_, err := a.Handler.Incident(ctx, inc, tmpl)
			return err
		},
	})
}

func uuidString(id pgtype.UUID) string {
	if !id.Valid {
		return ""
	}
	return uuid.UUID(id.Bytes).String()
}
