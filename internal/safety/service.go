// Package safety is the single entry point behind the HTTP and gRPC
// surfaces. It validates requests, bounds each call with the data-store
// timeout and reduces every failure to an outcome.Error.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/attendance"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/cache"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/cards"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/db"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/emergency"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/metrics"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/outcome"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/trip"
)

type Store interface {
	GetDriver(ctx context.Context, id int64) (db.Driver, error)
	GetStudent(ctx context.Context, id int64) (db.Student, error)
	InsertFailureLog(ctx context.Context, scope, reference, detail string) error
}

type Deps struct {
	Store     Store
	Cards     *cards.Resolver
	Trips     *trip.Tracker
	Recorder  *attendance.Recorder
	Incidents *emergency.Machine
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Timeout   time.Duration
}

type Service struct {
	store     Store
	cards     *cards.Resolver
	trips     *trip.Tracker
	recorder  *attendance.Recorder
	incidents *emergency.Machine
	metrics   *metrics.Metrics
	logger    *slog.Logger
	timeout   time.Duration
	validate  *validator.Validate
	now       func() time.Time
}

func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Timeout <= 0 {
		d.Timeout = 3 * time.Second
	}
	return &Service{
		store:     d.Store,
		cards:     d.Cards,
		trips:     d.Trips,
		recorder:  d.Recorder,
		incidents: d.Incidents,
		metrics:   d.Metrics,
		logger:    d.Logger,
		timeout:   d.Timeout,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       time.Now,
	}
}

// SubmitScan resolves a card tap into a board or alight event.
func (s *Service) SubmitScan(ctx context.Context, req ScanRequest) (ScanResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	event, err := s.submitScan(ctx, req)
	if err != nil {
		oe := s.fail(ctx, "submit_scan", "card:"+req.CardCode, err)
		s.metrics.Attendance(string(db.SourceScan), oe.Code)
		return ScanResult{ErrorKind: oe.Code}, oe
	}
	s.metrics.Attendance(string(db.SourceScan), string(outcome.KindSuccess))
	return scanResult(event), nil
}

func (s *Service) submitScan(ctx context.Context, req ScanRequest) (db.AttendanceEvent, error) {
	req.CardCode = strings.TrimSpace(req.CardCode)
	if err := s.check(req); err != nil {
		return db.AttendanceEvent{}, err
	}
	if err := s.activeDriver(ctx, req.DriverID); err != nil {
		return db.AttendanceEvent{}, err
	}
	now := s.now()
	res, err := s.cards.Resolve(ctx, req.CardCode, now)
	if err != nil {
		return db.AttendanceEvent{}, err
	}
	cardID := res.CardID
	return s.recorder.Record(ctx, attendance.Input{
		StudentID:   res.Student.ID,
		DriverID:    req.DriverID,
		CardID:      &cardID,
		Lat:         req.Lat,
		Lon:         req.Lon,
		Source:      db.SourceScan,
		LegHint:     db.Leg(req.LegHint),
		At:          now,
		DebounceKey: cache.ScanKey(req.CardCode),
	})
}

// RecordManual records an event the driver entered by hand, skipping card
// resolution.
func (s *Service) RecordManual(ctx context.Context, req ManualEventRequest) (ScanResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	event, err := s.recordManual(ctx, req)
	if err != nil {
		oe := s.fail(ctx, "record_manual", fmt.Sprintf("student:%d", req.StudentID), err)
		s.metrics.Attendance(string(db.SourceManual), oe.Code)
		return ScanResult{ErrorKind: oe.Code}, oe
	}
	s.metrics.Attendance(string(db.SourceManual), string(outcome.KindSuccess))
	return scanResult(event), nil
}

func (s *Service) recordManual(ctx context.Context, req ManualEventRequest) (db.AttendanceEvent, error) {
	if err := s.check(req); err != nil {
		return db.AttendanceEvent{}, err
	}
	if err := s.activeDriver(ctx, req.DriverID); err != nil {
		return db.AttendanceEvent{}, err
	}
	now := s.now()
	student, err := s.store.GetStudent(ctx, req.StudentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return db.AttendanceEvent{}, outcome.NotFound(outcome.CodeStudentNotFound)
	}
	if err != nil {
		return db.AttendanceEvent{}, outcome.System("load student", err)
	}
	if !student.Active || !s.cards.Enrolled(student, now) {
		return db.AttendanceEvent{}, outcome.NotFound(outcome.CodeStudentInactive)
	}
	return s.recorder.Record(ctx, attendance.Input{
		StudentID:   student.ID,
		DriverID:    req.DriverID,
		Lat:         req.Lat,
		Lon:         req.Lon,
		Source:      db.SourceManual,
		LegHint:     db.Leg(req.LegHint),
		At:          now,
		DebounceKey: cache.ManualKey(req.DriverID, student.ID),
	})
}

func (s *Service) AdvanceLeg(ctx context.Context, req LegRequest) (LegResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.check(req); err != nil {
		return LegResult{}, s.fail(ctx, "advance_leg", "", err)
	}
	if err := s.activeDriver(ctx, req.DriverID); err != nil {
		return LegResult{}, s.fail(ctx, "advance_leg", fmt.Sprintf("driver:%d", req.DriverID), err)
	}
	phase, err := s.trips.SetLeg(ctx, req.DriverID, db.Leg(req.Leg))
	if err != nil {
		return LegResult{}, s.fail(ctx, "advance_leg", fmt.Sprintf("driver:%d", req.DriverID), err)
	}
	return LegResult{Success: true, DriverID: phase.DriverID, Leg: string(phase.Leg)}, nil
}

func (s *Service) GetLeg(ctx context.Context, driverID int64) (LegResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if driverID <= 0 {
		return LegResult{}, outcome.Validation(outcome.CodeInvalidRequest, "driverId must be positive")
	}
	if err := s.activeDriver(ctx, driverID); err != nil {
		return LegResult{}, s.fail(ctx, "get_leg", fmt.Sprintf("driver:%d", driverID), err)
	}
	leg, err := s.trips.Leg(ctx, driverID)
	if err != nil {
		return LegResult{}, s.fail(ctx, "get_leg", fmt.Sprintf("driver:%d", driverID), err)
	}
	return LegResult{Success: true, DriverID: driverID, Leg: string(leg)}, nil
}

func (s *Service) RaiseEmergency(ctx context.Context, req RaiseRequest) (RaiseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ref := fmt.Sprintf("driver:%d", req.DriverID)
	if err := s.check(req); err != nil {
		return RaiseResult{}, s.fail(ctx, "raise_emergency", ref, err)
	}
	if err := s.activeDriver(ctx, req.DriverID); err != nil {
		return RaiseResult{}, s.fail(ctx, "raise_emergency", ref, err)
	}
	inc, created, err := s.incidents.Raise(ctx, emergency.RaiseInput{
		DriverID:    req.DriverID,
		TriggerType: strings.TrimSpace(req.TriggerType),
		TriggeredBy: db.TriggeredBy(req.TriggeredBy),
		Details:     req.Details,
		At:          s.now(),
	})
	if err != nil {
		return RaiseResult{}, s.fail(ctx, "raise_emergency", ref, err)
	}
	s.metrics.IncidentRaised(req.TriggeredBy, created)
	return RaiseResult{IncidentID: uuidString(inc.ID), Status: string(inc.Status), Created: created}, nil
}

const invalidLabel = "invalid"

func (s *Service) RespondToIncident(ctx context.Context, req ResponseRequest) (ResponseResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.check(req); err != nil {
		oe := s.fail(ctx, "respond_incident", req.IncidentID, err)
		// The response type is caller input until it has passed validation.
		s.metrics.Response(invalidLabel, oe.Code)
		return ResponseResult{}, oe
	}
	inc, err := s.incidents.Respond(ctx, emergency.RespondInput{
		IncidentID:   toUUID(req.IncidentID),
		ResponseType: db.ResponseType(req.ResponseType),
		Notes:        req.Notes,
		RespondedBy:  req.RespondedBy,
		At:           s.now(),
	})
	if err != nil {
		oe := s.fail(ctx, "respond_incident", req.IncidentID, err)
		s.metrics.Response(req.ResponseType, oe.Code)
		return ResponseResult{}, oe
	}
	s.metrics.Response(req.ResponseType, string(outcome.KindSuccess))
	return ResponseResult{Status: string(inc.Status)}, nil
}

func (s *Service) GetIncident(ctx context.Context, incidentID string) (IncidentView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	id, err := uuid.Parse(strings.TrimSpace(incidentID))
	if err != nil {
		return IncidentView{}, outcome.Validation(outcome.CodeInvalidRequest, "incidentId must be a uuid")
	}
	inc, err := s.incidents.Get(ctx, pgtype.UUID{Bytes: id, Valid: true})
	if err != nil {
		return IncidentView{}, s.fail(ctx, "get_incident", incidentID, err)
	}
	view := IncidentView{
		IncidentID:  uuidString(inc.ID),
		DriverID:    inc.DriverID,
		TriggerType: inc.TriggerType,
		TriggeredBy: string(inc.TriggeredBy),
		Details:     inc.Details,
		Status:      string(inc.Status),
		RaisedAt:    inc.RaisedAt,
		ResolvedAt:  inc.ResolvedAt,
		ResolvedBy:  inc.ResolvedBy,
		Responses:   make([]ResponseView, 0, len(inc.Responses)),
	}
	for _, r := range inc.Responses {
		view.Responses = append(view.Responses, ResponseView{
			ResponseType: string(r.ResponseType),
			Notes:        r.Notes,
			RespondedAt:  r.RespondedAt,
		})
	}
	return view, nil
}

func (s *Service) AssignCard(ctx context.Context, req AssignCardRequest) (AssignmentView, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ref := fmt.Sprintf("card:%d", req.CardID)
	if err := s.check(req); err != nil {
		return AssignmentView{}, s.fail(ctx, "assign_card", ref, err)
	}
	a, err := s.cards.Assign(ctx, cards.AssignParams{
		CardID:    req.CardID,
		StudentID: req.StudentID,
		ValidFrom: req.ValidFrom,
		ValidTo:   req.ValidTo,
	}, s.now())
	if err != nil {
		return AssignmentView{}, s.fail(ctx, "assign_card", ref, err)
	}
	return AssignmentView{
		AssignmentID: a.ID,
		CardID:       a.CardID,
		StudentID:    a.StudentID,
		ValidFrom:    a.ValidFrom,
		ValidTo:      a.ValidTo,
	}, nil
}

func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return outcome.Validation(outcome.CodeInvalidRequest, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return outcome.Validation(outcome.CodeInvalidRequest, err.Error())
}

func (s *Service) activeDriver(ctx context.Context, id int64) error {
	driver, err := s.store.GetDriver(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return outcome.NotFound(outcome.CodeDriverNotFound)
	}
	if err != nil {
		return outcome.System("load driver", err)
	}
	if !driver.Active {
		return outcome.NotFound(outcome.CodeDriverNotFound)
	}
	return nil
}

// fail classifies err. System errors are logged and get a best-effort
// failure_log row.
func (s *Service) fail(ctx context.Context, op, reference string, err error) *outcome.Error {
	oe := outcome.From(err)
	if oe.Kind != outcome.KindSystem {
		s.logger.Info("request rejected", "op", op, "reference", reference, "kind", oe.Kind, "code", oe.Code)
		return oe
	}
	s.logger.Error("request failed", "op", op, "reference", reference, "error", oe.Err)
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if lerr := s.store.InsertFailureLog(logCtx, op, reference, fmt.Sprint(oe.Err)); lerr != nil {
		s.logger.Warn("failure log write failed", "op", op, "error", lerr)
	}
	return oe
}

func scanResult(e db.AttendanceEvent) ScanResult {
	id := e.StudentID
	return ScanResult{Success: true, StudentID: &id, EventType: string(e.EventType)}
}

func toUUID(s string) pgtype.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: id, Valid: true}
}

func uuidString(id pgtype.UUID) string {
	if !id.Valid {
		return ""
	}
	return uuid.UUID(id.Bytes).String()
}
