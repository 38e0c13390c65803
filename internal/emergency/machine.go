// Package emergency tracks raised incidents through driver acknowledgement.
//
//	pending --CHECKED--> checked --CONFIRMED_NORMAL--> resolved
//	pending --EMERGENCY--> emergency_confirmed --CONFIRMED_NORMAL--> resolved
//
// resolved is terminal. An incident nobody answers stays pending.
package emergency

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
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/notify"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/outcome"
)

type Store interface {
	CreateIncident(ctx context.Context, arg db.EmergencyIncident) (db.EmergencyIncident, bool, error)
	GetIncident(ctx context.Context, id pgtype.UUID) (db.EmergencyIncident, error)
	ListDriverResponses(ctx context.Context, incidentID pgtype.UUID) ([]db.DriverResponse, error)
	ApplyIncidentResponse(ctx context.Context, resp db.DriverResponse, decide func(db.EmergencyIncident) (db.UpdateIncidentStatusParams, error)) (db.EmergencyIncident, error)
}

type Notifier interface {
	NotifyIncident(inc db.EmergencyIncident, tmpl notify.Template)
}

type Machine struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

func NewMachine(store Store, notifier Notifier, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: store, notifier: notifier, logger: logger}
}

type RaiseInput struct {
	DriverID    int64
	TriggerType string
	TriggeredBy db.TriggeredBy
	Details     *string
	At          time.Time
}

// Raise opens a pending incident. A driver holds at most one pending
// incident per trigger type; raising again returns it with created=false.
func (m *Machine) Raise(ctx context.Context, in RaiseInput) (db.EmergencyIncident, bool, error) {
	switch in.TriggeredBy {
	case db.TriggeredByDriver, db.TriggeredByStudent, db.TriggeredBySensor:
	default:
		return db.EmergencyIncident{}, false, outcome.Validation(outcome.CodeInvalidRequest, "unknown trigger source")
	}
	if in.TriggerType == "" {
		return db.EmergencyIncident{}, false, outcome.Validation(outcome.CodeInvalidRequest, "trigger type required")
	}
	if in.At.IsZero() {
		in.At = time.Now()
	}
	inc, created, err := m.store.CreateIncident(ctx, db.EmergencyIncident{
		ID:          pgtype.UUID{Bytes: uuid.New(), Valid: true},
		DriverID:    in.DriverID,
		TriggerType: in.TriggerType,
		TriggeredBy: in.TriggeredBy,
		Details:     in.Details,
		RaisedAt:    in.At.UTC(),
	})
	if err != nil {
		return db.EmergencyIncident{}, false, outcome.System("create incident", err)
	}
	m.logger.Info("incident raised",
		"incident_id", uuid.UUID(inc.ID.Bytes).String(),
		"driver_id", inc.DriverID,
		"trigger_type", inc.TriggerType,
		"triggered_by", inc.TriggeredBy,
		"created", created,
	)
	return inc, created, nil
}

// Transition is the outcome of applying one response to an incident.
type Transition struct {
	Next     db.IncidentStatus
	Template notify.Template
}

// Next looks a response up in the transition table. Pairs outside the table
// are InvalidTransition conflicts.
func Next(inc db.EmergencyIncident, resp db.ResponseType) (Transition, error) {
	switch resp {
	case db.ResponseChecked, db.ResponseEmergency, db.ResponseConfirmedNormal:
	default:
		return Transition{}, outcome.Validation(outcome.CodeInvalidRequest, "unknown response type")
	}
	switch {
	case inc.Status == db.IncidentPending && resp == db.ResponseChecked:
		if inc.TriggeredBy == db.TriggeredByStudent {
			return Transition{Next: db.IncidentChecked, Template: notify.TemplateStudentSwitchChecked}, nil
		}
		return Transition{Next: db.IncidentChecked, Template: notify.TemplateIncidentChecked}, nil
	case inc.Status == db.IncidentPending && resp == db.ResponseEmergency:
		return Transition{Next: db.IncidentEmergencyConfirmed, Template: notify.TemplateIncidentEmergency}, nil
	case (inc.Status == db.IncidentChecked || inc.Status == db.IncidentEmergencyConfirmed) && resp == db.ResponseConfirmedNormal:
		return Transition{Next: db.IncidentResolved, Template: notify.TemplateIncidentResolved}, nil
	}
	return Transition{}, &outcome.Error{
		Kind:   outcome.KindConflict,
		Code:   outcome.CodeInvalidTransition,
		Detail: fmt.Sprintf("%s cannot follow %s", resp, inc.Status),
	}
}

type RespondInput struct {
	IncidentID   pgtype.UUID
	ResponseType db.ResponseType
	Notes        string
	RespondedBy  string
	At           time.Time
}

// Respond appends the driver's response and moves the incident, in one
// transaction with the incident row locked.
func (m *Machine) Respond(ctx context.Context, in RespondInput) (db.EmergencyIncident, error) {
	if in.At.IsZero() {
		in.At = time.Now()
	}
	at := in.At.UTC()

	var tr Transition
	decide := func(current db.EmergencyIncident) (db.UpdateIncidentStatusParams, error) {
		var err error
		tr, err = Next(current, in.ResponseType)
		if err != nil {
			return db.UpdateIncidentStatusParams{}, err
		}
		params := db.UpdateIncidentStatusParams{ID: current.ID, Status: tr.Next, UpdatedAt: at}
		if tr.Next == db.IncidentResolved {
			params.ResolvedAt = &at
			if in.RespondedBy != "" {
				by := in.RespondedBy
				params.ResolvedBy = &by
			}
		}
		return params, nil
	}

	updated, err := m.store.ApplyIncidentResponse(ctx, db.DriverResponse{
		ID:           pgtype.UUID{Bytes: uuid.New(), Valid: true},
		IncidentID:   in.IncidentID,
		ResponseType: in.ResponseType,
		Notes:        in.Notes,
		RespondedAt:  at,
	}, decide)
	if err != nil {
		var oe *outcome.Error
		switch {
		case errors.As(err, &oe):
			return db.EmergencyIncident{}, oe
		case errors.Is(err, pgx.ErrNoRows):
			return db.EmergencyIncident{}, outcome.NotFound(outcome.CodeIncidentNotFound)
		default:
			return db.EmergencyIncident{}, outcome.System("apply incident response", err)
		}
	}

	m.logger.Info("incident response applied",
		"incident_id", uuid.UUID(updated.ID.Bytes).String(),
		"response_type", in.ResponseType,
		"status", updated.Status,
		"template", tr.Template,
	)
	if m.notifier != nil {
		m.notifier.NotifyIncident(updated, tr.Template)
	}
	return updated, nil
}

// Incident is an incident with its full response history, oldest first.
type Incident struct {
	db.EmergencyIncident
	Responses []db.DriverResponse
}

func (m *Machine) Get(ctx context.Context, id pgtype.UUID) (Incident, error) {
	inc, err := m.store.GetIncident(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Incident{}, outcome.NotFound(outcome.CodeIncidentNotFound)
	}
	if err != nil {
		return Incident{}, outcome.System("load incident", err)
	}
	responses, err := m.store.ListDriverResponses(ctx, id)
	if err != nil {
		return Incident{}, outcome.System("load incident responses", err)
	}
	return Incident{EmergencyIncident: inc, Responses: responses}, nil
}
