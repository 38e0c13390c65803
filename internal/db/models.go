package db

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

type Leg string

const (
	LegOutbound Leg = "outbound"
	LegReturn   Leg = "return"
)

func (l Leg) Valid() bool {
	return l == LegOutbound || l == LegReturn
}

type EventType string

const (
	EventBoard  EventType = "board"
	EventAlight EventType = "alight"
)

type EventSource string

const (
	SourceScan   EventSource = "scan"
	SourceManual EventSource = "manual"
)

type CardStatus string

const (
	CardAvailable CardStatus = "available"
	CardAssigned  CardStatus = "assigned"
	CardDisabled  CardStatus = "disabled"
)

type OwnerKind string

const (
	OwnerStudent  OwnerKind = "student"
	OwnerGuardian OwnerKind = "guardian"
)

type IncidentStatus string

const (
	IncidentPending            IncidentStatus = "pending"
	IncidentChecked            IncidentStatus = "checked"
	IncidentEmergencyConfirmed IncidentStatus = "emergency_confirmed"
	IncidentResolved           IncidentStatus = "resolved"
)

type TriggeredBy string

const (
	TriggeredByDriver  TriggeredBy = "driver"
	TriggeredByStudent TriggeredBy = "student"
	TriggeredBySensor  TriggeredBy = "sensor"
)

type ResponseType string

const (
	ResponseChecked         ResponseType = "CHECKED"
	ResponseEmergency       ResponseType = "EMERGENCY"
	ResponseConfirmedNormal ResponseType = "CONFIRMED_NORMAL"
)

type DeliveryOutcome string

const (
	DeliverySuccess DeliveryOutcome = "success"
	DeliveryFailed  DeliveryOutcome = "failed"
)

type Driver struct {
	ID          int64
	DisplayName string
	Active      bool
}

type Student struct {
	ID           int64
	DisplayName  string
	Active       bool
	EnrolledFrom *time.Time
	EnrolledTo   *time.Time
}

type IdentityCard struct {
	ID         int64
	Code       string
	Status     CardStatus
	Active     bool
	LastSeenAt *time.Time
}

type CardAssignment struct {
	ID        int64
	CardID    int64
	StudentID int64
	ValidFrom time.Time
	ValidTo   *time.Time
	Active    bool
	CreatedAt time.Time
}

type ChannelLink struct {
	ID        int64
	OwnerKind OwnerKind
	OwnerID   int64
	Address   string
	Active    bool
}

// GuardianChannel is one guardian_links row joined with the guardian's
// active channel link. A guardian linked twice yields two rows.
type GuardianChannel struct {
	GuardianID   int64
	GuardianName string
	Relationship string
	Address      string
}

type TripPhase struct {
	DriverID  int64
	Leg       Leg
	PhaseID   pgtype.UUID
	UpdatedAt time.Time
}

type AttendanceEvent struct {
	ID          pgtype.UUID
	StudentID   int64
	DriverID    int64
	EventType   EventType
	Leg         Leg
	PhaseID     pgtype.UUID
	ServiceDate time.Time
	Seq         int32
	OccurredAt  time.Time
	Lat         *float64
	Lon         *float64
	Source      EventSource
	CardID      *int64
}

type EmergencyIncident struct {
	ID          pgtype.UUID
	DriverID    int64
	TriggerType string
	TriggeredBy TriggeredBy
	Details     *string
	RaisedAt    time.Time
	Status      IncidentStatus
	ResolvedAt  *time.Time
	ResolvedBy  *string
	UpdatedAt   time.Time
}

type DriverResponse struct {
	ID           pgtype.UUID
	IncidentID   pgtype.UUID
	ResponseType ResponseType
	Notes        string
	RespondedAt  time.Time
}

type DeliveryResult struct {
	BatchID     pgtype.UUID
	Template    string
	Address     string
	OwnerKind   OwnerKind
	OwnerID     int64
	Outcome     DeliveryOutcome
	ErrorDetail *string
	AttemptedAt time.Time
}
