package safety

import "time"

// Request and response contracts shared by the HTTP and gRPC surfaces.

type ScanRequest struct {
	CardCode string   `json:"cardCode" validate:"required,max=64"`
	DriverID int64    `json:"driverId" validate:"required,gt=0"`
	Lat      *float64 `json:"lat,omitempty" validate:"omitempty,latitude"`
	Lon      *float64 `json:"lon,omitempty" validate:"omitempty,longitude"`
	LegHint  string   `json:"legHint,omitempty" validate:"omitempty,oneof=outbound return"`
}

type ManualEventRequest struct {
	StudentID int64    `json:"studentId" validate:"required,gt=0"`
	DriverID  int64    `json:"driverId" validate:"required,gt=0"`
	Lat       *float64 `json:"lat,omitempty" validate:"omitempty,latitude"`
	Lon       *float64 `json:"lon,omitempty" validate:"omitempty,longitude"`
	LegHint   string   `json:"legHint,omitempty" validate:"omitempty,oneof=outbound return"`
}

// ScanResult answers both scans and manual events. On failure only
// ErrorKind is set.
type ScanResult struct {
	Success   bool   `json:"success"`
	StudentID *int64 `json:"studentId,omitempty"`
	EventType string `json:"eventType,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}

type LegRequest struct {
	DriverID int64  `json:"driverId" validate:"required,gt=0"`
	Leg      string `json:"leg" validate:"required,oneof=outbound return"`
}

type LegResult struct {
	Success  bool   `json:"success"`
	DriverID int64  `json:"driverId"`
	Leg      string `json:"leg"`
}

type RaiseRequest struct {
	DriverID    int64   `json:"driverId" validate:"required,gt=0"`
	TriggerType string  `json:"triggerType" validate:"required,max=64"`
	TriggeredBy string  `json:"triggeredBy" validate:"required,oneof=driver student sensor"`
	Details     *string `json:"details,omitempty" validate:"omitempty,max=1000"`
}

type RaiseResult struct {
	IncidentID string `json:"incidentId"`
	Status     string `json:"status"`
	Created    bool   `json:"created"`
}

type ResponseRequest struct {
	IncidentID   string `json:"incidentId" validate:"required,uuid"`
	ResponseType string `json:"responseType" validate:"required,oneof=CHECKED EMERGENCY CONFIRMED_NORMAL"`
	Notes        string `json:"notes,omitempty" validate:"max=1000"`
	// RespondedBy is filled from the caller's identity, never from the body.
	RespondedBy string `json:"-"`
}

type ResponseResult struct {
	Status string `json:"status"`
}

type IncidentView struct {
	IncidentID  string         `json:"incidentId"`
	DriverID    int64          `json:"driverId"`
	TriggerType string         `json:"triggerType"`
	TriggeredBy string         `json:"triggeredBy"`
	Details     *string        `json:"details,omitempty"`
	Status      string         `json:"status"`
	RaisedAt    time.Time      `json:"raisedAt"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedBy  *string        `json:"resolvedBy,omitempty"`
	Responses   []ResponseView `json:"responses"`
}

type ResponseView struct {
	ResponseType string    `json:"responseType"`
	Notes        string    `json:"notes,omitempty"`
	RespondedAt  time.Time `json:"respondedAt"`
}

type AssignCardRequest struct {
	CardID    int64      `json:"cardId" validate:"required,gt=0"`
	StudentID int64      `json:"studentId" validate:"required,gt=0"`
	ValidFrom time.Time  `json:"validFrom" validate:"required"`
	ValidTo   *time.Time `json:"validTo,omitempty"`
}

type AssignmentView struct {
	AssignmentID int64      `json:"assignmentId"`
	CardID       int64      `json:"cardId"`
	StudentID    int64      `json:"studentId"`
	ValidFrom    time.Time  `json:"validFrom"`
	ValidTo      *time.Time `json:"validTo,omitempty"`
}
