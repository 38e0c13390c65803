package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// Drivers and students

func (q *Queries) GetDriver(ctx context.Context, id int64) (Driver, error) {
	var d Driver
	err := q.db.QueryRow(ctx, `
    SELECT id, display_name, active
    FROM drivers
    WHERE id = $1
  `, id).Scan(&d.ID, &d.DisplayName, &d.Active)
	return d, err
}

func (q *Queries) GetStudent(ctx context.Context, id int64) (Student, error) {
	var s Student
	err := q.db.QueryRow(ctx, `
    SELECT id, display_name, active, enrolled_from, enrolled_to
    FROM students
    WHERE id = $1
  `, id).Scan(&s.ID, &s.DisplayName, &s.Active, &s.EnrolledFrom, &s.EnrolledTo)
	return s, err
}

// Cards

func (q *Queries) GetActiveCardByCode(ctx context.Context, code string) (IdentityCard, error) {
	var c IdentityCard
	err := q.db.QueryRow(ctx, `
    SELECT id, code, status, active, last_seen_at
    FROM identity_cards
    WHERE code = $1 AND active = true
  `, code).Scan(&c.ID, &c.Code, &c.Status, &c.Active, &c.LastSeenAt)
	return c, err
}

func (q *Queries) GetCard(ctx context.Context, id int64) (IdentityCard, error) {
	var c IdentityCard
	err := q.db.QueryRow(ctx, `
    SELECT id, code, status, active, last_seen_at
    FROM identity_cards
    WHERE id = $1
  `, id).Scan(&c.ID, &c.Code, &c.Status, &c.Active, &c.LastSeenAt)
	return c, err
}

func (q *Queries) GetActiveAssignment(ctx context.Context, cardID int64, at time.Time) (CardAssignment, error) {
	var a CardAssignment
	err := q.db.QueryRow(ctx, `
    SELECT id, card_id, student_id, valid_from, valid_to, active, created_at
    FROM card_assignments
    WHERE card_id = $1
      AND active = true
      AND valid_from <= $2
      AND (valid_to IS NULL OR valid_to >= $2)
    ORDER BY valid_from DESC
    LIMIT 1
  `, cardID, at).Scan(&a.ID, &a.CardID, &a.StudentID, &a.ValidFrom, &a.ValidTo, &a.Active, &a.CreatedAt)
	return a, err
}

func (q *Queries) TouchCardLastSeen(ctx context.Context, cardID int64, at time.Time) error {
	_, err := q.db.Exec(ctx, `UPDATE identity_cards SET last_seen_at = $1 WHERE id = $2`, at, cardID)
	return err
}

type CreateCardAssignmentParams struct {
	CardID    int64
	StudentID int64
	ValidFrom time.Time
	ValidTo   *time.Time
	CreatedAt time.Time
}

// CreateCardAssignment inserts an active assignment and marks the card as
// assigned. An overlapping active window for the same card violates the
// exclusion constraint and is reported as ErrConflict.
func (q *Queries) CreateCardAssignment(ctx context.Context, arg CreateCardAssignmentParams) (CardAssignment, error) {
	var a CardAssignment
	err := q.db.QueryRow(ctx, `
    INSERT INTO card_assignments (card_id, student_id, valid_from, valid_to, active, created_at)
    VALUES ($1, $2, $3, $4, true, $5)
    RETURNING id, card_id, student_id, valid_from, valid_to, active, created_at
  `, arg.CardID, arg.StudentID, arg.ValidFrom, arg.ValidTo, arg.CreatedAt).Scan(
		&a.ID, &a.CardID, &a.StudentID, &a.ValidFrom, &a.ValidTo, &a.Active, &a.CreatedAt,
	)
	if err != nil {
		return a, mapConstraintError(err)
	}
	if _, err := q.db.Exec(ctx, `UPDATE identity_cards SET status = $1 WHERE id = $2`, CardAssigned, arg.CardID); err != nil {
		return a, err
	}
	return a, nil
}

// Channels

func (q *Queries) GetActiveChannelLink(ctx context.Context, kind OwnerKind, ownerID int64) (ChannelLink, error) {
	var l ChannelLink
	err := q.db.QueryRow(ctx, `
    SELECT id, owner_kind, owner_id, address, active
    FROM notification_channel_links
    WHERE owner_kind = $1 AND owner_id = $2 AND active = true
  `, kind, ownerID).Scan(&l.ID, &l.OwnerKind, &l.OwnerID, &l.Address, &l.Active)
	return l, err
}

func (q *Queries) ListGuardianChannels(ctx context.Context, studentID int64) ([]GuardianChannel, error) {
	rows, err := q.db.Query(ctx, `
    SELECT g.id, g.display_name, gl.relationship, ncl.address
    FROM guardian_links gl
    JOIN guardians g ON g.id = gl.guardian_id
    JOIN notification_channel_links ncl
      ON ncl.owner_kind = 'guardian' AND ncl.owner_id = g.id AND ncl.active = true
    WHERE gl.student_id = $1
    ORDER BY g.id, gl.relationship
  `, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GuardianChannel
	for rows.Next() {
		var gc GuardianChannel
		if err := rows.Scan(&gc.GuardianID, &gc.GuardianName, &gc.Relationship, &gc.Address); err != nil {
			return nil, err
		}
		out = append(out, gc)
	}
	return out, rows.Err()
}

// Trip phases

const tripPhaseColumns = `driver_id, leg, phase_id, updated_at`

func scanTripPhase(row pgx.Row) (TripPhase, error) {
	var p TripPhase
	err := row.Scan(&p.DriverID, &p.Leg, &p.PhaseID, &p.UpdatedAt)
	return p, err
}

func (q *Queries) GetTripPhase(ctx context.Context, driverID int64) (TripPhase, error) {
	return scanTripPhase(q.db.QueryRow(ctx, `SELECT `+tripPhaseColumns+` FROM trip_phases WHERE driver_id = $1`, driverID))
}

// EnsureTripPhase inserts the given phase unless the driver already has one,
// then returns whatever is stored.
func (q *Queries) EnsureTripPhase(ctx context.Context, arg TripPhase) (TripPhase, error) {
	if _, err := q.db.Exec(ctx, `
    INSERT INTO trip_phases (driver_id, leg, phase_id, updated_at)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (driver_id) DO NOTHING
  `, arg.DriverID, arg.Leg, arg.PhaseID, arg.UpdatedAt); err != nil {
		return TripPhase{}, err
	}
	return q.GetTripPhase(ctx, arg.DriverID)
}

// UpsertTripPhase overwrites the driver's leg. Writing the leg already stored
// keeps the existing phase id and timestamp.
func (q *Queries) UpsertTripPhase(ctx context.Context, arg TripPhase) (TripPhase, error) {
	return scanTripPhase(q.db.QueryRow(ctx, `
    INSERT INTO trip_phases (driver_id, leg, phase_id, updated_at)
    VALUES ($1, $2, $3, $4)
    ON CONFLICT (driver_id) DO UPDATE SET
      leg        = EXCLUDED.leg,
      phase_id   = CASE WHEN trip_phases.leg = EXCLUDED.leg THEN trip_phases.phase_id ELSE EXCLUDED.phase_id END,
      updated_at = CASE WHEN trip_phases.leg = EXCLUDED.leg THEN trip_phases.updated_at ELSE EXCLUDED.updated_at END
    RETURNING `+tripPhaseColumns, arg.DriverID, arg.Leg, arg.PhaseID, arg.UpdatedAt))
}

// Attendance events

const attendanceColumns = `id, student_id, driver_id, event_type, leg, phase_id, service_date, seq, occurred_at, lat, lon, source, card_id`

func scanAttendanceEvent(row pgx.Row) (AttendanceEvent, error) {
	var e AttendanceEvent
	err := row.Scan(&e.ID, &e.StudentID, &e.DriverID, &e.EventType, &e.Leg, &e.PhaseID, &e.ServiceDate, &e.Seq, &e.OccurredAt, &e.Lat, &e.Lon, &e.Source, &e.CardID)
	return e, err
}

func (q *Queries) GetLatestEvent(ctx context.Context, studentID int64, phaseID pgtype.UUID, serviceDate time.Time) (AttendanceEvent, error) {
	return scanAttendanceEvent(q.db.QueryRow(ctx, `
    SELECT `+attendanceColumns+`
    FROM attendance_events
    WHERE student_id = $1 AND phase_id = $2 AND service_date = $3
    ORDER BY seq DESC
    LIMIT 1
  `, studentID, phaseID, serviceDate))
}

// InsertAttendanceEvent appends an event. The (student, phase, day, seq)
// uniqueness turns a concurrent writer that read the same latest event into
// ErrConflict.
func (q *Queries) InsertAttendanceEvent(ctx context.Context, e AttendanceEvent) (AttendanceEvent, error) {
	out, err := scanAttendanceEvent(q.db.QueryRow(ctx, `
    INSERT INTO attendance_events (`+attendanceColumns+`)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
    RETURNING `+attendanceColumns,
		e.ID, e.StudentID, e.DriverID, e.EventType, e.Leg, e.PhaseID, e.ServiceDate, e.Seq, e.OccurredAt, e.Lat, e.Lon, e.Source, e.CardID,
	))
	if err != nil {
		return out, mapConstraintError(err)
	}
	return out, nil
}

// ListOnboardStudents returns the students whose latest event in the phase
// and day is a boarding.
func (q *Queries) ListOnboardStudents(ctx context.Context, phaseID pgtype.UUID, serviceDate time.Time) ([]int64, error) {
	rows, err := q.db.Query(ctx, `
    SELECT student_id
    FROM (
      SELECT DISTINCT ON (student_id) student_id, event_type
      FROM attendance_events
      WHERE phase_id = $1 AND service_date = $2
      ORDER BY student_id, seq DESC
    ) latest
    WHERE event_type = 'board'
    ORDER BY student_id
  `, phaseID, serviceDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Emergency incidents

const incidentColumns = `id, driver_id, trigger_type, triggered_by, details, raised_at, status, resolved_at, resolved_by, updated_at`

func scanIncident(row pgx.Row) (EmergencyIncident, error) {
	var i EmergencyIncident
	err := row.Scan(&i.ID, &i.DriverID, &i.TriggerType, &i.TriggeredBy, &i.Details, &i.RaisedAt, &i.Status, &i.ResolvedAt, &i.ResolvedBy, &i.UpdatedAt)
	return i, err
}

// CreateIncident inserts a pending incident. When the driver already has a
// pending incident of the same trigger type, that one is returned with
// created=false.
func (q *Queries) CreateIncident(ctx context.Context, arg EmergencyIncident) (EmergencyIncident, bool, error) {
	inc, err := scanIncident(q.db.QueryRow(ctx, `
    INSERT INTO emergency_incidents (`+incidentColumns+`)
    VALUES ($1, $2, $3, $4, $5, $6, 'pending', NULL, NULL, $6)
    ON CONFLICT (driver_id, trigger_type) WHERE status = 'pending' DO NOTHING
    RETURNING `+incidentColumns,
		arg.ID, arg.DriverID, arg.TriggerType, arg.TriggeredBy, arg.Details, arg.RaisedAt,
	))
	if err == nil {
		return inc, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return inc, false, err
	}
	inc, err = scanIncident(q.db.QueryRow(ctx, `
    SELECT `+incidentColumns+`
    FROM emergency_incidents
    WHERE driver_id = $1 AND trigger_type = $2 AND status = 'pending'
  `, arg.DriverID, arg.TriggerType))
	return inc, false, err
}

func (q *Queries) GetIncident(ctx context.Context, id pgtype.UUID) (EmergencyIncident, error) {
	return scanIncident(q.db.QueryRow(ctx, `SELECT `+incidentColumns+` FROM emergency_incidents WHERE id = $1`, id))
}

func (q *Queries) GetIncidentForUpdate(ctx context.Context, id pgtype.UUID) (EmergencyIncident, error) {
	return scanIncident(q.db.QueryRow(ctx, `SELECT `+incidentColumns+` FROM emergency_incidents WHERE id = $1 FOR UPDATE`, id))
}

type UpdateIncidentStatusParams struct {
	ID         pgtype.UUID
	Status     IncidentStatus
	ResolvedAt *time.Time
	ResolvedBy *string
	UpdatedAt  time.Time
}

func (q *Queries) UpdateIncidentStatus(ctx context.Context, arg UpdateIncidentStatusParams) (EmergencyIncident, error) {
	return scanIncident(q.db.QueryRow(ctx, `
    UPDATE emergency_incidents
    SET status = $2,
        resolved_at = COALESCE($3, resolved_at),
        resolved_by = COALESCE($4, resolved_by),
        updated_at = $5
    WHERE id = $1
    RETURNING `+incidentColumns,
		arg.ID, arg.Status, arg.ResolvedAt, arg.ResolvedBy, arg.UpdatedAt,
	))
}

func (q *Queries) InsertDriverResponse(ctx context.Context, r DriverResponse) error {
	_, err := q.db.Exec(ctx, `
    INSERT INTO driver_responses (id, incident_id, response_type, notes, responded_at)
    VALUES ($1, $2, $3, $4, $5)
  `, r.ID, r.IncidentID, r.ResponseType, r.Notes, r.RespondedAt)
	return err
}

func (q *Queries) ListDriverResponses(ctx context.Context, incidentID pgtype.UUID) ([]DriverResponse, error) {
	rows, err := q.db.Query(ctx, `
    SELECT id, incident_id, response_type, notes, responded_at
    FROM driver_responses
    WHERE incident_id = $1
    ORDER BY responded_at, id
  `, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DriverResponse
	for rows.Next() {
		var r DriverResponse
		if err := rows.Scan(&r.ID, &r.IncidentID, &r.ResponseType, &r.Notes, &r.RespondedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Notification bookkeeping

func (q *Queries) InsertDeliveryResult(ctx context.Context, r DeliveryResult) error {
	_, err := q.db.Exec(ctx, `
    INSERT INTO notification_delivery_results (batch_id, template, address, owner_kind, owner_id, outcome, error_detail, attempted_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
  `, r.BatchID, r.Template, r.Address, r.OwnerKind, r.OwnerID, r.Outcome, r.ErrorDetail, r.AttemptedAt)
	return err
}

func (q *Queries) InsertFailureLog(ctx context.Context, scope, reference, detail string) error {
	_, err := q.db.Exec(ctx, `
    INSERT INTO failure_log (scope, reference, detail)
    VALUES ($1, $2, $3)
  `, scope, reference, detail)
	return err
}
