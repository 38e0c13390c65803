package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/db"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/recipients"
)

type fakeChannel struct {
	mu    sync.Mutex
	fail  map[string]error
	sent  map[string]string
	calls int
}

func (f *fakeChannel) Push(_ context.Context, address, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.fail[address]; err != nil {
		return err
	}
	if f.sent == nil {
		f.sent = map[string]string{}
	}
	f.sent[address] = text
	return nil
}

type fakeResults struct {
	mu   sync.Mutex
	rows []db.DeliveryResult
	err  error
}

func (f *fakeResults) InsertDeliveryResult(_ context.Context, r db.DeliveryResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, r)
	return nil
}

func recipient(c string, kind db.OwnerKind, id int64) recipients.Recipient {
	return recipients.Recipient{Address: "U" + strings.Repeat(c, 32), OwnerKind: kind, OwnerID: id}
}

var bangkok = time.FixedZone("ICT", 7*3600)

func TestDispatchPartialFailure(t *testing.T) {
	to := []recipients.Recipient{
		recipient("a", db.OwnerStudent, 100014),
		recipient("b", db.OwnerGuardian, 9),
		recipient("c", db.OwnerGuardian, 10),
	}
	ch := &fakeChannel{fail: map[string]error{to[1].Address: errors.New("blocked by user")}}
	store := &fakeResults{}
	d := NewDispatcher(ch, store, DispatcherOptions{Concurrency: 2, Location: bangkok})

	res, err := d.Dispatch(context.Background(), to, TemplateBoard, Params{
		StudentName: "Nina",
		DriverName:  "Somchai",
		At:          time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Sent != 2 || res.Failed != 1 {
		t.Fatalf("expected sent=2 failed=1, got sent=%d failed=%d", res.Sent, res.Failed)
	}
	if len(res.Results) != 3 || len(store.rows) != 3 {
		t.Fatalf("expected 3 results and 3 rows, got %d and %d", len(res.Results), len(store.rows))
	}
	if res.Results[1].Outcome != db.DeliveryFailed || res.Results[1].Error != "blocked by user" {
		t.Fatalf("unexpected failed result %+v", res.Results[1])
	}
	for _, row := range store.rows {
		if row.BatchID.Bytes != store.rows[0].BatchID.Bytes {
			t.Fatalf("rows should share one batch id")
		}
		if row.Outcome == db.DeliveryFailed && (row.ErrorDetail == nil || *row.ErrorDetail != "blocked by user") {
			t.Fatalf("failed row missing error detail: %+v", row)
		}
	}
	text := ch.sent[to[0].Address]
	if !strings.Contains(text, "Nina") || !strings.Contains(text, "02/03/2026 07:30") {
		t.Fatalf("unexpected rendered text %q", text)
	}
}

func TestDispatchRecordFailureSwallowed(t *testing.T) {
	to := []recipients.Recipient{recipient("a", db.OwnerStudent, 1)}
	d := NewDispatcher(&fakeChannel{}, &fakeResults{err: errors.New("db down")}, DispatcherOptions{})
	res, err := d.Dispatch(context.Background(), to, TemplateAlight, Params{StudentName: "Nina", At: time.Now()})
	if err != nil {
		t.Fatalf("record failure must not surface: %v", err)
	}
	if res.Sent != 1 {
		t.Fatalf("expected sent=1, got %d", res.Sent)
	}
}

func TestDispatchNonDispatchingShortCircuits(t *testing.T) {
	ch := &fakeChannel{}
	store := &fakeResults{}
	d := NewDispatcher(ch, store, DispatcherOptions{})
	res, err := d.Dispatch(context.Background(), []recipients.Recipient{recipient("a", db.OwnerStudent, 1)}, TemplateStudentSwitchChecked, Params{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !res.Skipped || ch.calls != 0 || len(store.rows) != 0 {
		t.Fatalf("expected short circuit, got %+v calls=%d rows=%d", res, ch.calls, len(store.rows))
	}
}

type slowChannel struct{}

func (slowChannel) Push(ctx context.Context, _, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatchTimeoutRecordedAsFailed(t *testing.T) {
	store := &fakeResults{}
	d := NewDispatcher(slowChannel{}, store, DispatcherOptions{Timeout: 10 * time.Millisecond})
	to := []recipients.Recipient{recipient("a", db.OwnerStudent, 1), recipient("b", db.OwnerGuardian, 2)}
	res, err := d.Dispatch(context.Background(), to, TemplateBoard, Params{At: time.Now()})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Failed != 2 || len(store.rows) != 2 {
		t.Fatalf("expected 2 timed out deliveries, got %+v", res)
	}
}

type panicChannel struct{}

func (panicChannel) Push(context.Context, string, string) error {
	panic("sdk bug")
}

func TestDispatchChannelPanic(t *testing.T) {
	d := NewDispatcher(panicChannel{}, nil, DispatcherOptions{})
	res, err := d.Dispatch(context.Background(), []recipients.Recipient{recipient("a", db.OwnerStudent, 1)}, TemplateBoard, Params{At: time.Now()})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("expected panic to count as failure, got %+v", res)
	}
}

func TestRenderTemplates(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC)
	got, err := Render(TemplateIncidentEmergency, Params{StudentName: "Nina", DriverName: "Somchai", TriggerType: "smoke", Details: "Smoke near row 3", At: at}, bangkok)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"Nina", "Somchai", "smoke", "Smoke near row 3", "17:05"} {
		if !strings.Contains(got, want) {
			t.Fatalf("rendered text %q missing %q", got, want)
		}
	}
	if _, err := Render(Template("nope"), Params{}, nil); err == nil {
		t.Fatalf("expected unknown template error")
	}
	if ForEvent(db.EventAlight) != TemplateAlight || ForEvent(db.EventBoard) != TemplateBoard {
		t.Fatalf("unexpected template selection")
	}
}

type handlerStore struct {
	students map[int64]db.Student
	phase    *db.TripPhase
	onboard  []int64
}

func (h *handlerStore) GetStudent(_ context.Context, id int64) (db.Student, error) {
	s, ok := h.students[id]
	if !ok {
		return db.Student{}, pgx.ErrNoRows
	}
	return s, nil
}

func (h *handlerStore) GetDriver(_ context.Context, id int64) (db.Driver, error) {
	return db.Driver{ID: id, DisplayName: "Somchai", Active: true}, nil
}

func (h *handlerStore) GetTripPhase(context.Context, int64) (db.TripPhase, error) {
	if h.phase == nil {
		return db.TripPhase{}, pgx.ErrNoRows
	}
	return *h.phase, nil
}

func (h *handlerStore) ListOnboardStudents(context.Context, pgtype.UUID, time.Time) ([]int64, error) {
	return h.onboard, nil
}

type staticRecipients map[int64][]recipients.Recipient

func (s staticRecipients) Resolve(_ context.Context, student db.Student) ([]recipients.Recipient, error) {
	return s[student.ID], nil
}

func TestHandlerAttendance(t *testing.T) {
	store := &handlerStore{students: map[int64]db.Student{100014: {ID: 100014, DisplayName: "Nina", Active: true}}}
	rs := staticRecipients{100014: {recipient("a", db.OwnerStudent, 100014), recipient("b", db.OwnerGuardian, 9)}}
	ch := &fakeChannel{}
	h := NewHandler(store, rs, NewDispatcher(ch, nil, DispatcherOptions{}), nil, nil)

	res, err := h.Attendance(context.Background(), db.AttendanceEvent{StudentID: 100014, DriverID: 1, EventType: db.EventAlight, OccurredAt: time.Now()})
	if err != nil {
		t.Fatalf("attendance: %v", err)
	}
	if res.Template != TemplateAlight || res.Sent != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(ch.sent[rs[100014][0].Address], "got off") {
		t.Fatalf("expected alight wording, got %q", ch.sent[rs[100014][0].Address])
	}
}

func TestHandlerIncidentBroadcastsPerOnboardStudent(t *testing.T) {
	store := &handlerStore{
		students: map[int64]db.Student{
			1: {ID: 1, DisplayName: "Nina"},
			2: {ID: 2, DisplayName: "Pim"},
		},
		phase:   &db.TripPhase{DriverID: 7, Leg: db.LegOutbound},
		onboard: []int64{1, 2, 3},
	}
	rs := staticRecipients{
		1: {recipient("a", db.OwnerGuardian, 11)},
		2: {recipient("b", db.OwnerGuardian, 12), recipient("c", db.OwnerStudent, 2)},
	}
	ch := &fakeChannel{}
	h := NewHandler(store, rs, NewDispatcher(ch, nil, DispatcherOptions{}), nil, nil)

	results, err := h.Incident(context.Background(), db.EmergencyIncident{DriverID: 7, TriggerType: "smoke"}, TemplateIncidentEmergency)
	if err != nil {
		t.Fatalf("incident: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected one dispatch per known onboard student, got %d", len(results))
	}
	if ch.calls != 3 {
		t.Fatalf("expected 3 pushes, got %d", ch.calls)
	}
	if !strings.Contains(ch.sent[rs[2][0].Address], "Pim") {
		t.Fatalf("message should name the student, got %q", ch.sent[rs[2][0].Address])
	}
}

func TestHandlerIncidentWithoutPhase(t *testing.T) {
	ch := &fakeChannel{}
	h := NewHandler(&handlerStore{}, staticRecipients{}, NewDispatcher(ch, nil, DispatcherOptions{}), nil, nil)
	results, err := h.Incident(context.Background(), db.EmergencyIncident{DriverID: 7}, TemplateIncidentChecked)
	if err != nil || len(results) != 0 || ch.calls != 0 {
		t.Fatalf("expected empty audience, got %v %v calls=%d", results, err, ch.calls)
	}
}

func TestHandlerIncidentNonDispatching(t *testing.T) {
	store := &handlerStore{phase: &db.TripPhase{DriverID: 7}, onboard: []int64{1}}
	ch := &fakeChannel{}
	h := NewHandler(store, staticRecipients{1: {recipient("a", db.OwnerGuardian, 11)}}, NewDispatcher(ch, nil, DispatcherOptions{}), nil, nil)
	results, err := h.Incident(context.Background(), db.EmergencyIncident{DriverID: 7}, TemplateStudentSwitchChecked)
	if err != nil {
		t.Fatalf("incident: %v", err)
	}
	if len(results) != 1 || !results[0].Skipped || ch.calls != 0 {
		t.Fatalf("expected skipped dispatch, got %+v calls=%d", results, ch.calls)
	}
}
