package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service counters. A nil *Metrics records nothing.
type Metrics struct {
	scans      *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	incidents  *prometheus.CounterVec
	responses  *prometheus.CounterVec
	jobs       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safetybus",
			Name:      "attendance_requests_total",
			Help:      "Scans and manual events by source and result code.",
		}, []string{"source", "result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safetybus",
			Name:      "notification_deliveries_total",
			Help:      "Push deliveries by template and outcome.",
		}, []string{"template", "outcome"}),
		incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safetybus",
			Name:      "incidents_raised_total",
			Help:      "Emergency raises by trigger source and whether a new incident was created.",
		}, []string{"triggered_by", "created"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safetybus",
			Name:      "incident_responses_total",
			Help:      "Driver responses by response type and result code.",
		}, []string{"response_type", "result"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "safetybus",
			Name:      "notification_jobs_total",
			Help:      "Detached notification jobs by result.",
		}, []string{"result"}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	for _, c := range []**prometheus.CounterVec{&m.scans, &m.deliveries, &m.incidents, &m.responses, &m.jobs} {
		if *c, err = register(reg, *c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// register reuses an identical collector already known to reg.
func register(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
			return existing, nil
		}
	}
	return nil, err
}

func (m *Metrics) Attendance(source, result string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(source, result).Inc()
}

func (m *Metrics) Delivery(template, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(template, outcome).Inc()
}

func (m *Metrics) IncidentRaised(triggeredBy string, created bool) {
	if m == nil {
		return
	}
	label := "false"
	if created {
		label = "true"
	}
	m.incidents.WithLabelValues(triggeredBy, label).Inc()
}

func (m *Metrics) Response(responseType, result string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(responseType, result).Inc()
}

// Job counts a notification job outcome: ok, failed or dropped.
func (m *Metrics) Job(result string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(result).Inc()
}
