// Package notify renders messages and fans them out to push-channel
// recipients. Delivery failures are per recipient: they are recorded and
// counted, never returned to the caller.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/sync/errgroup"

	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/db"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/metrics"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/outcome"
	"github.com/PhurichayaKd/Safety-Bus-sub001/internal/recipients"
)

// Channel delivers one text payload to one address.
type Channel interface {
	Push(ctx context.Context, address, text string) error
}

type ResultStore interface {
	InsertDeliveryResult(ctx context.Context, r db.DeliveryResult) error
}

type Delivery struct {
	Address   string             `json:"address"`
	OwnerKind db.OwnerKind       `json:"-"`
	OwnerID   int64              `json:"-"`
	Outcome   db.DeliveryOutcome `json:"outcome"`
	Error     string             `json:"error,omitempty"`
}

type Result struct {
	BatchID  string     `json:"batchId"`
	Template Template   `json:"template"`
	Results  []Delivery `json:"results"`
	Sent     int        `json:"sent"`
	Failed   int        `json:"failed"`
	Skipped  bool       `json:"skipped,omitempty"`
}

type DispatcherOptions struct {
	Concurrency int
	Timeout     time.Duration
	Location    *time.Location
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type Dispatcher struct {
	channel     Channel
	results     ResultStore
	concurrency int
	timeout     time.Duration
	loc         *time.Location
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

func NewDispatcher(channel Channel, results ResultStore, opts DispatcherOptions) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		channel:     channel,
		results:     results,
		concurrency: opts.Concurrency,
		timeout:     opts.Timeout,
		loc:         opts.Location,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// Dispatch renders tmpl once and attempts every recipient independently.
// The only error is a render failure; delivery failures land in the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, to []recipients.Recipient, tmpl Template, p Params) (Result, error) {
	batch := uuid.New()
	res := Result{BatchID: batch.String(), Template: tmpl}
	if !Dispatching(tmpl) {
		res.Skipped = true
		d.logger.Info("dispatch skipped", "batch_id", res.BatchID, "template", tmpl)
		return res, nil
	}
	text, err := Render(tmpl, p, d.loc)
	if err != nil {
		return res, outcome.System("render message", err)
	}

	res.Results = make([]Delivery, len(to))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, rc := range to {
		g.Go(func() error {
			res.Results[i] = d.deliver(ctx, rc, text)
			return nil
		})
	}
	_ = g.Wait()

	attempted := d.now().UTC()
	for _, r := range res.Results {
		if r.Outcome == db.DeliverySuccess {
			res.Sent++
		} else {
			res.Failed++
		}
		d.metrics.Delivery(string(tmpl), string(r.Outcome))
		d.record(ctx, batch, tmpl, r, attempted)
	}

	d.logger.Info("dispatch result",
		"batch_id", res.BatchID,
		"template", tmpl,
		"sent", res.Sent,
		"failed", res.Failed,
		"results", res.Results,
	)
	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, rc recipients.Recipient, text string) Delivery {
	out := Delivery{Address: rc.Address, OwnerKind: rc.OwnerKind, OwnerID: rc.OwnerID, Outcome: db.DeliverySuccess}
	pushCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.push(pushCtx, rc.Address, text); err != nil {
		out.Outcome = db.DeliveryFailed
		out.Error = err.Error()
		d.logger.Warn("push delivery failed", "owner_kind", rc.OwnerKind, "owner_id", rc.OwnerID, "error", err)
	}
	return out
}

func (d *Dispatcher) push(ctx context.Context, address, text string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("channel panic: %v", p)
		}
	}()
	return d.channel.Push(ctx, address, text)
}

func (d *Dispatcher) record(ctx context.Context, batch uuid.UUID, tmpl Template, r Delivery, at time.Time) {
	if d.results == nil {
		return
	}
	row := db.DeliveryResult{
		BatchID:     pgtype.UUID{Bytes: batch, Valid: true},
		Template:    string(tmpl),
		Address:     r.Address,
		OwnerKind:   r.OwnerKind,
		OwnerID:     r.OwnerID,
		Outcome:     r.Outcome,
		AttemptedAt: at,
	}
	if r.Error != "" {
		detail := r.Error
		row.ErrorDetail = &detail
	}
	if err := d.results.InsertDeliveryResult(ctx, row); err != nil {
		d.logger.Warn("delivery result not recorded", "batch_id", batch.String(), "error", err)
	}
}
