// Package orchestrator runs one invocation end to end: classify the trigger,
// run the matching branch, then send a single completion notification.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"popsync/internal/dispatch"
	"popsync/internal/ingest"
	"popsync/internal/listing"
	"popsync/internal/metrics"
	"popsync/internal/notify"
	"popsync/internal/reconcile"
	"popsync/internal/trigger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Invocation status values.
const (
	StatusOK      = "ok"
	StatusPartial = "partial"
	StatusError   = "error"
)

// NotifyTimeout bounds the completion send. It is applied on a context
// detached from the invocation so a cancelled run still reports.
const NotifyTimeout = 10 * time.Second

// Ingester stores one population snapshot.
type Ingester interface {
	Run(ctx context.Context) (*ingest.Record, error)
}

// Syncer mirrors a source listing into the store.
type Syncer interface {
	Sync(ctx context.Context, source, target listing.Fetcher) (reconcile.DiffResult, reconcile.Tally, error)
}

// Dispatcher runs downstream processing for storage events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev trigger.Event) dispatch.Result
}

// Deps are the collaborators of an Orchestrator. Metrics may be nil; an
// empty PushgatewayURL disables pushing.
type Deps struct {
	Ingest   Ingester
	Sync     Syncer
	Catalog  listing.Fetcher
	Mirror   listing.Fetcher
	Dispatch Dispatcher
	Notifier notify.Notifier

	Metrics        *metrics.Metrics
	PushgatewayURL string
	MetricsJob     string
}

// PublishSummary reports the catalog sync of a scheduled run.
type PublishSummary struct {
	Diff reconcile.DiffResult `json:"diff"`
	reconcile.Tally
}

// Result is the output of one invocation. It is filled as far as the run got,
// so a failed branch still reports partial progress.
type Result struct {
	InvocationID   string             `json:"invocation_id"`
	Trigger        trigger.Kind       `json:"trigger"`
	Status         string             `json:"status"`
	StartedAt      time.Time          `json:"started_at"`
	FinishedAt     time.Time          `json:"finished_at"`
	FetchSummary   *ingest.Record     `json:"fetch_summary,omitempty"`
	PublishSummary *PublishSummary    `json:"publish_summary,omitempty"`
	Processed      []dispatch.Outcome `json:"processed,omitempty"`
	Skipped        []dispatch.Skip    `json:"skipped,omitempty"`
	Notified       bool               `json:"notified"`
	Error          string             `json:"error,omitempty"`
}

// message is the notification body.
type message struct {
	Timestamp    time.Time          `json:"timestamp"`
	InvocationID string             `json:"invocation_id"`
	Trigger      trigger.Kind       `json:"trigger"`
	Status       string             `json:"status"`
	Fetch        *ingest.Record     `json:"fetch,omitempty"`
	Publish      *PublishSummary    `json:"publish,omitempty"`
	Processed    []dispatch.Outcome `json:"processed,omitempty"`
	Skipped      []dispatch.Skip    `json:"skipped,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// Orchestrator composes the trigger classifier with the two workflows.
type Orchestrator struct {
	deps Deps
	now  func() time.Time
	log  *logrus.Entry
}

func New(d Deps) *Orchestrator {
	return &Orchestrator{
		deps: d,
		now:  time.Now,
		log:  logrus.WithField("component", "orchestrator"),
	}
}

// WithClock replaces the invocation clock.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Run executes one invocation for the raw trigger payload under a fresh ID.
func (o *Orchestrator) Run(ctx context.Context, raw []byte) (*Result, error) {
	return o.RunWithID(ctx, uuid.NewString(), raw)
}

// RunWithID is Run with a caller-chosen invocation ID. The returned Result is
// never nil; the error is the branch error, if any. Notification failures
// only clear Result.Notified.
func (o *Orchestrator) RunWithID(ctx context.Context, id string, raw []byte) (*Result, error) {
	ev := trigger.Classify(raw)
	res := &Result{
		InvocationID: id,
		Trigger:      ev.Kind,
		StartedAt:    o.now().UTC(),
	}
	log := o.log.WithFields(logrus.Fields{"invocation_id": id, "trigger": ev.Kind.String()})
	log.Infof("Starting invocation | records=%d", len(ev.Records))

	var err error
	switch ev.Kind {
	case trigger.StorageCreated:
		err = o.runStorage(ctx, ev, res)
	default:
		err = o.runScheduled(ctx, log, res)
	}

	res.FinishedAt = o.now().UTC()
	res.Status = status(res, err)
	if err != nil {
		res.Error = err.Error()
		log.Errorf("Invocation failed: %v", err)
	}

	res.Notified = o.notify(ctx, log, res)
	o.record(log, res)

	log.Infof("Finished invocation | status=%s notified=%t elapsed=%s",
		res.Status, res.Notified, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	return res, err
}

func (o *Orchestrator) runScheduled(ctx context.Context, log *logrus.Entry, res *Result) error {
	rec, err := o.deps.Ingest.Run(ctx)
	if err != nil {
		return err
	}
	res.FetchSummary = rec

	d, tally, err := o.deps.Sync.Sync(ctx, o.deps.Catalog, o.deps.Mirror)
	if err != nil {
		return err
	}
	res.PublishSummary = &PublishSummary{Diff: d, Tally: tally}
	for _, f := range tally.Failures {
		log.Warnf("Catalog file %s: %s failed: %s", f.Name, f.Op, f.Reason)
	}
	return nil
}

func (o *Orchestrator) runStorage(ctx context.Context, ev trigger.Event, res *Result) error {
	out := o.deps.Dispatch.Dispatch(ctx, ev)
	res.Processed = out.Processed
	res.Skipped = out.Skipped
	return nil
}

func status(res *Result, err error) string {
	switch {
	case err != nil:
		return StatusError
	case res.PublishSummary != nil && res.PublishSummary.Failed > 0:
		return StatusPartial
	}
	for _, p := range res.Processed {
		if p.Status == dispatch.StatusFailed {
			return StatusPartial
		}
	}
	return StatusOK
}

func (o *Orchestrator) notify(ctx context.Context, log *logrus.Entry, res *Result) bool {
	if o.deps.Notifier == nil {
		log.Warn("No notifier configured; skipping completion notification")
		return false
	}

	body, err := json.Marshal(message{
		Timestamp:    res.FinishedAt,
		InvocationID: res.InvocationID,
		Trigger:      res.Trigger,
		Status:       res.Status,
		Fetch:        res.FetchSummary,
		Publish:      res.PublishSummary,
		Processed:    res.Processed,
		Skipped:      res.Skipped,
		Error:        res.Error,
	})
	if err != nil {
		log.Errorf("Failed to encode completion notification: %v", err)
		return false
	}

	event := "publish_completed"
	if res.Trigger == trigger.StorageCreated {
		event = "processing_completed"
	}
	attrs := map[string]string{
		"source":        "popsync",
		"event":         event,
		"invocation_id": res.InvocationID,
		"trigger":       res.Trigger.String(),
		"status":        res.Status,
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), NotifyTimeout)
	defer cancel()
	if err := o.deps.Notifier.Send(nctx, body, attrs); err != nil {
		log.Errorf("Failed to send completion notification: %v", err)
		if o.deps.Metrics != nil {
			o.deps.Metrics.NotifyFailures.Inc()
		}
		return false
	}
	log.Info("Completion notification sent")
	return true
}

// record updates the run metrics and pushes them when a gateway is set.
// Push failures are logged only.
func (o *Orchestrator) record(log *logrus.Entry, res *Result) {
	m := o.deps.Metrics
	if m == nil {
		return
	}

	kind := res.Trigger.String()
	m.Invocations.WithLabelValues(kind, res.Status).Inc()
	m.InvocationTime.WithLabelValues(kind).Observe(res.FinishedAt.Sub(res.StartedAt).Seconds())
	if res.Status != StatusError {
		m.LastSuccessStamp.Set(float64(res.FinishedAt.Unix()))
	}
	if res.FetchSummary != nil {
		m.IngestBytes.Add(float64(res.FetchSummary.Bytes))
	}
	if p := res.PublishSummary; p != nil {
		m.Files.WithLabelValues("uploaded").Add(float64(p.Uploaded))
		m.Files.WithLabelValues("deleted").Add(float64(p.Deleted))
		m.Files.WithLabelValues("failed").Add(float64(p.Failed))
	}
	for _, p := range res.Processed {
		m.Records.WithLabelValues(string(p.Status)).Inc()
	}
	if len(res.Skipped) > 0 {
		m.Records.WithLabelValues("ignored").Add(float64(len(res.Skipped)))
	}

	if o.deps.PushgatewayURL == "" {
		return
	}
	if err := m.Push(o.deps.PushgatewayURL, o.deps.MetricsJob); err != nil {
		log.Warnf("Metrics push failed: %v", err)
	}
}
