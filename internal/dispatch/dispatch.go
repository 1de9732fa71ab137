// Package dispatch runs downstream notebook processing for newly created
// population snapshots.
package dispatch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"popsync/internal/trigger"

	"github.com/sirupsen/logrus"
)

// Skip reasons.
const (
	ReasonPatternMismatch = "pattern mismatch"
	ReasonNotCreated      = "not an object creation event"
	ReasonBadKey          = "invalid key encoding"
)

// Status of one processing outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Execution is what the notebook executor reports for one run.
type Execution struct {
	OutputLocator string
	ExecutedAt    time.Time
}

// Executor is the notebook-execution collaborator. inputLocator names the
// notebook to run.
type Executor interface {
	Execute(ctx context.Context, inputLocator string, params map[string]string) (Execution, error)
}

// Outcome is the result of processing one matched object.
type Outcome struct {
	InputLocator  string    `json:"input_locator"`
	OutputLocator string    `json:"output_locator,omitempty"`
	ExecutedAt    time.Time `json:"executed_at"`
	Status        Status    `json:"status"`
	Error         string    `json:"error,omitempty"`
}

// Skip records an object that was not processed and why.
type Skip struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Result aggregates one batch.
type Result struct {
	Processed []Outcome `json:"processed"`
	Skipped   []Skip    `json:"skipped"`
}

// Failed counts outcomes with StatusFailed.
func (r Result) Failed() int {
	n := 0
	for _, o := range r.Processed {
		if o.Status == StatusFailed {
			n++
		}
	}
	return n
}

// Dispatcher matches storage records against a key pattern and runs the
// notebook once per match.
type Dispatcher struct {
	exec     Executor
	notebook string
	prefix   string
	suffix   string
	now      func() time.Time
	log      *logrus.Entry
}

// New builds a Dispatcher running notebook for keys starting with prefix and
// ending with suffix.
func New(exec Executor, notebook, prefix, suffix string) *Dispatcher {
	return &Dispatcher{
		exec:     exec,
		notebook: notebook,
		prefix:   prefix,
		suffix:   suffix,
		now:      time.Now,
		log:      logrus.WithField("component", "dispatch"),
	}
}

// WithClock replaces the invocation clock.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Dispatch processes ev's records in order. Every record is handled on its
// own: an executor failure becomes a failed outcome and the batch carries on.
func (d *Dispatcher) Dispatch(ctx context.Context, ev trigger.Event) Result {
	res := Result{Processed: []Outcome{}, Skipped: []Skip{}}
	if ev.Kind != trigger.StorageCreated {
		return res
	}

	invokedAt := d.now().UTC().Format(time.RFC3339)
	done := make(map[string]bool)

	for _, rec := range ev.Records {
		if !trigger.IsStorageSource(rec.Source) {
			continue
		}

		key, err := DecodeKey(rec.Key)
		if err != nil {
			res.Skipped = append(res.Skipped, Skip{Bucket: rec.Bucket, Key: rec.Key, Reason: ReasonBadKey})
			continue
		}
		if !rec.Created() {
			res.Skipped = append(res.Skipped, Skip{Bucket: rec.Bucket, Key: key, Reason: ReasonNotCreated})
			continue
		}
		if !d.Matches(key) {
			res.Skipped = append(res.Skipped, Skip{Bucket: rec.Bucket, Key: key, Reason: ReasonPatternMismatch})
			continue
		}

		input := fmt.Sprintf("s3://%s/%s", rec.Bucket, key)
		if done[input] {
			res.Processed = append(res.Processed, Outcome{InputLocator: input, ExecutedAt: d.now().UTC(), Status: StatusSkipped, Error: "duplicate record in batch"})
			continue
		}
		done[input] = true

		res.Processed = append(res.Processed, d.process(ctx, input, rec.Bucket, key, invokedAt))
	}
	return res
}

func (d *Dispatcher) process(ctx context.Context, input, bucket, key, invokedAt string) (out Outcome) {
	out = Outcome{InputLocator: input}
	log := d.log.WithField("input", input)

	// A panicking executor must not take the rest of the batch with it.
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("notebook execution panicked: %v", r)
			out.Status = StatusFailed
			out.Error = fmt.Sprintf("panic: %v", r)
			out.ExecutedAt = d.now().UTC()
		}
	}()

	params := map[string]string{
		"input_path": input,
		"bucket":     bucket,
		"key":        key,
		"invoked_at": invokedAt,
	}
	exec, err := d.exec.Execute(ctx, d.notebook, params)
	if err != nil {
		log.Errorf("notebook execution failed: %v", err)
		out.Status = StatusFailed
		out.Error = err.Error()
		out.ExecutedAt = d.now().UTC()
		return out
	}

	out.Status = StatusSuccess
	out.OutputLocator = exec.OutputLocator
	out.ExecutedAt = exec.ExecutedAt.UTC()
	if out.ExecutedAt.IsZero() {
		out.ExecutedAt = d.now().UTC()
	}
	log.Infof("notebook executed (output=%q)", exec.OutputLocator)
	return out
}

// Matches reports whether a decoded key is eligible for processing.
func (d *Dispatcher) Matches(key string) bool {
	return strings.HasPrefix(key, d.prefix) && strings.HasSuffix(key, d.suffix)
}

// DecodeKey undoes the form encoding S3 applies to keys in notifications
// ("+" for space, %XX for everything else).
func DecodeKey(key string) (string, error) {
	return url.QueryUnescape(key)
}
