// Package ingest fetches the population dataset from the statistics API and
// stores one timestamped snapshot per run.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"popsync/internal/errdefs"
	"popsync/internal/httpx"
	"popsync/internal/store"

	"github.com/sirupsen/logrus"
)

// KeyTimeFormat gives keys second resolution: runs at least a second apart
// never collide.
const KeyTimeFormat = "20060102_150405"

// Fetcher is the HTTP collaborator used to download the payload.
type Fetcher interface {
	Get(ctx context.Context, url string) (*httpx.Response, error)
}

// YearRange is the span of years present in the payload.
type YearRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Observation is the population reported for one year.
type Observation struct {
	Year       int   `json:"year"`
	Population int64 `json:"population"`
}

// Record describes one stored snapshot. Payload is exactly what was written.
type Record struct {
	Payload     json.RawMessage `json:"-"`
	StoredAt    string          `json:"stored_at"`
	RecordCount int             `json:"record_count"`
	YearRange   *YearRange      `json:"year_range,omitempty"`
	Latest      *Observation    `json:"latest,omitempty"`
	Bytes       int             `json:"bytes"`
}

// Task downloads the dataset and writes it under prefix.
type Task struct {
	fetcher  Fetcher
	store    store.ObjectStore
	endpoint string
	prefix   string
	now      func() time.Time
	log      *logrus.Entry
}

func NewTask(f Fetcher, st store.ObjectStore, endpoint, prefix string) *Task {
	return &Task{
		fetcher:  f,
		store:    st,
		endpoint: endpoint,
		prefix:   prefix,
		now:      time.Now,
		log:      logrus.WithField("component", "ingest"),
	}
}

// WithClock replaces the capture clock.
func (t *Task) WithClock(now func() time.Time) *Task {
	t.now = now
	return t
}

// Key returns the storage key for a snapshot captured at ts.
func (t *Task) Key(ts time.Time) string {
	return fmt.Sprintf("%spopulation_data_%s.json", t.prefix, ts.UTC().Format(KeyTimeFormat))
}

// Run fetches, re-encodes and stores one snapshot. Fetch and decode failures
// are returned as-is; there is no partial ingestion.
func (t *Task) Run(ctx context.Context) (*Record, error) {
	t.log.Infof("Making API request to %s", t.endpoint)

	resp, err := t.fetcher.Get(ctx, t.endpoint)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, errdefs.Transport("GET "+t.endpoint, fmt.Errorf("unexpected status %d", resp.Status))
	}

	dec := json.NewDecoder(bytes.NewReader(resp.Body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, errdefs.Decode("decode population payload", err)
	}
	if dec.More() {
		return nil, errdefs.Decode("decode population payload", fmt.Errorf("trailing data after JSON document"))
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, errdefs.Decode("encode population payload", err)
	}

	key := t.Key(t.now())
	if err := t.store.Put(ctx, key, payload, "application/json"); err != nil {
		return nil, errdefs.Transport("put "+key, err)
	}
	t.log.Infof("Data successfully uploaded to %s", key)

	rec := &Record{Payload: payload, StoredAt: key, Bytes: len(payload)}
	summarize(rec, doc)
	if rec.YearRange != nil {
		t.log.Infof("Uploaded %d records spanning years %d-%d", rec.RecordCount, rec.YearRange.Min, rec.YearRange.Max)
	}
	if rec.Latest != nil {
		t.log.Infof("Most recent population (%d): %s", rec.Latest.Year, groupThousands(rec.Latest.Population))
	}
	return rec, nil
}

// summarize fills the best-effort fields of rec when doc has the shape
// {"data": [{"Year": ..., "Population": ...}, ...]}. Rows that do not carry
// a usable year are counted but otherwise ignored.
func summarize(rec *Record, doc interface{}) {
	root, ok := doc.(map[string]interface{})
	if !ok {
		return
	}
	rows, ok := root["data"].([]interface{})
	if !ok {
		return
	}
	rec.RecordCount = len(rows)

	for _, row := range rows {
		fields, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		year, ok := asInt(fields["Year"])
		if !ok {
			continue
		}
		if rec.YearRange == nil {
			rec.YearRange = &YearRange{Min: int(year), Max: int(year)}
		}
		if int(year) < rec.YearRange.Min {
			rec.YearRange.Min = int(year)
		}
		if int(year) >= rec.YearRange.Max {
			rec.YearRange.Max = int(year)
			if pop, ok := asInt(fields["Population"]); ok && (rec.Latest == nil || int(year) > rec.Latest.Year) {
				rec.Latest = &Observation{Year: int(year), Population: pop}
			}
		}
	}
}

// asInt accepts JSON numbers and numeric strings; the API has served the
// year both ways.
func asInt(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true
		}
		if f, err := x.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		if i, err := strconv.ParseInt(x, 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

func groupThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := n < 0
	if neg {
		s = s[1:]
	}
	var out []byte
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
