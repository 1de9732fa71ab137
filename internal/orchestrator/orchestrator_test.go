package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"popsync/internal/config"
	"popsync/internal/dispatch"
	"popsync/internal/errdefs"
	"popsync/internal/httpx"
	"popsync/internal/ingest"
	"popsync/internal/listing"
	"popsync/internal/metrics"
	"popsync/internal/reconcile"
	"popsync/internal/store"
	"popsync/internal/trigger"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixed = time.Date(2024, 7, 4, 9, 6, 0, 0, time.UTC)

type fakeIngest struct {
	rec *ingest.Record
	err error
}

func (f *fakeIngest) Run(context.Context) (*ingest.Record, error) { return f.rec, f.err }

type fakeSync struct {
	diff  reconcile.DiffResult
	tally reconcile.Tally
	err   error
	calls int
}

func (f *fakeSync) Sync(context.Context, listing.Fetcher, listing.Fetcher) (reconcile.DiffResult, reconcile.Tally, error) {
	f.calls++
	return f.diff, f.tally, f.err
}

type fakeNotifier struct {
	err   error
	sent  [][]byte
	attrs []map[string]string
	ctxOK []bool
}

func (f *fakeNotifier) Send(ctx context.Context, payload []byte, attrs map[string]string) error {
	f.sent = append(f.sent, payload)
	f.attrs = append(f.attrs, attrs)
	f.ctxOK = append(f.ctxOK, ctx.Err() == nil)
	return f.err
}

type fakeExecutor struct {
	fail map[string]bool
}

func (f *fakeExecutor) Execute(_ context.Context, _ string, params map[string]string) (dispatch.Execution, error) {
	if f.fail[params["key"]] {
		return dispatch.Execution{}, errors.New("kernel died")
	}
	return dispatch.Execution{OutputLocator: "notebook_outputs/analysis.ipynb", ExecutedAt: fixed}, nil
}

func scheduledDeps(n *fakeNotifier) (Deps, *fakeSync) {
	sync := &fakeSync{
		diff:  reconcile.DiffResult{Added: []string{"a"}, Removed: []string{"c"}, Modified: []string{}},
		tally: reconcile.Tally{Uploaded: 1, Deleted: 1},
	}
	return Deps{
		Ingest:   &fakeIngest{rec: &ingest.Record{StoredAt: "population_data/population_data_20240704_090600.json", RecordCount: 2}},
		Sync:     sync,
		Notifier: n,
	}, sync
}

func TestRun_NotifyFailureLeavesResultIntact(t *testing.T) {
	okDeps, _ := scheduledDeps(&fakeNotifier{})
	failDeps, _ := scheduledDeps(&fakeNotifier{err: errors.New("queue unavailable")})

	ok, err := New(okDeps).Run(context.Background(), nil)
	require.NoError(t, err)
	failed, err := New(failDeps).Run(context.Background(), nil)
	require.NoError(t, err, "a notification failure never fails the invocation")

	assert.True(t, ok.Notified)
	assert.False(t, failed.Notified)
	assert.Equal(t, ok.FetchSummary, failed.FetchSummary)
	assert.Equal(t, ok.PublishSummary, failed.PublishSummary)
	assert.Equal(t, StatusOK, failed.Status)
	assert.Empty(t, failed.Error)
}

func TestRun_IngestFailureStillNotifies(t *testing.T) {
	n := &fakeNotifier{}
	deps, sync := scheduledDeps(n)
	deps.Ingest = &fakeIngest{err: errdefs.Transport("GET api", errors.New("connection refused"))}

	res, err := New(deps).Run(context.Background(), []byte(`{"source":"aws.events"}`))
	require.Error(t, err)
	assert.True(t, errdefs.IsTransport(err))
	assert.Zero(t, sync.calls, "reconcile does not run after a failed ingest")

	assert.Equal(t, StatusError, res.Status)
	assert.Contains(t, res.Error, "connection refused")
	assert.Nil(t, res.FetchSummary)
	assert.True(t, res.Notified)

	require.Len(t, n.attrs, 1)
	assert.Equal(t, "error", n.attrs[0]["status"])
	assert.Equal(t, "publish_completed", n.attrs[0]["event"])
	assert.Equal(t, res.InvocationID, n.attrs[0]["invocation_id"])
}

func TestRun_SyncFailureKeepsFetchSummary(t *testing.T) {
	deps, sync := scheduledDeps(&fakeNotifier{})
	sync.err = reconcile.ErrEmptySource

	res, err := New(deps).Run(context.Background(), nil)
	assert.ErrorIs(t, err, reconcile.ErrEmptySource)
	assert.NotNil(t, res.FetchSummary, "partial progress is reported")
	assert.Nil(t, res.PublishSummary)
	assert.Equal(t, StatusError, res.Status)
}

func TestRun_PartialStatus(t *testing.T) {
	deps, sync := scheduledDeps(&fakeNotifier{})
	sync.tally = reconcile.Tally{Uploaded: 1, Failed: 1, Failures: []reconcile.ItemFailure{{Name: "b", Op: "upload", Reason: "timeout"}}}

	res, err := New(deps).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
}

func TestRun_NoNotifier(t *testing.T) {
	deps, _ := scheduledDeps(nil)
	deps.Notifier = nil
	res, err := New(deps).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, res.Notified)
}

func TestRun_CancelledContextStillNotifies(t *testing.T) {
	n := &fakeNotifier{}
	deps, _ := scheduledDeps(n)
	deps.Ingest = &fakeIngest{err: context.Canceled}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := New(deps).Run(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Notified)
	require.Len(t, n.ctxOK, 1)
	assert.True(t, n.ctxOK[0])
}

func TestRun_StorageBranch(t *testing.T) {
	n := &fakeNotifier{}
	exec := &fakeExecutor{fail: map[string]bool{"population_data/bad.json": true}}
	o := New(Deps{
		Dispatch: dispatch.New(exec, "notebooks/analysis.ipynb", "population_data/", ".json"),
		Notifier: n,
	}).WithClock(func() time.Time { return fixed })

	raw := []byte(`{"records":[
		{"event_source":"storage","event_name":"ObjectCreated:Put","bucket":"rearc-data","key":"population_data/x.json"},
		{"event_source":"storage","event_name":"ObjectCreated:Put","bucket":"rearc-data","key":"population_data/bad.json"},
		{"event_source":"storage","event_name":"ObjectCreated:Put","bucket":"rearc-data","key":"other/x.json"}
	]}`)
	res, err := o.Run(context.Background(), raw)
	require.NoError(t, err)

	assert.Equal(t, trigger.StorageCreated, res.Trigger)
	require.Len(t, res.Processed, 2)
	assert.Equal(t, dispatch.StatusSuccess, res.Processed[0].Status)
	assert.Equal(t, dispatch.StatusFailed, res.Processed[1].Status)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, dispatch.ReasonPatternMismatch, res.Skipped[0].Reason)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Nil(t, res.FetchSummary)

	require.Len(t, n.attrs, 1)
	assert.Equal(t, "storage_created", n.attrs[0]["trigger"])
	assert.Equal(t, "processing_completed", n.attrs[0]["event"])

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(n.sent[0], &msg))
	assert.Equal(t, res.InvocationID, msg["invocation_id"])
	assert.Len(t, msg["processed"], 2)
}

func TestResult_JSON(t *testing.T) {
	deps, _ := scheduledDeps(&fakeNotifier{})
	res, err := New(deps).WithClock(func() time.Time { return fixed }).Run(context.Background(), nil)
	require.NoError(t, err)

	b, err := json.Marshal(res)
	require.NoError(t, err)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &got))

	assert.Equal(t, "scheduled", got["trigger"])
	assert.Equal(t, true, got["notified"])
	publish := got["publish_summary"].(map[string]interface{})
	assert.Equal(t, float64(1), publish["uploaded"])
	assert.Equal(t, []interface{}{"a"}, publish["diff"].(map[string]interface{})["added"])
	assert.NotContains(t, got, "processed")
}

func TestRun_RecordsAndPushesMetrics(t *testing.T) {
	var pushes atomic.Int32
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushes.Add(1)
	}))
	defer gw.Close()

	m := metrics.New()
	deps, _ := scheduledDeps(&fakeNotifier{err: errors.New("down")})
	deps.Metrics = m
	deps.PushgatewayURL = gw.URL
	deps.MetricsJob = "popsync"

	_, err := New(deps).Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Invocations.WithLabelValues("scheduled", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Files.WithLabelValues("uploaded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Files.WithLabelValues("deleted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotifyFailures))
	assert.Equal(t, int32(1), pushes.Load())
}

// upstream serves the population API, a catalog index and its files.
func upstream(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/data":
			fmt.Fprint(w, `{"data":[{"Year":"2021","Population":329725481},{"Year":"2022","Population":331097593}]}`)
			return
		case "/pub/pr/":
			fmt.Fprint(w, `<html><body><pre><A HREF="/pub/">[To Parent Directory]</A>`)
			for name := range files {
				fmt.Fprintf(w, `<A HREF="/pub/pr/%s">%s</A><br>`, name, name)
			}
			fmt.Fprint(w, `</pre></body></html>`)
			return
		}
		body, ok := files[strings.TrimPrefix(r.URL.Path, "/pub/pr/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("Content-Type", "text/plain")
		if r.Method == http.MethodGet {
			fmt.Fprint(w, body)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_ScheduledEndToEnd(t *testing.T) {
	srv := upstream(t, map[string]string{
		"pr.class":    "class data",
		"pr.contacts": "contacts v2",
	})
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Put(ctx, "bls_data/pr.contacts", []byte("contacts"), "text/plain"))
	require.NoError(t, mem.Put(ctx, "bls_data/pr.stale", []byte("old"), "text/plain"))

	client := httpx.New(config.RetryConfig{Attempts: 1, DelayMS: 1}, time.Second)
	n := &fakeNotifier{}
	o := New(Deps{
		Ingest:   ingest.NewTask(client, mem, srv.URL+"/api/data", "population_data/").WithClock(func() time.Time { return fixed }),
		Sync:     reconcile.New(client, mem, "bls_data/"),
		Catalog:  listing.NewCatalog(client, srv.URL+"/pub/pr/", 0),
		Mirror:   listing.NewStorage(mem, "bls_data/"),
		Notifier: n,
	})

	res, err := o.Run(ctx, []byte(`{}`))
	require.NoError(t, err)

	require.NotNil(t, res.FetchSummary)
	assert.Equal(t, "population_data/population_data_20240704_090600.json", res.FetchSummary.StoredAt)
	assert.Equal(t, 2, res.FetchSummary.RecordCount)

	require.NotNil(t, res.PublishSummary)
	assert.Equal(t, []string{"pr.class"}, res.PublishSummary.Diff.Added)
	assert.Equal(t, []string{"pr.stale"}, res.PublishSummary.Diff.Removed)
	assert.Equal(t, []string{"pr.contacts"}, res.PublishSummary.Diff.Modified)
	assert.Equal(t, 2, res.PublishSummary.Uploaded)
	assert.Equal(t, 1, res.PublishSummary.Deleted)
	assert.True(t, res.Notified)

	assert.Equal(t, []string{
		"bls_data/pr.class",
		"bls_data/pr.contacts",
		"population_data/population_data_20240704_090600.json",
	}, mem.Keys())
	body, err := mem.Get(ctx, "bls_data/pr.contacts")
	require.NoError(t, err)
	assert.Equal(t, "contacts v2", string(body))

	again, err := o.Run(ctx, nil)
	require.NoError(t, err)
	assert.True(t, again.PublishSummary.Diff.Empty(), "second run converges")
}
