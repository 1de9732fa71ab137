package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"popsync/internal/errdefs"
	"popsync/internal/httpx"
	"popsync/internal/listing"
	"popsync/internal/store"

	"github.com/sirupsen/logrus"
)

// ErrEmptySource is returned by Sync when the source listing is empty and
// the Reconciler was not told to accept that.
var ErrEmptySource = errors.New("source listing is empty")

// ContentFetcher downloads a source locator.
type ContentFetcher interface {
	Get(ctx context.Context, url string) (*httpx.Response, error)
}

// ItemFailure records one file the reconciler could not bring in line.
type ItemFailure struct {
	Name   string `json:"name"`
	Op     string `json:"op"`
	Reason string `json:"reason"`
}

// Tally counts the corrective operations of one reconcile pass.
type Tally struct {
	Uploaded int           `json:"uploaded"`
	Deleted  int           `json:"deleted"`
	Failed   int           `json:"failed"`
	Failures []ItemFailure `json:"failures,omitempty"`
}

func (t *Tally) fail(name, op string, err error) {
	t.Failed++
	t.Failures = append(t.Failures, ItemFailure{Name: name, Op: op, Reason: err.Error()})
}

// Reconciler applies diffs to the object store under a fixed prefix.
type Reconciler struct {
	fetcher ContentFetcher
	store   store.ObjectStore
	prefix  string

	// AllowEmptySource lets Sync proceed (and delete every mirrored file)
	// when the source lists nothing.
	AllowEmptySource bool
	// DryRun makes Sync compute the diff without applying it.
	DryRun bool
	// LogPrefix is where Sync stores the log of each pass; empty disables it.
	LogPrefix string

	now func() time.Time
	log *logrus.Entry
}

// New builds a Reconciler writing below prefix.
func New(fetcher ContentFetcher, st store.ObjectStore, prefix string) *Reconciler {
	return &Reconciler{
		fetcher: fetcher,
		store:   st,
		prefix:  prefix,
		now:     time.Now,
		log:     logrus.WithFields(logrus.Fields{"component": "reconcile", "prefix": prefix}),
	}
}

// WithClock replaces the clock used for run-log names and timestamps.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// Reconcile uploads every added and modified file from its source locator
// and deletes every removed file from the store. Files are processed one at
// a time and independently: a failure is recorded in the tally and the pass
// continues. Nothing is rolled back; the next pass recomputes the diff from
// current state and retries whatever is still out of line.
func (r *Reconciler) Reconcile(ctx context.Context, d DiffResult, source, target listing.Listing) Tally {
	return r.apply(ctx, newRunLog(r.log, r.now), d, source, target)
}

func (r *Reconciler) apply(ctx context.Context, log *runLog, d DiffResult, source, target listing.Listing) Tally {
	var t Tally

	upload := func(name, verb, done string) {
		if err := r.upload(ctx, source[name]); err != nil {
			log.Errorf(name, "Error %s %s: %v", verb, name, err)
			t.fail(name, "upload", err)
			return
		}
		t.Uploaded++
		log.Infof("Successfully %s %s", done, name)
	}

	for _, name := range d.Added {
		upload(name, "uploading", "uploaded")
	}
	for _, name := range d.Modified {
		upload(name, "updating", "updated")
	}
	for _, name := range d.Removed {
		key := target[name].Locator
		if key == "" {
			key = r.prefix + name
		}
		if err := r.store.Delete(ctx, key); err != nil {
			log.Errorf(name, "Error deleting %s: %v", name, err)
			t.fail(name, "delete", err)
			continue
		}
		t.Deleted++
		log.Infof("Successfully deleted %s", name)
	}
	return t
}

// upload copies one source file to prefix + bare file name. Source subpaths
// are discarded.
func (r *Reconciler) upload(ctx context.Context, rec listing.FileRecord) error {
	if rec.Locator == "" {
		return errdefs.Item("upload", rec.Name, errors.New("record has no locator"))
	}
	resp, err := r.fetcher.Get(ctx, rec.Locator)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("GET %s returned %d", rec.Locator, resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return r.store.Put(ctx, r.prefix+path.Base(rec.Name), resp.Body, contentType)
}

// Sync fetches both listings, diffs them and reconciles. It fails only when
// a listing cannot be produced, or when the source is empty and
// AllowEmptySource is off; per-file failures are reported in the tally.
//
// Unless DryRun is set or LogPrefix is empty, the lines of the pass are
// stored as <LogPrefix>sync_log_<YYYYMMDD_HHMMSS>.txt on every exit path.
func (r *Reconciler) Sync(ctx context.Context, source, target listing.Fetcher) (d DiffResult, t Tally, err error) {
	log := newRunLog(r.log, r.now)
	if !r.DryRun && r.LogPrefix != "" {
		defer func() {
			if err != nil {
				log.Infof("An error occurred: %v", err)
			}
			r.save(ctx, log)
		}()
	}

	log.Infof("Fetching files from source...")
	src, err := source.Fetch(ctx)
	if err != nil {
		return DiffResult{}, Tally{}, fmt.Errorf("fetch source listing: %w", err)
	}
	log.Infof("Fetching files from store...")
	dst, err := target.Fetch(ctx)
	if err != nil {
		return DiffResult{}, Tally{}, fmt.Errorf("fetch target listing: %w", err)
	}
	if len(src) == 0 && !r.AllowEmptySource {
		return DiffResult{}, Tally{}, ErrEmptySource
	}

	d = Diff(src, dst)
	log.Infof("diff: %d added, %d removed, %d modified, %d unchanged",
		len(d.Added), len(d.Removed), len(d.Modified), len(src)-len(d.Added)-len(d.Modified))
	for _, name := range d.Added {
		f := src[name]
		log.Infof("+ %s  URL: %s  Size: %d bytes  Last Modified: %s", name, f.Locator, f.Size, f.LastModified)
	}
	for _, name := range d.Removed {
		f := dst[name]
		log.Infof("- %s  Key: %s  Size: %d bytes  Last Modified: %s", name, f.Locator, f.Size, f.LastModified)
	}
	for _, name := range d.Modified {
		log.Infof("~ %s  URL: %s  Source size: %d bytes  Stored size: %d bytes",
			name, src[name].Locator, src[name].Size, dst[name].Size)
	}

	if d.Empty() {
		log.Infof("All files are in sync between source and store.")
		return d, Tally{}, nil
	}
	if r.DryRun {
		return d, Tally{}, nil
	}
	return d, r.apply(ctx, log, d, src, dst), nil
}
