package listing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"popsync/internal/config"
	"popsync/internal/errdefs"
	"popsync/internal/httpx"
	"popsync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const indexPage = `<html><head><title>download.bls.gov - /pub/time.series/pr/</title></head><body>
<H1>download.bls.gov - /pub/time.series/pr/</H1><hr>
<pre><A HREF="/pub/time.series/">[To Parent Directory]</A><br><br>
<A HREF="?C=N;O=D">Name</A>
 1/25/2024  8:30 AM          100 <A HREF="/pub/time.series/pr/pr.class">pr.class</A><br>
 1/25/2024  8:30 AM           50 <A HREF="pr.contacts">pr.contacts</A><br>
 1/25/2024  8:30 AM        <dir> <A HREF="/pub/time.series/pr/archive/">archive</A><br>
 1/25/2024  8:30 AM           10 <A HREF="/pub/time.series/pr/pr.missing">pr.missing</A><br>
 1/25/2024  8:30 AM           10 <A HREF="https://elsewhere.example.com/pub/time.series/pr/pr.evil">pr.evil</A><br>
 1/25/2024  8:30 AM          100 <A HREF="/pub/time.series/pr/pr.class#top">pr.class again</A><br>
</pre><hr></body></html>`

func newCatalogServer(t *testing.T, files map[string]int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/pub/time.series/pr/" {
			fmt.Fprint(w, indexPage)
			return
		}
		size, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(size))
		w.Header().Set("Last-Modified", "Thu, 25 Jan 2024 13:30:00 GMT")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient() *httpx.Client {
	return httpx.New(config.RetryConfig{Attempts: 1, DelayMS: 1}, time.Second)
}

func TestCatalog_Fetch(t *testing.T) {
	srv := newCatalogServer(t, map[string]int{
		"/pub/time.series/pr/pr.class":    100,
		"/pub/time.series/pr/pr.contacts": 50,
	})
	base := srv.URL + "/pub/time.series/pr/"

	got, err := NewCatalog(testClient(), base, 0).Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"pr.class", "pr.contacts"}, got.Names(), "directories, parents, foreign hosts and failing links are excluded")
	assert.Equal(t, FileRecord{
		Name:         "pr.class",
		Size:         100,
		LastModified: "Thu, 25 Jan 2024 13:30:00 GMT",
		Locator:      base + "pr.class",
	}, got["pr.class"])
	assert.Equal(t, int64(50), got["pr.contacts"].Size)
}

func TestCatalog_IndexUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	got, err := NewCatalog(testClient(), srv.URL+"/pub/", 0).Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsTransport(err))
	assert.Nil(t, got)
}

func TestCatalog_EmptyIndexIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/">[To Parent Directory]</a></body></html>`)
	}))
	defer srv.Close()

	got, err := NewCatalog(testClient(), srv.URL+"/pub/", 0).Fetch(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

// headless serves the index page and answers every HEAD without a length.
type headless struct{}

func (headless) Get(context.Context, string) (*httpx.Response, error) {
	return &httpx.Response{Status: http.StatusOK, Body: []byte(indexPage)}, nil
}

func (headless) Head(context.Context, string) (*httpx.Response, error) {
	return &httpx.Response{Status: http.StatusOK, Header: http.Header{}, ContentLength: -1}, nil
}

func TestCatalog_SkipsFilesWithoutLength(t *testing.T) {
	c := NewCatalog(headless{}, "https://download.bls.gov/pub/time.series/pr/", 0)
	_, err := c.describe(context.Background(), "https://download.bls.gov/pub/time.series/pr/pr.class")
	assert.EqualError(t, err, "no Content-Length")

	got, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileLinks(t *testing.T) {
	base, err := url.Parse("https://download.bls.gov/pub/time.series/pr/")
	require.NoError(t, err)

	links, err := FileLinks(base, []byte(indexPage))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://download.bls.gov/pub/time.series/pr/pr.class",
		"https://download.bls.gov/pub/time.series/pr/pr.contacts",
		"https://download.bls.gov/pub/time.series/pr/pr.missing",
	}, links)
}

func TestStorage_Fetch(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.Put(ctx, "bls_data/", nil, ""))
	require.NoError(t, mem.Put(ctx, "bls_data/pr.class", make([]byte, 100), "text/plain"))
	require.NoError(t, mem.Put(ctx, "bls_data/pr.series", make([]byte, 7), "text/plain"))
	require.NoError(t, mem.Put(ctx, "population_data/p.json", []byte("{}"), "application/json"))

	got, err := NewStorage(mem, "bls_data/").Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pr.class", "pr.series"}, got.Names())
	assert.Equal(t, "bls_data/pr.class", got["pr.class"].Locator)
	assert.Equal(t, int64(100), got["pr.class"].Size)
	assert.NotEmpty(t, got["pr.class"].LastModified)
}

type brokenStore struct{ store.ObjectStore }

func (brokenStore) List(context.Context, string) ([]store.ObjectInfo, error) {
	return nil, errors.New("access denied")
}

func TestStorage_FetchFailure(t *testing.T) {
	got, err := NewStorage(brokenStore{}, "bls_data/").Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsTransport(err))
	assert.Nil(t, got)
}

func TestStorage_EmptyPrefix(t *testing.T) {
	got, err := NewStorage(store.NewMemory(), "bls_data/").Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}
