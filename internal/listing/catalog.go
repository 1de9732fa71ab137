package listing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"popsync/internal/errdefs"
	"popsync/internal/httpx"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

// HTTPClient is the HTTP collaborator used to read the remote catalog.
type HTTPClient interface {
	Get(ctx context.Context, url string) (*httpx.Response, error)
	Head(ctx context.Context, url string) (*httpx.Response, error)
}

// Catalog reads an HTML directory index and resolves size and modification
// time of every file it links to with one HEAD request per file.
type Catalog struct {
	client  HTTPClient
	baseURL string
	limiter *rate.Limiter
	log     *logrus.Entry
}

// NewCatalog builds a catalog fetcher for baseURL. requestsPerSecond bounds
// the HEAD requests; a value <= 0 disables limiting.
func NewCatalog(client HTTPClient, baseURL string, requestsPerSecond float64) *Catalog {
	lim := rate.NewLimiter(rate.Inf, 1)
	if requestsPerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
	return &Catalog{
		client:  client,
		baseURL: baseURL,
		limiter: lim,
		log:     logrus.WithFields(logrus.Fields{"component": "catalog", "url": baseURL}),
	}
}

// Fetch returns the catalog listing. Failing to read or parse the index page
// is an error; failing to resolve metadata for one link only drops that link.
func (c *Catalog) Fetch(ctx context.Context) (Listing, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errdefs.Config("catalog.url", err)
	}

	resp, err := c.client.Get(ctx, c.baseURL)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, errdefs.Transport("GET "+c.baseURL, fmt.Errorf("unexpected status %d", resp.Status))
	}

	links, err := FileLinks(base, resp.Body)
	if err != nil {
		return nil, errdefs.Decode("parse index "+c.baseURL, err)
	}

	out := make(Listing, len(links))
	for _, link := range links {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errdefs.Transport("HEAD "+link, err)
		}
		rec, err := c.describe(ctx, link)
		if err != nil {
			c.log.Warnf("skipping %s: %v", link, err)
			continue
		}
		if !out.add(rec) {
			c.log.Debugf("skipping %s: duplicate name %s", link, rec.Name)
		}
	}

	c.log.Infof("catalog listed %d files (%d links)", len(out), len(links))
	return out, nil
}

func (c *Catalog) describe(ctx context.Context, link string) (FileRecord, error) {
	resp, err := c.client.Head(ctx, link)
	if err != nil {
		return FileRecord{}, err
	}
	if !resp.OK() {
		return FileRecord{}, fmt.Errorf("HEAD returned %d", resp.Status)
	}
	if resp.ContentLength < 0 {
		return FileRecord{}, errors.New("no Content-Length")
	}

	u, err := url.Parse(link)
	if err != nil {
		return FileRecord{}, err
	}
	return FileRecord{
		Name:         path.Base(u.Path),
		Size:         resp.ContentLength,
		LastModified: resp.Header.Get("Last-Modified"),
		Locator:      link,
	}, nil
}

// FileLinks extracts the anchors of an HTML page, resolves them against base
// and keeps the ones that point below base and are not directories. Links
// are returned in document order without duplicates.
func FileLinks(base *url.URL, page []byte) ([]string, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}

	prefix := base.String()
	seen := make(map[string]bool)
	var links []string

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				ref, err := url.Parse(strings.TrimSpace(attr.Val))
				if err != nil {
					continue
				}
				abs := base.ResolveReference(ref)
				abs.Fragment = ""
				s := abs.String()
				// Directory links and index sort links (?C=N;O=D) are not files.
				if !strings.HasPrefix(s, prefix) || strings.HasSuffix(abs.Path, "/") || abs.Path == base.Path || seen[s] {
					continue
				}
				seen[s] = true
				links = append(links, s)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return links, nil
}

var _ HTTPClient = (*httpx.Client)(nil)
