// Package listing produces normalised file listings from a remote HTTP
// directory index or from an object-store prefix.
//
// Both sources return (Listing, error). A nil error with an empty Listing
// means the source is genuinely empty; a non-nil error means the listing
// could not be produced at all. Callers must not conflate the two.
package listing

import (
	"context"
	"sort"
)

// FileRecord is one entry of a listing. Name is unique within a Listing.
type FileRecord struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified,omitempty"`
	// Locator is a URL for catalog entries and a storage key for stored ones.
	Locator string `json:"locator"`
}

// Listing maps file names to their records.
type Listing map[string]FileRecord

// Names returns the listing's names in sorted order.
func (l Listing) Names() []string {
	names := make([]string, 0, len(l))
	for n := range l {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// add inserts r unless its name is already present, keeping the first record
// seen for a name.
func (l Listing) add(r FileRecord) bool {
	if _, dup := l[r.Name]; dup {
		return false
	}
	l[r.Name] = r
	return true
}

// Fetcher is implemented by every listing source.
type Fetcher interface {
	Fetch(ctx context.Context) (Listing, error)
}
