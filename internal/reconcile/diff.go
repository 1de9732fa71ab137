// Package reconcile compares a source listing with the mirrored listing in
// the object store and applies the minimal set of uploads and deletions
// needed to make the mirror match.
package reconcile

import (
	"sort"

	"popsync/internal/listing"
)

// DiffResult classifies the names of two listings. The three sets are
// pairwise disjoint; names in both listings with equal sizes are unchanged
// and appear in none of them.
type DiffResult struct {
	Added    []string `json:"added"`
	Removed  []string `json:"removed"`
	Modified []string `json:"modified"`
}

// Empty reports whether applying the diff would change nothing.
func (d DiffResult) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Diff computes source − target (added), target − source (removed) and the
// shared names whose sizes differ (modified). Modification times are not
// compared: the two sides format and skew clocks differently.
func Diff(source, target listing.Listing) DiffResult {
	d := DiffResult{Added: []string{}, Removed: []string{}, Modified: []string{}}
	for name, src := range source {
		dst, ok := target[name]
		switch {
		case !ok:
			d.Added = append(d.Added, name)
		case src.Size != dst.Size:
			d.Modified = append(d.Modified, name)
		}
	}
	for name := range target {
		if _, ok := source[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Modified)
	return d
}
