package listing

import (
	"context"
	"strings"
	"time"

	"popsync/internal/errdefs"
	"popsync/internal/store"
)

// Storage lists the objects under a fixed prefix of an object store.
type Storage struct {
	Store  store.ObjectStore
	Prefix string
}

func NewStorage(s store.ObjectStore, prefix string) *Storage {
	return &Storage{Store: s, Prefix: prefix}
}

// Fetch derives each record's name from the last path segment of its key.
// Keys ending in "/" (prefix markers) have an empty name and are skipped.
func (s *Storage) Fetch(ctx context.Context) (Listing, error) {
	objs, err := s.Store.List(ctx, s.Prefix)
	if err != nil {
		return nil, errdefs.Transport("list "+s.Prefix, err)
	}

	out := make(Listing, len(objs))
	for _, o := range objs {
		name := o.Key[strings.LastIndex(o.Key, "/")+1:]
		if name == "" {
			continue
		}
		rec := FileRecord{Name: name, Size: o.Size, Locator: o.Key}
		if !o.LastModified.IsZero() {
			rec.LastModified = o.LastModified.UTC().Format(time.RFC3339)
		}
		out.add(rec)
	}
	return out, nil
}
