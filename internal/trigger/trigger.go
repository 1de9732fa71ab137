// Package trigger decides which workflow an inbound event starts.
package trigger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the workflow an event routes to.
type Kind int

const (
	// Scheduled runs ingestion and catalog reconciliation. It is the default
	// for anything that is not recognisably a storage-creation event.
	Scheduled Kind = iota
	// StorageCreated runs the processing dispatcher over the event's records.
	StorageCreated
)

func (k Kind) String() string {
	switch k {
	case StorageCreated:
		return "storage_created"
	default:
		return "scheduled"
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "scheduled":
		*k = Scheduled
	case "storage_created":
		*k = StorageCreated
	default:
		return fmt.Errorf("unknown trigger kind %q", b)
	}
	return nil
}

// ObjectCreatedTag is the substring of an event name denoting object creation.
const ObjectCreatedTag = "ObjectCreated"

// storageSources are the event-source tags that identify the object store.
var storageSources = map[string]bool{
	"storage": true,
	"aws:s3":  true,
}

// IsStorageSource reports whether tag identifies the object store.
func IsStorageSource(tag string) bool { return storageSources[tag] }

// ObjectEvent is one record of a storage notification. Key is as delivered,
// still percent-encoded.
type ObjectEvent struct {
	Source string `json:"event_source"`
	Name   string `json:"event_name"`
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Created reports whether the record is an object-store creation event.
func (o ObjectEvent) Created() bool {
	return IsStorageSource(o.Source) && strings.Contains(o.Name, ObjectCreatedTag)
}

// Event is the classified trigger. Records is only populated for
// StorageCreated and holds every object-store record of the event, including
// ones that are not creations.
type Event struct {
	Kind    Kind          `json:"kind"`
	Records []ObjectEvent `json:"records,omitempty"`
}

// flat is the documented trigger shape.
type flat struct {
	Records []ObjectEvent `json:"records"`
}

// native covers S3 bucket notifications and SQS deliveries of them.
type native struct {
	Records []struct {
		EventSource string `json:"eventSource"`
		EventName   string `json:"eventName"`
		S3          struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
		// Body is set when the record is an SQS message wrapping an S3
		// notification.
		Body string `json:"body"`
	} `json:"Records"`
}

// Classify inspects raw and never fails: payloads that cannot be parsed or
// carry no storage-creation record are Scheduled.
func Classify(raw []byte) Event {
	records := extract(raw, 0)

	var store []ObjectEvent
	created := false
	for _, r := range records {
		if !IsStorageSource(r.Source) {
			continue
		}
		store = append(store, r)
		if r.Created() {
			created = true
		}
	}
	if !created {
		return Event{Kind: Scheduled}
	}
	return Event{Kind: StorageCreated, Records: store}
}

// extract flattens the accepted shapes into ObjectEvents. depth bounds SQS
// unwrapping to one level.
func extract(raw []byte, depth int) []ObjectEvent {
	if len(raw) == 0 {
		return nil
	}

	var out []ObjectEvent

	var f flat
	if err := json.Unmarshal(raw, &f); err == nil {
		for _, r := range f.Records {
			if r.Source != "" {
				out = append(out, r)
			}
		}
	}

	var n native
	if err := json.Unmarshal(raw, &n); err == nil {
		for _, r := range n.Records {
			switch {
			case r.EventSource != "" && r.S3.Object.Key != "":
				out = append(out, ObjectEvent{
					Source: r.EventSource,
					Name:   r.EventName,
					Bucket: r.S3.Bucket.Name,
					Key:    r.S3.Object.Key,
				})
			case r.Body != "" && depth == 0:
				out = append(out, extract([]byte(r.Body), depth+1)...)
			}
		}
	}
	return out
}
