package trigger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_FlatStorageCreated(t *testing.T) {
	ev := Classify([]byte(`{"records":[{"event_source":"storage","event_name":"ObjectCreated:Put","bucket":"rearc-data","key":"population_data/x.json"}]}`))

	assert.Equal(t, StorageCreated, ev.Kind)
	require.Len(t, ev.Records, 1)
	assert.Equal(t, ObjectEvent{Source: "storage", Name: "ObjectCreated:Put", Bucket: "rearc-data", Key: "population_data/x.json"}, ev.Records[0])
}

func TestClassify_NativeS3Notification(t *testing.T) {
	ev := Classify([]byte(`{"Records":[{"eventVersion":"2.1","eventSource":"aws:s3","eventName":"ObjectCreated:Put",
		"s3":{"bucket":{"name":"rearc-data"},"object":{"key":"population_data/population_data_20240704_090503.json","size":1024}}}]}`))

	assert.Equal(t, StorageCreated, ev.Kind)
	require.Len(t, ev.Records, 1)
	assert.Equal(t, "rearc-data", ev.Records[0].Bucket)
	assert.Equal(t, "population_data/population_data_20240704_090503.json", ev.Records[0].Key)
}

func TestClassify_SQSWrappedNotification(t *testing.T) {
	inner := `{"Records":[{"eventSource":"aws:s3","eventName":"ObjectCreated:CompleteMultipartUpload","s3":{"bucket":{"name":"b"},"object":{"key":"population_data/a.json"}}}]}`
	body, err := json.Marshal(inner)
	require.NoError(t, err)

	ev := Classify([]byte(`{"Records":[{"messageId":"1","eventSource":"aws:sqs","body":` + string(body) + `}]}`))
	assert.Equal(t, StorageCreated, ev.Kind)
	require.Len(t, ev.Records, 1)
	assert.Equal(t, "population_data/a.json", ev.Records[0].Key)
}

func TestClassify_Scheduled(t *testing.T) {
	tests := map[string]string{
		"empty":              ``,
		"null":               `null`,
		"scheduler event":    `{"version":"0","detail-type":"Scheduled Event","source":"aws.events","detail":{}}`,
		"empty records":      `{"records":[]}`,
		"malformed":          `{"records":[{`,
		"records not a list": `{"records":"nope"}`,
		"array":              `[1,2,3]`,
		"foreign source":     `{"records":[{"event_source":"queue","event_name":"ObjectCreated:Put","bucket":"b","key":"k"}]}`,
		"removal only":       `{"records":[{"event_source":"storage","event_name":"ObjectRemoved:Delete","bucket":"b","key":"k"}]}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			ev := Classify([]byte(raw))
			assert.Equal(t, Scheduled, ev.Kind)
			assert.Empty(t, ev.Records)
		})
	}
}

func TestClassify_KeepsAllStorageRecords(t *testing.T) {
	ev := Classify([]byte(`{"records":[
		{"event_source":"storage","event_name":"ObjectRemoved:Delete","bucket":"b","key":"population_data/old.json"},
		{"event_source":"queue","event_name":"ObjectCreated:Put","bucket":"b","key":"ignored"},
		{"event_source":"storage","event_name":"ObjectCreated:Put","bucket":"b","key":"population_data/new.json"}]}`))

	assert.Equal(t, StorageCreated, ev.Kind)
	require.Len(t, ev.Records, 2)
	assert.False(t, ev.Records[0].Created())
	assert.True(t, ev.Records[1].Created())
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "scheduled", Scheduled.String())
	assert.Equal(t, "storage_created", StorageCreated.String())

	data, err := json.Marshal(Event{Kind: StorageCreated})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"storage_created"}`, string(data))
}

func TestKind_UnmarshalText(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"storage_created"}`), &ev))
	assert.Equal(t, StorageCreated, ev.Kind)

	assert.Error(t, json.Unmarshal([]byte(`{"kind":"hourly"}`), &ev))
}
