package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	sent []*sqs.SendMessageInput
	err  error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestSQS_Send(t *testing.T) {
	fake := &fakeSQS{}
	s := &SQS{client: fake, queueURL: "https://sqs.us-east-1.amazonaws.com/123/popsync"}

	err := s.Send(context.Background(), []byte(`{"notified":false}`), map[string]string{"trigger": "scheduled", "status": "ok"})
	require.NoError(t, err)

	require.Len(t, fake.sent, 1)
	in := fake.sent[0]
	assert.Equal(t, "https://sqs.us-east-1.amazonaws.com/123/popsync", aws.ToString(in.QueueUrl))
	assert.Equal(t, `{"notified":false}`, aws.ToString(in.MessageBody))
	require.Len(t, in.MessageAttributes, 2)
	assert.Equal(t, "String", aws.ToString(in.MessageAttributes["trigger"].DataType))
	assert.Equal(t, "scheduled", aws.ToString(in.MessageAttributes["trigger"].StringValue))
}

func TestSQS_SendError(t *testing.T) {
	s := &SQS{client: &fakeSQS{err: errors.New("AccessDenied")}, queueURL: "q"}
	err := s.Send(context.Background(), []byte(`{}`), nil)
	assert.ErrorContains(t, err, "AccessDenied")
}

type fakeNATS struct {
	msgs     []*nats.Msg
	flushErr error
}

func (f *fakeNATS) PublishMsg(m *nats.Msg) error { f.msgs = append(f.msgs, m); return nil }
func (f *fakeNATS) FlushTimeout(time.Duration) error { return f.flushErr }
func (f *fakeNATS) Close()                           {}

func TestNATS_Send(t *testing.T) {
	fake := &fakeNATS{}
	n := &NATS{conn: fake, subject: "popsync.completed", flushTimeout: time.Second}

	require.NoError(t, n.Send(context.Background(), []byte(`{}`), map[string]string{"invocation_id": "abc"}))
	require.Len(t, fake.msgs, 1)
	assert.Equal(t, "popsync.completed", fake.msgs[0].Subject)
	assert.Equal(t, "abc", fake.msgs[0].Header.Get("invocation_id"))
}

func TestNATS_SendFailures(t *testing.T) {
	n := &NATS{conn: &fakeNATS{flushErr: nats.ErrConnectionClosed}, subject: "s", flushTimeout: time.Second}
	assert.ErrorIs(t, n.Send(context.Background(), []byte(`{}`), nil), nats.ErrConnectionClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Send(ctx, []byte(`{}`), nil), context.Canceled)
}

func TestLog_Send(t *testing.T) {
	assert.NoError(t, NewLog().Send(context.Background(), []byte(`{}`), map[string]string{"k": "v"}))
}
