package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQS sends notifications to a queue as one message each, with attrs as
// string message attributes.
type SQS struct {
	client   sqsAPI
	queueURL string
}

func NewSQS(cfg aws.Config, queueURL string) *SQS {
	return &SQS{client: sqs.NewFromConfig(cfg), queueURL: queueURL}
}

func (s *SQS) Send(ctx context.Context, payload []byte, attrs map[string]string) error {
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(payload)),
	}
	if len(attrs) > 0 {
		in.MessageAttributes = make(map[string]types.MessageAttributeValue, len(attrs))
		for k, v := range attrs {
			in.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}
	if _, err := s.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("sqs send to %s: %w", s.queueURL, err)
	}
	return nil
}
