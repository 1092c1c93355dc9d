package storage

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
)

type SQS struct {
	svc      *sqs.SQS
	queueURL string
}

func NewSQS(sess *session.Session, queueURL string) *SQS {
	svc := sqs.New(sess)
	return &SQS{svc, queueURL}
}

func (s *SQS) Poll(ctx context.Context) (*sqs.ReceiveMessageOutput, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.queueURL),
		WaitTimeSeconds:     aws.Int64(20),
		MaxNumberOfMessages: aws.Int64(1),
	}
	return s.svc.ReceiveMessageWithContext(ctx, input)
}

func (s *SQS) Send(ctx context.Context, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = s.svc.SendMessageWithContext(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(data)),
	})
	return err
}

func (s *SQS) DeleteMessage(ctx context.Context, m *sqs.Message) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.queueURL),
		ReceiptHandle: m.ReceiptHandle,
	}
	_, err := s.svc.DeleteMessageWithContext(ctx, input)
	return err
}
