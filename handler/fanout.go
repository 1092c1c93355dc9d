package handler

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Invoker starts a function without waiting for its result.
type Invoker interface {
	InvokeAsync(ctx context.Context, function string, payload []byte) error
}

type LambdaInvoker struct {
	svc *lambda.Lambda
}

func NewLambdaInvoker(sess *session.Session) *LambdaInvoker {
	return &LambdaInvoker{svc: lambda.New(sess)}
}

func (l *LambdaInvoker) InvokeAsync(ctx context.Context, function string, payload []byte) error {
	_, err := l.svc.InvokeWithContext(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(function),
		InvocationType: aws.String(lambda.InvocationTypeEvent),
		Payload:        payload,
	})
	if err != nil {
		return errors.Wrapf(err, "unable to invoke %s", function)
	}
	return nil
}

type FanOutOutput struct {
	Invocations int `json:"invocations"`
}

// fanOut invokes every target with one payload per item. Each payload is the
// incoming event with Items removed and the item's Bucket and ObjectKey set.
func fanOut(ctx context.Context, invoker Invoker, targets []string, ev *Event) (*FanOutOutput, error) {
	out := &FanOutOutput{}
	for _, item := range ev.Items {
		child := *ev
		child.Items = nil
		child.Bucket = item.Bucket
		child.ObjectKey = item.ObjectKey
		payload, err := json.Marshal(child)
		if err != nil {
			return nil, err
		}
		for _, target := range targets {
			if err := invoker.InvokeAsync(ctx, target, payload); err != nil {
				return nil, err
			}
			out.Invocations++
			log.WithFields(log.Fields{"function": target, "object_key": item.ObjectKey}).Debug("invoked")
		}
	}
	return out, nil
}
