// Package metrics publishes pipeline measurements.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	UnitMilliseconds = cloudwatch.StandardUnitMilliseconds
	UnitCount        = cloudwatch.StandardUnitCount
)

// Datum is one measurement.
type Datum struct {
	Name       string
	Value      float64
	Unit       string
	Dimensions map[string]string
	Timestamp  time.Time
}

type Sink interface {
	Put(ctx context.Context, data ...Datum) error
}

// Discard drops everything; used when no namespace is configured.
type Discard struct{}

func (Discard) Put(context.Context, ...Datum) error { return nil }

type CloudWatch struct {
	svc       *cloudwatch.CloudWatch
	namespace string
}

// New returns a CloudWatch sink, or Discard when namespace is empty.
func New(sess *session.Session, namespace string) Sink {
	if namespace == "" {
		return Discard{}
	}
	return &CloudWatch{svc: cloudwatch.New(sess), namespace: namespace}
}

func (c *CloudWatch) Put(ctx context.Context, data ...Datum) error {
	if len(data) == 0 {
		return nil
	}
	metricData := make([]*cloudwatch.MetricDatum, 0, len(data))
	for _, d := range data {
		ts := d.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		metricData = append(metricData, &cloudwatch.MetricDatum{
			MetricName: aws.String(d.Name),
			Value:      aws.Float64(d.Value),
			Unit:       aws.String(d.Unit),
			Timestamp:  aws.Time(ts),
			Dimensions: dimensions(d.Dimensions),
		})
	}
	_, err := c.svc.PutMetricDataWithContext(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(c.namespace),
		MetricData: metricData,
	})
	return errors.Wrapf(err, "unable to put %d metrics into %s", len(data), c.namespace)
}

func dimensions(dims map[string]string) []*cloudwatch.Dimension {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*cloudwatch.Dimension, 0, len(keys))
	for _, k := range keys {
		out = append(out, &cloudwatch.Dimension{Name: aws.String(k), Value: aws.String(dims[k])})
	}
	return out
}

// Emit writes data and only logs a failure; metrics never fail a step.
func Emit(ctx context.Context, sink Sink, data ...Datum) {
	if err := sink.Put(ctx, data...); err != nil {
		log.WithError(err).Warn("unable to publish metrics")
	}
}

// Memory keeps data in process for tests and standalone runs.
type Memory struct {
	mu   sync.Mutex
	data []Datum
}

func (m *Memory) Put(_ context.Context, data ...Datum) error {
	m.mu.Lock()
	m.data = append(m.data, data...)
	m.mu.Unlock()
	return nil
}

// Named returns the recorded data with the given metric name.
func (m *Memory) Named(name string) []Datum {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Datum, 0)
	for _, d := range m.data {
		if d.Name == name {
			out = append(out, d)
		}
	}
	return out
}
