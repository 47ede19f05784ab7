// Package metrics publishes phase counters to CloudWatch.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Namespace all workflow phase counters are published under.
const Namespace = "Elephant/Workflow"

// Sample is one phase observation with the county, status, and step as
// dimensions. Count is the datum value; zero publishes as 1, the common
// single-occurrence case.
type Sample struct {
	Phase  string
	County string
	Status string
	Step   string
	Count  int64
}

// Value returns the datum value the sample publishes.
func (s Sample) Value() float64 {
	if s.Count <= 0 {
		return 1
	}
	return float64(s.Count)
}

// MetricName returns the CloudWatch metric name for the sample's phase.
func (s Sample) MetricName() string {
	return s.Phase + "ElephantPhase"
}

// Publisher emits phase samples to a metrics sink. Publish failures
// propagate; silent metric loss hides data bugs.
type Publisher interface {
	Publish(ctx context.Context, sample Sample) error
}

type cloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch publishes one PutMetricData call per sample.
type CloudWatch struct {
	client cloudWatchAPI
	now    func() time.Time
}

// NewCloudWatch creates a publisher over a CloudWatch client.
func NewCloudWatch(client *cloudwatch.Client) *CloudWatch {
	if client == nil {
		panic("metrics: CloudWatch client cannot be nil")
	}
	return &CloudWatch{client: client, now: time.Now}
}

var _ Publisher = (*CloudWatch)(nil)

// Publish sends the sample as one Count datum.
func (p *CloudWatch) Publish(ctx context.Context, sample Sample) error {
	if sample.Phase == "" {
		return fmt.Errorf("metrics: sample missing phase")
	}
	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(Namespace),
		MetricData: []types.MetricDatum{{
			MetricName: aws.String(sample.MetricName()),
			Unit:       types.StandardUnitCount,
			Value:      aws.Float64(sample.Value()),
			Timestamp:  aws.Time(p.now()),
			Dimensions: []types.Dimension{
				{Name: aws.String("County"), Value: aws.String(sample.County)},
				{Name: aws.String("Status"), Value: aws.String(sample.Status)},
				{Name: aws.String("Step"), Value: aws.String(sample.Step)},
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s metric: %w", sample.MetricName(), err)
	}
	return nil
}

// Recorder is a Publisher that captures samples in memory for tests.
type Recorder struct {
	mu      sync.Mutex
	samples []Sample
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

var _ Publisher = (*Recorder)(nil)

// Publish records the sample.
func (r *Recorder) Publish(_ context.Context, sample Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, sample)
	return nil
}

// Samples returns a copy of everything published so far.
func (r *Recorder) Samples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sample, len(r.samples))
	copy(out, r.samples)
	return out
}
