// Package callback reports repair outcomes back to the workflow engine
// through Step Functions task tokens.
package callback

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
)

// The engine truncates causes; anything longer is cut client-side so
// the tail of a stack trace never pushes out the leading context.
const maxCauseLen = 256

type sfnAPI interface {
	SendTaskSuccess(ctx context.Context, params *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
	SendTaskFailure(ctx context.Context, params *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error)
}

// Notifier resumes suspended workflow executions.
type Notifier struct {
	client sfnAPI
}

// NewNotifier creates a notifier over a Step Functions client.
func NewNotifier(client *sfn.Client) *Notifier {
	if client == nil {
		panic("NewNotifier: sfn client must not be nil")
	}
	return &Notifier{client: client}
}

// SuccessOutput is the payload sent when a repair commits.
type SuccessOutput struct {
	OutputS3Uri string `json:"output_s3_uri"`
	County      string `json:"county"`
}

// Success resumes the workflow with the repaired output location.
func (n *Notifier) Success(ctx context.Context, taskToken, outputS3Uri, county string) error {
	if taskToken == "" {
		return fmt.Errorf("callback: task token is empty")
	}
	payload, err := json.Marshal(SuccessOutput{OutputS3Uri: outputS3Uri, County: county})
	if err != nil {
		return fmt.Errorf("failed to encode callback output: %w", err)
	}
	_, err = n.client.SendTaskSuccess(ctx, &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(taskToken),
		Output:    aws.String(string(payload)),
	})
	if err != nil {
		return fmt.Errorf("failed to send task success: %w", err)
	}
	return nil
}

// Failure fails the suspended workflow step. The error field carries
// the classification code and county; cause carries the truncated
// detail JSON.
func (n *Notifier) Failure(ctx context.Context, taskToken, code, county string, detail any) error {
	if taskToken == "" {
		return fmt.Errorf("callback: task token is empty")
	}
	cause, err := json.Marshal(detail)
	if err != nil {
		cause = []byte(fmt.Sprintf("%q", fmt.Sprint(detail)))
	}
	_, err = n.client.SendTaskFailure(ctx, &sfn.SendTaskFailureInput{
		TaskToken: aws.String(taskToken),
		Error:     aws.String(code + county),
		Cause:     aws.String(Truncate(string(cause), maxCauseLen)),
	})
	if err != nil {
		return fmt.Errorf("failed to send task failure: %w", err)
	}
	return nil
}

// Truncate cuts s to at most n bytes.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
