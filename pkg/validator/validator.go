// Package validator calls the post-processing service that re-runs
// validation after a repair attempt.
package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"
)

const defaultTimeout = 5 * time.Minute

// Request is the validation payload. PrepareSkipped and
// SaveErrorsOnValidationFailure are always sent explicitly; the
// service treats a missing field as true.
type Request struct {
	Prepare                       Prepare `json:"prepare"`
	SeedOutputS3Uri               string  `json:"seed_output_s3_uri"`
	PrepareSkipped                bool    `json:"prepareSkipped"`
	SaveErrorsOnValidationFailure bool    `json:"saveErrorsOnValidationFailure"`
	S3                            *Source `json:"s3,omitempty"`
}

// Prepare carries the prepared-output location.
type Prepare struct {
	OutputS3Uri string `json:"output_s3_uri"`
}

// Source points at the original inbound object.
type Source struct {
	Bucket struct {
		Name string `json:"name"`
	} `json:"bucket"`
	Object struct {
		Key string `json:"key"`
	} `json:"object"`
}

// NewSource builds a Source from bucket and key.
func NewSource(bucket, key string) *Source {
	var s Source
	s.Bucket.Name = bucket
	s.Object.Key = key
	return &s
}

// Response is the validation verdict. TransactionItems is the payload
// forwarded to the output queue on a schema-validation commit.
type Response struct {
	Status           string            `json:"status"`
	TransactionItems []json.RawMessage `json:"transactionItems,omitempty"`
}

// Success reports whether the verdict allows a commit.
func (r *Response) Success() bool {
	return r.Status == "success"
}

// NewErrorsError is the typed variant of a validation failure that
// produced a fresh errors CSV: the next repair attempt should consume
// it instead of the original artifact.
type NewErrorsError struct {
	ErrorsS3Uri string
	Message     string
}

func (e *NewErrorsError) Error() string {
	return e.Message
}

// The service embeds the new errors location in free-form messages.
// The typed field is preferred; this regex is the fallback for
// validator-emitted strings.
var errorsURIRe = regexp.MustCompile(`Submit errors csv:\s*(s3://[^ ]+)`)

// ExtractErrorsS3Uri pulls a new-errors CSV URI out of an error, from
// the typed variant when present, else by regex over the message.
func ExtractErrorsS3Uri(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var nee *NewErrorsError
	if errors.As(err, &nee) {
		return nee.ErrorsS3Uri, true
	}
	m := errorsURIRe.FindStringSubmatch(err.Error())
	if m == nil {
		return "", false
	}
	return m[1], false
}

// Client calls the validation service over HTTP.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a validator client.
func NewClient(endpoint string) *Client {
	if endpoint == "" {
		panic("NewClient: endpoint must not be empty")
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: defaultTimeout},
	}
}

// Validate posts the request and decodes the verdict. A failed
// validation that names a new errors CSV surfaces as *NewErrorsError.
func (c *Client) Validate(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode validation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build validation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("validation call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read validation response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		if uri := errorsURIRe.FindStringSubmatch(msg); uri != nil {
			return nil, &NewErrorsError{ErrorsS3Uri: uri[1], Message: msg}
		}
		return nil, fmt.Errorf("validation returned status %d: %s", resp.StatusCode, msg)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode validation response: %w", err)
	}
	return &out, nil
}
