// Package repair orchestrates one auto-repair attempt end to end:
// pick the next failed execution, have the agent rewrite its county's
// transform scripts, re-validate, and either commit the fix across
// the error table or roll the scripts back and retry.
package repair

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/elephant-data/oversight/pkg/agent"
	"github.com/elephant-data/oversight/pkg/blob"
	"github.com/elephant-data/oversight/pkg/busqueue"
	"github.com/elephant-data/oversight/pkg/errcode"
	"github.com/elephant-data/oversight/pkg/metrics"
	"github.com/elephant-data/oversight/pkg/models"
	"github.com/elephant-data/oversight/pkg/selector"
	"github.com/elephant-data/oversight/pkg/validator"
)

const defaultMaxAttempts = 3

// BlobStore is the object-store surface the controller needs.
type BlobStore interface {
	Download(ctx context.Context, uri blob.URI) ([]byte, error)
	Upload(ctx context.Context, uri blob.URI, body []byte) error
}

// Validator re-runs validation after an upload.
type Validator interface {
	Validate(ctx context.Context, req *validator.Request) (*validator.Response, error)
}

// Sender forwards commit payloads and parks exhausted executions.
type Sender interface {
	SendTransactionItems(ctx context.Context, items []json.RawMessage) error
	SendToDLQ(ctx context.Context, entry busqueue.DLQEntry) error
}

// Mutator is the bulk status surface the controller drives.
type Mutator interface {
	MarkSolvedForCodes(ctx context.Context, codes []string, county string) error
	MarkUnrecoverableForExecution(ctx context.Context, executionID string) error
	DeleteExecution(ctx context.Context, executionID string) error
}

// Notifier resumes the suspended workflow, when a task token exists.
type Notifier interface {
	Success(ctx context.Context, taskToken, outputS3Uri, county string) error
	Failure(ctx context.Context, taskToken, code, county string, detail any) error
}

// Tuning resolves per-county repair settings; the county config
// cascade implements it.
type Tuning interface {
	ResolveOr(ctx context.Context, key, fallback string) (string, error)
}

// Controller runs the repair state machine.
type Controller struct {
	selector    *selector.Selector
	mutator     Mutator
	blobs       BlobStore
	fixer       agent.ScriptFixer
	validator   Validator
	sender      Sender
	notifier    Notifier
	metrics     metrics.Publisher
	classifier  *errcode.Classifier
	layout      blob.Layout
	maxAttempts int
	tuningFor   func(county string) Tuning
	logger      *slog.Logger
}

// Config wires a controller.
type Config struct {
	Selector    *selector.Selector
	Mutator     Mutator
	Blobs       BlobStore
	Fixer       agent.ScriptFixer
	Validator   Validator
	Sender      Sender
	Notifier    Notifier // optional
	Metrics     metrics.Publisher
	Classifier  *errcode.Classifier
	Layout      blob.Layout
	MaxAttempts int

	// TuningFor optionally supplies the per-county config cascade;
	// counties may override the attempt budget through it.
	TuningFor func(county string) Tuning
}

// NewController creates a repair controller.
func NewController(cfg Config, logger *slog.Logger) *Controller {
	for name, v := range map[string]any{
		"selector": cfg.Selector, "mutator": cfg.Mutator, "blobs": cfg.Blobs,
		"fixer": cfg.Fixer, "validator": cfg.Validator, "sender": cfg.Sender,
		"metrics": cfg.Metrics, "classifier": cfg.Classifier,
	} {
		if v == nil {
			panic("NewController: " + name + " must not be nil")
		}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		selector:    cfg.Selector,
		mutator:     cfg.Mutator,
		blobs:       cfg.Blobs,
		fixer:       cfg.Fixer,
		validator:   cfg.Validator,
		sender:      cfg.Sender,
		notifier:    cfg.Notifier,
		metrics:     cfg.Metrics,
		classifier:  cfg.Classifier,
		layout:      cfg.Layout,
		maxAttempts: cfg.MaxAttempts,
		tuningFor:   cfg.TuningFor,
		logger:      logger,
	}
}

// Outcome summarizes one finished repair.
type Outcome struct {
	ExecutionID string
	County      string
	Committed   bool
	Attempts    int
	FixedErrors int
}

// Pick returns the next repair candidate without starting it, or nil
// when nothing is waiting.
func (c *Controller) Pick(ctx context.Context, order selector.Order, errorType string) (*selector.Selection, error) {
	return c.selector.Pick(ctx, order, errorType)
}

// RunOnce picks one execution and repairs it. Returns (nil, nil) when
// nothing is waiting for repair.
func (c *Controller) RunOnce(ctx context.Context, order selector.Order, errorType string) (*Outcome, error) {
	sel, err := c.Pick(ctx, order, errorType)
	if err != nil {
		return nil, err
	}
	if sel == nil {
		return nil, nil
	}
	return c.Repair(ctx, sel)
}

// Repair drives the state machine for one already-picked execution.
func (c *Controller) Repair(ctx context.Context, sel *selector.Selection) (*Outcome, error) {
	exec := sel.Execution
	log := c.logger.With("execution_id", exec.ExecutionID, "county", exec.County)

	if exec.ErrorsS3Uri == "" {
		return nil, fmt.Errorf("execution %s has no errors artifact", exec.ExecutionID)
	}
	scenario := ScenarioForURI(exec.ErrorsS3Uri)
	scriptsURI := c.layout.ScriptsURI(exec.County)

	// The pristine archive is the rollback point for every attempt.
	original, err := c.blobs.Download(ctx, scriptsURI)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch scripts for %s: %w", exec.County, err)
	}

	maxAttempts := c.attemptBudget(ctx, exec.County, log)
	errorsURI := exec.ErrorsS3Uri
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		log.Info("repair attempt", "attempt", attempt, "scenario", string(scenario), "errors_uri", errorsURI)

		fixed, err := c.attempt(ctx, &exec, scenario, errorsURI, scriptsURI, original)
		if err == nil {
			c.emit(ctx, &exec, "commit", models.RawStatusSucceeded, 1)
			c.emit(ctx, &exec, "fixed_errors", models.RawStatusSucceeded, int64(fixed))
			if c.notifier != nil && exec.TaskToken != "" {
				if err := c.notifier.Success(ctx, exec.TaskToken, exec.PreparedS3Uri, exec.County); err != nil {
					log.Warn("workflow callback failed after commit", "error", err)
				}
			}
			return &Outcome{
				ExecutionID: exec.ExecutionID,
				County:      exec.County,
				Committed:   true,
				Attempts:    attempt,
				FixedErrors: fixed,
			}, nil
		}
		lastErr = err
		log.Warn("repair attempt failed", "attempt", attempt, "error", err)

		// Restore the original scripts before the next attempt sees
		// them.
		if rbErr := c.blobs.Upload(ctx, scriptsURI, original); rbErr != nil {
			return nil, fmt.Errorf("rollback of %s failed after attempt %d: %w", scriptsURI, attempt, rbErr)
		}

		// A validation failure can name a fresh errors CSV; the next
		// attempt repairs against those errors instead.
		if uri, _ := validator.ExtractErrorsS3Uri(err); uri != "" {
			errorsURI = uri
		}
	}

	if err := c.exhaust(ctx, &exec, scenario, lastErr); err != nil {
		return nil, err
	}
	return &Outcome{
		ExecutionID: exec.ExecutionID,
		County:      exec.County,
		Committed:   false,
		Attempts:    maxAttempts,
	}, nil
}

// attemptBudget returns the attempt ceiling for one county: the
// cascade's repair.max_attempts when configured, the controller default
// otherwise. A broken cascade never blocks the repair.
func (c *Controller) attemptBudget(ctx context.Context, county string, log *slog.Logger) int {
	if c.tuningFor == nil {
		return c.maxAttempts
	}
	tuning := c.tuningFor(county)
	if tuning == nil {
		return c.maxAttempts
	}
	raw, err := tuning.ResolveOr(ctx, "repair.max_attempts", strconv.Itoa(c.maxAttempts))
	if err != nil {
		log.Warn("county tuning lookup failed, using default attempt budget", "error", err)
		return c.maxAttempts
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		log.Warn("ignoring unusable repair.max_attempts override", "value", raw)
		return c.maxAttempts
	}
	return n
}

// attempt runs one download-fix-upload-validate-commit cycle. On any
// error the caller rolls the scripts back.
func (c *Controller) attempt(ctx context.Context, exec *models.FailedExecution, scenario Scenario, errorsURI string, scriptsURI blob.URI, original []byte) (int, error) {
	errURI, err := blob.ParseURI(errorsURI)
	if err != nil {
		return 0, err
	}
	rawCSV, err := c.blobs.Download(ctx, errURI)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch errors csv: %w", err)
	}
	rows, err := ParseErrorsCSV(bytes.NewReader(rawCSV))
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("errors csv %s has no usable rows", errorsURI)
	}

	scripts, err := blob.Unzip(original)
	if err != nil {
		return 0, fmt.Errorf("scripts archive for %s is unreadable: %w", exec.County, err)
	}

	targets := make([]agent.Target, 0, len(rows))
	hashes := make(map[string]string, len(rows))
	for _, row := range rows {
		targets = append(targets, agent.Target{
			Message:      row.Message,
			Path:         row.Path,
			FilePath:     row.FilePath,
			CurrentValue: row.CurrentValue,
		})
		h := errcode.Fingerprint(row.Message, row.Path, exec.County)
		hashes[h] = c.classifier.Classify(row.Message)
	}

	result, err := c.fixer.FixScripts(ctx, &agent.Input{
		County:   exec.County,
		Scenario: string(scenario),
		Scripts:  scripts,
		Targets:  targets,
	})
	if err != nil {
		return 0, err
	}
	for name, content := range result.Patched {
		scripts[name] = content
	}
	patched, err := scripts.Zip()
	if err != nil {
		return 0, err
	}
	if err := c.blobs.Upload(ctx, scriptsURI, patched); err != nil {
		return 0, fmt.Errorf("failed to upload patched scripts: %w", err)
	}

	resp, err := c.validate(ctx, exec)
	if err != nil {
		return 0, err
	}
	if !resp.Success() || len(resp.TransactionItems) == 0 {
		return 0, fmt.Errorf("validation returned status %q with %d transaction items",
			resp.Status, len(resp.TransactionItems))
	}

	// Commit. Schema-validation items feed the output queue; mirror
	// validation stops at the table cleanup.
	if scenario.ForwardsTransactionItems() {
		if err := c.sender.SendTransactionItems(ctx, resp.TransactionItems); err != nil {
			return 0, err
		}
	}

	codes := make([]string, 0, len(hashes))
	seen := make(map[string]bool, len(hashes))
	for _, code := range hashes {
		if !seen[code] {
			seen[code] = true
			codes = append(codes, code)
		}
	}
	if err := c.mutator.MarkSolvedForCodes(ctx, codes, exec.County); err != nil {
		return 0, fmt.Errorf("commit succeeded but marking errors solved failed: %w", err)
	}
	if err := c.mutator.DeleteExecution(ctx, exec.ExecutionID); err != nil {
		return 0, fmt.Errorf("commit succeeded but execution cleanup failed: %w", err)
	}
	return len(hashes), nil
}

func (c *Controller) validate(ctx context.Context, exec *models.FailedExecution) (*validator.Response, error) {
	req := &validator.Request{
		Prepare:         validator.Prepare{OutputS3Uri: exec.PreparedS3Uri},
		SeedOutputS3Uri: seedURIFromPrepared(exec.PreparedS3Uri),
	}
	if exec.SourceBucket != "" && exec.SourceKey != "" {
		req.S3 = validator.NewSource(exec.SourceBucket, exec.SourceKey)
	}
	return c.validator.Validate(ctx, req)
}

// exhaust closes out an execution whose attempts ran dry: flip its
// errors to maybeUnrecoverable, park the source on the DLQ (schema
// scenario only), delete the rows, and fail the suspended workflow.
func (c *Controller) exhaust(ctx context.Context, exec *models.FailedExecution, scenario Scenario, lastErr error) error {
	log := c.logger.With("execution_id", exec.ExecutionID, "county", exec.County)
	log.Error("repair attempts exhausted", "scenario", string(scenario), "error", lastErr)

	if err := c.mutator.MarkUnrecoverableForExecution(ctx, exec.ExecutionID); err != nil {
		return err
	}

	if scenario.RoutesToDLQ() {
		if exec.SourceBucket != "" && exec.SourceKey != "" {
			entry := busqueue.DLQEntry{
				Bucket: exec.SourceBucket,
				Key:    exec.SourceKey,
				Reason: fmt.Sprintf("repair attempts exhausted: %v", lastErr),
			}
			if err := c.sender.SendToDLQ(ctx, entry); err != nil {
				return err
			}
		} else {
			log.Warn("skipping DLQ, execution has no source reference")
		}
	}

	if err := c.mutator.DeleteExecution(ctx, exec.ExecutionID); err != nil {
		return err
	}

	c.emit(ctx, exec, "exhausted", models.RawStatusFailed, 1)
	if c.notifier != nil && exec.TaskToken != "" {
		code := c.classifier.DefaultCode()
		if lastErr != nil {
			code = c.classifier.Classify(lastErr.Error())
		}
		detail := map[string]string{"error": fmt.Sprint(lastErr)}
		if err := c.notifier.Failure(ctx, exec.TaskToken, code, exec.County, detail); err != nil {
			log.Warn("workflow callback failed after exhaustion", "error", err)
		}
	}
	return nil
}

// emit publishes a terminal-transition counter. Metric loss here is
// tolerated with a warning; the repair itself already reached a
// terminal state.
func (c *Controller) emit(ctx context.Context, exec *models.FailedExecution, step, status string, count int64) {
	sample := metrics.Sample{Phase: "repair", County: exec.County, Status: status, Step: step, Count: count}
	if err := c.metrics.Publish(ctx, sample); err != nil {
		c.logger.Warn("failed to publish repair metric", "step", step, "error", err)
	}
}

// seedURIFromPrepared maps the prepared output location to the seed
// output under the same prefix, per the persisted artifact layout.
func seedURIFromPrepared(preparedURI string) string {
	u, err := blob.ParseURI(preparedURI)
	if err != nil {
		return preparedURI
	}
	prefix := strings.TrimSuffix(u.Key, "/output.zip")
	if u != blob.PreparedOutputURI(u.Bucket, prefix) {
		return preparedURI
	}
	return blob.SeedOutputURI(u.Bucket, prefix).String()
}
