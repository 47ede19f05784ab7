package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 32000
	invokeTimeout    = 15 * time.Minute
)

// AnthropicFixer is the production ScriptFixer, backed by the
// Anthropic Messages API.
type AnthropicFixer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	observer  UsageObserver
	logger    *slog.Logger
}

// Option configures the fixer.
type Option func(*AnthropicFixer)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(f *AnthropicFixer) { f.model = model }
}

// WithUsageObserver registers a token-usage hook.
func WithUsageObserver(obs UsageObserver) Option {
	return func(f *AnthropicFixer) { f.observer = obs }
}

// NewAnthropicFixer creates a fixer. The client picks up credentials
// from the environment (ANTHROPIC_API_KEY).
func NewAnthropicFixer(logger *slog.Logger, opts ...Option) *AnthropicFixer {
	if logger == nil {
		logger = slog.Default()
	}
	f := &AnthropicFixer{
		client:    anthropic.NewClient(),
		model:     defaultModel,
		maxTokens: defaultMaxTokens,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var _ ScriptFixer = (*AnthropicFixer)(nil)

// FixScripts renders the prompt, invokes the model once, and parses
// the patched files out of the response.
func (f *AnthropicFixer) FixScripts(ctx context.Context, in *Input) (*Result, error) {
	if len(in.Scripts) == 0 {
		return nil, fmt.Errorf("agent: no scripts to fix")
	}
	if len(in.Targets) == 0 {
		return nil, fmt.Errorf("agent: no targets to fix")
	}

	prompt, err := renderPrompt(in)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()

	start := time.Now()
	msg, err := f.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(f.model),
		MaxTokens: f.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("agent invocation failed: %w", err)
	}

	if f.observer != nil {
		f.observer(Usage{
			Model:        f.model,
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		})
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	patched, notes, err := parsePatched(text.String())
	if err != nil {
		return nil, fmt.Errorf("agent returned an unusable response: %w", err)
	}

	f.logger.Info("agent patched scripts",
		"county", in.County,
		"targets", len(in.Targets),
		"patched_files", len(patched),
		"prompt_version", PromptVersion,
		"duration", time.Since(start).Round(time.Millisecond))
	return &Result{Patched: patched, Notes: notes}, nil
}
