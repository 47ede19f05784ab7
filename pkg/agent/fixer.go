// Package agent rewrites a county's transform scripts to address a
// set of validation errors, using an LLM as the rewriting engine.
package agent

import (
	"context"

	"github.com/elephant-data/oversight/pkg/blob"
)

// Target is one validation error the fixer should address.
type Target struct {
	Message      string
	Path         string
	FilePath     string
	CurrentValue string
}

// Input is everything one repair attempt hands to the fixer.
type Input struct {
	County   string
	Scenario string
	Scripts  blob.Archive
	Targets  []Target
}

// Result carries the patched scripts. Only the files the fixer
// changed are present; unchanged members are merged back by the
// caller.
type Result struct {
	Patched blob.Archive
	Notes   string
}

// Usage reports one invocation's token accounting. Cost tracking is
// an optional observer, not a dependency of the repair path.
type Usage struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// UsageObserver receives usage after each invocation.
type UsageObserver func(Usage)

// ScriptFixer produces patched transform scripts for a set of errors.
type ScriptFixer interface {
	FixScripts(ctx context.Context, in *Input) (*Result, error)
}
