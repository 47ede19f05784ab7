package agent

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"
)

// PromptVersion tags the prompt asset; bump it when the template
// changes so invocations can be compared across versions.
const PromptVersion = 3

//go:embed prompt.tmpl
var promptText string

var promptTemplate = template.Must(template.New("fix-scripts").
	Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).
	Parse(promptText))

// renderPrompt expands the prompt template for one invocation.
func renderPrompt(in *Input) (string, error) {
	var sb strings.Builder
	if err := promptTemplate.Execute(&sb, in); err != nil {
		return "", fmt.Errorf("failed to render fix-scripts prompt: %w", err)
	}
	return sb.String(), nil
}
