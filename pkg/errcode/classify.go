package errcode

import (
	_ "embed"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var rulesYAML []byte

// Rule maps a family of message patterns to one numeric code. Rules
// are ordered; precedence between overlapping patterns is positional.
type Rule struct {
	Code        string   `yaml:"code"`
	Description string   `yaml:"description"`
	Patterns    []string `yaml:"patterns"`
}

type ruleFile struct {
	Default string `yaml:"default"`
	Rules   []Rule `yaml:"rules"`
}

type compiledRule struct {
	code     string
	patterns []*regexp.Regexp
}

// Classifier maps free-form error messages to numeric codes via the
// embedded ordered rule table. The zero value is unusable; construct
// with NewClassifier.
type Classifier struct {
	rules       []compiledRule
	defaultCode string
}

// NewClassifier compiles the embedded rule table.
func NewClassifier() (*Classifier, error) {
	return newClassifierFrom(rulesYAML)
}

func newClassifierFrom(raw []byte) (*Classifier, error) {
	var rf ruleFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse classification rules: %w", err)
	}
	if rf.Default == "" {
		return nil, fmt.Errorf("classification rules missing default code")
	}
	c := &Classifier{defaultCode: rf.Default}
	for _, r := range rf.Rules {
		if r.Code == "" || len(r.Patterns) == 0 {
			return nil, fmt.Errorf("classification rule %q has no code or no patterns", r.Description)
		}
		cr := compiledRule{code: r.Code}
		for _, p := range r.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("failed to compile pattern %q for code %s: %w", p, r.Code, err)
			}
			cr.patterns = append(cr.patterns, re)
		}
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

// Classify returns the code of the first rule whose any pattern
// matches the message, or the default code when none match.
func (c *Classifier) Classify(message string) string {
	for _, r := range c.rules {
		for _, re := range r.patterns {
			if re.MatchString(message) {
				return r.code
			}
		}
	}
	return c.defaultCode
}

// DefaultCode is the sentinel assigned to unclassifiable messages.
func (c *Classifier) DefaultCode() string {
	return c.defaultCode
}

// TypeOf returns the error-type prefix of a code: its first two
// characters, or the whole code when shorter.
func TypeOf(code string) string {
	if len(code) < 2 {
		return code
	}
	return code[:2]
}
