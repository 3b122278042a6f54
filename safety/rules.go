// Package safety gates every payload in the system through an ordered rule
// pipeline. Rule identity, ordering and stage are data: the pipeline is
// constructed from a declarative rule list at startup, and the concrete
// crisis rule content is configuration, not code.
package safety

import (
	"fmt"
	"regexp"

	"github.com/storymind-ai/storymind/core"
)

// Stage orders the pipeline. Crisis detection runs first and cannot be
// disabled; later stages may be skipped by mode.
type Stage int

const (
	StageCrisis Stage = iota + 1
	StageBlock
	StageRewrite
	StageScore
)

func (s Stage) String() string {
	switch s {
	case StageCrisis:
		return "crisis"
	case StageBlock:
		return "block"
	case StageRewrite:
		return "rewrite"
	case StageScore:
		return "score"
	default:
		return "unknown"
	}
}

// Checker is a classifier rule body. Implementations must be deterministic:
// no wall-clock time, no randomness. Returning an error marks the rule
// fail-safe (a high-severity whole-payload finding), never fail-open.
type Checker func(text string) ([]core.TextSpan, error)

// RuleSpec declares one rule. Specs are data; a RuleSet compiles them in
// declared order.
type RuleSpec struct {
	ID       string        `json:"id" yaml:"id"`
	Stage    Stage         `json:"stage" yaml:"stage"`
	Severity core.Severity `json:"severity" yaml:"severity"`

	// Patterns are case-insensitive regular expressions. A rule matches
	// when any pattern matches.
	Patterns []string `json:"patterns" yaml:"patterns"`

	// Replacement applies to rewrite-stage rules: every pattern match is
	// substituted with this text.
	Replacement string `json:"replacement,omitempty" yaml:"replacement,omitempty"`

	// Weight applies to scoring-stage rules: each match subtracts this
	// amount from the payload's appropriateness score.
	Weight float64 `json:"weight,omitempty" yaml:"weight,omitempty"`

	// StrictOnly rules run only in strict mode.
	StrictOnly bool `json:"strict_only,omitempty" yaml:"strict_only,omitempty"`

	// Check supplies a classifier body instead of (or in addition to)
	// patterns. Pattern findings are evaluated first.
	Check Checker `json:"-" yaml:"-"`
}

// Rule is a compiled rule.
type Rule struct {
	spec     RuleSpec
	patterns []*regexp.Regexp
}

// ID returns the rule identifier.
func (r *Rule) ID() string { return r.spec.ID }

// Stage returns the rule's pipeline stage.
func (r *Rule) Stage() Stage { return r.spec.Stage }

// match returns the spans where the rule fires. Pattern matches come first,
// then checker spans, both in deterministic order.
func (r *Rule) match(text string) ([]core.TextSpan, error) {
	var spans []core.TextSpan
	for _, re := range r.patterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			spans = append(spans, core.TextSpan{Start: loc[0], End: loc[1]})
		}
	}
	if r.spec.Check != nil {
		checked, err := r.spec.Check(text)
		if err != nil {
			return nil, err
		}
		spans = append(spans, checked...)
	}
	return spans, nil
}

// rewrite applies the rule's replacement to every pattern match.
func (r *Rule) rewrite(text string) string {
	out := text
	for _, re := range r.patterns {
		out = re.ReplaceAllString(out, r.spec.Replacement)
	}
	return out
}

// RuleSet is the compiled, ordered pipeline.
type RuleSet struct {
	byStage map[Stage][]*Rule
}

// NewRuleSet compiles specs in declared order. Within each stage, rules
// evaluate in the order they appear in specs.
func NewRuleSet(specs []RuleSpec) (*RuleSet, error) {
	seen := make(map[string]struct{}, len(specs))
	byStage := make(map[Stage][]*Rule)

	for _, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("rule without id: %w", core.ErrInvalidConfiguration)
		}
		if _, dup := seen[spec.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %q: %w", spec.ID, core.ErrInvalidConfiguration)
		}
		seen[spec.ID] = struct{}{}

		if spec.Stage < StageCrisis || spec.Stage > StageScore {
			return nil, fmt.Errorf("rule %q: unknown stage %d: %w", spec.ID, spec.Stage, core.ErrInvalidConfiguration)
		}
		if spec.Stage == StageRewrite && spec.Replacement == "" {
			return nil, fmt.Errorf("rewrite rule %q requires a replacement: %w", spec.ID, core.ErrInvalidConfiguration)
		}
		if spec.Severity == "" {
			spec.Severity = core.SeverityMedium
		}

		rule := &Rule{spec: spec}
		for _, p := range spec.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("rule %q: bad pattern %q: %w", spec.ID, p, core.ErrInvalidConfiguration)
			}
			rule.patterns = append(rule.patterns, re)
		}
		byStage[spec.Stage] = append(byStage[spec.Stage], rule)
	}

	if len(byStage[StageCrisis]) == 0 {
		return nil, fmt.Errorf("rule set requires at least one crisis rule: %w", core.ErrMissingConfiguration)
	}

	return &RuleSet{byStage: byStage}, nil
}

// stage returns the ordered rules for one stage.
func (rs *RuleSet) stage(s Stage) []*Rule {
	return rs.byStage[s]
}

// Len returns the total number of compiled rules.
func (rs *RuleSet) Len() int {
	n := 0
	for _, rules := range rs.byStage {
		n += len(rules)
	}
	return n
}

// BaselineRules returns a starting rule set for therapeutic deployments.
// Operators are expected to replace or extend this from configuration; the
// concrete crisis phrasing lives with the clinical team, not in code.
func BaselineRules() []RuleSpec {
	return []RuleSpec{
		{
			ID:       "crisis.self-harm",
			Stage:    StageCrisis,
			Severity: core.SeverityHigh,
			Patterns: []string{
				`\b(kill|hurt|harm)\s+myself\b`,
				`\bend\s+(it\s+all|my\s+life)\b`,
				`\bsuicid(e|al)\b`,
			},
		},
		{
			ID:       "crisis.third-party",
			Stage:    StageCrisis,
			Severity: core.SeverityHigh,
			Patterns: []string{
				`\b(kill|hurt|harm)\s+(him|her|them|someone)\b`,
			},
		},
		{
			ID:       "block.dangerous-instructions",
			Stage:    StageBlock,
			Severity: core.SeverityHigh,
			Patterns: []string{
				`\bhow\s+to\s+(make|build)\s+a?\s*(bomb|weapon|explosive)\b`,
			},
		},
		{
			ID:          "rewrite.pii-email",
			Stage:       StageRewrite,
			Severity:    core.SeverityMedium,
			Patterns:    []string{`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`},
			Replacement: "[redacted contact]",
		},
		{
			ID:          "rewrite.harsh-tone",
			Stage:       StageRewrite,
			Severity:    core.SeverityLow,
			Patterns:    []string{`\byou\s+always\s+fail\b`},
			Replacement: "this has been difficult",
			StrictOnly:  true,
		},
		{
			ID:       "score.hopelessness",
			Stage:    StageScore,
			Severity: core.SeverityMedium,
			Patterns: []string{`\b(hopeless|worthless|no\s+point)\b`},
			Weight:   0.3,
		},
		{
			ID:       "score.isolation",
			Stage:    StageScore,
			Severity: core.SeverityLow,
			Patterns: []string{`\b(nobody|no\s+one)\s+(cares|understands)\b`},
			Weight:   0.2,
		},
	}
}
