package safety

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/storymind-ai/storymind/core"
)

// Validator runs payloads through the staged rule pipeline and produces a
// SafetyReport. A validator holds no cross-call mutable state beyond the
// counters it emits; given identical input, rule set and mode, the report
// is byte-identical across runs.
type Validator struct {
	rules    *RuleSet
	cfg      core.SafetyConfig
	logger   core.Logger
	recorder core.Recorder
}

// NewValidator constructs a validator over a compiled rule set.
func NewValidator(rules *RuleSet, cfg core.SafetyConfig, logger core.Logger, recorder core.Recorder) *Validator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if recorder == nil {
		recorder = &core.NoOpRecorder{}
	}
	if cfg.RewriteCapPerPayload <= 0 {
		cfg.RewriteCapPerPayload = 1
	}
	if cfg.ScoreThresholdWarn == 0 {
		cfg.ScoreThresholdWarn = 0.4
	}
	if cfg.ScoreThresholdStrict == 0 {
		cfg.ScoreThresholdStrict = 0.6
	}
	return &Validator{
		rules:    rules,
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
	}
}

// ruleOutcome is one rule's result, kept in declared order for determinism.
type ruleOutcome struct {
	rule  *Rule
	spans []core.TextSpan
	err   error
}

// Validate runs the pipeline on a payload.
//
// Stage semantics:
//  1. Crisis detection always runs, in every mode.
//  2. Hard-block rules produce verdict block.
//  3. Soft-rewrite rules: the first match in declared order rewrites the
//     payload (at most one rewrite); later matches become findings only.
//     The rewritten payload is re-checked by stage 1 before release.
//  4. Scoring rules annotate findings; the verdict is elevated to warn when
//     the aggregate score drops below the mode's threshold.
//
// crisis-bypass skips stages 2-4 but a stage-1 match still ends the
// pipeline with verdict crisis.
func (v *Validator) Validate(ctx context.Context, payload json.RawMessage, mode core.SafetyMode) *core.SafetyReport {
	text := payloadText(payload)
	report := &core.SafetyReport{Verdict: core.VerdictPass, Score: 1.0}

	defer func() {
		v.recorder.Counter("safety.validations", 1, map[string]string{
			"mode":    string(mode),
			"verdict": string(report.Verdict),
		})
	}()

	// Stage 1: crisis detection. Cannot be disabled.
	if findings, matched := v.runStage(ctx, StageCrisis, mode, text, report); matched {
		report.Verdict = core.VerdictCrisis
		report.Findings = findings
		report.Score = 0
		return report
	} else {
		report.Findings = append(report.Findings, findings...)
	}

	if mode == core.SafetyCrisisBypass {
		return report
	}

	// Stage 2: hard blocks.
	if findings, matched := v.runStage(ctx, StageBlock, mode, text, report); matched {
		report.Verdict = core.VerdictBlock
		report.Findings = append(report.Findings, findings...)
		report.Score = 0
		return report
	} else {
		report.Findings = append(report.Findings, findings...)
	}

	// Stage 3: soft rewrites. First matching rule in declared order wins;
	// the remainder are findings, not further rewrites.
	rewritten := false
	for _, rule := range v.rules.stage(StageRewrite) {
		if rule.spec.StrictOnly && mode != core.SafetyStrict {
			continue
		}
		spans, err := rule.match(text)
		if err != nil {
			report.Findings = append(report.Findings, failSafeFinding(rule))
			v.logRuleError(rule, err)
			continue
		}
		if len(spans) == 0 {
			continue
		}
		report.Findings = append(report.Findings, core.Finding{
			RuleID:   rule.ID(),
			Severity: rule.spec.Severity,
			Span:     spans[0],
		})

		if !rewritten {
			transformed := rule.rewrite(text)

			// A rewrite that introduces crisis content is rejected and
			// the original blocked.
			if crisisFindings, matched := v.recheckCrisis(ctx, transformed); matched {
				report.Verdict = core.VerdictBlock
				report.Findings = append(report.Findings, crisisFindings...)
				report.TransformedPayload = nil
				report.Score = 0
				return report
			}

			report.TransformedPayload = payloadFromText(payload, transformed)
			rewritten = true
			text = transformed
		}
	}
	if rewritten {
		report.Verdict = core.VerdictWarn
	}

	// Stage 4: scoring heuristics.
	threshold := v.cfg.ScoreThresholdWarn
	if mode == core.SafetyStrict {
		threshold = v.cfg.ScoreThresholdStrict
	}
	for _, out := range v.evaluateStage(v.rules.stage(StageScore), mode, text) {
		if out.err != nil {
			report.Findings = append(report.Findings, failSafeFinding(out.rule))
			v.logRuleError(out.rule, out.err)
			if report.Verdict == core.VerdictPass {
				report.Verdict = core.VerdictWarn
			}
			continue
		}
		if len(out.spans) == 0 {
			continue
		}
		report.Findings = append(report.Findings, core.Finding{
			RuleID:   out.rule.ID(),
			Severity: out.rule.spec.Severity,
			Span:     out.spans[0],
		})
		report.Score -= out.rule.spec.Weight
	}
	if report.Score < 0 {
		report.Score = 0
	}
	if report.Score < threshold && report.Verdict == core.VerdictPass {
		report.Verdict = core.VerdictWarn
	}

	return report
}

// runStage evaluates one short-circuiting stage (crisis or block). The
// returned bool reports whether any rule matched; findings include
// fail-safe entries for rules that errored.
func (v *Validator) runStage(ctx context.Context, stage Stage, mode core.SafetyMode, text string, report *core.SafetyReport) ([]core.Finding, bool) {
	var findings []core.Finding
	matched := false

	for _, out := range v.evaluateStage(v.rules.stage(stage), mode, text) {
		if out.err != nil {
			// Fail-safe, not fail-open: an errored rule downgrades the
			// payload instead of releasing it unchecked.
			findings = append(findings, failSafeFinding(out.rule))
			v.logRuleError(out.rule, out.err)
			if report.Verdict == core.VerdictPass {
				report.Verdict = core.VerdictWarn
			}
			continue
		}
		for _, span := range out.spans {
			findings = append(findings, core.Finding{
				RuleID:   out.rule.ID(),
				Severity: out.rule.spec.Severity,
				Span:     span,
			})
			matched = true
		}
	}
	return findings, matched
}

// evaluateStage runs a stage's rules, in parallel when the stage has more
// than one, and returns outcomes in declared order so reports stay
// deterministic.
func (v *Validator) evaluateStage(rules []*Rule, mode core.SafetyMode, text string) []ruleOutcome {
	applicable := make([]*Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.spec.StrictOnly && mode != core.SafetyStrict {
			continue
		}
		applicable = append(applicable, rule)
	}

	outcomes := make([]ruleOutcome, len(applicable))
	if len(applicable) <= 1 {
		for i, rule := range applicable {
			spans, err := rule.match(text)
			outcomes[i] = ruleOutcome{rule: rule, spans: spans, err: err}
		}
		return outcomes
	}

	var wg sync.WaitGroup
	for i, rule := range applicable {
		wg.Add(1)
		go func(i int, rule *Rule) {
			defer wg.Done()
			spans, err := rule.match(text)
			outcomes[i] = ruleOutcome{rule: rule, spans: spans, err: err}
		}(i, rule)
	}
	wg.Wait()
	return outcomes
}

// recheckCrisis re-runs stage 1 on a transformed payload.
func (v *Validator) recheckCrisis(ctx context.Context, text string) ([]core.Finding, bool) {
	var findings []core.Finding
	matched := false
	for _, rule := range v.rules.stage(StageCrisis) {
		spans, err := rule.match(text)
		if err != nil {
			findings = append(findings, failSafeFinding(rule))
			matched = true
			continue
		}
		for _, span := range spans {
			findings = append(findings, core.Finding{
				RuleID:   rule.ID(),
				Severity: rule.spec.Severity,
				Span:     span,
			})
			matched = true
		}
	}
	return findings, matched
}

func (v *Validator) logRuleError(rule *Rule, err error) {
	v.logger.Warn("Safety rule failed, downgrading payload", map[string]interface{}{
		"rule_id": rule.ID(),
		"stage":   rule.Stage().String(),
		"error":   err,
	})
	v.recorder.Counter("safety.rule_errors", 1, map[string]string{"rule": rule.ID()})
}

func failSafeFinding(rule *Rule) core.Finding {
	return core.Finding{
		RuleID:   rule.ID(),
		Severity: core.SeverityHigh,
		Span:     core.TextSpan{Whole: true},
	}
}

// payloadText extracts the text a rule sees. JSON strings validate their
// decoded value; everything else validates the raw bytes.
func payloadText(payload json.RawMessage) string {
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	return string(payload)
}

// payloadFromText re-encodes transformed text in the payload's original
// shape.
func payloadFromText(original json.RawMessage, text string) json.RawMessage {
	var s string
	if err := json.Unmarshal(original, &s); err == nil {
		encoded, err := json.Marshal(text)
		if err == nil {
			return encoded
		}
	}
	return json.RawMessage(text)
}
