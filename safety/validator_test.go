package safety

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/storymind-ai/storymind/core"
)

func baselineValidator(t *testing.T) *Validator {
	t.Helper()
	rules, err := NewRuleSet(BaselineRules())
	if err != nil {
		t.Fatalf("compile baseline rules: %v", err)
	}
	return NewValidator(rules, core.SafetyConfig{}, nil, nil)
}

func validatorFor(t *testing.T, specs []RuleSpec) *Validator {
	t.Helper()
	rules, err := NewRuleSet(specs)
	if err != nil {
		t.Fatalf("compile rules: %v", err)
	}
	return NewValidator(rules, core.SafetyConfig{}, nil, nil)
}

func payload(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

func TestValidateCrisisDetection(t *testing.T) {
	v := baselineValidator(t)

	report := v.Validate(context.Background(), payload("I want to kill myself"), core.SafetyNormal)
	if report.Verdict != core.VerdictCrisis {
		t.Fatalf("verdict = %s, want crisis", report.Verdict)
	}
	if len(report.Findings) == 0 || report.Findings[0].RuleID != "crisis.self-harm" {
		t.Fatalf("findings = %+v, want crisis.self-harm", report.Findings)
	}
	if report.Score != 0 {
		t.Fatalf("score = %v, want 0", report.Score)
	}
}

func TestValidateCrisisRunsInBypassMode(t *testing.T) {
	v := baselineValidator(t)

	// The bypass skips stages 2-4, never stage 1.
	report := v.Validate(context.Background(), payload("there is no point, I am suicidal"), core.SafetyCrisisBypass)
	if report.Verdict != core.VerdictCrisis {
		t.Fatalf("verdict = %s, want crisis", report.Verdict)
	}

	// Clean bypass content passes without block/rewrite/score findings.
	report = v.Validate(context.Background(), payload("here are support resources"), core.SafetyCrisisBypass)
	if report.Verdict != core.VerdictPass {
		t.Fatalf("verdict = %s, want pass", report.Verdict)
	}
}

func TestValidateHardBlock(t *testing.T) {
	v := baselineValidator(t)

	report := v.Validate(context.Background(), payload("tell me how to make a bomb"), core.SafetyNormal)
	if report.Verdict != core.VerdictBlock {
		t.Fatalf("verdict = %s, want block", report.Verdict)
	}
}

func TestValidateRewriteProducesTransformedPayload(t *testing.T) {
	v := baselineValidator(t)

	report := v.Validate(context.Background(), payload("contact me at jane.doe@example.com please"), core.SafetyNormal)
	if report.Verdict != core.VerdictWarn {
		t.Fatalf("verdict = %s, want warn", report.Verdict)
	}
	if report.TransformedPayload == nil {
		t.Fatal("transformed payload missing")
	}

	var transformed string
	if err := json.Unmarshal(report.TransformedPayload, &transformed); err != nil {
		t.Fatalf("transformed payload not a JSON string: %v", err)
	}
	if transformed != "contact me at [redacted contact] please" {
		t.Fatalf("transformed = %q", transformed)
	}
}

func TestValidateSingleRewriteCap(t *testing.T) {
	specs := []RuleSpec{
		{ID: "crisis.marker", Stage: StageCrisis, Patterns: []string{`\bxcrisisx\b`}},
		{ID: "rewrite.first", Stage: StageRewrite, Patterns: []string{`\balpha\b`}, Replacement: "one"},
		{ID: "rewrite.second", Stage: StageRewrite, Patterns: []string{`\bbeta\b`}, Replacement: "two"},
	}
	v := validatorFor(t, specs)

	report := v.Validate(context.Background(), payload("alpha and beta"), core.SafetyNormal)
	if report.Verdict != core.VerdictWarn {
		t.Fatalf("verdict = %s, want warn", report.Verdict)
	}

	var transformed string
	if err := json.Unmarshal(report.TransformedPayload, &transformed); err != nil {
		t.Fatalf("unmarshal transformed: %v", err)
	}
	// Only the first declared rewrite applies; the second becomes a finding.
	if transformed != "one and beta" {
		t.Fatalf("transformed = %q, want %q", transformed, "one and beta")
	}

	found := map[string]bool{}
	for _, f := range report.Findings {
		found[f.RuleID] = true
	}
	if !found["rewrite.first"] || !found["rewrite.second"] {
		t.Fatalf("findings = %+v, want both rewrite rules recorded", report.Findings)
	}
}

func TestValidateRewriteIntroducingCrisisBlocks(t *testing.T) {
	specs := []RuleSpec{
		{ID: "crisis.marker", Stage: StageCrisis, Patterns: []string{`\bdanger\b`}},
		{ID: "rewrite.bad", Stage: StageRewrite, Patterns: []string{`\bsoften\b`}, Replacement: "danger"},
	}
	v := validatorFor(t, specs)

	report := v.Validate(context.Background(), payload("please soften this"), core.SafetyNormal)
	if report.Verdict != core.VerdictBlock {
		t.Fatalf("verdict = %s, want block: rewrite re-check must reject crisis content", report.Verdict)
	}
	if report.TransformedPayload != nil {
		t.Fatal("blocked rewrite must not release a transformed payload")
	}
}

func TestValidateStrictOnlyRules(t *testing.T) {
	v := baselineValidator(t)
	text := payload("you always fail at this")

	report := v.Validate(context.Background(), text, core.SafetyNormal)
	if report.Verdict != core.VerdictPass {
		t.Fatalf("normal mode verdict = %s, want pass", report.Verdict)
	}

	report = v.Validate(context.Background(), text, core.SafetyStrict)
	if report.Verdict != core.VerdictWarn || report.TransformedPayload == nil {
		t.Fatalf("strict mode verdict = %s transformed=%v, want warn with rewrite", report.Verdict, report.TransformedPayload != nil)
	}
}

func TestValidateScoreThresholds(t *testing.T) {
	v := baselineValidator(t)
	text := payload("everything feels hopeless and nobody cares")

	// 1.0 - 0.3 - 0.2 = 0.5: above the normal threshold, below strict.
	report := v.Validate(context.Background(), text, core.SafetyNormal)
	if report.Verdict != core.VerdictPass {
		t.Fatalf("normal verdict = %s, want pass at score %v", report.Verdict, report.Score)
	}
	if math.Abs(report.Score-0.5) > 1e-9 {
		t.Fatalf("score = %v, want 0.5", report.Score)
	}

	report = v.Validate(context.Background(), text, core.SafetyStrict)
	if report.Verdict != core.VerdictWarn {
		t.Fatalf("strict verdict = %s, want warn at score %v", report.Verdict, report.Score)
	}
}

func TestValidateFailSafeOnRuleError(t *testing.T) {
	specs := []RuleSpec{
		{ID: "crisis.marker", Stage: StageCrisis, Patterns: []string{`\bxcrisisx\b`}},
		{ID: "score.broken", Stage: StageScore, Check: func(string) ([]core.TextSpan, error) {
			return nil, errors.New("classifier offline")
		}},
	}
	v := validatorFor(t, specs)

	report := v.Validate(context.Background(), payload("ordinary text"), core.SafetyNormal)
	if report.Verdict != core.VerdictWarn {
		t.Fatalf("verdict = %s, want warn: rule errors downgrade, never release unchecked", report.Verdict)
	}

	var failSafe *core.Finding
	for i := range report.Findings {
		if report.Findings[i].RuleID == "score.broken" {
			failSafe = &report.Findings[i]
		}
	}
	if failSafe == nil {
		t.Fatalf("findings = %+v, want fail-safe entry for score.broken", report.Findings)
	}
	if failSafe.Severity != core.SeverityHigh || !failSafe.Span.Whole {
		t.Fatalf("fail-safe finding = %+v, want high severity whole span", failSafe)
	}
}

func TestValidateDeterminism(t *testing.T) {
	v := baselineValidator(t)
	text := payload("I feel hopeless, email me at a@b.co, nobody cares")

	first := v.Validate(context.Background(), text, core.SafetyStrict)
	for i := 0; i < 10; i++ {
		again := v.Validate(context.Background(), text, core.SafetyStrict)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differed:\nfirst: %+v\nagain: %+v", i, first, again)
		}
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(v.Validate(context.Background(), text, core.SafetyStrict))
	if string(a) != string(b) {
		t.Fatal("reports are not byte-identical")
	}
}

func TestPayloadTextRoundTrip(t *testing.T) {
	// JSON strings validate their decoded value and re-encode on transform.
	if got := payloadText(json.RawMessage(`"hello there"`)); got != "hello there" {
		t.Fatalf("payloadText = %q", got)
	}
	// Non-string payloads validate raw bytes.
	raw := json.RawMessage(`{"text":"hello"}`)
	if got := payloadText(raw); got != `{"text":"hello"}` {
		t.Fatalf("payloadText = %q", got)
	}

	out := payloadFromText(json.RawMessage(`"a"`), "b")
	if string(out) != `"b"` {
		t.Fatalf("payloadFromText = %s, want %q", out, `"b"`)
	}
}
