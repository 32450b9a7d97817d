// Package validator screens prompts before they reach a paid provider. It
// combines structural checks, PII detection and content filtering into one
// allow / warn / block decision.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/ineyio/imagegate"
	cf "github.com/ineyio/imagegate/contentfilter"
	"github.com/ineyio/imagegate/pii"
)

// PIIScanner finds sensitive data in text. *pii.Detector implements it.
type PIIScanner interface {
	Detect(ctx context.Context, text string) (pii.Result, error)
}

// ContentScanner scores text for policy violations. *contentfilter.Filter implements it.
type ContentScanner interface {
	Filter(text string, maxLength int) cf.Result
}

// PIIAction is what happens to a prompt that contains PII.
type PIIAction string

const (
	PIIBlock     PIIAction = "block"
	PIIWarn      PIIAction = "warn"
	PIIAnonymize PIIAction = "anonymize"
)

// Options are the validation limits and policies.
type Options struct {
	MinLength  int
	MaxLength  int
	Strict     bool // fail closed when a detector errors
	PIIEnabled bool
	PIIAction  PIIAction
}

// DefaultOptions returns the limits used when none are configured.
func DefaultOptions() Options {
	return Options{
		MinLength:  3,
		MaxLength:  2000,
		PIIEnabled: true,
		PIIAction:  PIIBlock,
	}
}

// OptionsFromConfig maps the validation section of the config file.
func OptionsFromConfig(c imagegate.ValidationConfig) Options {
	return Options{
		MinLength:  c.MinLength,
		MaxLength:  c.MaxLength,
		Strict:     c.Strict,
		PIIEnabled: c.PIIEnabled,
		PIIAction:  PIIAction(c.PIIAction),
	}
}

// Issue is one reason a prompt was flagged.
type Issue struct {
	Type     string
	Severity string
	Message  string
	Details  map[string]any
}

// Decision is the outcome of validating one prompt.
type Decision struct {
	Action  cf.Action
	Issues  []Issue
	PII     *pii.Result
	Content *cf.Result
	// AnonymizedPrompt is set whenever PII was found.
	AnonymizedPrompt string
	SafeForLogging   bool
	Metadata         map[string]any
}

// Valid reports whether the prompt may proceed unchanged.
func (d Decision) Valid() bool { return d.Action == cf.Allow }

// Validator is safe for concurrent use.
type Validator struct {
	opts    Options
	pii     PIIScanner
	content ContentScanner
	sink    imagegate.AuditSink
	logger  *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithPIIScanner replaces the default regex detector.
func WithPIIScanner(s PIIScanner) Option {
	return func(v *Validator) { v.pii = s }
}

// WithContentScanner replaces the default content filter.
func WithContentScanner(s ContentScanner) Option {
	return func(v *Validator) { v.content = s }
}

// WithAuditSink sets the audit sink; default scanners report to it too.
func WithAuditSink(s imagegate.AuditSink) Option {
	return func(v *Validator) { v.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New creates a Validator.
func New(opts Options, options ...Option) *Validator {
	v := &Validator{opts: opts}
	for _, o := range options {
		o(v)
	}
	if v.sink == nil {
		v.sink = imagegate.NoopSink()
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	if v.pii == nil {
		v.pii = pii.New(pii.WithAuditSink(v.sink), pii.WithLogger(v.logger))
	}
	if v.content == nil {
		v.content = cf.New(cf.WithLogger(v.logger))
	}
	if v.opts.PIIAction == "" {
		v.opts.PIIAction = PIIBlock
	}
	return v
}

// Validate screens prompt. The decision is always returned; on block the
// error is a *imagegate.PIIError, *imagegate.ContentError or
// *imagegate.ValidationError, checked in that order.
func (v *Validator) Validate(ctx context.Context, prompt string) (Decision, error) {
	issues := structuralIssues(prompt, v.opts.MinLength, v.opts.MaxLength)
	action := cf.Allow
	if len(issues) > 0 {
		action = cf.Block
	}

	var (
		piiRes     *pii.Result
		contentRes *cf.Result
		piiErr     error
		contentErr error
	)

	var g errgroup.Group
	if v.opts.PIIEnabled {
		g.Go(func() error {
			piiErr = recovered("pii detector", func() error {
				res, err := v.pii.Detect(ctx, prompt)
				if err == nil {
					piiRes = &res
				}
				return err
			})
			return nil
		})
	}
	g.Go(func() error {
		contentErr = recovered("content filter", func() error {
			res := v.content.Filter(prompt, v.opts.MaxLength)
			contentRes = &res
			return nil
		})
		return nil
	})
	_ = g.Wait()

	detectorFailed := false
	if piiErr != nil {
		v.logger.Error("pii detection failed", "error", piiErr, "strict", v.opts.Strict)
		if v.opts.Strict {
			detectorFailed = true
			issues = append(issues, Issue{Type: "pii_detection_error", Severity: "high", Message: "PII detection service failed"})
			action = cf.Block
		}
	}
	if piiRes != nil && piiRes.ContainsPII {
		issues = append(issues, piiIssues(*piiRes)...)
		switch v.opts.PIIAction {
		case PIIBlock:
			action = cf.Block
		case PIIWarn:
			action = cf.MaxAction(action, cf.Warn)
		}
	}

	if contentErr != nil {
		v.logger.Error("content filtering failed", "error", contentErr, "strict", v.opts.Strict)
		if v.opts.Strict {
			detectorFailed = true
			issues = append(issues, Issue{Type: "content_filter_error", Severity: "high", Message: "Content filtering service failed"})
			action = cf.Block
		}
	}
	if contentRes != nil {
		if len(contentRes.Violations) > 0 {
			v.sink.Record(ctx, imagegate.NewAuditEvent(ctx, imagegate.EventContentViolation, map[string]any{
				"violation_types": contentRes.Types(),
				"violation_count": len(contentRes.Violations),
				"risk_score":      contentRes.RiskScore,
				"action":          string(contentRes.Action),
			}))
		}
		if !contentRes.IsSafe {
			issues = append(issues, contentIssues(*contentRes)...)
			action = cf.MaxAction(action, contentRes.Action)
		}
	}

	d := Decision{
		Action:  action,
		Issues:  issues,
		PII:     piiRes,
		Content: contentRes,
		SafeForLogging: (piiRes == nil || !piiRes.ContainsPII) &&
			(contentRes == nil || contentRes.IsSafe),
	}
	if piiRes != nil && piiRes.ContainsPII {
		d.AnonymizedPrompt = piiRes.AnonymizedText
	}
	d.Metadata = metadata(prompt, d)
	v.log(d)

	if action != cf.Block {
		return d, nil
	}
	return d, v.blockError(d, detectorFailed)
}

func (v *Validator) blockError(d Decision, detectorFailed bool) error {
	if d.PII != nil && d.PII.ContainsPII && v.opts.PIIAction == PIIBlock {
		return &imagegate.PIIError{Types: d.PII.Types(), AnonymizedPrompt: d.AnonymizedPrompt}
	}
	if d.Content != nil && d.Content.Action == cf.Block {
		return &imagegate.ContentError{
			Types:     d.Content.Types(),
			RiskScore: d.Content.RiskScore,
			Reason:    d.Content.Reason,
		}
	}
	if detectorFailed {
		return &imagegate.ValidationError{
			Field:  "prompt",
			Reason: "security screening unavailable",
			Err:    imagegate.ErrDetectorFailure,
		}
	}
	reason := "prompt rejected"
	if len(d.Issues) > 0 {
		reason = d.Issues[0].Message
	}
	return &imagegate.ValidationError{Field: "prompt", Reason: reason}
}

func (v *Validator) log(d Decision) {
	attrs := []any{
		"validation_action", string(d.Action),
		"issue_count", len(d.Issues),
		"safe_for_logging", d.SafeForLogging,
		"pii_detected", d.Metadata["pii_detected"],
		"risk_score", d.Metadata["risk_score"],
	}

	switch d.Action {
	case cf.Allow:
		v.logger.Info("prompt validation passed", attrs...)
	case cf.Warn:
		v.logger.Warn("prompt validation warning", attrs...)
	default:
		prompt := d.AnonymizedPrompt
		if prompt == "" {
			prompt = "[REDACTED]"
		}
		summary := make([]string, len(d.Issues))
		for i, is := range d.Issues {
			summary[i] = is.Severity + ":" + is.Type
		}
		attrs = append(attrs, "prompt", prompt, "issues", summary)
		v.logger.Warn("prompt validation blocked", attrs...)
	}
}

// recovered runs fn, turning a panic into an ErrDetectorFailure error.
func recovered(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", imagegate.ErrDetectorFailure, name, r)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%w: %s: %w", imagegate.ErrDetectorFailure, name, err)
	}
	return nil
}

func structuralIssues(prompt string, minLen, maxLen int) []Issue {
	var issues []Issue
	n := utf8.RuneCountInString(prompt)

	if strings.TrimSpace(prompt) == "" {
		issues = append(issues, Issue{Type: "empty_prompt", Severity: "medium", Message: "Prompt cannot be empty"})
	}
	if n < minLen {
		issues = append(issues, Issue{
			Type:     "prompt_too_short",
			Severity: "low",
			Message:  fmt.Sprintf("Prompt must be at least %d characters", minLen),
			Details:  map[string]any{"current_length": n},
		})
	}
	if maxLen > 0 && n > maxLen {
		issues = append(issues, Issue{
			Type:     "prompt_too_long",
			Severity: "medium",
			Message:  fmt.Sprintf("Prompt exceeds maximum length of %d characters", maxLen),
			Details:  map[string]any{"current_length": n},
		})
	}
	if strings.ContainsRune(prompt, 0) {
		issues = append(issues, Issue{Type: "null_bytes", Severity: "high", Message: "Prompt contains null bytes"})
	}

	controls := 0
	for _, r := range prompt {
		if r < 32 && r != 0 && r != '\n' && r != '\r' && r != '\t' {
			controls++
		}
	}
	if controls > 0 {
		issues = append(issues, Issue{
			Type:     "control_characters",
			Severity: "medium",
			Message:  "Prompt contains invalid control characters",
			Details:  map[string]any{"count": controls},
		})
	}
	return issues
}

func piiIssues(res pii.Result) []Issue {
	type group struct {
		count int
		conf  float64
	}
	var order []pii.Type
	groups := make(map[pii.Type]*group)
	for _, d := range res.Detections {
		g, ok := groups[d.Type]
		if !ok {
			g = &group{}
			groups[d.Type] = g
			order = append(order, d.Type)
		}
		g.count++
		if d.Confidence > g.conf {
			g.conf = d.Confidence
		}
	}

	issues := make([]Issue, 0, len(order))
	for _, t := range order {
		g := groups[t]
		issues = append(issues, Issue{
			Type:     "pii_detected",
			Severity: PIISeverity(t),
			Message:  "Detected " + strings.ReplaceAll(string(t), "_", " "),
			Details: map[string]any{
				"pii_type":   string(t),
				"count":      g.count,
				"confidence": g.conf,
			},
		})
	}
	return issues
}

func contentIssues(res cf.Result) []Issue {
	issues := make([]Issue, len(res.Violations))
	for i, v := range res.Violations {
		issues[i] = Issue{
			Type:     "content_violation",
			Severity: string(v.Severity),
			Message:  v.Description,
			Details: map[string]any{
				"violation_type": string(v.Type),
				"confidence":     v.Confidence,
			},
		}
	}
	return issues
}

// PIISeverity ranks how damaging a leak of type t would be.
func PIISeverity(t pii.Type) string {
	switch t {
	case pii.SSN, pii.CreditCard, pii.AWSKey, pii.GoogleAPIKey, pii.GitHubToken,
		pii.PrivateKey, pii.DatabaseConnection, pii.Password, pii.TaxFileNumber:
		return "critical"
	case pii.BankAccount, pii.MedicareNumber, pii.Passport, pii.MedicalRecordNumber, pii.APIKey:
		return "high"
	case pii.Email, pii.Phone:
		return "medium"
	default:
		return "low"
	}
}

func metadata(prompt string, d Decision) map[string]any {
	m := map[string]any{
		"prompt_length":      utf8.RuneCountInString(prompt),
		"pii_detected":       false,
		"pii_types":          []string{},
		"content_violations": 0,
		"risk_score":         0.0,
		"validation_action":  string(d.Action),
		"issue_count":        len(d.Issues),
	}
	if d.PII != nil {
		m["pii_detected"] = d.PII.ContainsPII
		m["pii_types"] = d.PII.Types()
	}
	if d.Content != nil {
		m["content_violations"] = len(d.Content.Violations)
		m["risk_score"] = d.Content.RiskScore
	}
	return m
}
