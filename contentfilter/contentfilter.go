// Package contentfilter scores prompts for injection attempts, abuse and
// inappropriate material and decides whether to allow, warn or block.
package contentfilter

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Category names a kind of violation.
type Category string

const (
	InjectionAttempt   Category = "injection_attempt"
	CommandInjection   Category = "command_injection"
	XSSAttempt         Category = "xss_attempt"
	PathTraversal      Category = "path_traversal"
	HateSpeech         Category = "hate_speech"
	Violence           Category = "violence"
	SexualContent      Category = "sexual_content"
	IllegalActivity    Category = "illegal_activity"
	Spam               Category = "spam"
	RepetitiveContent  Category = "repetitive_content"
	ExcessiveLength    Category = "excessive_length"
	PromptInjection    Category = "prompt_injection"
	SystemManipulation Category = "system_manipulation"
)

// Severity ranks a violation.
type Severity string

const (
	Low      Severity = "low"
	Medium   Severity = "medium"
	High     Severity = "high"
	Critical Severity = "critical"
)

// Weight is the severity's contribution to the risk score.
func (s Severity) Weight() float64 {
	switch s {
	case Low:
		return 0.25
	case Medium:
		return 0.50
	case High:
		return 0.75
	case Critical:
		return 1.0
	default:
		return 0
	}
}

// Action is the filter's verdict.
type Action string

const (
	Allow Action = "allow"
	Warn  Action = "warn"
	Block Action = "block"
)

func (a Action) rank() int {
	switch a {
	case Block:
		return 2
	case Warn:
		return 1
	default:
		return 0
	}
}

// MaxAction returns the stricter of a and b.
func MaxAction(a, b Action) Action {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

const (
	blockRisk = 0.75
	warnRisk  = 0.40

	patternConfidence = 0.9

	repeatMinUnit  = 10
	repeatMinCount = 6
	// repeatWindow bounds the repetition scan to the leading runes of the text.
	repeatWindow = 2000
)

// Violation is one finding.
type Violation struct {
	Type        Category
	Severity    Severity
	Description string
	// MatchedPattern identifies the rule, never the matched text.
	MatchedPattern string
	Confidence     float64
}

// Result is the outcome of filtering one text.
type Result struct {
	IsSafe     bool
	Violations []Violation
	RiskScore  float64
	Action     Action
	Reason     string
}

// Types returns the violation categories in detection order, without duplicates.
func (r Result) Types() []string {
	seen := make(map[Category]bool, len(r.Violations))
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		if !seen[v.Type] {
			seen[v.Type] = true
			out = append(out, string(v.Type))
		}
	}
	return out
}

type rule struct {
	category Category
	re       *regexp.Regexp
	severity Severity
}

var rules = []rule{
	{InjectionAttempt, regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`), Critical},
	{InjectionAttempt, regexp.MustCompile(`(?i)javascript:`), High},
	{InjectionAttempt, regexp.MustCompile(`(?i)on\w+\s*=`), High},

	{CommandInjection, regexp.MustCompile("[;&|`$(){}]"), High},
	{CommandInjection, regexp.MustCompile(`(?i)(?:rm|del|format)\s+-[rf]`), Critical},
	{CommandInjection, regexp.MustCompile(`\$\([^)]+\)`), High},

	{XSSAttempt, regexp.MustCompile(`(?i)<iframe[^>]*>`), High},
	{XSSAttempt, regexp.MustCompile(`(?i)<embed[^>]*>`), High},
	{XSSAttempt, regexp.MustCompile(`(?i)<object[^>]*>`), High},

	{PathTraversal, regexp.MustCompile(`\.\./|\.\.\\`), High},
	{PathTraversal, regexp.MustCompile(`(?i)/etc/passwd|/etc/shadow`), Critical},

	{PromptInjection, regexp.MustCompile(`(?i)ignore\s+(?:previous|above|all)\s+(?:instructions|prompts|commands)`), Critical},
	{PromptInjection, regexp.MustCompile(`(?i)system\s*:\s*you\s+are`), Medium},
	{PromptInjection, regexp.MustCompile(`(?i)(?:disregard|forget)\s+(?:your|the)\s+(?:rules|instructions)`), High},
	{PromptInjection, regexp.MustCompile(`(?i)new\s+instructions?:`), Medium},
	{PromptInjection, regexp.MustCompile(`(?i)override\s+(?:your|the)\s+(?:settings|configuration)`), High},

	{SystemManipulation, regexp.MustCompile(`(?i)</system>|<system>|</admin>|<admin>`), High},
	{SystemManipulation, regexp.MustCompile(`(?i)sudo|su\s+root|chmod\s+777`), Medium},

	{Spam, regexp.MustCompile(`(?i)(?:click|visit|check|buy)\s+(?:here|now|today)`), Low},
	{Spam, regexp.MustCompile(`(?i)(?:100%|guaranteed)\s+(?:free|money|income)`), Low},
}

var defaultKeywords = map[Category][]string{
	HateSpeech: nil,
	Violence: {
		"murder", "kill", "torture", "bomb", "terrorist", "weapon",
		"explosive", "assault", "massacre",
	},
	SexualContent: {"explicit", "pornographic", "xxx", "nsfw"},
	IllegalActivity: {
		"drugs", "cocaine", "heroin", "methamphetamine",
		"counterfeit", "fraud", "money laundering", "hack", "crack",
		"exploit", "vulnerability", "zero-day",
	},
}

// Filter runs the rule battery and keyword blocklists. It is safe for
// concurrent use once constructed.
type Filter struct {
	keywords map[Category][]string
	logger   *slog.Logger
}

// Option configures a Filter.
type Option func(*Filter)

// WithKeywords extends the blocklist of category. Only HateSpeech, Violence,
// SexualContent and IllegalActivity have blocklists.
func WithKeywords(category Category, words ...string) Option {
	return func(f *Filter) {
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w != "" {
				f.keywords[category] = append(f.keywords[category], w)
			}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Filter) { f.logger = l }
}

// New creates a Filter with the default blocklists.
func New(opts ...Option) *Filter {
	f := &Filter{keywords: make(map[Category][]string, len(defaultKeywords))}
	for c, words := range defaultKeywords {
		f.keywords[c] = append([]string(nil), words...)
	}
	for _, opt := range opts {
		opt(f)
	}
	for c, words := range f.keywords {
		f.keywords[c] = dedupe(words)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// Filter checks text. maxLength is measured in runes; 0 disables the length check.
func (f *Filter) Filter(text string, maxLength int) Result {
	var violations []Violation

	if maxLength > 0 && utf8.RuneCountInString(text) > maxLength {
		violations = append(violations, Violation{
			Type:           ExcessiveLength,
			Severity:       Medium,
			Description:    fmt.Sprintf("Content exceeds maximum length of %d", maxLength),
			MatchedPattern: "length_check",
			Confidence:     1.0,
		})
	}

	for _, r := range rules {
		if r.re.MatchString(text) {
			violations = append(violations, patternViolation(r.category, r.severity, r.re.String()))
		}
	}
	if hasRepetition(text) {
		violations = append(violations, patternViolation(RepetitiveContent, Low, "repeated_substring"))
	}

	violations = append(violations, f.keywordViolations(strings.ToLower(text))...)

	res := Result{Violations: violations, RiskScore: RiskScore(violations)}
	res.Action, res.Reason = decide(violations, res.RiskScore)
	res.IsSafe = res.Action == Allow

	if len(violations) > 0 {
		f.logger.Warn("content violations detected",
			"violation_count", len(violations),
			"risk_score", res.RiskScore,
			"action", string(res.Action),
			"violation_types", res.Types(),
		)
	}
	return res
}

func patternViolation(c Category, s Severity, pattern string) Violation {
	return Violation{
		Type:           c,
		Severity:       s,
		Description:    "Detected " + string(c),
		MatchedPattern: pattern,
		Confidence:     patternConfidence,
	}
}

func (f *Filter) keywordViolations(lower string) []Violation {
	var out []Violation

	for _, kw := range f.keywords[HateSpeech] {
		if strings.Contains(lower, kw) {
			out = append(out, Violation{
				Type:           HateSpeech,
				Severity:       Critical,
				Description:    "Contains hate speech",
				MatchedPattern: kw,
				Confidence:     0.8,
			})
		}
	}

	if n := countHits(lower, f.keywords[Violence]); n >= 2 {
		out = append(out, Violation{
			Type:           Violence,
			Severity:       High,
			Description:    "Contains violent content",
			MatchedPattern: fmt.Sprintf("%d violence keywords", n),
			Confidence:     0.7,
		})
	}

	for _, kw := range f.keywords[SexualContent] {
		if strings.Contains(lower, kw) {
			out = append(out, Violation{
				Type:           SexualContent,
				Severity:       High,
				Description:    "Contains explicit sexual content",
				MatchedPattern: kw,
				Confidence:     0.8,
			})
		}
	}

	if n := countHits(lower, f.keywords[IllegalActivity]); n >= 2 {
		out = append(out, Violation{
			Type:           IllegalActivity,
			Severity:       Critical,
			Description:    "References illegal activities",
			MatchedPattern: fmt.Sprintf("%d illegal keywords", n),
			Confidence:     0.75,
		})
	}

	return out
}

// RiskScore is the mean severity-weighted confidence, capped at 1.
func RiskScore(violations []Violation) float64 {
	if len(violations) == 0 {
		return 0
	}
	var total float64
	for _, v := range violations {
		total += v.Severity.Weight() * v.Confidence
	}
	return math.Min(1, total/float64(len(violations)))
}

func decide(violations []Violation, risk float64) (Action, string) {
	for _, v := range violations {
		if v.Severity == Critical {
			return Block, "Critical security violation: " + v.Description
		}
	}
	switch {
	case risk >= blockRisk:
		return Block, "Content contains multiple high-risk violations"
	case risk >= warnRisk:
		return Warn, "Content may contain inappropriate material"
	default:
		return Allow, ""
	}
}

func countHits(lower string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			n++
		}
	}
	return n
}

// hasRepetition reports whether some run of at least repeatMinUnit runes
// (without line breaks) appears repeatMinCount or more times back to back
// within the first repeatWindow runes.
func hasRepetition(text string) bool {
	r := make([]rune, 0, min(len(text), repeatWindow))
	for _, c := range text {
		if len(r) == repeatWindow {
			break
		}
		r = append(r, c)
	}
	n := len(r)
	for i := 0; i+repeatMinUnit*repeatMinCount <= n; i++ {
		for unit := repeatMinUnit; i+unit*repeatMinCount <= n; unit++ {
			if repeats(r, i, unit) {
				return true
			}
		}
	}
	return false
}

func repeats(r []rune, start, unit int) bool {
	for rep := 1; rep < repeatMinCount; rep++ {
		off := start + rep*unit
		for k := 0; k < unit; k++ {
			if r[off+k] != r[start+k] {
				return false
			}
		}
	}
	for k := 0; k < unit; k++ {
		if r[start+k] == '\n' {
			return false
		}
	}
	return true
}

func dedupe(words []string) []string {
	seen := make(map[string]bool, len(words))
	out := words[:0]
	for _, w := range words {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}
