// Package pii finds personally identifiable information and secrets in
// free text, masks what it finds and produces an anonymized copy.
package pii

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/ineyio/imagegate"
)

// DefaultThreshold is the mean confidence at which text is treated as containing PII.
const DefaultThreshold = 0.7

const contextRunes = 20

// Detection is one match. Value and Context are masked; the raw substring is never kept.
type Detection struct {
	Type       Type
	Value      string
	Start      int // byte offset
	End        int
	Confidence float64
	Context    string
}

// Result is the outcome of scanning one text.
type Result struct {
	ContainsPII bool
	Detections  []Detection
	// Confidence is the mean confidence of all detections, 0 when there are none.
	Confidence float64
	// AnonymizedText equals the input when ContainsPII is false.
	AnonymizedText string
}

// Types returns the distinct detected types, sorted.
func (r Result) Types() []string {
	seen := make(map[Type]bool, len(r.Detections))
	out := make([]string, 0, len(r.Detections))
	for _, d := range r.Detections {
		if !seen[d.Type] {
			seen[d.Type] = true
			out = append(out, string(d.Type))
		}
	}
	sort.Strings(out)
	return out
}

// Counts returns the number of detections per type.
func (r Result) Counts() map[string]int {
	out := make(map[string]int, len(r.Detections))
	for _, d := range r.Detections {
		out[string(d.Type)]++
	}
	return out
}

// Detector scans text against a fixed battery of matchers. It is safe for
// concurrent use.
type Detector struct {
	threshold float64
	sink      imagegate.AuditSink
	logger    *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold sets the mean confidence needed to report PII.
func WithThreshold(t float64) Option {
	return func(d *Detector) { d.threshold = t }
}

// WithAuditSink sets where pii_detected events go.
func WithAuditSink(s imagegate.AuditSink) Option {
	return func(d *Detector) { d.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// New creates a Detector.
func New(opts ...Option) *Detector {
	d := &Detector{threshold: DefaultThreshold}
	for _, opt := range opts {
		opt(d)
	}
	if d.sink == nil {
		d.sink = imagegate.NoopSink()
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

type span struct {
	typ        Type
	start, end int
	confidence float64
}

// Detect scans text. It only fails when ctx is done mid-scan.
func (d *Detector) Detect(ctx context.Context, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{AnonymizedText: text}, nil
	}

	spans, err := scan(ctx, text)
	if err != nil {
		return Result{}, err
	}

	res := Result{AnonymizedText: text}
	if len(spans) == 0 {
		return res, nil
	}

	var total float64
	res.Detections = make([]Detection, len(spans))
	for i, s := range spans {
		masked := Mask(text[s.start:s.end])
		res.Detections[i] = Detection{
			Type:       s.typ,
			Value:      masked,
			Start:      s.start,
			End:        s.end,
			Confidence: s.confidence,
			Context:    maskedContext(text, s, masked),
		}
		total += s.confidence
	}
	res.Confidence = total / float64(len(spans))
	res.ContainsPII = res.Confidence >= d.threshold

	if res.ContainsPII {
		res.AnonymizedText = replace(text, spans)
		d.report(ctx, res)
	}
	return res, nil
}

func (d *Detector) report(ctx context.Context, res Result) {
	types := res.Types()
	counts := res.Counts()

	d.logger.Warn("pii detected in prompt",
		"pii_types", types,
		"counts", counts,
		"confidence", res.Confidence,
	)
	d.sink.Record(ctx, imagegate.NewAuditEvent(ctx, imagegate.EventPIIDetected, map[string]any{
		"pii_types":       types,
		"counts":          counts,
		"detection_count": len(res.Detections),
		"confidence":      res.Confidence,
	}))
}

// Anonymize replaces every match in text with its type placeholder,
// regardless of confidence.
func Anonymize(text string) string {
	spans, _ := scan(context.Background(), text)
	if len(spans) == 0 {
		return text
	}
	return replace(text, spans)
}

// Mask hides a matched value: four runes or fewer become all '*', longer
// values keep their first two and last two runes.
func Mask(value string) string {
	r := []rune(value)
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:2]) + strings.Repeat("*", len(r)-4) + string(r[len(r)-2:])
}

// Placeholder is the replacement token for type t.
func Placeholder(t Type) string {
	return "[" + strings.ToUpper(string(t)) + "_REDACTED]"
}

func scan(ctx context.Context, text string) ([]span, error) {
	var spans []span
	for _, m := range battery {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, re := range m.patterns {
			for _, loc := range re.FindAllStringIndex(text, -1) {
				value := text[loc[0]:loc[1]]
				if m.accept != nil && !m.accept(value) {
					continue
				}
				conf := BaseConfidence(m.typ)
				if m.confidence != nil {
					conf = m.confidence(value)
				}
				spans = append(spans, span{typ: m.typ, start: loc[0], end: loc[1], confidence: conf})
			}
		}
	}
	return spans, nil
}

// resolve picks non-overlapping spans: earliest start first, then the
// longest, then the most confident.
func resolve(spans []span) []span {
	ordered := append([]span(nil), spans...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.start != b.start {
			return a.start < b.start
		}
		if la, lb := a.end-a.start, b.end-b.start; la != lb {
			return la > lb
		}
		return a.confidence > b.confidence
	})

	kept := ordered[:0]
	end := -1
	for _, s := range ordered {
		if s.start < end {
			continue
		}
		kept = append(kept, s)
		end = s.end
	}
	return kept
}

func replace(text string, spans []span) string {
	kept := resolve(spans)
	for i := len(kept) - 1; i >= 0; i-- {
		s := kept[i]
		text = text[:s.start] + Placeholder(s.typ) + text[s.end:]
	}
	return text
}

func maskedContext(text string, s span, masked string) string {
	before := []rune(text[:s.start])
	if len(before) > contextRunes {
		before = before[len(before)-contextRunes:]
	}
	after := []rune(text[s.end:])
	if len(after) > contextRunes {
		after = after[:contextRunes]
	}
	return Anonymize(string(before) + masked + string(after))
}
