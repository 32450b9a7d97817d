package imagegate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Size is an output image size in WIDTHxHEIGHT form.
type Size string

const (
	SizeSmall     Size = "1024x1024"
	SizeMedium    Size = "1536x1536"
	SizeLarge     Size = "2048x2048"
	SizePortrait  Size = "1024x1792"
	SizeLandscape Size = "1792x1024"
)

// AllSizes lists every size a request may ask for.
var AllSizes = []Size{SizeSmall, SizeMedium, SizeLarge, SizePortrait, SizeLandscape}

// ParseSize validates s against the known sizes.
func ParseSize(s string) (Size, error) {
	for _, known := range AllSizes {
		if string(known) == s {
			return known, nil
		}
	}
	return "", &ValidationError{Field: "size", Reason: fmt.Sprintf("unsupported size %q", s)}
}

// Dimensions returns width and height in pixels.
func (s Size) Dimensions() (int, int) {
	w, h, ok := strings.Cut(string(s), "x")
	if !ok {
		return 0, 0
	}
	width, _ := strconv.Atoi(w)
	height, _ := strconv.Atoi(h)
	return width, height
}

// Quality is the requested rendering quality.
type Quality string

const (
	QualityStandard Quality = "standard"
	QualityHD       Quality = "hd"
)

// ParseQuality validates q. An empty string means standard.
func ParseQuality(q string) (Quality, error) {
	switch Quality(q) {
	case "", QualityStandard:
		return QualityStandard, nil
	case QualityHD:
		return QualityHD, nil
	default:
		return "", &ValidationError{Field: "quality", Reason: fmt.Sprintf("unsupported quality %q", q)}
	}
}

// MaxImagesPerRequest bounds GenerationRequest.NumImages.
const MaxImagesPerRequest = 10

// GenerationRequest is one image-generation request as it enters admission.
// Treat it as a value; derive modified copies with the With* methods.
type GenerationRequest struct {
	ID                string
	Prompt            string
	Size              Size
	Quality           Quality
	NumImages         int
	PreferredProvider string

	// MaxCost is an optional ceiling on the estimated cost of this request.
	MaxCost *decimal.Decimal

	UserID       string
	DepartmentID string
}

// Images returns the number of images requested, never less than one.
func (r GenerationRequest) Images() int {
	if r.NumImages < 1 {
		return 1
	}
	return r.NumImages
}

// WithPrompt returns a copy of r carrying prompt.
func (r GenerationRequest) WithPrompt(prompt string) GenerationRequest {
	r.Prompt = prompt
	return r
}

// Validate checks the non-prompt fields. Prompt content is screened by the validator package.
func (r GenerationRequest) Validate() error {
	if r.UserID == "" {
		return &ValidationError{Field: "user_id", Reason: "requester identity is required"}
	}
	if _, err := ParseSize(string(r.Size)); err != nil {
		return err
	}
	if _, err := ParseQuality(string(r.Quality)); err != nil {
		return err
	}
	if r.NumImages < 0 || r.NumImages > MaxImagesPerRequest {
		return &ValidationError{
			Field:  "num_images",
			Reason: fmt.Sprintf("must be between 1 and %d", MaxImagesPerRequest),
		}
	}
	if r.MaxCost != nil && r.MaxCost.IsNegative() {
		return &ValidationError{Field: "max_cost", Reason: "must not be negative"}
	}
	return nil
}

// GenerationResult is what a provider adapter returns on success.
type GenerationResult struct {
	ImageURLs []string
	Cost      decimal.Decimal
	Model     string
	Metadata  map[string]any
}

// GenerationOutcome is the router's answer for one request. It is always
// returned; failures are described by Err and Reason rather than a panic or
// a second return value.
type GenerationOutcome struct {
	Success   bool
	Provider  string
	Model     string
	ImageURLs []string
	Cost      decimal.Decimal
	Elapsed   time.Duration
	Attempts  int
	Metadata  map[string]any

	// Reason is a caller-safe description of a failure.
	Reason string
	// Err is the typed failure (usually *ProviderError). Nil on success.
	Err error
}

// CostPerImage splits the actual cost evenly across produced images.
func (o GenerationOutcome) CostPerImage() decimal.Decimal {
	if len(o.ImageURLs) == 0 {
		return decimal.Zero
	}
	return o.Cost.DivRound(decimal.NewFromInt(int64(len(o.ImageURLs))), MoneyPlaces)
}
