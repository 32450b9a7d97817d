package imagegate

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventKind names an audit event.
type EventKind string

const (
	EventPIIDetected         EventKind = "pii_detected"
	EventContentViolation    EventKind = "content_violation_detected"
	EventBudgetExceeded      EventKind = "budget_exceeded"
	EventProviderSelected    EventKind = "provider_selected"
	EventGenerationSucceeded EventKind = "generation_succeeded"
	EventGenerationFailed    EventKind = "generation_failed"
)

// Warning reports whether events of this kind should be surfaced at warning level.
func (k EventKind) Warning() bool {
	switch k {
	case EventPIIDetected, EventContentViolation, EventBudgetExceeded, EventGenerationFailed:
		return true
	default:
		return false
	}
}

// AuditEvent is a structured, non-sensitive record of one admission step.
// Fields must only hold already-masked values, types, counts and amounts.
type AuditEvent struct {
	ID           string
	Kind         EventKind
	Time         time.Time
	RequestID    string
	UserID       string
	DepartmentID string
	Provider     string
	Fields       map[string]any
}

// AuditSink receives audit events. Implementations must be safe for concurrent use
// and must not block the admission path for long.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent)
}

// NewAuditEvent creates an event stamped with the request identity carried by ctx.
func NewAuditEvent(ctx context.Context, kind EventKind, fields map[string]any) AuditEvent {
	if fields == nil {
		fields = map[string]any{}
	}
	info := RequestInfoFrom(ctx)
	return AuditEvent{
		ID:           uuid.NewString(),
		Kind:         kind,
		Time:         time.Now().UTC(),
		RequestID:    info.RequestID,
		UserID:       info.UserID,
		DepartmentID: info.DepartmentID,
		Fields:       fields,
	}
}

// RequestInfo is the identity of the request being admitted.
type RequestInfo struct {
	RequestID    string
	UserID       string
	DepartmentID string
}

type requestInfoKey struct{}

// ContextWithRequest attaches the identity of req to ctx for audit events.
func ContextWithRequest(ctx context.Context, req GenerationRequest) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, RequestInfo{
		RequestID:    req.ID,
		UserID:       req.UserID,
		DepartmentID: req.DepartmentID,
	})
}

// RequestInfoFrom returns the identity stored by ContextWithRequest, if any.
func RequestInfoFrom(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}

// noopSink discards events.
type noopSink struct{}

func (noopSink) Record(context.Context, AuditEvent) {}

// NoopSink returns an AuditSink that discards everything.
func NoopSink() AuditSink { return noopSink{} }
