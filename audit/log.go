// Package audit provides AuditSink implementations.
package audit

import (
	"context"
	"log/slog"
	"sort"

	"github.com/ineyio/imagegate"
)

// LogSink writes audit events through slog.
type LogSink struct {
	Logger *slog.Logger
}

var _ imagegate.AuditSink = (*LogSink)(nil)

// NewLogSink creates a LogSink with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

func (s *LogSink) Record(ctx context.Context, e imagegate.AuditEvent) {
	attrs := []any{
		"event_id", e.ID,
		"request_id", e.RequestID,
		"user_id", e.UserID,
	}
	if e.DepartmentID != "" {
		attrs = append(attrs, "department_id", e.DepartmentID)
	}
	if e.Provider != "" {
		attrs = append(attrs, "provider", e.Provider)
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, e.Fields[k])
	}

	level := slog.LevelInfo
	if e.Kind.Warning() {
		level = slog.LevelWarn
	}
	s.Logger.Log(ctx, level, string(e.Kind), attrs...)
}
