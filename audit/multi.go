package audit

import (
	"context"

	"github.com/ineyio/imagegate"
)

type multi []imagegate.AuditSink

// Multi fans every event out to sinks in order. Nil sinks are skipped.
func Multi(sinks ...imagegate.AuditSink) imagegate.AuditSink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	switch len(m) {
	case 0:
		return imagegate.NoopSink()
	case 1:
		return m[0]
	}
	return m
}

func (m multi) Record(ctx context.Context, e imagegate.AuditEvent) {
	for _, s := range m {
		s.Record(ctx, e)
	}
}
