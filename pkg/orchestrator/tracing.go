package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/arzzra/uc_session/pkg/asyncop"
	"github.com/arzzra/uc_session/pkg/session"
)

const tracerName = "github.com/arzzra/uc_session/pkg/orchestrator"

func (o *Orchestrator) startSpan(ctx context.Context, stage string, s *session.Session) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "session."+stage,
		trace.WithAttributes(
			attribute.String("session.id", s.ID()),
			attribute.String("session.kind", s.Kind().String()),
		))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.kind", asyncop.KindOf(err).String()))
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
