package orchestrator

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/arzzra/uc_session/pkg/session"
)

func (s *OrchestratorTestSuite) TestStageSpans() {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	s.T().Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	s.transport.establishFn = func(context.Context, session.Info) error {
		return errors.New("no media")
	}
	o, _ := s.newOrchestrator(WithTracerProvider(tp))

	op, err := o.JoinAndEstablish(s.ctx)
	s.Require().NoError(err)
	_, err = s.wait(op)
	s.Require().Error(err)

	s.True(waitFor(func() bool { return len(recorder.Ended()) >= 2 }))
	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, sp := range recorder.Ended() {
		spans[sp.Name()] = sp
	}

	join, ok := spans["session.join"]
	s.Require().True(ok)
	s.Equal(codes.Ok, join.Status().Code)
	s.Contains(join.Attributes(), attribute.String("session.id", o.ID()))
	s.Contains(join.Attributes(), attribute.String("session.kind", "Call"))

	est, ok := spans["session.establish"]
	s.Require().True(ok)
	s.Equal(codes.Error, est.Status().Code)
	s.Contains(est.Attributes(), attribute.String("error.kind", "TRANSPORT_FAILURE"))
	s.NotEmpty(est.Events(), "ошибка записана в спан")
}
