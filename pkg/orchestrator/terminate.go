package orchestrator

import (
	"context"
	"log/slog"

	"github.com/avast/retry-go/v4"

	"github.com/arzzra/uc_session/pkg/asyncop"
	"github.com/arzzra/uc_session/pkg/session"
)

// Terminate завершает активную сессию. Незавершенные этапы отменяются,
// дочерние сессии завершаются, подписка на транспорт освобождается.
// Сессия всегда доходит до Terminated, даже если транспорт не смог
// завершить ее: ошибка логируется и передается в StateChange.Err.
//
// Для уже завершенной сессии возвращает завершенную операцию,
// для завершающейся - ту же операцию, что и первый вызов.
func (o *Orchestrator) Terminate(ctx context.Context) (*asyncop.Operation[session.Info], error) {
	return o.terminate(ctx, o.active.Load(), "requested"), nil
}

func (o *Orchestrator) terminate(ctx context.Context, s *session.Session, reason string) *asyncop.Operation[session.Info] {
	o.mu.Lock()
	if op, ok := o.terminating[s.ID()]; ok {
		o.mu.Unlock()
		return op
	}
	if s.State().IsTerminal() {
		info := s.Info()
		o.mu.Unlock()
		return asyncop.Resolved("terminate", info, nil, asyncop.WithClock(o.clock))
	}

	tr, err := s.Fire(session.EventTerminate, reason, nil)
	if err != nil {
		info := s.Info()
		o.mu.Unlock()
		return asyncop.Resolved("terminate", info, err, asyncop.WithClock(o.clock))
	}
	o.emitStateLocked(s, tr)

	op := asyncop.New[session.Info]("terminate", asyncop.WithClock(o.clock))
	o.terminating[s.ID()] = op
	o.cleaned[s.ID()] = true
	cancels := o.takeInflightLocked(s.ID())
	isActive := o.active.Load() == s
	o.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	// Отмена вызывающего не должна оставить сессию в Terminating
	_ = op.Start(context.WithoutCancel(ctx), func(ctx context.Context) (session.Info, error) {
		ctx, span := o.startSpan(ctx, "terminate", s)

		if isActive {
			o.releaseRegistration()
			o.admission.Close()
		}
		terr := o.terminateTransport(ctx, s)
		o.teardownChildren(ctx, s)

		o.mu.Lock()
		if tr, err := s.Fire(session.EventTerminated, reason, terr); err == nil {
			o.emitStateLocked(s, tr)
		}
		info := s.Info()
		o.mu.Unlock()

		endSpan(span, terr)
		return info, nil
	})
	return op
}

// terminateTransport завершает сессию на транспорте с повторами
func (o *Orchestrator) terminateTransport(ctx context.Context, s *session.Session) error {
	info := s.Info()
	attempts := o.cfg.TerminateAttempts
	if attempts == 0 {
		attempts = 1
	}
	timeout := o.cfg.TerminateTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().TerminateTimeout
	}

	err := retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return o.transport.Terminate(attemptCtx, info)
		},
		retry.Attempts(attempts),
		retry.Delay(o.cfg.TerminateBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			o.logger.Debug("Orchestrator.terminateTransport retry",
				slog.String("target", s.ID()),
				slog.Uint64("attempt", uint64(n+1)),
				slog.Any("error", err))
		}),
	)
	if err != nil {
		o.metrics.terminateFailed()
		o.logger.Warn("Orchestrator transport terminate failed",
			slog.String("target", s.ID()),
			slog.Uint64("attempts", uint64(attempts)),
			slog.Any("error", err))
		return asyncop.Wrap(err, asyncop.TransportFailure, "terminate")
	}
	return nil
}

// teardownChildren завершает незавершенные дочерние сессии, кроме активной
func (o *Orchestrator) teardownChildren(ctx context.Context, s *session.Session) {
	active := o.active.Load()
	for _, child := range s.Children() {
		if child == active || child.State().IsTerminal() {
			continue
		}
		op := o.terminate(ctx, child, "parent terminated")
		if _, err := op.Wait(context.Background()); err != nil {
			o.logger.Warn("Orchestrator child teardown failed",
				slog.String("child", child.ID()),
				slog.Any("error", err))
		}
	}
}
