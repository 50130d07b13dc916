package orchestrator

import (
	"context"
	"log/slog"

	"github.com/arzzra/uc_session/pkg/asyncop"
	"github.com/arzzra/uc_session/pkg/session"
)

// Escalate переводит установленный звонок в конференцию.
//
// Создается дочерняя сессия-конференция, которая проходит schedule -> join ->
// establish. Только после этого она получает ростер звонка (тот же объект,
// без копирования) и становится активной, а исходный звонок завершается.
// Roster() в любой момент перехода возвращает полный ростер.
// При ошибке конференция переходит в Failed, звонок остается активным.
func (o *Orchestrator) Escalate(ctx context.Context) (*asyncop.Operation[session.Info], error) {
	o.mu.Lock()
	call := o.active.Load()
	switch {
	case call.Kind() == session.KindConference:
		o.mu.Unlock()
		return nil, asyncop.NewError(asyncop.InvalidStateTransition, "escalate", "session is already a conference")
	case call.State() != session.StateEstablished:
		o.mu.Unlock()
		return nil, asyncop.InvalidState("escalate", call.State())
	case o.escalating:
		o.mu.Unlock()
		return nil, asyncop.NewError(asyncop.InvalidStateTransition, "escalate", "escalation already in progress")
	}
	o.escalating = true

	conf := o.newChild(call, session.KindConference, call.Subject())
	o.mu.Unlock()

	o.logger.Info("Orchestrator escalation started",
		slog.String("from", call.ID()),
		slog.String("to", conf.ID()))

	op := asyncop.New[session.Info]("escalate", asyncop.WithClock(o.clock))
	_ = op.Start(ctx, func(ctx context.Context) (session.Info, error) {
		defer func() {
			o.mu.Lock()
			o.escalating = false
			o.mu.Unlock()
		}()

		ctx, span := o.startSpan(ctx, "escalate", call)
		info, err := o.escalate(ctx, call, conf)
		endSpan(span, err)
		return info, err
	})
	return op, nil
}

func (o *Orchestrator) escalate(ctx context.Context, call, conf *session.Session) (session.Info, error) {
	if err := o.transport.Escalate(ctx, call.Info(), conf.Info()); err != nil {
		e := asyncop.Wrap(err, asyncop.TransportFailure, "escalate")
		o.abort(conf, "escalate failed", e)
		return call.Info(), e
	}

	steps := []stage{o.scheduleStage(), o.joinStage(), o.establishStage()}
	if _, err := o.runChain(ctx, conf, steps); err != nil {
		return call.Info(), err
	}

	o.mu.Lock()
	if call.State() != session.StateEstablished {
		// звонок завершили, пока поднималась конференция
		st := call.State()
		o.mu.Unlock()
		_, _ = o.terminate(context.WithoutCancel(ctx), conf, "escalation aborted").Wait(context.Background())
		return call.Info(), asyncop.InvalidState("escalate", st)
	}
	conf.AdoptRoster(call.Roster())
	o.active.Store(conf)
	o.mu.Unlock()

	o.logger.Info("Orchestrator escalated",
		slog.String("from", call.ID()),
		slog.String("to", conf.ID()),
		slog.Int("participants", conf.Roster().Len()))

	if _, err := o.terminate(context.WithoutCancel(ctx), call, "escalated").Wait(context.Background()); err != nil {
		o.logger.Warn("Orchestrator escalated call teardown failed", slog.Any("error", err))
	}
	return conf.Info(), nil
}

// Spawn создает дочернюю сессию активной сессии (например, отдельное плечо
// участника конференции) и проводит ее через join -> establish.
// Дочерние сессии завершаются вместе с родителем.
func (o *Orchestrator) Spawn(ctx context.Context, kind session.Kind, subject string) (*session.Session, *asyncop.Operation[session.Info], error) {
	o.mu.Lock()
	parent := o.active.Load()
	if st := parent.State(); st != session.StateEstablished {
		o.mu.Unlock()
		return nil, nil, asyncop.InvalidState("spawn", st)
	}
	child := o.newChild(parent, kind, subject)
	o.mu.Unlock()

	var steps []stage
	if kind.Schedulable() {
		steps = append(steps, o.scheduleStage())
	}
	steps = append(steps, o.joinStage(), o.establishStage())

	op := asyncop.New[session.Info]("spawn", asyncop.WithClock(o.clock))
	_ = op.Start(ctx, func(ctx context.Context) (session.Info, error) {
		return o.runChain(ctx, child, steps)
	})
	return child, op, nil
}

// newChild создает дочернюю сессию. Вызывается под o.mu.
func (o *Orchestrator) newChild(parent *session.Session, kind session.Kind, subject string) *session.Session {
	child := session.New(kind,
		session.WithSubject(subject),
		session.WithPolicy(parent.Policy()),
		session.WithClock(o.clock),
		session.WithLogger(o.logger),
		session.WithHistory(o.cfg.HistoryLimit))
	parent.AddChild(child)
	o.metrics.sessionCreated(kind)
	return child
}
