package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/arzzra/uc_session/pkg/asyncop"
	"github.com/arzzra/uc_session/pkg/session"
)

// stage один этап жизненного цикла: событие начала, событие успеха,
// промежуточное состояние и вызов транспорта
type stage struct {
	name     string
	begin    session.Event
	done     session.Event
	progress session.State
	timeout  time.Duration
	call     func(ctx context.Context, s *session.Session) error
}

func (o *Orchestrator) scheduleStage() stage {
	return stage{
		name:     "schedule",
		begin:    session.EventSchedule,
		done:     session.EventScheduled,
		progress: session.StateScheduling,
		timeout:  o.cfg.ScheduleTimeout,
		call: func(ctx context.Context, s *session.Session) error {
			return o.transport.Schedule(ctx, s.Info(), s.Policy())
		},
	}
}

func (o *Orchestrator) joinStage() stage {
	return stage{
		name:     "join",
		begin:    session.EventJoin,
		done:     session.EventJoined,
		progress: session.StateJoining,
		timeout:  o.cfg.JoinTimeout,
		call: func(ctx context.Context, s *session.Session) error {
			return o.transport.Join(ctx, s.Info())
		},
	}
}

func (o *Orchestrator) establishStage() stage {
	return stage{
		name:     "establish",
		begin:    session.EventEstablish,
		done:     session.EventEstablished,
		progress: session.StateEstablishing,
		timeout:  o.cfg.EstablishTimeout,
		call: func(ctx context.Context, s *session.Session) error {
			return o.transport.Establish(ctx, s.Info())
		},
	}
}

// Schedule планирует конференцию на MCU. Для звонка и беседы, а также вне Idle
// возвращает ошибку InvalidStateTransition сразу.
func (o *Orchestrator) Schedule(ctx context.Context) (*asyncop.Operation[session.Info], error) {
	return o.runStage(ctx, o.active.Load(), o.scheduleStage())
}

// Join подключает локальную сторону к сессии. Пока локальный участник
// ожидает в лобби, операция остается незавершенной.
func (o *Orchestrator) Join(ctx context.Context) (*asyncop.Operation[session.Info], error) {
	return o.runStage(ctx, o.active.Load(), o.joinStage())
}

// Establish устанавливает медиа-модальности подключенной сессии
func (o *Orchestrator) Establish(ctx context.Context) (*asyncop.Operation[session.Info], error) {
	return o.runStage(ctx, o.active.Load(), o.establishStage())
}

// JoinAndEstablish проводит сессию через [schedule] -> join -> establish одной
// операцией. Ошибка любого этапа переводит сессию в Failed с очисткой,
// отмена операции тоже.
func (o *Orchestrator) JoinAndEstablish(ctx context.Context) (*asyncop.Operation[session.Info], error) {
	s := o.active.Load()
	st := s.State()

	var steps []stage
	switch {
	case st == session.StateIdle && s.Kind().Schedulable():
		steps = []stage{o.scheduleStage(), o.joinStage(), o.establishStage()}
	case st == session.StateIdle || st == session.StateScheduled:
		steps = []stage{o.joinStage(), o.establishStage()}
	default:
		return nil, asyncop.InvalidState("join_and_establish", st)
	}

	op := asyncop.New[session.Info]("join_and_establish", asyncop.WithClock(o.clock))
	_ = op.Start(ctx, func(ctx context.Context) (session.Info, error) {
		return o.runChain(ctx, s, steps)
	})
	return op, nil
}

// runChain выполняет этапы по порядку и останавливается на первой ошибке
func (o *Orchestrator) runChain(ctx context.Context, s *session.Session, steps []stage) (session.Info, error) {
	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			e := asyncop.Wrap(err, asyncop.Cancelled, st.name)
			o.abort(s, st.name+" cancelled", e)
			return s.Info(), e
		}
		stageOp, err := o.runStage(ctx, s, st)
		if err != nil {
			// этап не начат: сессию перевел кто-то другой, она не сломана
			if asyncop.KindOf(err) != asyncop.InvalidStateTransition {
				o.abort(s, st.name+" rejected", err)
			}
			return s.Info(), err
		}
		if _, err := stageOp.Wait(context.Background()); err != nil {
			return s.Info(), err
		}
	}
	return s.Info(), nil
}

// runStage переводит сессию в промежуточное состояние этапа и запускает
// вызов транспорта. Итог этапа фиксируется один раз: успехом, ошибкой
// транспорта, таймаутом этапа или отменой. Переход состояния выполняется
// до завершения операции.
func (o *Orchestrator) runStage(ctx context.Context, s *session.Session, st stage) (*asyncop.Operation[session.Info], error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, asyncop.NewError(asyncop.InvalidStateTransition, st.name, "orchestrator closed")
	}
	tr, err := s.Fire(st.begin, st.name, nil)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.emitStateLocked(s, tr)
	op := asyncop.New[session.Info](st.name, asyncop.WithClock(o.clock))
	o.trackLocked(s.ID(), op.Token(), op.Cancel)
	o.mu.Unlock()

	started := o.clock.Now()
	spanCtx, span := o.startSpan(ctx, st.name, s)

	_ = op.Begin(spanCtx, func(actx context.Context, c *asyncop.Completer[session.Info]) {
		var (
			settled   bool
			timer     clockwork.Timer
			stopWatch func() bool
		)

		settle := func(err error) {
			o.mu.Lock()
			if settled {
				o.mu.Unlock()
				return
			}
			settled = true
			if timer != nil {
				timer.Stop()
			}
			o.untrackLocked(s.ID(), op.Token())
			if op.Completed() {
				// отмена или дедлайн родителя уже завершили операцию
				if _, opErr := op.Result(); opErr != nil {
					err = opErr
				}
			}
			if err != nil {
				err = asyncop.Wrap(err, asyncop.TransportFailure, st.name)
			}
			failed := o.finishStageLocked(s, st, err)
			info := s.Info()
			o.mu.Unlock()

			if stopWatch != nil {
				stopWatch()
			}
			o.metrics.stage(st.name, err, o.clock.Since(started))
			endSpan(span, err)
			c.Complete(info, err)

			if failed {
				go o.cleanup(s, st.name+" failed")
			}
		}

		o.mu.Lock()
		if st.timeout > 0 {
			timeout := st.timeout
			timer = o.clock.AfterFunc(timeout, func() {
				settle(asyncop.NewError(asyncop.Timeout, st.name, "stage timed out").
					WithField("timeout", timeout.String()))
			})
		}
		stopWatch = context.AfterFunc(actx, func() {
			settle(asyncop.Wrap(actx.Err(), asyncop.Cancelled, st.name))
		})
		o.mu.Unlock()

		go func() {
			if err := o.attach(actx); err != nil {
				settle(err)
				return
			}
			settle(st.call(actx, s))
		}()
	})

	return op, nil
}

// finishStageLocked применяет итог этапа к автомату. Возвращает true,
// если сессия перешла в Failed.
func (o *Orchestrator) finishStageLocked(s *session.Session, st stage, err error) bool {
	if current := s.State(); current != st.progress {
		// сессию успели завершить, итог этапа уже не важен
		o.logger.Debug("Orchestrator stage settled after state change",
			slog.String("stage", st.name),
			slog.String("state", current.String()),
			slog.Any("error", err))
		return false
	}

	if err == nil {
		tr, ferr := s.Fire(st.done, st.name, nil)
		if ferr == nil {
			o.emitStateLocked(s, tr)
		}
		return false
	}

	tr, ferr := s.Fire(session.EventFail, st.name+" failed", err)
	if ferr != nil {
		return false
	}
	o.emitStateLocked(s, tr)
	return true
}
