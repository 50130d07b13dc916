package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/arzzra/uc_session/pkg/admission"
	"github.com/arzzra/uc_session/pkg/asyncop"
	"github.com/arzzra/uc_session/pkg/roster"
	"github.com/arzzra/uc_session/pkg/session"
)

func (s *OrchestratorTestSuite) TestEscalatePreservesRoster() {
	gate := make(chan struct{})
	s.transport.scheduleFn = func(ctx context.Context, _ session.Info) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	o, events := s.newOrchestrator(WithPolicy(admission.Policy{AccessLevel: admission.AccessEveryone}))
	s.establish(o)
	call := o.Session()

	o.OnParticipantsChanged(s.ctx, []roster.Participant{participant("sip:a@x.com"), participant("sip:b@x.com")}, nil)
	want := []string{"sip:a@x.com", "sip:b@x.com"}

	// наблюдатель проверяет ростер на протяжении всего перехода
	var gaps atomic.Int32
	stop := make(chan struct{})
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			keys := roster.Keys(o.Roster())
			if len(keys) != 2 || keys[0] != want[0] || keys[1] != want[1] {
				gaps.Add(1)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	op, err := o.Escalate(s.ctx)
	s.Require().NoError(err)

	_, err = o.Escalate(s.ctx)
	s.ErrorIs(err, asyncop.ErrInvalidState, "повторная эскалация")

	time.Sleep(10 * time.Millisecond)
	close(gate)
	info, err := s.wait(op)
	close(stop)
	<-polled

	s.Require().NoError(err)
	s.Equal(session.KindConference, info.Kind)
	s.Equal(session.StateEstablished, info.State)
	s.Equal(call.ID(), info.ParentID)
	s.Zero(gaps.Load(), "ростер не должен пустеть во время эскалации")

	s.Equal(session.KindConference, o.Session().Kind())
	s.Equal(want, roster.Keys(o.Roster()))
	s.Equal(session.StateTerminated, call.State())
	s.Equal(o.Session().ID(), o.Session().Roster().Owner())

	s.True(waitFor(func() bool { return events.hasState(call.ID(), session.StateTerminated) }))
	s.Equal([]session.State{
		session.StateIdle, session.StateScheduling, session.StateScheduled,
		session.StateJoining, session.StateJoined,
		session.StateEstablishing, session.StateEstablished,
	}, events.path(info.ID))

	// подписка на транспорт принадлежит конференции и сохраняется
	_, closed, _ := s.transport.snapshot()
	s.Zero(closed)
	s.False(o.Archivable())
}

func (s *OrchestratorTestSuite) TestEscalateFailureKeepsCall() {
	s.transport.joinFn = func(_ context.Context, info session.Info) error {
		if info.Kind == session.KindConference {
			return errors.New("mcu rejected join")
		}
		return nil
	}
	o, _ := s.newOrchestrator(WithPolicy(admission.Policy{AccessLevel: admission.AccessEveryone}))
	s.establish(o)
	call := o.Session()
	o.OnParticipantsChanged(s.ctx, []roster.Participant{participant("sip:a@x.com")}, nil)

	op, err := o.Escalate(s.ctx)
	s.Require().NoError(err)
	_, err = s.wait(op)
	s.Require().Error(err)

	s.Same(call, o.Session())
	s.Equal(session.StateEstablished, call.State())
	s.Equal([]string{"sip:a@x.com"}, roster.Keys(o.Roster()))

	children := call.Children()
	s.Require().Len(children, 1)
	s.True(waitFor(func() bool { return children[0].State() == session.StateFailed }))

	// после неудачи эскалацию можно повторить
	s.transport.mu.Lock()
	s.transport.joinFn = nil
	s.transport.mu.Unlock()
	op, err = o.Escalate(s.ctx)
	s.Require().NoError(err)
	_, err = s.wait(op)
	s.NoError(err)
}

func (s *OrchestratorTestSuite) TestEscalateTransportRejects() {
	s.transport.escalateFn = func(context.Context, session.Info, session.Info) error {
		return errors.New("not supported")
	}
	o, _ := s.newOrchestrator()
	s.establish(o)

	op, err := o.Escalate(s.ctx)
	s.Require().NoError(err)
	_, err = s.wait(op)
	s.Equal(asyncop.TransportFailure, asyncop.KindOf(err))
	s.Equal(session.KindCall, o.Session().Kind())
	s.Equal(session.StateEstablished, o.State())
}

func (s *OrchestratorTestSuite) TestEscalatePreconditions() {
	conf, _ := s.newOrchestrator(WithKind(session.KindConference))
	s.establish(conf)
	_, err := conf.Escalate(s.ctx)
	s.ErrorIs(err, asyncop.ErrInvalidState)

	idle, _ := s.newOrchestrator()
	_, err = idle.Escalate(s.ctx)
	s.ErrorIs(err, asyncop.ErrInvalidState)
}

func (s *OrchestratorTestSuite) TestTerminateAfterEscalation() {
	o, events := s.newOrchestrator()
	s.establish(o)
	call := o.Session()

	op, err := o.Escalate(s.ctx)
	s.Require().NoError(err)
	info, err := s.wait(op)
	s.Require().NoError(err)

	term, err := o.Terminate(s.ctx)
	s.Require().NoError(err)
	_, err = s.wait(term)
	s.Require().NoError(err)

	s.True(waitFor(func() bool { return events.hasState(info.ID, session.StateTerminated) }))
	s.Equal(session.StateTerminated, call.State())
	s.True(o.Archivable())
	_, closed, _ := s.transport.snapshot()
	s.Equal(1, closed)
}
