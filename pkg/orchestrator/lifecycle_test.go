package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/arzzra/uc_session/pkg/admission"
	"github.com/arzzra/uc_session/pkg/asyncop"
	"github.com/arzzra/uc_session/pkg/roster"
	"github.com/arzzra/uc_session/pkg/session"
)

// stageCall запуск одного этапа оркестратора
type stageCall func(o *Orchestrator, ctx context.Context) (*asyncop.Operation[session.Info], error)

func (s *OrchestratorTestSuite) TestTerminateFromEveryActiveState() {
	stages := []stageCall{
		(*Orchestrator).Schedule,
		(*Orchestrator).Join,
		(*Orchestrator).Establish,
	}
	tests := []struct {
		state session.State
		// steps сколько этапов пройти, block - последний из них не завершается
		steps int
		block bool
	}{
		{session.StateIdle, 0, false},
		{session.StateScheduling, 1, true},
		{session.StateScheduled, 1, false},
		{session.StateJoining, 2, true},
		{session.StateJoined, 2, false},
		{session.StateEstablishing, 3, true},
	}

	for _, tt := range tests {
		s.Run(tt.state.String(), func() {
			var attempts atomic.Int32
			s.transport = &stubTransport{
				terminateFn: func(context.Context, session.Info) error {
					attempts.Add(1)
					return errors.New("mcu unreachable")
				},
			}
			if tt.block {
				switch tt.steps {
				case 1:
					s.transport.scheduleFn = blockUntilCancelled
				case 2:
					s.transport.joinFn = blockUntilCancelled
				case 3:
					s.transport.establishFn = blockUntilCancelled
				}
			}
			o, events := s.newOrchestrator(WithKind(session.KindConference))

			var pending *asyncop.Operation[session.Info]
			for i := 0; i < tt.steps; i++ {
				op, err := stages[i](o, s.ctx)
				s.Require().NoError(err)
				if tt.block && i == tt.steps-1 {
					pending = op
					continue
				}
				_, err = s.wait(op)
				s.Require().NoError(err)
			}
			s.Require().Equal(tt.state, o.State())

			term, err := o.Terminate(s.ctx)
			s.Require().NoError(err)
			info, err := s.wait(term)
			s.Require().NoError(err)
			s.Equal(session.StateTerminated, info.State)
			s.Equal(int32(s.cfg.TerminateAttempts), attempts.Load())

			if pending != nil {
				_, err = s.wait(pending)
				s.ErrorIs(err, asyncop.ErrCancelled)
			}
			s.True(waitFor(func() bool { return events.hasState(o.ID(), session.StateTerminated) }))
			s.False(events.hasState(o.ID(), session.StateFailed))
		})
	}
}

func (s *OrchestratorTestSuite) TestPartialConfigTerminateTimeout() {
	var attempts atomic.Int32
	s.transport.terminateFn = func(ctx context.Context, _ session.Info) error {
		attempts.Add(1)
		return ctx.Err()
	}
	o, _ := s.newOrchestrator(WithConfig(Config{EstablishTimeout: s.cfg.EstablishTimeout}))
	s.establish(o)

	op, err := o.Terminate(s.ctx)
	s.Require().NoError(err)
	info, err := s.wait(op)
	s.Require().NoError(err)
	s.Equal(session.StateTerminated, info.State)
	s.Equal(int32(1), attempts.Load(), "транспорт завершил сессию с первой попытки")
	s.Zero(testutil.ToFloat64(s.metrics.terminateFailures))
}

func (s *OrchestratorTestSuite) TestRejectedStageKeepsSessionAlive() {
	s.transport.joinFn = blockUntilCancelled
	o, events := s.newOrchestrator()

	join, err := o.Join(s.ctx)
	s.Require().NoError(err)
	s.Require().Equal(session.StateJoining, o.State())

	// цепочка, выбравшая этапы до чужого Join, получает отказ первого этапа
	_, err = o.runChain(s.ctx, o.Session(), []stage{o.joinStage(), o.establishStage()})
	s.ErrorIs(err, asyncop.ErrInvalidState)
	s.Equal(session.StateJoining, o.State())
	s.False(join.Completed())
	_, closed, terminates := s.transport.snapshot()
	s.Zero(closed)
	s.Zero(terminates)

	term, err := o.Terminate(s.ctx)
	s.Require().NoError(err)
	_, err = s.wait(term)
	s.Require().NoError(err)
	_, err = s.wait(join)
	s.ErrorIs(err, asyncop.ErrCancelled)

	// уведомления упорядочены: Failed пришел бы раньше Terminated
	s.True(waitFor(func() bool { return events.hasState(o.ID(), session.StateTerminated) }))
	s.False(events.hasState(o.ID(), session.StateFailed))
}

func (s *OrchestratorTestSuite) TestHiddenParticipantNotInLobby() {
	o, events := s.newOrchestrator(
		WithKind(session.KindConference),
		WithPolicy(admission.Policy{AccessLevel: admission.AccessInvited}))
	s.establish(o)

	bot := roster.Participant{URI: "sip:bot@x.com", Visibility: roster.Hidden}
	guest := participant("sip:guest@other.com")
	o.OnParticipantsChanged(s.ctx, []roster.Participant{bot, guest}, nil)

	s.True(o.admission.InLobby(bot.URI), "скрытый участник ждет решения")
	s.Equal([]string{"sip:guest@other.com"}, roster.Keys(o.Lobby()))
	s.Equal([]string{"sip:guest@other.com"}, roster.Keys(o.Roster()))
	s.True(waitFor(func() bool { return len(events.admissionResults(guest.Key())) == 1 }))
	s.Empty(events.admissionResults(bot.Key()))
}

func (s *OrchestratorTestSuite) TestRosterGaugeReleasedOnTermination() {
	gauge := func() float64 { return testutil.ToFloat64(s.metrics.rosterParticipants) }
	everyone := WithPolicy(admission.Policy{AccessLevel: admission.AccessEveryone})

	o, _ := s.newOrchestrator(everyone)
	s.establish(o)
	o.OnParticipantsChanged(s.ctx, []roster.Participant{participant("sip:a@x.com"), participant("sip:b@x.com")}, nil)
	s.Equal(float64(2), gauge())

	op, err := o.Terminate(s.ctx)
	s.Require().NoError(err)
	_, err = s.wait(op)
	s.Require().NoError(err)
	s.Zero(gauge())

	// эскалированный звонок не списывает ростер, который теперь у конференции
	call, _ := s.newOrchestrator(everyone)
	s.establish(call)
	call.OnParticipantsChanged(s.ctx, []roster.Participant{participant("sip:c@x.com")}, nil)
	esc, err := call.Escalate(s.ctx)
	s.Require().NoError(err)
	_, err = s.wait(esc)
	s.Require().NoError(err)
	s.True(waitFor(func() bool { return call.Root().State() == session.StateTerminated }))
	s.Equal(float64(1), gauge())

	op, err = call.Terminate(s.ctx)
	s.Require().NoError(err)
	_, err = s.wait(op)
	s.Require().NoError(err)
	s.Zero(gauge())
}
