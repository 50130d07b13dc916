package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/arzzra/uc_session/pkg/admission"
	"github.com/arzzra/uc_session/pkg/asyncop"
	"github.com/arzzra/uc_session/pkg/roster"
	"github.com/arzzra/uc_session/pkg/session"
)

// OnParticipantsChanged применяет пакет входов и уходов участников.
//
// Каждый новый участник оценивается политикой допуска: Admit - в ростер со
// статусом Admitted, Pending - в ростер со статусом InLobby и в лобби с таймером,
// Deny - отказ через транспорт, в ростер не попадает. Ушедшие участники
// убираются из ростера и из лобби. Пакет применяется атомарно.
func (o *Orchestrator) OnParticipantsChanged(ctx context.Context, joined, left []roster.Participant) roster.Delta {
	s := o.active.Load()
	if st := s.State(); st.IsTerminal() || st == session.StateTerminating {
		o.logger.Debug("Orchestrator.OnParticipantsChanged ignored",
			slog.String("state", st.String()),
			slog.Int("joined", len(joined)),
			slog.Int("left", len(left)))
		return roster.Delta{}
	}
	policy := s.Policy()

	accepted := make([]roster.Participant, 0, len(joined))
	var denied []roster.Participant
	for _, p := range joined {
		// ошибка вычислителя уже приведена к Pending
		decision, _ := o.admission.Evaluate(ctx, p, policy)
		switch decision {
		case admission.Admit:
			p.Status = roster.StatusAdmitted
			accepted = append(accepted, p)
		case admission.Deny:
			p.Status = roster.StatusDenied
			denied = append(denied, p)
		default:
			p.Status = roster.StatusInLobby
			accepted = append(accepted, p)
		}
	}

	o.mu.Lock()
	s = o.active.Load()
	tracker := s.Roster()
	delta := tracker.OnParticipantsChanged(accepted, left)

	for _, p := range delta.Left {
		o.admission.Withdraw(p.Key())
	}
	for _, p := range delta.Joined {
		if p.Status != roster.StatusInLobby {
			o.emitAdmissionLocked(s, p, admission.LobbyAdmitted, 0)
			continue
		}
		if err := o.admission.Enqueue(p, o.lobbyTimeout(s)); err != nil {
			o.logger.Warn("Orchestrator lobby enqueue failed",
				slog.String("participant", p.Key()),
				slog.Any("error", err))
		}
		o.emitAdmissionLocked(s, p, admission.LobbyWaiting, 0)
	}
	o.emitRosterLocked(s, delta.Joined, delta.Left, nil)

	toDeny := denied[:0]
	for _, p := range denied {
		if tracker.Contains(p.Key()) {
			continue
		}
		if err := o.admission.Enqueue(p, 0); err != nil {
			continue
		}
		toDeny = append(toDeny, p)
	}
	o.mu.Unlock()

	if len(toDeny) > 0 {
		o.denyImmediately(ctx, toDeny)
	}
	o.resolveIdentities(delta.Joined)
	return delta
}

func (o *Orchestrator) lobbyTimeout(s *session.Session) time.Duration {
	if t := s.Policy().LobbyTimeout; t > 0 {
		return t
	}
	return o.cfg.LobbyTimeout
}

// denyImmediately отклоняет участников, которым политика отказала сразу.
// Неудачный отказ убирает участника из очереди без итога.
func (o *Orchestrator) denyImmediately(ctx context.Context, ps []roster.Participant) {
	o.admission.BeginDeny(ctx, ps).
		OnSuccess(func(res admission.BatchResult) {
			for key, f := range res.Failed {
				o.admission.Withdraw(key)
				o.logger.Warn("Orchestrator deny failed",
					slog.String("participant", key),
					slog.String("kind", f.Kind.String()),
					slog.Any("error", f.Err))
			}
		}).
		OnFailure(func(err *asyncop.Error) {
			for _, p := range ps {
				o.admission.Withdraw(p.Key())
			}
			o.logger.Warn("Orchestrator deny failed", slog.Any("error", err))
		}).
		OnTimeout(func() {
			for _, p := range ps {
				o.admission.Withdraw(p.Key())
			}
			o.logger.Warn("Orchestrator deny timed out", slog.Int("participants", len(ps)))
		})
}

// handleOutcome применяет итог ожидания в лобби к ростеру
func (o *Orchestrator) handleOutcome(out admission.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := o.active.Load()
	key := out.Participant.Key()
	switch {
	case out.Result == admission.LobbyAdmitted:
		if p, ok := s.Roster().Update(key, func(p *roster.Participant) {
			p.Status = roster.StatusAdmitted
		}); ok {
			o.emitRosterLocked(s, nil, nil, []roster.Participant{p})
		}
	case out.Result.Removed():
		if p, ok := s.Roster().Remove(key, roster.StatusDenied); ok {
			o.emitRosterLocked(s, nil, []roster.Participant{p}, nil)
		}
	}
	o.emitAdmissionLocked(s, out.Participant, out.Result, out.Waited)
}

// Admit допускает участников из лобби
func (o *Orchestrator) Admit(ctx context.Context, ps []roster.Participant) (*asyncop.Operation[admission.BatchResult], error) {
	if err := o.checkLive("admit"); err != nil {
		return nil, err
	}
	return o.admission.BeginAdmit(ctx, ps), nil
}

// Deny отклоняет участников в лобби
func (o *Orchestrator) Deny(ctx context.Context, ps []roster.Participant) (*asyncop.Operation[admission.BatchResult], error) {
	if err := o.checkLive("deny"); err != nil {
		return nil, err
	}
	return o.admission.BeginDeny(ctx, ps), nil
}

func (o *Orchestrator) checkLive(op string) error {
	st := o.State()
	if st.IsTerminal() || st == session.StateTerminating {
		return asyncop.InvalidState(op, st)
	}
	return nil
}

// resolveIdentities асинхронно заполняет отображаемые имена новых участников.
// Ошибка поиска оставляет имя пустым.
func (o *Orchestrator) resolveIdentities(joined []roster.Participant) {
	if o.resolver == nil {
		return
	}
	for _, p := range joined {
		if p.DisplayName != "" {
			continue
		}
		go o.resolveIdentity(p)
	}
}

func (o *Orchestrator) resolveIdentity(p roster.Participant) {
	ctx := context.Background()
	if o.cfg.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ResolveTimeout)
		defer cancel()
	}

	name, err := o.resolver.Lookup(ctx, p.URI)
	if err != nil || name == "" {
		o.logger.Debug("Orchestrator identity not resolved",
			slog.String("participant", p.Key()),
			slog.Any("error", err))
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.active.Load()
	if updated, ok := s.Roster().Update(p.Key(), func(rp *roster.Participant) {
		rp.DisplayName = name
	}); ok {
		o.emitRosterLocked(s, nil, nil, []roster.Participant{updated})
	}
}
