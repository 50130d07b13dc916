package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/arzzra/uc_session/pkg/admission"
	"github.com/arzzra/uc_session/pkg/roster"
	"github.com/arzzra/uc_session/pkg/session"
)

// StateChange переход состояния сессии
type StateChange struct {
	SessionID string
	Kind      session.Kind
	From      session.State
	To        session.State
	Event     session.Event
	Reason    string
	// Err причина перехода в Failed
	Err error
	At  time.Time
}

// RosterChange изменение ростера. Roster содержит снимок внешнего ростера после изменения.
type RosterChange struct {
	SessionID string
	Joined    []roster.Participant
	Left      []roster.Participant
	Updated   []roster.Participant
	Roster    []roster.Participant
}

// AdmissionEvent решение по участнику: результат оценки политики
// (Admitted, InLobby, Denied) или итог ожидания в лобби.
type AdmissionEvent struct {
	SessionID   string
	Participant roster.Participant
	Result      admission.LobbyResult
	Waited      time.Duration
}

type listeners struct {
	state     []func(StateChange)
	roster    []func(RosterChange)
	admission []func(AdmissionEvent)
}

// OnStateChange регистрирует обработчик переходов состояния
func (o *Orchestrator) OnStateChange(fn func(StateChange)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners.state = append(o.listeners.state, fn)
}

// OnRosterChange регистрирует обработчик изменений ростера
func (o *Orchestrator) OnRosterChange(fn func(RosterChange)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners.roster = append(o.listeners.roster, fn)
}

// OnAdmission регистрирует обработчик решений допуска
func (o *Orchestrator) OnAdmission(fn func(AdmissionEvent)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners.admission = append(o.listeners.admission, fn)
}

// emitStateLocked публикует переход. Вызывается под o.mu, порядок публикаций
// совпадает с порядком переходов.
func (o *Orchestrator) emitStateLocked(s *session.Session, tr session.Transition) {
	ev := StateChange{
		SessionID: s.ID(),
		Kind:      s.Kind(),
		From:      tr.From,
		To:        tr.To,
		Event:     tr.Event,
		Reason:    tr.Reason,
		Err:       tr.Err,
		At:        tr.At,
	}
	o.metrics.transition(s.Kind(), tr)
	if tr.To.IsTerminal() {
		// после эскалации ростер принадлежит конференции и учитывается ею
		if t := s.Roster(); t.Owner() == s.ID() {
			o.metrics.rosterDelta(-t.Len())
		}
	}

	level := slog.LevelInfo
	attrs := []slog.Attr{
		slog.String("session_id", s.ID()),
		slog.String("from", tr.From.String()),
		slog.String("to", tr.To.String()),
		slog.String("event", tr.Event.String()),
	}
	if tr.Err != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.Any("error", tr.Err))
	}
	o.logger.LogAttrs(context.Background(), level, "Orchestrator state change", attrs...)

	fns := append([]func(StateChange){}, o.listeners.state...)
	o.notifier.post("state", func() {
		for _, fn := range fns {
			fn(ev)
		}
	})
}

// emitRosterLocked публикует изменение ростера. Вызывается под o.mu.
// Скрытые участники в событие не попадают.
func (o *Orchestrator) emitRosterLocked(s *session.Session, joined, left, updated []roster.Participant) {
	if !s.State().IsTerminal() {
		o.metrics.rosterDelta(len(joined) - len(left))
	}

	joined, left, updated = visible(joined), visible(left), visible(updated)
	if len(joined) == 0 && len(left) == 0 && len(updated) == 0 {
		return
	}
	ev := RosterChange{
		SessionID: s.ID(),
		Joined:    joined,
		Left:      left,
		Updated:   updated,
		Roster:    s.Roster().GetRoster(),
	}

	fns := append([]func(RosterChange){}, o.listeners.roster...)
	o.notifier.post("roster", func() {
		for _, fn := range fns {
			fn(ev)
		}
	})
}

func visible(ps []roster.Participant) []roster.Participant {
	var out []roster.Participant
	for _, p := range ps {
		if !p.IsHidden() {
			out = append(out, p)
		}
	}
	return out
}

// emitAdmissionLocked публикует решение допуска. Вызывается под o.mu.
func (o *Orchestrator) emitAdmissionLocked(s *session.Session, p roster.Participant, result admission.LobbyResult, waited time.Duration) {
	ev := AdmissionEvent{
		SessionID:   s.ID(),
		Participant: p,
		Result:      result,
		Waited:      waited,
	}
	o.metrics.admission(result)
	if p.IsHidden() {
		return
	}

	fns := append([]func(AdmissionEvent){}, o.listeners.admission...)
	o.notifier.post("admission", func() {
		for _, fn := range fns {
			fn(ev)
		}
	})
}
