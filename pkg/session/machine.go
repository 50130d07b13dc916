package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/uc_session/pkg/asyncop"
)

// DefaultHistoryLimit количество хранимых переходов по умолчанию
const DefaultHistoryLimit = 32

// Transition выполненный переход состояния
type Transition struct {
	From   State
	To     State
	Event  Event
	Reason string
	At     time.Time
	// Err причина перехода в Failed
	Err error
}

// Machine автомат состояний сессии поверх looplab/fsm с историей переходов.
// Колбэки fsm не используются: уведомления о переходах рассылает владелец.
type Machine struct {
	mu      sync.Mutex
	kind    Kind
	fsm     *fsm.FSM
	history []Transition
	limit   int
	now     func() time.Time
	logger  *slog.Logger
}

// MachineOption настраивает Machine
type MachineOption func(*Machine)

// WithHistoryLimit ограничивает размер истории переходов
func WithHistoryLimit(n int) MachineOption {
	return func(m *Machine) {
		if n > 0 {
			m.limit = n
		}
	}
}

// WithMachineClock задает источник времени для отметок переходов
func WithMachineClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMachineLogger задает логгер автомата
func WithMachineLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMachine создает автомат в состоянии Idle
func NewMachine(kind Kind, opts ...MachineOption) *Machine {
	m := &Machine{
		kind:   kind,
		limit:  DefaultHistoryLimit,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.fsm = fsm.NewFSM(string(StateIdle), eventsFor(kind), nil)
	m.history = make([]Transition, 0, m.limit)
	return m
}

// eventsFor строит таблицу переходов для вида сессии.
// Schedule доступен только конференции.
func eventsFor(kind Kind) fsm.Events {
	joinFrom := []string{string(StateIdle)}
	events := fsm.Events{}
	if kind.Schedulable() {
		events = append(events,
			fsm.EventDesc{Name: string(EventSchedule), Src: []string{string(StateIdle)}, Dst: string(StateScheduling)},
			fsm.EventDesc{Name: string(EventScheduled), Src: []string{string(StateScheduling)}, Dst: string(StateScheduled)},
		)
		joinFrom = append(joinFrom, string(StateScheduled))
	}

	failFrom := make([]string, 0, len(nonTerminal))
	terminateFrom := make([]string, 0, len(nonTerminal))
	for _, s := range nonTerminal {
		if s == StateTerminating {
			continue
		}
		failFrom = append(failFrom, string(s))
		terminateFrom = append(terminateFrom, string(s))
	}

	return append(events,
		fsm.EventDesc{Name: string(EventJoin), Src: joinFrom, Dst: string(StateJoining)},
		fsm.EventDesc{Name: string(EventJoined), Src: []string{string(StateJoining)}, Dst: string(StateJoined)},
		fsm.EventDesc{Name: string(EventEstablish), Src: []string{string(StateJoined)}, Dst: string(StateEstablishing)},
		fsm.EventDesc{Name: string(EventEstablished), Src: []string{string(StateEstablishing)}, Dst: string(StateEstablished)},
		fsm.EventDesc{Name: string(EventTerminate), Src: terminateFrom, Dst: string(StateTerminating)},
		fsm.EventDesc{Name: string(EventTerminated), Src: []string{string(StateTerminating)}, Dst: string(StateTerminated)},
		fsm.EventDesc{Name: string(EventFail), Src: failFrom, Dst: string(StateFailed)},
	)
}

// Kind вид сессии автомата
func (m *Machine) Kind() Kind { return m.kind }

// Current текущее состояние
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State(m.fsm.Current())
}

// Can проверяет, допустимо ли событие в текущем состоянии
func (m *Machine) Can(ev Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fsm.Can(string(ev))
}

// IsTerminal true, если сессия в Terminated или Failed
func (m *Machine) IsTerminal() bool {
	return m.Current().IsTerminal()
}

// Fire выполняет событие. Недопустимое событие возвращает ошибку
// InvalidStateTransition без изменения состояния.
func (m *Machine) Fire(ev Event, reason string, cause error) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := State(m.fsm.Current())
	if !m.fsm.Can(string(ev)) {
		return Transition{}, asyncop.NewError(asyncop.InvalidStateTransition, string(ev),
			fmt.Sprintf("event %q not allowed in state %s", ev, from)).
			WithField("current_state", from.String()).
			WithField("kind", m.kind.String())
	}
	if err := m.fsm.Event(context.Background(), string(ev)); err != nil {
		return Transition{}, asyncop.NewError(asyncop.InvalidStateTransition, string(ev), "state machine rejected event").
			WithCause(err).
			WithField("current_state", from.String())
	}

	tr := Transition{
		From:   from,
		To:     State(m.fsm.Current()),
		Event:  ev,
		Reason: reason,
		At:     m.now(),
		Err:    cause,
	}
	if len(m.history) == m.limit {
		copy(m.history, m.history[1:])
		m.history = m.history[:m.limit-1]
	}
	m.history = append(m.history, tr)

	m.logger.Debug("SessionMachine.Fire",
		slog.String("event", ev.String()),
		slog.String("from", tr.From.String()),
		slog.String("to", tr.To.String()),
		slog.String("reason", reason))
	return tr, nil
}

// History копия истории переходов, от старых к новым
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// Path последовательность состояний от начального до текущего по истории
func (m *Machine) Path() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return []State{State(m.fsm.Current())}
	}
	out := make([]State, 0, len(m.history)+1)
	out = append(out, m.history[0].From)
	for _, tr := range m.history {
		out = append(out, tr.To)
	}
	return out
}
