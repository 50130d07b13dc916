package simtransport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/arzzra/uc_session/pkg/admission"
	"github.com/arzzra/uc_session/pkg/orchestrator"
	"github.com/arzzra/uc_session/pkg/roster"
	"github.com/arzzra/uc_session/pkg/session"
)

// Этапы, для которых можно задать задержку, отказ или удержание
const (
	StageAttach    = "attach"
	StageSchedule  = "schedule"
	StageJoin      = "join"
	StageEstablish = "establish"
	StageTerminate = "terminate"
	StageAdmit     = "admit"
	StageDeny      = "deny"
	StageEscalate  = "escalate"
)

// Stages все этапы транспорта
var Stages = []string{
	StageAttach, StageSchedule, StageJoin, StageEstablish,
	StageTerminate, StageAdmit, StageDeny, StageEscalate,
}

// fault отказ этапа на заданное число вызовов (times < 0 - всегда)
type fault struct {
	err   error
	times int
}

// Call запись о вызове транспорта
type Call struct {
	Stage     string
	SessionID string
	Kind      session.Kind
	At        time.Time
}

// Transport транспорт в памяти для симуляции и тестов оркестратора.
// Поддерживает задержки этапов, инъекцию отказов, удержание этапа до явного
// освобождения и отказы по отдельным участникам.
type Transport struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	logger  *slog.Logger
	latency map[string]time.Duration
	faults  map[string]*fault
	holds   map[string]chan struct{}
	// rejected отказы admit/deny по каноническому ключу участника
	rejected map[string]error
	// subs подписки по идентификатору сессии (после эскалации - и по id конференции)
	subs  map[string]*subscription
	calls []Call
}

// Option настраивает Transport
type Option func(*Transport)

// WithClock задает часы для задержек
func WithClock(c clockwork.Clock) Option {
	return func(t *Transport) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithLatency задает задержку этапа
func WithLatency(stage string, d time.Duration) Option {
	return func(t *Transport) { t.latency[stage] = d }
}

// New создает транспорт
func New(opts ...Option) *Transport {
	t := &Transport{
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		latency:  make(map[string]time.Duration),
		faults:   make(map[string]*fault),
		holds:    make(map[string]chan struct{}),
		rejected: make(map[string]error),
		subs:     make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(slog.String("component", "simtransport"))
	return t
}

var _ orchestrator.Transport = (*Transport)(nil)

// SetLatency меняет задержку этапа
func (t *Transport) SetLatency(stage string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency[stage] = d
}

// FailNext заставляет следующие times вызовов этапа вернуть err.
// times < 0 - отказ до вызова Heal.
func (t *Transport) FailNext(stage string, times int, err error) {
	if err == nil {
		err = fmt.Errorf("simulated %s failure", stage)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults[stage] = &fault{err: err, times: times}
}

// Heal снимает отказы этапа
func (t *Transport) Heal(stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.faults, stage)
}

// Hold удерживает вызовы этапа до Release (или отмены контекста вызова).
// Так моделируется локальный участник, ожидающий в лобби.
func (t *Transport) Hold(stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.holds[stage]; !ok {
		t.holds[stage] = make(chan struct{})
	}
}

// Release освобождает удержанные вызовы этапа
func (t *Transport) Release(stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.holds[stage]; ok {
		close(ch)
		delete(t.holds, stage)
	}
}

// RejectParticipant заставляет admit/deny участника завершаться ошибкой
func (t *Transport) RejectParticipant(uri string, err error) {
	if err == nil {
		err = fmt.Errorf("participant %s rejected", uri)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejected[roster.CanonicalKey(uri)] = err
}

// Calls журнал вызовов
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// CallCount число вызовов этапа
func (t *Transport) CallCount(stage string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c.Stage == stage {
			n++
		}
	}
	return n
}

// step выполняет общую часть вызова: журнал, задержку, удержание и отказ
func (t *Transport) step(ctx context.Context, stage string, info session.Info) error {
	t.mu.Lock()
	t.calls = append(t.calls, Call{Stage: stage, SessionID: info.ID, Kind: info.Kind, At: t.clock.Now()})
	latency := t.latency[stage]
	hold := t.holds[stage]
	t.mu.Unlock()

	t.logger.Debug("Transport."+stage,
		slog.String("session_id", info.ID),
		slog.String("kind", info.Kind.String()))

	if latency > 0 {
		timer := t.clock.NewTimer(latency)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.faults[stage]
	if !ok {
		return nil
	}
	if f.times > 0 {
		f.times--
		if f.times == 0 {
			delete(t.faults, stage)
		}
	}
	return f.err
}

// Attach реализует orchestrator.Transport
func (t *Transport) Attach(ctx context.Context, info session.Info, events orchestrator.Events) (orchestrator.Registration, error) {
	if err := t.step(ctx, StageAttach, info); err != nil {
		return nil, err
	}
	sub := &subscription{t: t, events: events, ids: []string{info.ID}}
	t.mu.Lock()
	t.subs[info.ID] = sub
	t.mu.Unlock()
	return sub, nil
}

// Schedule реализует orchestrator.Transport
func (t *Transport) Schedule(ctx context.Context, info session.Info, _ admission.Policy) error {
	return t.step(ctx, StageSchedule, info)
}

// Join реализует orchestrator.Transport
func (t *Transport) Join(ctx context.Context, info session.Info) error {
	return t.step(ctx, StageJoin, info)
}

// Establish реализует orchestrator.Transport
func (t *Transport) Establish(ctx context.Context, info session.Info) error {
	return t.step(ctx, StageEstablish, info)
}

// Terminate реализует orchestrator.Transport
func (t *Transport) Terminate(ctx context.Context, info session.Info) error {
	return t.step(ctx, StageTerminate, info)
}

// Admit реализует orchestrator.Transport
func (t *Transport) Admit(ctx context.Context, info session.Info, ps []roster.Participant) (map[string]error, error) {
	return t.batch(ctx, StageAdmit, info, ps)
}

// Deny реализует orchestrator.Transport
func (t *Transport) Deny(ctx context.Context, info session.Info, ps []roster.Participant) (map[string]error, error) {
	return t.batch(ctx, StageDeny, info, ps)
}

func (t *Transport) batch(ctx context.Context, stage string, info session.Info, ps []roster.Participant) (map[string]error, error) {
	if err := t.step(ctx, stage, info); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var failed map[string]error
	for _, p := range ps {
		if err, ok := t.rejected[p.Key()]; ok {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[p.Key()] = err
		}
	}
	return failed, nil
}

// Escalate реализует orchestrator.Transport. Подписка звонка начинает
// отвечать и на идентификатор конференции.
func (t *Transport) Escalate(ctx context.Context, from, to session.Info) error {
	if err := t.step(ctx, StageEscalate, from); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub, ok := t.subs[from.ID]; ok {
		sub.ids = append(sub.ids, to.ID)
		t.subs[to.ID] = sub
	}
	return nil
}

// Inject доставляет пакет входов и уходов участников подписанной сессии
func (t *Transport) Inject(sessionID string, joined, left []roster.Participant) error {
	sub, err := t.subscription(sessionID)
	if err != nil {
		return err
	}
	sub.events.ParticipantsChanged(joined, left)
	return nil
}

// End сообщает о завершении сессии удаленной стороной
func (t *Transport) End(sessionID string, cause error) error {
	sub, err := t.subscription(sessionID)
	if err != nil {
		return err
	}
	sub.events.Ended(cause)
	return nil
}

// Attached проверяет наличие подписки сессии
func (t *Transport) Attached(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.subs[sessionID]
	return ok
}

func (t *Transport) subscription(sessionID string) (*subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.subs[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not attached", sessionID)
	}
	return sub, nil
}

// subscription подписка сессии на события транспорта
type subscription struct {
	t      *Transport
	events orchestrator.Events
	ids    []string
	closed bool
}

// Close реализует orchestrator.Registration. Повторное закрытие - ошибка.
func (s *subscription) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if s.closed {
		return fmt.Errorf("subscription %s already closed", s.ids[0])
	}
	s.closed = true
	for _, id := range s.ids {
		delete(s.t.subs, id)
	}
	return nil
}
