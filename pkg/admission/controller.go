package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/arzzra/uc_session/pkg/asyncop"
	"github.com/arzzra/uc_session/pkg/roster"
)

// Actions действия допуска, выполняемые транспортом.
// Возвращает ошибки по отдельным участникам (ключ - канонический ключ)
// или общую ошибку вызова.
type Actions interface {
	Admit(ctx context.Context, ps []roster.Participant) (map[string]error, error)
	Deny(ctx context.Context, ps []roster.Participant) (map[string]error, error)
}

// Failure неудача пакетного действия для одного участника
type Failure struct {
	Participant roster.Participant
	Kind        asyncop.ErrorKind
	Err         error
}

// BatchResult результат BeginAdmit/BeginDeny. Succeeded и Failed вместе
// разбивают входной список без пропусков и повторов.
type BatchResult struct {
	Succeeded []roster.Participant
	Failed    map[string]Failure
}

// Total количество участников в результате
func (r BatchResult) Total() int {
	return len(r.Succeeded) + len(r.Failed)
}

// Err возвращает ошибку PartialFailure, если хотя бы один участник не обработан
func (r BatchResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return asyncop.NewError(asyncop.PartialFailure, "admission",
		fmt.Sprintf("%d of %d participants failed", len(r.Failed), r.Total())).
		WithField("succeeded", len(r.Succeeded)).
		WithField("failed", len(r.Failed))
}

// ControllerOption настраивает Controller
type ControllerOption func(*Controller)

// WithEvaluator задает вычислитель политики (по умолчанию MatrixEvaluator)
func WithEvaluator(e Evaluator) ControllerOption {
	return func(c *Controller) {
		if e != nil {
			c.evaluator = e
		}
	}
}

// WithClock задает часы для таймаутов лобби и операций
func WithClock(clock clockwork.Clock) ControllerOption {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger задает логгер
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithOperationTimeout таймаут BeginAdmit/BeginDeny
func WithOperationTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) { c.opTimeout = d }
}

// Controller управляет лобби: оценка участников, ожидание решений,
// пакетный допуск/отказ и таймауты ожидания.
type Controller struct {
	mu        sync.Mutex
	actions   Actions
	evaluator Evaluator
	clock     clockwork.Clock
	timeouts  *asyncop.TimeoutManager
	logger    *slog.Logger
	opTimeout time.Duration

	lobby     map[string]*lobbyEntry
	seq       uint64
	listeners []func(Outcome)
	closed    bool
}

// NewController создает контроллер допуска
func NewController(actions Actions, opts ...ControllerOption) *Controller {
	c := &Controller{
		actions:   actions,
		evaluator: MatrixEvaluator{},
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		lobby:     make(map[string]*lobbyEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.timeouts = asyncop.NewTimeoutManager(&asyncop.TimeoutManagerConfig{Clock: c.clock})
	return c
}

// Evaluate вычисляет решение для участника по политике
func (c *Controller) Evaluate(ctx context.Context, p roster.Participant, policy Policy) (Decision, error) {
	d, err := c.evaluator.Evaluate(ctx, p, policy)
	if err != nil {
		c.logger.Warn("AdmissionController.Evaluate failed",
			slog.String("participant", p.Key()),
			slog.Any("error", err))
		return Pending, err
	}
	c.logger.Debug("AdmissionController.Evaluate",
		slog.String("participant", p.Key()),
		slog.String("role", p.Role.String()),
		slog.String("access", policy.AccessLevel.String()),
		slog.String("decision", d.String()))
	return d, nil
}

// OnOutcome регистрирует обработчик итогов лобби. Обработчики вызываются
// вне блокировок контроллера.
func (c *Controller) OnOutcome(fn func(Outcome)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Enqueue помещает участника в лобби. timeout > 0 запускает таймер ожидания.
// Повторная постановка того же участника ничего не меняет.
func (c *Controller) Enqueue(p roster.Participant, timeout time.Duration) error {
	key := p.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return asyncop.NewError(asyncop.InvalidStateTransition, "enqueue", "admission controller closed")
	}
	if _, ok := c.lobby[key]; ok {
		return nil
	}

	p.Status = roster.StatusInLobby
	c.seq++
	c.lobby[key] = &lobbyEntry{
		participant: p,
		state:       newLobbyFSM(),
		enqueuedAt:  c.clock.Now(),
		seq:         c.seq,
	}

	if timeout > 0 {
		if err := c.timeouts.SetTimeout(key, timeout, func(asyncop.TimeoutEvent) {
			c.resolve(key, eventTimeout)
		}, nil); err != nil {
			delete(c.lobby, key)
			return asyncop.Wrap(err, asyncop.TransportFailure, "enqueue")
		}
	}

	c.logger.Debug("AdmissionController.Enqueue",
		slog.String("participant", key),
		slog.Duration("timeout", timeout))
	return nil
}

// Withdraw убирает участника из лобби без итога (участник ушел сам)
func (c *Controller) Withdraw(identity string) bool {
	key := roster.CanonicalKey(identity)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.lobby[key]; !ok {
		return false
	}
	delete(c.lobby, key)
	c.timeouts.CancelTimeout(key)
	return true
}

// Pending участники, ожидающие решения, в порядке постановки в лобби
func (c *Controller) Pending() []roster.Participant {
	c.mu.Lock()
	entries := make([]*lobbyEntry, 0, len(c.lobby))
	for _, e := range c.lobby {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].enqueuedAt.Equal(entries[j].enqueuedAt) {
			return entries[i].enqueuedAt.Before(entries[j].enqueuedAt)
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]roster.Participant, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.participant)
	}
	return out
}

// InLobby проверяет, ожидает ли участник решения
func (c *Controller) InLobby(identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lobby[roster.CanonicalKey(identity)]
	return ok
}

// LobbyDeadline время истечения ожидания участника, если таймер установлен
func (c *Controller) LobbyDeadline(identity string) (time.Time, bool) {
	return c.timeouts.Deadline(roster.CanonicalKey(identity))
}

// TimerStats статистика таймеров лобби
func (c *Controller) TimerStats() asyncop.TimeoutStats {
	return c.timeouts.Stats()
}

// BeginAdmit допускает участников из лобби
func (c *Controller) BeginAdmit(ctx context.Context, ps []roster.Participant) *asyncop.Operation[BatchResult] {
	return c.begin(ctx, "admit", eventAdmit, ps, c.actions.Admit)
}

// BeginDeny отклоняет участников в лобби
func (c *Controller) BeginDeny(ctx context.Context, ps []roster.Participant) *asyncop.Operation[BatchResult] {
	return c.begin(ctx, "deny", eventDeny, ps, c.actions.Deny)
}

type batchAction func(ctx context.Context, ps []roster.Participant) (map[string]error, error)

func (c *Controller) begin(ctx context.Context, name, event string, ps []roster.Participant, action batchAction) *asyncop.Operation[BatchResult] {
	op := asyncop.New[BatchResult](name,
		asyncop.WithTimeout(c.opTimeout),
		asyncop.WithClock(c.clock))

	_ = op.Start(ctx, func(ctx context.Context) (BatchResult, error) {
		result := BatchResult{Failed: make(map[string]Failure)}

		// Разбиение входа: дубликаты схлопываются, участники вне лобби сразу в Failed
		seen := make(map[string]struct{}, len(ps))
		eligible := make([]roster.Participant, 0, len(ps))
		for _, p := range ps {
			key := p.Key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			if !c.InLobby(key) {
				result.Failed[key] = Failure{
					Participant: p,
					Kind:        asyncop.InvalidStateTransition,
					Err:         asyncop.NewError(asyncop.InvalidStateTransition, name, "participant is not in lobby"),
				}
				continue
			}
			eligible = append(eligible, p)
		}
		if len(eligible) == 0 {
			return result, nil
		}

		perParticipant, err := action(ctx, eligible)
		for _, p := range eligible {
			key := p.Key()
			if err != nil {
				e := asyncop.Wrap(err, asyncop.TransportFailure, name)
				result.Failed[key] = Failure{Participant: p, Kind: e.Kind, Err: e}
				continue
			}
			if pErr := perParticipant[key]; pErr != nil {
				e := asyncop.Wrap(pErr, asyncop.ProtocolFailure, name)
				result.Failed[key] = Failure{Participant: p, Kind: e.Kind, Err: e}
				continue
			}
			resolved, ok := c.resolve(key, event)
			if !ok {
				// решение опередил таймаут лобби
				result.Failed[key] = Failure{
					Participant: p,
					Kind:        asyncop.InvalidStateTransition,
					Err:         asyncop.NewError(asyncop.InvalidStateTransition, name, "participant left lobby before decision"),
				}
				continue
			}
			result.Succeeded = append(result.Succeeded, resolved)
		}

		c.logger.Debug("AdmissionController."+name,
			slog.Int("succeeded", len(result.Succeeded)),
			slog.Int("failed", len(result.Failed)))
		return result, nil
	})
	return op
}

// resolve переводит участника из лобби в итоговое состояние и уведомляет слушателей
func (c *Controller) resolve(key, event string) (roster.Participant, bool) {
	c.mu.Lock()
	entry, ok := c.lobby[key]
	if !ok {
		c.mu.Unlock()
		return roster.Participant{}, false
	}
	if err := entry.state.Event(context.Background(), event); err != nil {
		c.mu.Unlock()
		c.logger.Debug("AdmissionController.resolve rejected",
			slog.String("participant", key),
			slog.String("event", event),
			slog.Any("error", err))
		return roster.Participant{}, false
	}
	delete(c.lobby, key)
	if event != eventTimeout {
		c.timeouts.CancelTimeout(key)
	}

	result := LobbyResult(entry.state.Current())
	now := c.clock.Now()
	p := entry.participant
	p.Status = result.RosterStatus()
	outcome := Outcome{
		Participant: p,
		Result:      result,
		Waited:      now.Sub(entry.enqueuedAt),
		At:          now,
	}
	listeners := append([]func(Outcome){}, c.listeners...)
	c.mu.Unlock()

	c.logger.Info("AdmissionController lobby outcome",
		slog.String("participant", key),
		slog.String("result", result.String()),
		slog.Duration("waited", outcome.Waited))

	for _, fn := range listeners {
		fn(outcome)
	}
	return p, true
}

// Close отменяет таймеры лобби и очищает очередь без уведомлений
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.timeouts.Stop()
	c.lobby = make(map[string]*lobbyEntry)
}
