package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/arzzra/uc_session/pkg/admission"
	"github.com/arzzra/uc_session/pkg/asyncop"
	"github.com/arzzra/uc_session/pkg/orchestrator"
	"github.com/arzzra/uc_session/pkg/roster"
	"github.com/arzzra/uc_session/pkg/session"
	"github.com/arzzra/uc_session/pkg/simtransport"
)

// DefaultStepTimeout ожидание операции шага, если сценарий его не задает
const DefaultStepTimeout = 10 * time.Second

// expectPoll период опроса при проверке ожиданий
const expectPoll = 10 * time.Millisecond

// StepResult итог шага
type StepResult struct {
	Index   int           `json:"index"`
	Action  string        `json:"action"`
	Error   string        `json:"error,omitempty"`
	Passed  bool          `json:"passed"`
	Elapsed time.Duration `json:"elapsed"`
	State   session.State `json:"state"`
}

// Report итог сценария
type Report struct {
	Scenario string               `json:"scenario"`
	Passed   bool                 `json:"passed"`
	Steps    []StepResult         `json:"steps"`
	Final    session.Info         `json:"final"`
	Roster   []roster.Participant `json:"roster"`
	History  []TransitionRecord   `json:"history"`
}

// TransitionRecord переход активной сессии в отчете
type TransitionRecord struct {
	From   session.State `json:"from"`
	To     session.State `json:"to"`
	Event  session.Event `json:"event"`
	Reason string        `json:"reason,omitempty"`
	Error  string        `json:"error,omitempty"`
	At     time.Time     `json:"at"`
}

func historyRecords(h []session.Transition) []TransitionRecord {
	out := make([]TransitionRecord, 0, len(h))
	for _, tr := range h {
		rec := TransitionRecord{From: tr.From, To: tr.To, Event: tr.Event, Reason: tr.Reason, At: tr.At}
		if tr.Err != nil {
			rec.Error = tr.Err.Error()
		}
		out = append(out, rec)
	}
	return out
}

// SetupFunc вызывается после создания оркестратора и до первого шага
type SetupFunc func(sc Scenario, o *orchestrator.Orchestrator, tr *simtransport.Transport)

// Runner выполняет сценарии против simtransport
type Runner struct {
	cfg       orchestrator.Config
	policy    admission.Policy
	evaluator admission.Evaluator
	resolver  orchestrator.IdentityResolver
	metrics   *orchestrator.Metrics
	registry  *orchestrator.Registry
	logger    *slog.Logger
	clock     clockwork.Clock
	setup     []SetupFunc
}

// Option настраивает Runner
type Option func(*Runner)

// WithConfig задает параметры оркестратора
func WithConfig(cfg orchestrator.Config) Option {
	return func(r *Runner) { r.cfg = cfg }
}

// WithPolicy задает политику для сценариев без собственной
func WithPolicy(p admission.Policy) Option {
	return func(r *Runner) { r.policy = p }
}

// WithEvaluator задает вычислитель политики допуска
func WithEvaluator(e admission.Evaluator) Option {
	return func(r *Runner) { r.evaluator = e }
}

// WithIdentityResolver задает поиск отображаемых имен
func WithIdentityResolver(res orchestrator.IdentityResolver) Option {
	return func(r *Runner) { r.resolver = res }
}

// WithMetrics задает метрики оркестраторов
func WithMetrics(m *orchestrator.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithRegistry регистрирует оркестраторы сценариев в реестре
func WithRegistry(reg *orchestrator.Registry) Option {
	return func(r *Runner) { r.registry = reg }
}

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock задает часы. С clockwork.FakeClock доступен шаг advance.
func WithClock(c clockwork.Clock) Option {
	return func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithSetup добавляет обработчик создания оркестратора
func WithSetup(fn SetupFunc) Option {
	return func(r *Runner) { r.setup = append(r.setup, fn) }
}

// NewRunner создает исполнитель сценариев
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		cfg:    orchestrator.DefaultConfig(),
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// run состояние одного выполнения
type run struct {
	r       *Runner
	sc      Scenario
	o       *orchestrator.Orchestrator
	tr      *simtransport.Transport
	timeout time.Duration
	pending map[string]func(ctx context.Context) error
	logger  *slog.Logger
}

// Run выполняет сценарий. Ошибка возвращается при первом шаге, не
// совпавшем с ожиданием; отчет заполняется в любом случае. После последнего
// шага незавершенная сессия завершается.
func (r *Runner) Run(ctx context.Context, sc Scenario) (*Report, error) {
	policy := r.policy
	if p, ok := sc.AdmissionPolicy(); ok {
		policy = p
	}

	logger := r.logger.With(slog.String("scenario", sc.Name))
	tr := simtransport.New(simtransport.WithClock(r.clock), simtransport.WithLogger(logger))
	o := orchestrator.New(tr,
		orchestrator.WithKind(sc.SessionKind()),
		orchestrator.WithSubject(sc.Subject),
		orchestrator.WithPolicy(policy),
		orchestrator.WithConfig(r.cfg),
		orchestrator.WithClock(r.clock),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(r.metrics),
		orchestrator.WithEvaluator(r.evaluator),
		orchestrator.WithIdentityResolver(r.resolver))

	if r.registry != nil {
		if err := r.registry.Track(o); err != nil {
			o.Close()
			return nil, err
		}
	}
	for _, fn := range r.setup {
		fn(sc, o, tr)
	}

	rn := &run{
		r:       r,
		sc:      sc,
		o:       o,
		tr:      tr,
		timeout: sc.StepTimeout,
		pending: make(map[string]func(ctx context.Context) error),
		logger:  logger,
	}
	if rn.timeout <= 0 {
		rn.timeout = DefaultStepTimeout
	}

	report := &Report{Scenario: sc.Name, Passed: true}
	var runErr error
	for i, st := range sc.Steps {
		started := time.Now()
		err := rn.step(ctx, st)

		res := StepResult{Index: i + 1, Action: st.Action, Elapsed: time.Since(started), State: o.State()}
		if err != nil {
			res.Error = err.Error()
		}
		res.Passed = (err != nil) == st.ExpectError
		report.Steps = append(report.Steps, res)

		logger.Debug("Runner.step",
			slog.Int("index", res.Index),
			slog.String("action", st.Action),
			slog.String("state", res.State.String()),
			slog.Bool("passed", res.Passed),
			slog.Any("error", err))

		if !res.Passed {
			report.Passed = false
			if st.ExpectError {
				runErr = errors.Errorf("step %d (%s): expected error, got none", i+1, st.Action)
			} else {
				runErr = errors.Wrapf(err, "step %d (%s)", i+1, st.Action)
			}
			break
		}
	}

	rn.finish(ctx)
	report.Final = o.Info()
	report.Roster = o.Roster()
	report.History = historyRecords(o.Session().History())
	rn.drain(ctx)
	return report, runErr
}

// drain закрывает оркестратор и ждет доставки уже опубликованных событий,
// чтобы обработчики SetupFunc увидели их до возврата Run
func (rn *run) drain(ctx context.Context) {
	rn.o.Close()
	select {
	case <-rn.o.Drained():
	case <-ctx.Done():
	case <-time.After(rn.timeout):
		rn.logger.Warn("Runner listeners not drained", slog.Duration("timeout", rn.timeout))
	}
}

// finish завершает сессию, если сценарий этого не сделал
func (rn *run) finish(ctx context.Context) {
	if st := rn.o.State(); st.IsTerminal() {
		return
	}
	op, err := rn.o.Terminate(ctx)
	if err != nil {
		return
	}
	if _, err := wait(ctx, op, rn.timeout); err != nil {
		rn.logger.Warn("Runner final terminate failed", slog.Any("error", err))
	}
}

func wait[T any](ctx context.Context, op *asyncop.Operation[T], timeout time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op.Wait(ctx)
}

// lifecycle ожидает операцию этапа сразу или откладывает до await
func lifecycle(rn *run, op *asyncop.Operation[session.Info], err error) func(ctx context.Context) error {
	if err != nil {
		return func(context.Context) error { return err }
	}
	return func(ctx context.Context) error {
		_, err := wait(ctx, op, rn.timeout)
		return err
	}
}

func (rn *run) step(ctx context.Context, st Step) error {
	var waitFn func(ctx context.Context) error

	switch st.Action {
	case ActionSchedule:
		op, err := rn.o.Schedule(ctx)
		waitFn = lifecycle(rn, op, err)
	case ActionJoin:
		op, err := rn.o.Join(ctx)
		waitFn = lifecycle(rn, op, err)
	case ActionEstablish:
		op, err := rn.o.Establish(ctx)
		waitFn = lifecycle(rn, op, err)
	case ActionJoinAndEstablish:
		op, err := rn.o.JoinAndEstablish(ctx)
		waitFn = lifecycle(rn, op, err)
	case ActionTerminate:
		op, err := rn.o.Terminate(ctx)
		waitFn = lifecycle(rn, op, err)
	case ActionEscalate:
		op, err := rn.o.Escalate(ctx)
		waitFn = lifecycle(rn, op, err)

	case ActionAdmit, ActionDeny:
		ps := rn.pick(st.Participants)
		var (
			op  *asyncop.Operation[admission.BatchResult]
			err error
		)
		if st.Action == ActionAdmit {
			op, err = rn.o.Admit(ctx, ps)
		} else {
			op, err = rn.o.Deny(ctx, ps)
		}
		if err != nil {
			return err
		}
		waitFn = func(ctx context.Context) error {
			res, err := wait(ctx, op, rn.timeout)
			if err != nil {
				return err
			}
			return res.Err()
		}

	case ActionAwait:
		fn := rn.pending[st.ID]
		delete(rn.pending, st.ID)
		return fn(ctx)

	case ActionParticipants:
		return rn.participants(st)
	case ActionSleep:
		select {
		case <-rn.r.clock.After(st.Duration):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case ActionAdvance:
		fake, ok := rn.r.clock.(*clockwork.FakeClock)
		if !ok {
			return errors.New("advance requires a simulated clock")
		}
		fake.Advance(st.Duration)
		return nil

	case ActionFail:
		times := st.Times
		if times == 0 {
			times = 1
		}
		rn.tr.FailNext(st.Stage, times, stepError(st))
		return nil
	case ActionHeal:
		rn.tr.Heal(st.Stage)
		return nil
	case ActionHold:
		rn.tr.Hold(st.Stage)
		return nil
	case ActionRelease:
		rn.tr.Release(st.Stage)
		return nil
	case ActionLatency:
		rn.tr.SetLatency(st.Stage, st.Duration)
		return nil
	case ActionReject:
		for _, uri := range st.Participants {
			rn.tr.RejectParticipant(uri, stepError(st))
		}
		return nil
	case ActionRemoteEnd:
		return rn.tr.End(rn.o.Session().ID(), stepError(st))

	case ActionExpect:
		return rn.expect(ctx, st.Expect)
	default:
		return errors.Errorf("unknown action %q", st.Action)
	}

	if st.ID != "" {
		rn.pending[st.ID] = waitFn
		return nil
	}
	return waitFn(ctx)
}

func stepError(st Step) error {
	if st.Error == "" {
		return nil
	}
	return errors.New(st.Error)
}

// pick выбирает участников лобби по URI; пустой список - все ожидающие
func (rn *run) pick(uris []string) []roster.Participant {
	lobby := rn.o.Lobby()
	if len(uris) == 0 {
		return lobby
	}
	byKey := make(map[string]roster.Participant, len(lobby))
	for _, p := range lobby {
		byKey[p.Key()] = p
	}
	out := make([]roster.Participant, 0, len(uris))
	for _, uri := range uris {
		if p, ok := byKey[roster.CanonicalKey(uri)]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, roster.Participant{URI: uri})
	}
	return out
}

// participants доставляет пакет через подписку транспорта, а до подключения
// напрямую оркестратору
func (rn *run) participants(st Step) error {
	joined := make([]roster.Participant, 0, len(st.Joined))
	for _, p := range st.Joined {
		joined = append(joined, p.Participant())
	}
	left := make([]roster.Participant, 0, len(st.Left))
	for _, uri := range st.Left {
		left = append(left, roster.Participant{URI: uri})
	}

	id := rn.o.Session().ID()
	if rn.tr.Attached(id) {
		return rn.tr.Inject(id, joined, left)
	}
	rn.o.OnParticipantsChanged(context.Background(), joined, left)
	return nil
}

// expect опрашивает состояние, пока оно не совпадет с ожиданием или не
// истечет таймаут шага
func (rn *run) expect(ctx context.Context, exp *Expectation) error {
	deadline := time.Now().Add(rn.timeout)
	ticker := time.NewTicker(expectPoll)
	defer ticker.Stop()

	for {
		mismatch := rn.mismatch(exp)
		if mismatch == "" {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Errorf("expectation not met: %s", mismatch)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (rn *run) mismatch(exp *Expectation) string {
	info := rn.o.Info()
	if exp.State != "" && info.State.String() != exp.State {
		return fmt.Sprintf("state %s, want %s", info.State, exp.State)
	}
	if exp.Kind != "" && info.Kind.String() != exp.Kind {
		return fmt.Sprintf("kind %s, want %s", info.Kind, exp.Kind)
	}
	if exp.Roster != nil {
		got := roster.Keys(rn.o.Roster())
		want := make([]string, 0, len(*exp.Roster))
		for _, uri := range *exp.Roster {
			want = append(want, roster.CanonicalKey(uri))
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return fmt.Sprintf("roster %v, want %v", got, want)
		}
	}
	if exp.Lobby != nil {
		if n := len(rn.o.Lobby()); n != *exp.Lobby {
			return fmt.Sprintf("lobby size %d, want %d", n, *exp.Lobby)
		}
	}
	return ""
}
