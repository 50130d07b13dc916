package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/arzzra/uc_session/pkg/admission"
	"github.com/arzzra/uc_session/pkg/asyncop"
	"github.com/arzzra/uc_session/pkg/roster"
	"github.com/arzzra/uc_session/pkg/session"
)

type options struct {
	logger    *slog.Logger
	clock     clockwork.Clock
	metrics   *Metrics
	tracer    trace.TracerProvider
	evaluator admission.Evaluator
	resolver  IdentityResolver
	config    Config

	kind    session.Kind
	id      string
	subject string
	policy  admission.Policy
}

// Option настраивает Orchestrator
type Option func(*options)

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock задает часы для таймаутов этапов и лобби
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithMetrics задает общие метрики
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracerProvider задает провайдер трассировки (по умолчанию глобальный otel)
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracer = tp
		}
	}
}

// WithEvaluator задает вычислитель политики допуска
func WithEvaluator(e admission.Evaluator) Option {
	return func(o *options) { o.evaluator = e }
}

// WithIdentityResolver задает поиск отображаемых имен
func WithIdentityResolver(r IdentityResolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithConfig задает таймауты и параметры завершения
func WithConfig(cfg Config) Option {
	return func(o *options) { o.config = cfg }
}

// WithKind задает вид сессии (по умолчанию звонок)
func WithKind(k session.Kind) Option {
	return func(o *options) { o.kind = k }
}

// WithID задает идентификатор сессии
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithSubject задает тему сессии
func WithSubject(subject string) Option {
	return func(o *options) { o.subject = subject }
}

// WithPolicy задает политику допуска сессии
func WithPolicy(p admission.Policy) Option {
	return func(o *options) { o.policy = p }
}

// Orchestrator ведет одну сессию через этапы планирования, подключения,
// установления и завершения, держит ее ростер и лобби.
//
// Все изменения состояния и ростера выполняются под одним мьютексом,
// уведомления слушателям доставляются по порядку на отдельной горутине.
type Orchestrator struct {
	transport Transport
	resolver  IdentityResolver
	cfg       Config
	logger    *slog.Logger
	clock     clockwork.Clock
	metrics   *Metrics
	tracer    trace.Tracer
	admission *admission.Controller
	notifier  *notifier

	root   *session.Session
	active atomic.Pointer[session.Session]

	attachMu sync.Mutex

	mu           sync.Mutex
	listeners    listeners
	registration Registration
	released     bool
	inflight     map[string]map[string]func() bool
	terminating  map[string]*asyncop.Operation[session.Info]
	cleaned      map[string]bool
	escalating   bool
	closed       bool
}

// New создает оркестратор сессии в состоянии Idle
func New(transport Transport, opts ...Option) *Orchestrator {
	o := options{
		logger: slog.Default(),
		clock:  clockwork.NewRealClock(),
		tracer: otel.GetTracerProvider(),
		config: DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	root := session.New(o.kind,
		session.WithID(o.id),
		session.WithSubject(o.subject),
		session.WithPolicy(o.policy),
		session.WithClock(o.clock),
		session.WithLogger(o.logger),
		session.WithHistory(o.config.HistoryLimit))

	orc := &Orchestrator{
		transport:   transport,
		resolver:    o.resolver,
		cfg:         o.config,
		logger:      o.logger.With(slog.String("component", "orchestrator"), slog.String("session_id", root.ID())),
		clock:       o.clock,
		metrics:     o.metrics,
		tracer:      o.tracer.Tracer(tracerName),
		root:        root,
		inflight:    make(map[string]map[string]func() bool),
		terminating: make(map[string]*asyncop.Operation[session.Info]),
		cleaned:     make(map[string]bool),
	}
	orc.active.Store(root)
	orc.notifier = newNotifier(orc.logger, orc.metrics.listenerPanic)
	orc.admission = admission.NewController(admissionActions{o: orc},
		admission.WithEvaluator(o.evaluator),
		admission.WithClock(o.clock),
		admission.WithLogger(orc.logger),
		admission.WithOperationTimeout(o.config.AdmissionTimeout))
	orc.admission.OnOutcome(orc.handleOutcome)

	orc.metrics.sessionCreated(root.Kind())
	orc.logger.Debug("Orchestrator.New",
		slog.String("kind", root.Kind().String()),
		slog.String("access", o.policy.AccessLevel.String()))
	return orc
}

// ID идентификатор исходной сессии
func (o *Orchestrator) ID() string { return o.root.ID() }

// Session активная сессия (после эскалации - конференция)
func (o *Orchestrator) Session() *session.Session { return o.active.Load() }

// Root исходная сессия
func (o *Orchestrator) Root() *session.Session { return o.root }

// State состояние активной сессии
func (o *Orchestrator) State() session.State { return o.active.Load().State() }

// Info снимок активной сессии
func (o *Orchestrator) Info() session.Info { return o.active.Load().Info() }

// Roster снимок внешнего ростера активной сессии
func (o *Orchestrator) Roster() []roster.Participant {
	return o.active.Load().Roster().GetRoster()
}

// Lobby участники, ожидающие решения, в порядке постановки.
// Скрытые участники ждут решения, но сюда не попадают.
func (o *Orchestrator) Lobby() []roster.Participant {
	return visible(o.admission.Pending())
}

// Archivable исходная сессия и все ее потомки в терминальном состоянии
func (o *Orchestrator) Archivable() bool {
	return o.root.Archivable()
}

// Close останавливает доставку уведомлений и таймеры лобби.
// Сессию не завершает.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.admission.Close()
	o.notifier.close()
}

// Drained закрывается после доставки всех уведомлений закрытого оркестратора
func (o *Orchestrator) Drained() <-chan struct{} { return o.notifier.drained() }

// attach подписывает оркестратор на события транспорта, один раз
func (o *Orchestrator) attach(ctx context.Context) error {
	o.attachMu.Lock()
	defer o.attachMu.Unlock()

	o.mu.Lock()
	if o.registration != nil || o.released {
		o.mu.Unlock()
		return nil
	}
	info := o.active.Load().Info()
	o.mu.Unlock()

	reg, err := o.transport.Attach(ctx, info, transportEvents{o: o})
	if err != nil {
		return errors.Wrap(err, "attach transport events")
	}

	o.mu.Lock()
	if o.released {
		o.mu.Unlock()
		if err := reg.Close(); err != nil {
			o.logger.Warn("Orchestrator.attach late registration close failed", slog.Any("error", err))
		}
		return nil
	}
	o.registration = reg
	o.mu.Unlock()

	o.logger.Debug("Orchestrator.attach")
	return nil
}

// releaseRegistration освобождает подписку ровно один раз
func (o *Orchestrator) releaseRegistration() {
	o.mu.Lock()
	if o.released {
		o.mu.Unlock()
		return
	}
	o.released = true
	reg := o.registration
	o.registration = nil
	o.mu.Unlock()

	if reg == nil {
		return
	}
	if err := reg.Close(); err != nil {
		o.logger.Warn("Orchestrator registration close failed", slog.Any("error", err))
		return
	}
	o.logger.Debug("Orchestrator.releaseRegistration")
}

// trackLocked запоминает незавершенную операцию сессии для отмены при завершении
func (o *Orchestrator) trackLocked(sessionID, token string, cancel func() bool) {
	ops, ok := o.inflight[sessionID]
	if !ok {
		ops = make(map[string]func() bool)
		o.inflight[sessionID] = ops
	}
	ops[token] = cancel
}

func (o *Orchestrator) untrackLocked(sessionID, token string) {
	delete(o.inflight[sessionID], token)
}

func (o *Orchestrator) takeInflightLocked(sessionID string) []func() bool {
	ops := o.inflight[sessionID]
	delete(o.inflight, sessionID)
	out := make([]func() bool, 0, len(ops))
	for _, cancel := range ops {
		out = append(out, cancel)
	}
	return out
}

// abort переводит активную часть сессии в Failed, если она еще не завершается,
// и запускает очистку
func (o *Orchestrator) abort(s *session.Session, reason string, cause error) {
	o.mu.Lock()
	st := s.State()
	if st.IsTerminal() || st == session.StateTerminating {
		o.mu.Unlock()
		return
	}
	tr, err := s.Fire(session.EventFail, reason, cause)
	if err == nil {
		o.emitStateLocked(s, tr)
	}
	o.mu.Unlock()

	if err == nil {
		go o.cleanup(s, reason)
	}
}

// cleanup освобождает ресурсы сессии, перешедшей в Failed: подписку,
// сессию на транспорте и дочерние сессии. Выполняется один раз на сессию.
func (o *Orchestrator) cleanup(s *session.Session, reason string) {
	o.mu.Lock()
	if o.cleaned[s.ID()] {
		o.mu.Unlock()
		return
	}
	o.cleaned[s.ID()] = true
	isActive := o.active.Load() == s
	cancels := o.takeInflightLocked(s.ID())
	o.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	o.logger.Info("Orchestrator cleanup",
		slog.String("target", s.ID()),
		slog.String("reason", reason))

	if isActive {
		o.releaseRegistration()
		o.admission.Close()
	}
	ctx := context.Background()
	_ = o.terminateTransport(ctx, s)
	o.teardownChildren(ctx, s)
}

// handleRemoteEnd реакция на завершение сессии удаленной стороной
func (o *Orchestrator) handleRemoteEnd(cause error) {
	s := o.active.Load()
	st := s.State()
	if st.IsTerminal() || st == session.StateTerminating {
		return
	}
	if cause != nil {
		o.abort(s, "remote ended", asyncop.Wrap(cause, asyncop.TransportFailure, "remote"))
		return
	}
	o.terminate(context.Background(), s, "remote ended")
}
