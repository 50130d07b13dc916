package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/arzzra/uc_session/pkg/admission"
	"github.com/arzzra/uc_session/pkg/roster"
)

// Info снимок сессии для внешних наблюдателей
type Info struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	State        State     `json:"state"`
	Subject      string    `json:"subject,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ParentID     string    `json:"parent_id,omitempty"`
	Children     []string  `json:"children,omitempty"`
	Participants int       `json:"participants"`
}

// Session один звонок, беседа или конференция.
// Сессией владеет оркестратор, он же единственный, кто ее изменяет.
type Session struct {
	id        string
	kind      Kind
	subject   string
	createdAt time.Time
	policy    admission.Policy
	machine   *Machine
	logger    *slog.Logger
	clock     clockwork.Clock

	mu       sync.RWMutex
	roster   *roster.Tracker
	parent   *Session
	children []*Session
}

// Option настраивает Session
type Option func(*config)

type config struct {
	id           string
	subject      string
	policy       admission.Policy
	clock        clockwork.Clock
	logger       *slog.Logger
	historyLimit int
	tracker      *roster.Tracker
}

// WithID задает идентификатор сессии (по умолчанию uuid)
func WithID(id string) Option {
	return func(c *config) { c.id = id }
}

// WithSubject задает тему сессии
func WithSubject(subject string) Option {
	return func(c *config) { c.subject = subject }
}

// WithPolicy задает политику допуска
func WithPolicy(p admission.Policy) Option {
	return func(c *config) { c.policy = p }
}

// WithClock задает источник времени
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger задает логгер
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHistory ограничивает историю переходов
func WithHistory(n int) Option {
	return func(c *config) { c.historyLimit = n }
}

// WithRoster передает сессии существующий ростер (эскалация)
func WithRoster(t *roster.Tracker) Option {
	return func(c *config) { c.tracker = t }
}

// New создает сессию в состоянии Idle
func New(kind Kind, opts ...Option) *Session {
	cfg := config{
		clock:        clockwork.NewRealClock(),
		logger:       slog.Default(),
		historyLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}

	logger := cfg.logger.With(slog.String("session_id", cfg.id), slog.String("kind", kind.String()))
	s := &Session{
		id:        cfg.id,
		kind:      kind,
		subject:   cfg.subject,
		createdAt: cfg.clock.Now(),
		policy:    cfg.policy,
		logger:    logger,
		clock:     cfg.clock,
		machine: NewMachine(kind,
			WithHistoryLimit(cfg.historyLimit),
			WithMachineClock(cfg.clock.Now),
			WithMachineLogger(logger)),
	}

	if cfg.tracker != nil {
		s.roster = cfg.tracker
		s.roster.Reparent(s.id)
	} else {
		s.roster = roster.NewTracker(
			roster.WithOwner(s.id),
			roster.WithLogger(logger),
			roster.WithNow(cfg.clock.Now))
	}
	return s
}

func (s *Session) ID() string { return s.id }
func (s *Session) Kind() Kind { return s.kind }
func (s *Session) Subject() string { return s.subject }
func (s *Session) CreatedAt() time.Time { return s.createdAt }
func (s *Session) Policy() admission.Policy { return s.policy }
func (s *Session) Machine() *Machine { return s.machine }
func (s *Session) State() State { return s.machine.Current() }
func (s *Session) Logger() *slog.Logger { return s.logger }
func (s *Session) Clock() clockwork.Clock { return s.clock }
func (s *Session) History() []Transition { return s.machine.History() }

// Fire выполняет событие автомата сессии
func (s *Session) Fire(ev Event, reason string, cause error) (Transition, error) {
	return s.machine.Fire(ev, reason, cause)
}

// Roster текущий ростер сессии
func (s *Session) Roster() *roster.Tracker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roster
}

// AdoptRoster переносит ростер другой сессии в эту без копирования участников.
// Возвращает предыдущего владельца ростера.
func (s *Session) AdoptRoster(t *roster.Tracker) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := t.Reparent(s.id)
	s.roster = t
	s.logger.Debug("Session.AdoptRoster",
		slog.String("previous_owner", prev),
		slog.Int("size", t.Len()))
	return prev
}

// Parent родительская сессия или nil
func (s *Session) Parent() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.parent
}

// AddChild привязывает дочернюю сессию
func (s *Session) AddChild(child *Session) {
	s.mu.Lock()
	s.children = append(s.children, child)
	s.mu.Unlock()

	child.mu.Lock()
	child.parent = s
	child.mu.Unlock()
}

// RemoveChild отвязывает дочернюю сессию
func (s *Session) RemoveChild(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.children {
		if c.id == id {
			s.children = append(s.children[:i], s.children[i+1:]...)
			return true
		}
	}
	return false
}

// Children копия списка дочерних сессий
func (s *Session) Children() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Session(nil), s.children...)
}

// Archivable сессия и все ее потомки в терминальном состоянии
func (s *Session) Archivable() bool {
	if !s.State().IsTerminal() {
		return false
	}
	for _, c := range s.Children() {
		if !c.Archivable() {
			return false
		}
	}
	return true
}

// Info снимок сессии
func (s *Session) Info() Info {
	s.mu.RLock()
	info := Info{
		ID:           s.id,
		Kind:         s.kind,
		Subject:      s.subject,
		CreatedAt:    s.createdAt,
		Participants: s.roster.Len(),
	}
	if s.parent != nil {
		info.ParentID = s.parent.id
	}
	for _, c := range s.children {
		info.Children = append(info.Children, c.id)
	}
	s.mu.RUnlock()

	info.State = s.machine.Current()
	return info
}
