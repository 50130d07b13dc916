package roster

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Delta фактически примененные изменения одного пакета уведомлений
type Delta struct {
	Joined []Participant
	Left   []Participant
	// Duplicates повторные присоединения уже присутствующих участников
	Duplicates []Participant
}

// Empty true если пакет не изменил ростер
func (d Delta) Empty() bool {
	return len(d.Joined) == 0 && len(d.Left) == 0
}

// TrackerOption настраивает Tracker
type TrackerOption func(*Tracker)

// WithLogger задает логгер трекера
func WithLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithOwner задает идентификатор сессии-владельца
func WithOwner(owner string) TrackerOption {
	return func(t *Tracker) { t.owner = owner }
}

// WithNow задает источник времени для JoinedAt
func WithNow(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker хранит набор участников сессии с единым каноническим ключом.
//
// Все изменения применяются пакетами атомарно, читатели получают только копии.
type Tracker struct {
	mu      sync.RWMutex
	owner   string
	members map[string]Participant
	seq     uint64
	logger  *slog.Logger
	now     func() time.Time
}

// NewTracker создает пустой трекер
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		members: make(map[string]Participant),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnParticipantsChanged применяет пакет присоединений и уходов.
//
// Уходы применяются раньше присоединений, поэтому уход и повторный вход одной
// идентичности в одном пакете оставляют участника в ростере. Повторное
// присоединение присутствующего участника ничего не меняет, уход
// отсутствующего - тоже.
func (t *Tracker) OnParticipantsChanged(joined, left []Participant) Delta {
	t.mu.Lock()
	defer t.mu.Unlock()

	var delta Delta

	for _, p := range left {
		key := p.Key()
		existing, ok := t.members[key]
		if !ok {
			continue
		}
		delete(t.members, key)
		existing.Status = StatusDeparted
		delta.Left = append(delta.Left, existing)
	}

	seen := make(map[string]struct{}, len(joined))
	for _, p := range joined {
		key := p.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if existing, ok := t.members[key]; ok {
			t.logger.Warn("RosterTracker.OnParticipantsChanged duplicate join",
				slog.String("owner", t.owner),
				slog.String("participant", key),
				slog.String("status", existing.Status.String()))
			delta.Duplicates = append(delta.Duplicates, existing)
			continue
		}

		t.seq++
		p.seq = t.seq
		if p.JoinedAt.IsZero() {
			p.JoinedAt = t.now()
		}
		t.members[key] = p
		delta.Joined = append(delta.Joined, p)
	}

	if !delta.Empty() {
		t.logger.Debug("RosterTracker.OnParticipantsChanged",
			slog.String("owner", t.owner),
			slog.Int("joined", len(delta.Joined)),
			slog.Int("left", len(delta.Left)),
			slog.Int("size", len(t.members)))
	}
	return delta
}

// GetRoster возвращает снимок внешнего ростера: без скрытых участников,
// в порядке присоединения
func (t *Tracker) GetRoster() []Participant {
	return t.snapshot(false)
}

// Internal возвращает снимок всех отслеживаемых участников, включая скрытых
func (t *Tracker) Internal() []Participant {
	return t.snapshot(true)
}

func (t *Tracker) snapshot(includeHidden bool) []Participant {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Participant, 0, len(t.members))
	for _, p := range t.members {
		if p.IsHidden() && !includeHidden {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Get возвращает участника по идентичности (в любой форме URI)
func (t *Tracker) Get(identity string) (Participant, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.members[CanonicalKey(identity)]
	return p, ok
}

// Contains проверяет присутствие участника
func (t *Tracker) Contains(identity string) bool {
	_, ok := t.Get(identity)
	return ok
}

// Update изменяет атрибуты участника (роль, видимость, статус, имя).
// Идентичность и порядок присоединения изменить нельзя.
func (t *Tracker) Update(identity string, fn func(p *Participant)) (Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := CanonicalKey(identity)
	p, ok := t.members[key]
	if !ok {
		return Participant{}, false
	}

	updated := p
	fn(&updated)
	updated.URI = p.URI
	updated.seq = p.seq
	updated.JoinedAt = p.JoinedAt
	t.members[key] = updated
	return updated, true
}

// Remove удаляет участника вне пакета уведомлений (например после отказа в допуске)
func (t *Tracker) Remove(identity string, status LobbyStatus) (Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := CanonicalKey(identity)
	p, ok := t.members[key]
	if !ok {
		return Participant{}, false
	}
	delete(t.members, key)
	p.Status = status
	return p, true
}

// Len количество всех отслеживаемых участников
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Owner идентификатор сессии-владельца
func (t *Tracker) Owner() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.owner
}

// Reparent передает трекер другой сессии, возвращает прежнего владельца.
// Содержимое ростера при этом не меняется.
func (t *Tracker) Reparent(owner string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.owner
	t.owner = owner
	t.logger.Debug("RosterTracker.Reparent",
		slog.String("from", prev),
		slog.String("to", owner),
		slog.Int("size", len(t.members)))
	return prev
}
