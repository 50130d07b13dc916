package orchestrator

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
)

// ShardCount количество шардов реестра, степень двойки
const ShardCount = 32

type registryShard struct {
	items map[string]*Orchestrator
	mu    sync.RWMutex
}

// Registry реестр живых оркестраторов по идентификатору сессии.
// Ключи распределяются по шардам с независимыми мьютексами.
type Registry struct {
	shards [ShardCount]*registryShard
	logger *slog.Logger
}

// NewRegistry создает пустой реестр
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	for i := range r.shards {
		r.shards[i] = &registryShard{items: make(map[string]*Orchestrator)}
	}
	return r
}

func (r *Registry) shard(id string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()&(ShardCount-1)]
}

// Add добавляет оркестратор. Повторный идентификатор - ошибка.
func (r *Registry) Add(o *Orchestrator) error {
	sh := r.shard(o.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.items[o.ID()]; exists {
		return fmt.Errorf("session %s already registered", o.ID())
	}
	sh.items[o.ID()] = o
	return nil
}

// Track добавляет оркестратор и архивирует его (удаляет и закрывает), когда
// исходная сессия и все ее потомки завершены
func (r *Registry) Track(o *Orchestrator) error {
	if err := r.Add(o); err != nil {
		return err
	}
	o.OnStateChange(func(ev StateChange) {
		if !ev.To.IsTerminal() || !o.Archivable() {
			return
		}
		if r.Remove(o.ID()) {
			r.logger.Debug("Registry archived session", slog.String("session_id", o.ID()))
			o.Close()
		}
	})
	return nil
}

// Get возвращает оркестратор по идентификатору
func (r *Registry) Get(id string) (*Orchestrator, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	o, ok := sh.items[id]
	return o, ok
}

// Remove удаляет оркестратор из реестра
func (r *Registry) Remove(id string) bool {
	sh := r.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.items[id]; !ok {
		return false
	}
	delete(sh.items, id)
	return true
}

// Count количество оркестраторов во всех шардах
func (r *Registry) Count() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.items)
		sh.mu.RUnlock()
	}
	return n
}

// ForEach вызывает fn для каждого оркестратора. fn выполняется
// вне блокировок реестра и может изменять его.
func (r *Registry) ForEach(fn func(*Orchestrator)) {
	var all []*Orchestrator
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, o := range sh.items {
			all = append(all, o)
		}
		sh.mu.RUnlock()
	}
	for _, o := range all {
		fn(o)
	}
}
