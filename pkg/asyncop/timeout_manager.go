package asyncop

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TimeoutEvent представляет событие таймаута
type TimeoutEvent struct {
	ID       string
	Deadline time.Time
	Context  interface{} // Дополнительный контекст
}

// TimeoutCallback функция обратного вызова при таймауте
type TimeoutCallback func(event TimeoutEvent)

// timeoutHandle представляет активный таймер
type timeoutHandle struct {
	timer clockwork.Timer
	event TimeoutEvent
	// seq отличает перезапущенный таймер от сработавшего старого
	seq uint64
}

// TimeoutManagerConfig конфигурация для TimeoutManager
type TimeoutManagerConfig struct {
	// Clock источник времени, по умолчанию реальные часы
	Clock clockwork.Clock

	// MaxConcurrentTimeouts максимальное количество одновременных таймеров (0 - без лимита)
	MaxConcurrentTimeouts int
}

// TimeoutManager управляет именованными таймерами
type TimeoutManager struct {
	mu       sync.Mutex
	timeouts map[string]*timeoutHandle
	clock    clockwork.Clock
	limit    int
	seq      uint64
	stopped  bool

	// Метрики
	totalCreated   int64
	totalFired     int64
	totalCancelled int64
}

// NewTimeoutManager создает новый менеджер таймаутов
func NewTimeoutManager(config *TimeoutManagerConfig) *TimeoutManager {
	tm := &TimeoutManager{
		timeouts: make(map[string]*timeoutHandle),
		clock:    clockwork.NewRealClock(),
	}
	if config != nil {
		if config.Clock != nil {
			tm.clock = config.Clock
		}
		tm.limit = config.MaxConcurrentTimeouts
	}
	return tm
}

// SetTimeout устанавливает таймер с callback. Существующий таймер с тем же id заменяется.
func (tm *TimeoutManager) SetTimeout(id string, duration time.Duration, callback TimeoutCallback, ctxData interface{}) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.stopped {
		return fmt.Errorf("timeout manager stopped")
	}

	existing, exists := tm.timeouts[id]
	if !exists && tm.limit > 0 && len(tm.timeouts) >= tm.limit {
		return fmt.Errorf("timeout limit reached: %d", tm.limit)
	}
	if exists {
		existing.timer.Stop()
	}

	tm.seq++
	seq := tm.seq
	event := TimeoutEvent{
		ID:       id,
		Deadline: tm.clock.Now().Add(duration),
		Context:  ctxData,
	}

	handle := &timeoutHandle{event: event, seq: seq}
	handle.timer = tm.clock.AfterFunc(duration, func() {
		tm.mu.Lock()
		current, ok := tm.timeouts[id]
		if !ok || current.seq != seq {
			// таймер успели отменить или заменить
			tm.mu.Unlock()
			return
		}
		delete(tm.timeouts, id)
		tm.totalFired++
		tm.mu.Unlock()

		if callback != nil {
			callback(event)
		}
	})

	tm.timeouts[id] = handle
	tm.totalCreated++
	return nil
}

// CancelTimeout отменяет таймер, возвращает false если таймера нет
func (tm *TimeoutManager) CancelTimeout(id string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if handle, exists := tm.timeouts[id]; exists {
		handle.timer.Stop()
		delete(tm.timeouts, id)
		tm.totalCancelled++
		return true
	}
	return false
}

// Deadline возвращает время срабатывания активного таймера
func (tm *TimeoutManager) Deadline(id string) (time.Time, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if handle, exists := tm.timeouts[id]; exists {
		return handle.event.Deadline, true
	}
	return time.Time{}, false
}

// ActiveCount количество активных таймеров
func (tm *TimeoutManager) ActiveCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.timeouts)
}

// TimeoutStats статистика менеджера
type TimeoutStats struct {
	Active    int
	Created   int64
	Fired     int64
	Cancelled int64
}

// Stats возвращает статистику
func (tm *TimeoutManager) Stats() TimeoutStats {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return TimeoutStats{
		Active:    len(tm.timeouts),
		Created:   tm.totalCreated,
		Fired:     tm.totalFired,
		Cancelled: tm.totalCancelled,
	}
}

// Stop отменяет все таймеры. Повторный вызов безопасен.
func (tm *TimeoutManager) Stop() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for id, handle := range tm.timeouts {
		handle.timer.Stop()
		delete(tm.timeouts, id)
		tm.totalCancelled++
	}
	tm.stopped = true
}
