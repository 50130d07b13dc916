package orchestrator

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// notifier доставляет уведомления слушателям по одному, в порядке публикации,
// на собственной горутине. Паника слушателя перехватывается и логируется,
// очередь продолжает обрабатываться.
type notifier struct {
	mu      sync.Mutex
	queue   []notification
	wake    chan struct{}
	done    chan struct{}
	closed  bool
	logger  *slog.Logger
	onPanic func(kind string)
}

type notification struct {
	kind string
	fn   func()
}

func newNotifier(logger *slog.Logger, onPanic func(kind string)) *notifier {
	n := &notifier{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  logger,
		onPanic: onPanic,
	}
	go n.run()
	return n
}

// post ставит уведомление в очередь, не блокируясь
func (n *notifier) post(kind string, fn func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, notification{kind: kind, fn: fn})
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		closed := n.closed
		n.mu.Unlock()

		for _, item := range batch {
			n.deliver(item)
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-n.wake
		}
	}
}

func (n *notifier) deliver(item notification) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Orchestrator listener panic recovered",
				slog.String("listener", item.kind),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
			if n.onPanic != nil {
				n.onPanic(item.kind)
			}
		}
	}()
	item.fn()
}

// close прекращает прием уведомлений. Уже поставленные будут доставлены.
// Не ждет доставки, поэтому безопасен внутри слушателя.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// drained закрывается, когда горутина доставки завершилась
func (n *notifier) drained() <-chan struct{} { return n.done }
