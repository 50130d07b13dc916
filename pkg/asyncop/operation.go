package asyncop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// outcome вид завершения операции
type outcome int

const (
	outcomePending outcome = iota
	outcomeSuccess
	outcomeFailure
	outcomeTimeout
)

// Dispatcher запускает колбэки завершения. Реализация определяет контекст
// выполнения, но не должна выполнять функцию синхронно в вызывающей горутине.
type Dispatcher func(fn func())

// GoDispatcher запускает каждый колбэк в отдельной горутине
func GoDispatcher(fn func()) { go fn() }

type options struct {
	timeout  time.Duration
	clock    clockwork.Clock
	dispatch Dispatcher
}

// Option настраивает операцию
type Option func(*options)

// WithTimeout задает таймаут операции (0 - без таймаута)
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithClock задает источник времени для таймаута
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithDispatcher задает контекст выполнения колбэков
func WithDispatcher(d Dispatcher) Option {
	return func(o *options) {
		if d != nil {
			o.dispatch = d
		}
	}
}

// Operation одна асинхронная операция с единственным завершением.
//
// Ровно один из колбэков OnSuccess, OnFailure или OnTimeout вызывается
// после завершения. Колбэки никогда не вызываются синхронно внутри Begin/Start.
type Operation[T any] struct {
	name  string
	token string
	opts  options

	mu        sync.Mutex
	started   bool
	state     outcome
	result    T
	err       *Error
	done      chan struct{}
	cancel    context.CancelFunc
	timer     clockwork.Timer
	stopWatch func() bool
	startedAt time.Time
	endedAt   time.Time

	onSuccess []func(T)
	onFailure []func(*Error)
	onTimeout []func()
}

// New создает операцию. Действие запускается через Begin или Start.
func New[T any](name string, opts ...Option) *Operation[T] {
	o := options{
		clock:    clockwork.NewRealClock(),
		dispatch: GoDispatcher,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Operation[T]{
		name:  name,
		token: uuid.NewString(),
		opts:  o,
		done:  make(chan struct{}),
	}
}

// Name имя операции
func (op *Operation[T]) Name() string { return op.name }

// Token корреляционный токен операции
func (op *Operation[T]) Token() string { return op.token }

// OnSuccess регистрирует колбэк успешного завершения
func (op *Operation[T]) OnSuccess(fn func(T)) *Operation[T] {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state == outcomeSuccess {
		result := op.result
		op.opts.dispatch(func() { fn(result) })
		return op
	}
	op.onSuccess = append(op.onSuccess, fn)
	return op
}

// OnFailure регистрирует колбэк ошибки (включая отмену)
func (op *Operation[T]) OnFailure(fn func(*Error)) *Operation[T] {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state == outcomeFailure {
		err := op.err
		op.opts.dispatch(func() { fn(err) })
		return op
	}
	op.onFailure = append(op.onFailure, fn)
	return op
}

// OnTimeout регистрирует колбэк таймаута
func (op *Operation[T]) OnTimeout(fn func()) *Operation[T] {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state == outcomeTimeout {
		op.opts.dispatch(fn)
		return op
	}
	op.onTimeout = append(op.onTimeout, fn)
	return op
}

// Completer передается действию для сообщения о результате.
// Повторное завершение через один Completer - ошибка программиста и вызывает панику.
type Completer[T any] struct {
	op    *Operation[T]
	calls atomic.Int32
}

// Complete сообщает результат действия
func (c *Completer[T]) Complete(result T, err error) {
	if c.calls.Add(1) > 1 {
		panic(ErrDoubleComplete)
	}
	if err == nil {
		c.op.finish(outcomeSuccess, result, nil)
		return
	}
	var zero T
	e := Wrap(err, TransportFailure, c.op.name)
	if e.Kind == Timeout {
		c.op.finish(outcomeTimeout, zero, e)
		return
	}
	c.op.finish(outcomeFailure, zero, e)
}

// Succeed сокращение для Complete(result, nil)
func (c *Completer[T]) Succeed(result T) { c.Complete(result, nil) }

// Fail сокращение для Complete(zero, err)
func (c *Completer[T]) Fail(err error) {
	var zero T
	if err == nil {
		err = NewError(KindUnknown, c.op.name, "failed without error")
	}
	c.Complete(zero, err)
}

// Begin запускает действие в стиле begin/end. Действие должно вернуть управление
// быстро и сообщить результат через Completer позже (или сразу - колбэки все равно
// будут вызваны асинхронно). Отмена и таймаут отменяют контекст действия.
func (op *Operation[T]) Begin(ctx context.Context, action func(ctx context.Context, c *Completer[T])) error {
	op.mu.Lock()
	if op.started {
		op.mu.Unlock()
		return ErrAlreadyStarted
	}
	op.started = true
	op.startedAt = op.opts.clock.Now()
	if op.state != outcomePending {
		// отменена до запуска
		op.mu.Unlock()
		return nil
	}

	actionCtx, cancel := context.WithCancel(ctx)
	op.cancel = cancel

	if op.opts.timeout > 0 {
		timeout := op.opts.timeout
		op.timer = op.opts.clock.AfterFunc(timeout, func() {
			var zero T
			op.finish(outcomeTimeout, zero,
				NewError(Timeout, op.name, "operation timed out").WithField("timeout", timeout.String()))
		})
	}

	// Дедлайн и отмена родительского контекста распространяются на операцию
	op.stopWatch = context.AfterFunc(ctx, func() {
		var zero T
		e := Wrap(ctx.Err(), Cancelled, op.name)
		if e.Kind == Timeout {
			op.finish(outcomeTimeout, zero, e)
			return
		}
		op.finish(outcomeFailure, zero, e)
	})
	op.mu.Unlock()

	action(actionCtx, &Completer[T]{op: op})
	return nil
}

// Start запускает блокирующую функцию в отдельной горутине
func (op *Operation[T]) Start(ctx context.Context, fn func(ctx context.Context) (T, error)) error {
	return op.Begin(ctx, func(ctx context.Context, c *Completer[T]) {
		go func() {
			result, err := fn(ctx)
			c.Complete(result, err)
		}()
	})
}

// Cancel отменяет операцию. Если операция уже завершена - ничего не делает
// и возвращает false.
func (op *Operation[T]) Cancel() bool {
	var zero T
	return op.finish(outcomeFailure, zero, NewError(Cancelled, op.name, "operation cancelled"))
}

// finish фиксирует единственный результат и планирует колбэки
func (op *Operation[T]) finish(kind outcome, result T, err *Error) bool {
	op.mu.Lock()
	if op.state != outcomePending {
		op.mu.Unlock()
		return false
	}
	op.state = kind
	op.result = result
	op.err = err
	op.endedAt = op.opts.clock.Now()

	if op.timer != nil {
		op.timer.Stop()
	}
	if op.stopWatch != nil {
		op.stopWatch()
	}
	if op.cancel != nil {
		op.cancel()
	}
	close(op.done)

	onSuccess, onFailure, onTimeout := op.onSuccess, op.onFailure, op.onTimeout
	op.onSuccess, op.onFailure, op.onTimeout = nil, nil, nil
	op.mu.Unlock()

	op.opts.dispatch(func() {
		switch kind {
		case outcomeSuccess:
			for _, fn := range onSuccess {
				fn(result)
			}
		case outcomeFailure:
			for _, fn := range onFailure {
				fn(err)
			}
		case outcomeTimeout:
			for _, fn := range onTimeout {
				fn()
			}
		}
	})
	return true
}

// Done закрывается после завершения операции
func (op *Operation[T]) Done() <-chan struct{} { return op.done }

// Completed сообщает, завершена ли операция
func (op *Operation[T]) Completed() bool {
	select {
	case <-op.done:
		return true
	default:
		return false
	}
}

// Result возвращает результат завершенной операции или ErrNotCompleted
func (op *Operation[T]) Result() (T, error) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state == outcomePending {
		var zero T
		return zero, ErrNotCompleted
	}
	if op.err != nil {
		return op.result, op.err
	}
	return op.result, nil
}

// Wait ожидает завершения операции. Истечение ctx не отменяет саму операцию.
func (op *Operation[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-op.done:
		return op.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Elapsed длительность выполнения (до текущего момента, если еще не завершена)
func (op *Operation[T]) Elapsed() time.Duration {
	op.mu.Lock()
	defer op.mu.Unlock()
	if !op.started {
		return 0
	}
	if op.state == outcomePending {
		return op.opts.clock.Since(op.startedAt)
	}
	return op.endedAt.Sub(op.startedAt)
}

// Resolved создает уже завершенную операцию, например для идемпотентных вызовов
func Resolved[T any](name string, result T, err error, opts ...Option) *Operation[T] {
	op := New[T](name, opts...)
	_ = op.Begin(context.Background(), func(_ context.Context, c *Completer[T]) {
		c.Complete(result, err)
	})
	return op
}
