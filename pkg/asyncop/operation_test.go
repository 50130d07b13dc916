package asyncop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("таймаут ожидания колбэка")
	}
	var zero T
	return zero
}

func TestOperationSuccessNeverSynchronous(t *testing.T) {
	op := New[int]("join")
	got := make(chan int) // небуферизованный: синхронный колбэк заблокировал бы Begin

	op.OnSuccess(func(v int) { got <- v })
	op.OnFailure(func(err *Error) { t.Errorf("неожиданная ошибка: %v", err) })

	begun := make(chan error, 1)
	go func() {
		begun <- op.Begin(context.Background(), func(_ context.Context, c *Completer[int]) {
			c.Succeed(42)
		})
	}()

	require.NoError(t, recv(t, begun))
	assert.Equal(t, 42, recv(t, got))

	v, err := op.Result()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.True(t, op.Completed())
}

func TestOperationStartBlockingFunc(t *testing.T) {
	op := New[string]("schedule")
	require.NoError(t, op.Start(context.Background(), func(ctx context.Context) (string, error) {
		return "conf-1", nil
	}))

	v, err := op.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "conf-1", v)
}

func TestOperationFailureClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"plain error is transport failure", errors.New("connection reset"), TransportFailure},
		{"protocol rejection kept", NewError(ProtocolFailure, "join", "unsupported MCU"), ProtocolFailure},
		{"context cancel maps to cancelled", context.Canceled, Cancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := New[struct{}]("join")
			failed := make(chan *Error, 1)
			op.OnFailure(func(err *Error) { failed <- err })

			require.NoError(t, op.Begin(context.Background(), func(_ context.Context, c *Completer[struct{}]) {
				c.Fail(tt.err)
			}))

			err := recv(t, failed)
			assert.Equal(t, tt.kind, err.Kind)
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
}

func TestOperationTimeoutWithFakeClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	op := New[int]("establish", WithTimeout(5*time.Second), WithClock(clock))

	timedOut := make(chan struct{}, 1)
	var others atomic.Int32
	op.OnTimeout(func() { timedOut <- struct{}{} })
	op.OnSuccess(func(int) { others.Add(1) })
	op.OnFailure(func(*Error) { others.Add(1) })

	var actionCtx context.Context
	require.NoError(t, op.Begin(context.Background(), func(ctx context.Context, c *Completer[int]) {
		actionCtx = ctx
	}))

	clock.Advance(4 * time.Second)
	assert.False(t, op.Completed())

	clock.Advance(time.Second)
	recv(t, timedOut)

	_, err := op.Result()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Error(t, actionCtx.Err(), "контекст действия должен быть отменен")
	assert.Equal(t, int32(0), others.Load())
}

func TestOperationCancel(t *testing.T) {
	op := New[int]("join")
	failed := make(chan *Error, 1)
	op.OnFailure(func(err *Error) { failed <- err })

	var completer *Completer[int]
	require.NoError(t, op.Begin(context.Background(), func(_ context.Context, c *Completer[int]) {
		completer = c
	}))

	assert.True(t, op.Cancel())
	assert.False(t, op.Cancel(), "повторная отмена - no-op")
	assert.Equal(t, Cancelled, recv(t, failed).Kind)

	// запоздалое завершение действия игнорируется
	assert.NotPanics(t, func() { completer.Succeed(1) })
	_, err := op.Result()
	assert.True(t, errors.Is(err, ErrCancelled))
}

func TestOperationCancelAfterCompletionIsNoop(t *testing.T) {
	op := Resolved("terminate", 7, nil)
	<-op.Done()
	assert.False(t, op.Cancel())

	v, err := op.Result()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestOperationDoubleCompletionPanics(t *testing.T) {
	op := New[int]("admit")
	assert.PanicsWithValue(t, ErrDoubleComplete, func() {
		_ = op.Begin(context.Background(), func(_ context.Context, c *Completer[int]) {
			c.Succeed(1)
			c.Succeed(2)
		})
	})
}

func TestOperationParentDeadlinePropagates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	op := New[int]("join")
	timedOut := make(chan struct{}, 1)
	op.OnTimeout(func() { timedOut <- struct{}{} })

	require.NoError(t, op.Begin(ctx, func(context.Context, *Completer[int]) {}))
	recv(t, timedOut)
	assert.Equal(t, Timeout, KindOf(func() error { _, err := op.Result(); return err }()))
}

func TestOperationParentCancelPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	op := New[int]("join")
	failed := make(chan *Error, 1)
	op.OnFailure(func(err *Error) { failed <- err })

	require.NoError(t, op.Begin(ctx, func(context.Context, *Completer[int]) {}))
	cancel()
	assert.Equal(t, Cancelled, recv(t, failed).Kind)
}

func TestOperationStartTwice(t *testing.T) {
	op := New[int]("join")
	noop := func(context.Context, *Completer[int]) {}
	require.NoError(t, op.Begin(context.Background(), noop))
	assert.ErrorIs(t, op.Begin(context.Background(), noop), ErrAlreadyStarted)
	op.Cancel()
}

func TestOperationCallbackAfterCompletion(t *testing.T) {
	op := Resolved("schedule", "x", nil)
	<-op.Done()

	got := make(chan string, 1)
	op.OnSuccess(func(v string) { got <- v })
	assert.Equal(t, "x", recv(t, got))
}

func TestOperationWaitContextExpires(t *testing.T) {
	op := New[int]("join")
	require.NoError(t, op.Begin(context.Background(), func(context.Context, *Completer[int]) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := op.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, op.Completed(), "истечение Wait не отменяет операцию")
	op.Cancel()
}

func TestErrorFormatting(t *testing.T) {
	err := NewError(ProtocolFailure, "join", "rejected").
		WithField("status", 488).
		WithCause(errors.New("not acceptable here"))

	assert.Equal(t, "[PROTOCOL_FAILURE:join] rejected: not acceptable here", err.Error())
	assert.Equal(t, 488, err.Fields["status"])
	assert.True(t, errors.Is(err, ErrProtocol))
	assert.False(t, errors.Is(err, ErrTransport))
	assert.True(t, TransportFailure.Retryable())
	assert.False(t, ProtocolFailure.Retryable())
}
