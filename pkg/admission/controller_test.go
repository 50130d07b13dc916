package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/uc_session/pkg/asyncop"
	"github.com/arzzra/uc_session/pkg/roster"
)

const waitTimeout = 2 * time.Second

// fakeActions транспорт с настраиваемыми отказами
type fakeActions struct {
	mu       sync.Mutex
	rejected map[string]error
	callErr  error
	calls    [][]string
}

func (f *fakeActions) do(ps []roster.Participant) (map[string]error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, roster.Keys(ps))
	if f.callErr != nil {
		return nil, f.callErr
	}
	out := make(map[string]error)
	for _, p := range ps {
		if err, ok := f.rejected[p.Key()]; ok {
			out[p.Key()] = err
		}
	}
	return out, nil
}

func (f *fakeActions) Admit(_ context.Context, ps []roster.Participant) (map[string]error, error) {
	return f.do(ps)
}

func (f *fakeActions) Deny(_ context.Context, ps []roster.Participant) (map[string]error, error) {
	return f.do(ps)
}

type outcomeCollector struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (c *outcomeCollector) add(o Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, o)
}

func (c *outcomeCollector) snapshot() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outcome(nil), c.outcomes...)
}

func newTestController(t *testing.T, actions Actions, clock clockwork.Clock) (*Controller, *outcomeCollector) {
	t.Helper()
	ctrl := NewController(actions, WithClock(clock))
	t.Cleanup(ctrl.Close)
	col := &outcomeCollector{}
	ctrl.OnOutcome(col.add)
	return ctrl, col
}

func wait[T any](t *testing.T, op *asyncop.Operation[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	return op.Wait(ctx)
}

func TestControllerAdmitPartitionsInput(t *testing.T) {
	actions := &fakeActions{rejected: map[string]error{
		"sip:c@x.com": errors.New("486 busy"),
	}}
	ctrl, col := newTestController(t, actions, clockwork.NewFakeClock())

	for _, uri := range []string{"sip:a@x.com", "sip:b@x.com", "sip:c@x.com"} {
		require.NoError(t, ctrl.Enqueue(roster.Participant{URI: uri}, 0))
	}

	input := []roster.Participant{
		{URI: "sip:a@x.com"},
		{URI: "SIP:A@X.COM"},
		{URI: "sip:b@x.com"},
		{URI: "sip:c@x.com"},
		{URI: "sip:nobody@x.com"},
	}
	res, err := wait(t, ctrl.BeginAdmit(context.Background(), input))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"sip:a@x.com", "sip:b@x.com"}, roster.Keys(res.Succeeded))
	require.Len(t, res.Failed, 2)
	assert.Equal(t, asyncop.ProtocolFailure, res.Failed["sip:c@x.com"].Kind)
	assert.Equal(t, asyncop.InvalidStateTransition, res.Failed["sip:nobody@x.com"].Kind)
	assert.Equal(t, 4, res.Total(), "дубликат входа учитывается один раз")

	var opErr *asyncop.Error
	require.ErrorAs(t, res.Err(), &opErr)
	assert.Equal(t, asyncop.PartialFailure, opErr.Kind)

	// транспорт вызывается только для участников в лобби
	require.Len(t, actions.calls, 1)
	assert.ElementsMatch(t, []string{"sip:a@x.com", "sip:b@x.com", "sip:c@x.com"}, actions.calls[0])

	assert.False(t, ctrl.InLobby("sip:a@x.com"))
	assert.True(t, ctrl.InLobby("sip:c@x.com"), "неудачный допуск оставляет участника в лобби")
	for _, s := range res.Succeeded {
		assert.Equal(t, roster.StatusAdmitted, s.Status)
	}
	assert.Len(t, col.snapshot(), 2)
}

func TestControllerTransportFailureFailsWholeBatch(t *testing.T) {
	actions := &fakeActions{callErr: errors.New("connection reset")}
	ctrl, col := newTestController(t, actions, clockwork.NewFakeClock())

	require.NoError(t, ctrl.Enqueue(roster.Participant{URI: "sip:a@x.com"}, 0))
	require.NoError(t, ctrl.Enqueue(roster.Participant{URI: "sip:b@x.com"}, 0))

	res, err := wait(t, ctrl.BeginDeny(context.Background(), []roster.Participant{{URI: "sip:a@x.com"}, {URI: "sip:b@x.com"}}))
	require.NoError(t, err)
	assert.Empty(t, res.Succeeded)
	require.Len(t, res.Failed, 2)
	for _, f := range res.Failed {
		assert.Equal(t, asyncop.TransportFailure, f.Kind)
		assert.ErrorIs(t, f.Err, asyncop.ErrTransport)
	}
	assert.Empty(t, col.snapshot())
	assert.Len(t, ctrl.Pending(), 2)
}

func TestControllerPartitionProperty(t *testing.T) {
	for seed := 0; seed < 20; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rejected := make(map[string]error)
			ctrl, _ := newTestController(t, &fakeActions{rejected: rejected}, clockwork.NewFakeClock())

			var input []roster.Participant
			for i := 0; i < 10; i++ {
				p := roster.Participant{URI: fmt.Sprintf("sip:u%d@x.com", i)}
				switch (i + seed) % 3 {
				case 0:
					require.NoError(t, ctrl.Enqueue(p, 0))
				case 1:
					require.NoError(t, ctrl.Enqueue(p, 0))
					rejected[p.Key()] = errors.New("rejected")
				}
				input = append(input, p)
			}

			res, err := wait(t, ctrl.BeginAdmit(context.Background(), input))
			require.NoError(t, err)

			seen := make(map[string]int)
			for _, s := range res.Succeeded {
				seen[s.Key()]++
			}
			for k := range res.Failed {
				seen[k]++
			}
			assert.Len(t, seen, len(input))
			for k, n := range seen {
				assert.Equal(t, 1, n, "участник %s попал в результат %d раз", k, n)
			}
		})
	}
}

func TestControllerLobbyTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctrl, col := newTestController(t, &fakeActions{}, clock)

	p := roster.Participant{URI: "sip:late@x.com"}
	require.NoError(t, ctrl.Enqueue(p, 5*time.Minute))

	deadline, ok := ctrl.LobbyDeadline("sip:late@x.com")
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(5*time.Minute), deadline)

	clock.Advance(4 * time.Minute)
	assert.True(t, ctrl.InLobby("sip:late@x.com"))

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return len(col.snapshot()) == 1 }, waitTimeout, time.Millisecond)

	o := col.snapshot()[0]
	assert.Equal(t, LobbyTimedOut, o.Result)
	assert.True(t, o.Result.Removed())
	assert.Equal(t, roster.StatusDenied, o.Participant.Status)
	assert.Equal(t, 5*time.Minute, o.Waited)
	assert.False(t, ctrl.InLobby("sip:late@x.com"))

	// поздний допуск после таймаута
	res, err := wait(t, ctrl.BeginAdmit(context.Background(), []roster.Participant{p}))
	require.NoError(t, err)
	assert.Equal(t, asyncop.InvalidStateTransition, res.Failed[p.Key()].Kind)
}

func TestControllerDecisionCancelsLobbyTimer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctrl, col := newTestController(t, &fakeActions{}, clock)

	p := roster.Participant{URI: "sip:a@x.com"}
	require.NoError(t, ctrl.Enqueue(p, time.Minute))
	require.NoError(t, ctrl.Enqueue(p, time.Hour), "повторная постановка ничего не меняет")
	assert.Equal(t, int64(1), ctrl.TimerStats().Created)

	res, err := wait(t, ctrl.BeginDeny(context.Background(), []roster.Participant{p}))
	require.NoError(t, err)
	require.Len(t, res.Succeeded, 1)
	assert.Equal(t, roster.StatusDenied, res.Succeeded[0].Status)

	stats := ctrl.TimerStats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, int64(1), stats.Cancelled)

	clock.Advance(2 * time.Minute)
	outcomes := col.snapshot()
	require.Len(t, outcomes, 1)
	assert.Equal(t, LobbyDenied, outcomes[0].Result)
}

func TestControllerEvaluatorErrorIsPending(t *testing.T) {
	failing := EvaluatorFunc(func(context.Context, roster.Participant, Policy) (Decision, error) {
		return Admit, errors.New("policy store unavailable")
	})
	ctrl := NewController(&fakeActions{}, WithEvaluator(failing))
	defer ctrl.Close()

	d, err := ctrl.Evaluate(context.Background(), roster.Participant{URI: "sip:a@x.com"}, Policy{})
	assert.Error(t, err)
	assert.Equal(t, Pending, d)
}

func TestControllerClosedRejectsEnqueue(t *testing.T) {
	ctrl := NewController(&fakeActions{}, WithClock(clockwork.NewFakeClock()))
	require.NoError(t, ctrl.Enqueue(roster.Participant{URI: "sip:a@x.com"}, time.Minute))
	ctrl.Close()

	assert.Empty(t, ctrl.Pending())
	assert.ErrorIs(t, ctrl.Enqueue(roster.Participant{URI: "sip:b@x.com"}, 0), asyncop.ErrInvalidState)
}

func TestControllerWithdraw(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctrl, col := newTestController(t, &fakeActions{}, clock)

	require.NoError(t, ctrl.Enqueue(roster.Participant{URI: "sip:a@x.com"}, time.Minute))
	assert.True(t, ctrl.Withdraw("SIP:A@X.COM"))
	assert.False(t, ctrl.Withdraw("sip:a@x.com"))

	clock.Advance(2 * time.Minute)
	assert.Empty(t, col.snapshot())
	assert.Equal(t, 0, ctrl.TimerStats().Active)
}

func TestControllerPendingKeepsEnqueueOrder(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctrl, _ := newTestController(t, &fakeActions{}, clock)

	want := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		uri := fmt.Sprintf("sip:guest%02d@x.com", i)
		want = append(want, uri)
		require.NoError(t, ctrl.Enqueue(roster.Participant{URI: uri}, 0))
		if i%5 == 4 {
			clock.Advance(time.Second)
		}
	}

	for i := 0; i < 10; i++ {
		assert.Equal(t, want, roster.Keys(ctrl.Pending()))
	}

	ctrl.Withdraw(want[3])
	assert.Equal(t, append(append([]string{}, want[:3]...), want[4:]...), roster.Keys(ctrl.Pending()))
}
