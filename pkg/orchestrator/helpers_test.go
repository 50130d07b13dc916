package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/arzzra/uc_session/pkg/admission"
	"github.com/arzzra/uc_session/pkg/roster"
	"github.com/arzzra/uc_session/pkg/session"
)

const waitTimeout = 2 * time.Second

// stubTransport транспорт с подменяемым поведением и журналом вызовов
type stubTransport struct {
	mu    sync.Mutex
	calls []string

	attachErr   error
	scheduleFn  func(ctx context.Context, info session.Info) error
	joinFn      func(ctx context.Context, info session.Info) error
	establishFn func(ctx context.Context, info session.Info) error
	terminateFn func(ctx context.Context, info session.Info) error
	escalateFn  func(ctx context.Context, from, to session.Info) error
	admitFn     func(ps []roster.Participant) (map[string]error, error)

	events     Events
	attached   int
	closed     int
	terminates int
	denied     [][]string
}

type stubRegistration struct{ t *stubTransport }

func (r stubRegistration) Close() error {
	r.t.mu.Lock()
	defer r.t.mu.Unlock()
	r.t.closed++
	return nil
}

func (t *stubTransport) record(call string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, call)
}

func (t *stubTransport) Attach(_ context.Context, _ session.Info, events Events) (Registration, error) {
	t.record("attach")
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.attachErr != nil {
		return nil, t.attachErr
	}
	t.attached++
	t.events = events
	return stubRegistration{t: t}, nil
}

func (t *stubTransport) Schedule(ctx context.Context, info session.Info, _ admission.Policy) error {
	t.record("schedule:" + info.Kind.String())
	if t.scheduleFn != nil {
		return t.scheduleFn(ctx, info)
	}
	return nil
}

func (t *stubTransport) Join(ctx context.Context, info session.Info) error {
	t.record("join:" + info.Kind.String())
	if t.joinFn != nil {
		return t.joinFn(ctx, info)
	}
	return nil
}

func (t *stubTransport) Establish(ctx context.Context, info session.Info) error {
	t.record("establish:" + info.Kind.String())
	if t.establishFn != nil {
		return t.establishFn(ctx, info)
	}
	return nil
}

func (t *stubTransport) Terminate(ctx context.Context, info session.Info) error {
	t.record("terminate:" + info.Kind.String())
	t.mu.Lock()
	t.terminates++
	fn := t.terminateFn
	t.mu.Unlock()
	if fn != nil {
		return fn(ctx, info)
	}
	return nil
}

func (t *stubTransport) Admit(_ context.Context, _ session.Info, ps []roster.Participant) (map[string]error, error) {
	t.record("admit")
	if t.admitFn != nil {
		return t.admitFn(ps)
	}
	return nil, nil
}

func (t *stubTransport) Deny(_ context.Context, _ session.Info, ps []roster.Participant) (map[string]error, error) {
	t.record("deny")
	t.mu.Lock()
	t.denied = append(t.denied, roster.Keys(ps))
	t.mu.Unlock()
	return nil, nil
}

func (t *stubTransport) Escalate(ctx context.Context, from, to session.Info) error {
	t.record("escalate")
	if t.escalateFn != nil {
		return t.escalateFn(ctx, from, to)
	}
	return nil
}

func (t *stubTransport) snapshot() (attached, closed, terminates int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attached, t.closed, t.terminates
}

func (t *stubTransport) deniedCalls() [][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]string(nil), t.denied...)
}

func (t *stubTransport) sink() Events {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

// blockUntilCancelled вызов транспорта, который не завершается сам
func blockUntilCancelled(ctx context.Context, _ session.Info) error {
	<-ctx.Done()
	return ctx.Err()
}

// eventCollector собирает уведомления оркестратора
type eventCollector struct {
	mu         sync.Mutex
	states     []StateChange
	rosters    []RosterChange
	admissions []AdmissionEvent
}

func collect(o *Orchestrator) *eventCollector {
	c := &eventCollector{}
	o.OnStateChange(func(ev StateChange) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.states = append(c.states, ev)
	})
	o.OnRosterChange(func(ev RosterChange) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.rosters = append(c.rosters, ev)
	})
	o.OnAdmission(func(ev AdmissionEvent) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.admissions = append(c.admissions, ev)
	})
	return c
}

// path последовательность состояний сессии по уведомлениям
func (c *eventCollector) path(sessionID string) []session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []session.State
	for _, ev := range c.states {
		if ev.SessionID != sessionID {
			continue
		}
		if len(out) == 0 {
			out = append(out, ev.From)
		}
		out = append(out, ev.To)
	}
	return out
}

func (c *eventCollector) hasState(sessionID string, st session.State) bool {
	for _, s := range c.path(sessionID) {
		if s == st {
			return true
		}
	}
	return false
}

func (c *eventCollector) admissionResults(key string) []admission.LobbyResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []admission.LobbyResult
	for _, ev := range c.admissions {
		if ev.Participant.Key() == key {
			out = append(out, ev.Result)
		}
	}
	return out
}

func (c *eventCollector) rosterEvents() []RosterChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RosterChange(nil), c.rosters...)
}

// waitFor ждет выполнения условия с таймаутом
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func participant(uri string) roster.Participant {
	return roster.Participant{URI: uri}
}
