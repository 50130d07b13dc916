package orchestrator

import (
	"context"

	"github.com/arzzra/uc_session/pkg/admission"
	"github.com/arzzra/uc_session/pkg/roster"
	"github.com/arzzra/uc_session/pkg/session"
)

// Transport сигнализация UC-платформы. Все методы блокирующие и учитывают ctx,
// оркестратор оборачивает их в асинхронные операции.
type Transport interface {
	// Attach подписывает сессию на события транспорта. Подписка одна на сессию
	// и освобождается оркестратором ровно один раз.
	Attach(ctx context.Context, info session.Info, events Events) (Registration, error)
	Schedule(ctx context.Context, info session.Info, policy admission.Policy) error
	// Join может не возвращаться сколь угодно долго, пока локальный участник в лобби
	Join(ctx context.Context, info session.Info) error
	Establish(ctx context.Context, info session.Info) error
	Terminate(ctx context.Context, info session.Info) error
	// Admit и Deny возвращают ошибки по отдельным участникам (ключ - канонический ключ)
	// или общую ошибку вызова
	Admit(ctx context.Context, info session.Info, ps []roster.Participant) (map[string]error, error)
	Deny(ctx context.Context, info session.Info, ps []roster.Participant) (map[string]error, error)
	// Escalate переводит звонок from в конференцию to на стороне платформы
	Escalate(ctx context.Context, from, to session.Info) error
}

// Registration подписка на события транспорта
type Registration interface {
	Close() error
}

// Events события транспорта для подписанной сессии
type Events interface {
	// ParticipantsChanged пакет входов и уходов участников
	ParticipantsChanged(joined, left []roster.Participant)
	// Ended удаленная сторона завершила сессию; err != nil при аварийном завершении
	Ended(err error)
}

// IdentityResolver ищет отображаемое имя по URI участника
type IdentityResolver interface {
	Lookup(ctx context.Context, uri string) (string, error)
}

// IdentityResolverFunc адаптер функции к IdentityResolver
type IdentityResolverFunc func(ctx context.Context, uri string) (string, error)

// Lookup реализует IdentityResolver
func (f IdentityResolverFunc) Lookup(ctx context.Context, uri string) (string, error) {
	return f(ctx, uri)
}

// admissionActions направляет пакетные действия лобби в транспорт активной сессии
type admissionActions struct {
	o *Orchestrator
}

func (a admissionActions) Admit(ctx context.Context, ps []roster.Participant) (map[string]error, error) {
	return a.o.transport.Admit(ctx, a.o.active.Load().Info(), ps)
}

func (a admissionActions) Deny(ctx context.Context, ps []roster.Participant) (map[string]error, error) {
	return a.o.transport.Deny(ctx, a.o.active.Load().Info(), ps)
}

// transportEvents принимает события подписки от транспорта
type transportEvents struct {
	o *Orchestrator
}

func (e transportEvents) ParticipantsChanged(joined, left []roster.Participant) {
	e.o.OnParticipantsChanged(context.Background(), joined, left)
}

func (e transportEvents) Ended(err error) {
	e.o.handleRemoteEnd(err)
}
