package admission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/arzzra/uc_session/pkg/roster"
)

// AccessLevel уровень доступа к конференции
type AccessLevel int

const (
	// AccessInvited допускаются только приглашенные
	AccessInvited AccessLevel = iota
	// AccessSameEnterprise допускаются участники домена предприятия
	AccessSameEnterprise
	// AccessEveryone допускаются все
	AccessEveryone
	// AccessLocked конференция закрыта, неприглашенные отклоняются
	AccessLocked
)

var accessNames = map[AccessLevel]string{
	AccessInvited:        "Invited",
	AccessSameEnterprise: "SameEnterprise",
	AccessEveryone:       "Everyone",
	AccessLocked:         "Locked",
}

func (a AccessLevel) String() string {
	if name, ok := accessNames[a]; ok {
		return name
	}
	return "Unknown"
}

// ParseAccessLevel разбирает уровень доступа по имени
func ParseAccessLevel(s string) (AccessLevel, error) {
	for a, name := range accessNames {
		if strings.EqualFold(name, s) {
			return a, nil
		}
	}
	return AccessInvited, fmt.Errorf("unknown access level %q", s)
}

// LobbyBypass режим обхода лобби
type LobbyBypass int

const (
	// BypassNone все проходят общую проверку доступа
	BypassNone LobbyBypass = iota
	// BypassForGatewayParticipants участники через шлюз (PSTN) допускаются без лобби
	BypassForGatewayParticipants
)

func (b LobbyBypass) String() string {
	if b == BypassForGatewayParticipants {
		return "EnabledForGatewayParticipants"
	}
	return "None"
}

// ParseLobbyBypass разбирает режим обхода лобби
func ParseLobbyBypass(s string) (LobbyBypass, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return BypassNone, nil
	case "enabledforgatewayparticipants", "gateway":
		return BypassForGatewayParticipants, nil
	}
	return BypassNone, fmt.Errorf("unknown lobby bypass %q", s)
}

// Policy политика допуска сессии
type Policy struct {
	AccessLevel AccessLevel
	// Invited идентичности приглашенных (в любой форме URI)
	Invited []string
	// EnterpriseDomain домен предприятия для AccessSameEnterprise
	EnterpriseDomain string
	LobbyBypass      LobbyBypass
	// LobbyTimeout время ожидания решения для участника в лобби (0 - без ограничения)
	LobbyTimeout time.Duration
	// Passcode необязательный код доступа, передается транспорту при планировании
	Passcode string
}

// IsInvited проверяет наличие идентичности в списке приглашенных
func (p Policy) IsInvited(identity string) bool {
	key := roster.CanonicalKey(identity)
	for _, inv := range p.Invited {
		if roster.CanonicalKey(inv) == key {
			return true
		}
	}
	return false
}

// Decision результат оценки участника
type Decision int

const (
	Pending Decision = iota
	Admit
	Deny
)

func (d Decision) String() string {
	switch d {
	case Admit:
		return "Admit"
	case Deny:
		return "Deny"
	default:
		return "Pending"
	}
}

// Evaluator вычисляет решение о допуске участника
type Evaluator interface {
	Evaluate(ctx context.Context, p roster.Participant, policy Policy) (Decision, error)
}

// EvaluatorFunc адаптер функции к Evaluator
type EvaluatorFunc func(ctx context.Context, p roster.Participant, policy Policy) (Decision, error)

// Evaluate реализует Evaluator
func (f EvaluatorFunc) Evaluate(ctx context.Context, p roster.Participant, policy Policy) (Decision, error) {
	return f(ctx, p, policy)
}

// MatrixEvaluator встроенная матрица допуска:
//
//	Organizer, Leader, TrustedApplication  -> Admit
//	Gateway при BypassForGatewayParticipants -> Admit
//	приглашенный                           -> Admit
//	AccessEveryone                         -> Admit
//	AccessSameEnterprise и свой домен      -> Admit, иначе Pending
//	AccessInvited                          -> Pending
//	AccessLocked                           -> Deny
type MatrixEvaluator struct{}

// Evaluate реализует Evaluator
func (MatrixEvaluator) Evaluate(_ context.Context, p roster.Participant, policy Policy) (Decision, error) {
	switch p.Role {
	case roster.RoleOrganizer, roster.RoleLeader, roster.RoleTrustedApplication:
		return Admit, nil
	case roster.RoleGateway:
		if policy.LobbyBypass == BypassForGatewayParticipants {
			return Admit, nil
		}
	}

	if policy.IsInvited(p.URI) {
		return Admit, nil
	}

	switch policy.AccessLevel {
	case AccessEveryone:
		return Admit, nil
	case AccessSameEnterprise:
		if policy.EnterpriseDomain != "" && strings.EqualFold(p.Domain(), policy.EnterpriseDomain) {
			return Admit, nil
		}
		return Pending, nil
	case AccessLocked:
		return Deny, nil
	default:
		return Pending, nil
	}
}
