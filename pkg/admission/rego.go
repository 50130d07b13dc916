package admission

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/pkg/errors"

	"github.com/arzzra/uc_session/pkg/roster"
)

// DefaultRegoQuery запрос решения в политике по умолчанию
const DefaultRegoQuery = "data.ucsession.admission.decision"

// DefaultRegoPolicy повторяет MatrixEvaluator на Rego.
// Результат decision: "admit", "deny" или "pending".
const DefaultRegoPolicy = `package ucsession.admission

default decision := "pending"

privileged if input.participant.role in {"Organizer", "Leader", "TrustedApplication"}

gateway_bypass if {
	input.participant.role == "Gateway"
	input.policy.lobby_bypass == "EnabledForGatewayParticipants"
}

invited if input.participant.key in input.policy.invited

same_enterprise if {
	input.policy.enterprise_domain != ""
	input.participant.domain == input.policy.enterprise_domain
}

admit if privileged

admit if gateway_bypass

admit if invited

admit if input.policy.access_level == "Everyone"

admit if {
	input.policy.access_level == "SameEnterprise"
	same_enterprise
}

decision := "admit" if admit

decision := "deny" if {
	not admit
	input.policy.access_level == "Locked"
}
`

// RegoEvaluator вычисляет решения допуска политикой Open Policy Agent
type RegoEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewRegoEvaluator компилирует модуль политики. Пустые module и query
// заменяются политикой и запросом по умолчанию.
func NewRegoEvaluator(ctx context.Context, module, query string) (*RegoEvaluator, error) {
	if module == "" {
		module = DefaultRegoPolicy
	}
	if query == "" {
		query = DefaultRegoQuery
	}

	prepared, err := rego.New(
		rego.Query(query),
		rego.Module("admission.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "compile admission policy")
	}
	return &RegoEvaluator{query: prepared}, nil
}

// Evaluate реализует Evaluator
func (e *RegoEvaluator) Evaluate(ctx context.Context, p roster.Participant, policy Policy) (Decision, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(regoInput(p, policy)))
	if err != nil {
		return Pending, errors.Wrap(err, "evaluate admission policy")
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Pending, fmt.Errorf("admission policy returned no result")
	}

	value, ok := rs[0].Expressions[0].Value.(string)
	if !ok {
		return Pending, fmt.Errorf("admission policy returned %T, want string", rs[0].Expressions[0].Value)
	}
	switch strings.ToLower(value) {
	case "admit":
		return Admit, nil
	case "deny":
		return Deny, nil
	case "pending":
		return Pending, nil
	}
	return Pending, fmt.Errorf("admission policy returned unknown decision %q", value)
}

func regoInput(p roster.Participant, policy Policy) map[string]interface{} {
	invited := make([]interface{}, 0, len(policy.Invited))
	for _, inv := range policy.Invited {
		invited = append(invited, roster.CanonicalKey(inv))
	}
	return map[string]interface{}{
		"participant": map[string]interface{}{
			"uri":    p.URI,
			"key":    p.Key(),
			"domain": strings.ToLower(p.Domain()),
			"role":   p.Role.String(),
			"hidden": p.IsHidden(),
		},
		"policy": map[string]interface{}{
			"access_level":      policy.AccessLevel.String(),
			"invited":           invited,
			"enterprise_domain": strings.ToLower(policy.EnterpriseDomain),
			"lobby_bypass":      policy.LobbyBypass.String(),
		},
	}
}
