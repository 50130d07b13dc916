package admission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/uc_session/pkg/roster"
)

type matrixCase struct {
	name   string
	p      roster.Participant
	policy Policy
	want   Decision
}

func matrixCases() []matrixCase {
	invited := Policy{AccessLevel: AccessInvited, Invited: []string{"sip:guest@partner.com"}}
	enterprise := Policy{AccessLevel: AccessSameEnterprise, EnterpriseDomain: "Contoso.com"}
	bypass := Policy{AccessLevel: AccessInvited, LobbyBypass: BypassForGatewayParticipants}

	return []matrixCase{
		{"organizer always admitted", roster.Participant{URI: "sip:boss@other.com", Role: roster.RoleOrganizer}, Policy{AccessLevel: AccessLocked}, Admit},
		{"leader always admitted", roster.Participant{URI: "sip:lead@other.com", Role: roster.RoleLeader}, invited, Admit},
		{"trusted app admitted", roster.Participant{URI: "sip:rec@apps.com", Role: roster.RoleTrustedApplication, Visibility: roster.Hidden}, invited, Admit},
		{"invited attendee admitted", roster.Participant{URI: "SIP:Guest@Partner.com"}, invited, Admit},
		{"uninvited attendee waits", roster.Participant{URI: "sip:stranger@else.com"}, invited, Pending},
		{"everyone admits stranger", roster.Participant{URI: "sip:stranger@else.com"}, Policy{AccessLevel: AccessEveryone}, Admit},
		{"same enterprise domain admitted", roster.Participant{URI: "sip:alice@contoso.com"}, enterprise, Admit},
		{"foreign domain waits", roster.Participant{URI: "sip:eve@fabrikam.com"}, enterprise, Pending},
		{"same enterprise without domain waits", roster.Participant{URI: "sip:alice@contoso.com"}, Policy{AccessLevel: AccessSameEnterprise}, Pending},
		{"locked denies stranger", roster.Participant{URI: "sip:stranger@else.com"}, Policy{AccessLevel: AccessLocked}, Deny},
		{"locked admits invited", roster.Participant{URI: "sip:guest@partner.com"}, Policy{AccessLevel: AccessLocked, Invited: []string{"sip:guest@partner.com"}}, Admit},
		{"gateway bypasses lobby", roster.Participant{URI: "tel:+15551234", Role: roster.RoleGateway}, bypass, Admit},
		{"gateway without bypass waits", roster.Participant{URI: "tel:+15551234", Role: roster.RoleGateway}, invited, Pending},
		{"attendee ignores gateway bypass", roster.Participant{URI: "sip:stranger@else.com"}, bypass, Pending},
	}
}

func TestMatrixEvaluator(t *testing.T) {
	for _, tc := range matrixCases() {
		t.Run(tc.name, func(t *testing.T) {
			got, err := MatrixEvaluator{}.Evaluate(context.Background(), tc.p, tc.policy)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRegoEvaluatorMatchesMatrix(t *testing.T) {
	ctx := context.Background()
	ev, err := NewRegoEvaluator(ctx, "", "")
	require.NoError(t, err)

	for _, tc := range matrixCases() {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ev.Evaluate(ctx, tc.p, tc.policy)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRegoEvaluatorCustomPolicy(t *testing.T) {
	ctx := context.Background()
	module := `package custom

default verdict := "deny"

verdict := "admit" if endswith(input.participant.domain, "trusted.org")
`
	ev, err := NewRegoEvaluator(ctx, module, "data.custom.verdict")
	require.NoError(t, err)

	d, err := ev.Evaluate(ctx, roster.Participant{URI: "sip:a@eu.trusted.org"}, Policy{})
	require.NoError(t, err)
	assert.Equal(t, Admit, d)

	d, err = ev.Evaluate(ctx, roster.Participant{URI: "sip:a@evil.com"}, Policy{})
	require.NoError(t, err)
	assert.Equal(t, Deny, d)
}

func TestRegoEvaluatorRejectsBrokenPolicy(t *testing.T) {
	_, err := NewRegoEvaluator(context.Background(), "package broken\n\nallow if {", "data.broken.allow")
	assert.Error(t, err)
}

func TestRegoEvaluatorUnknownDecision(t *testing.T) {
	ctx := context.Background()
	ev, err := NewRegoEvaluator(ctx, "package odd\n\nverdict := \"maybe\"\n", "data.odd.verdict")
	require.NoError(t, err)

	d, err := ev.Evaluate(ctx, roster.Participant{URI: "sip:a@x.com"}, Policy{})
	assert.Error(t, err)
	assert.Equal(t, Pending, d)
}

func TestParsePolicyEnums(t *testing.T) {
	a, err := ParseAccessLevel("sameenterprise")
	require.NoError(t, err)
	assert.Equal(t, AccessSameEnterprise, a)

	_, err = ParseAccessLevel("public")
	assert.Error(t, err)

	b, err := ParseLobbyBypass("EnabledForGatewayParticipants")
	require.NoError(t, err)
	assert.Equal(t, BypassForGatewayParticipants, b)

	b, err = ParseLobbyBypass("")
	require.NoError(t, err)
	assert.Equal(t, BypassNone, b)
}

func TestPolicyIsInvited(t *testing.T) {
	p := Policy{Invited: []string{"<sip:Bob@Example.com;transport=tls>"}}
	assert.True(t, p.IsInvited("sip:bob@example.com"))
	assert.False(t, p.IsInvited("sip:alice@example.com"))
}
