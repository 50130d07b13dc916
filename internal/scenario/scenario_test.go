package scenario

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/uc_session/pkg/admission"
	"github.com/arzzra/uc_session/pkg/roster"
	"github.com/arzzra/uc_session/pkg/session"
)

func TestParseScenario(t *testing.T) {
	scs, err := Parse(strings.NewReader(`
name: gateway-bypass
kind: conference
policy:
  access: locked
  lobby_bypass: gateway
  lobby_timeout: 2m
step_timeout: 3s
steps:
  - action: participants
    joined:
      - uri: tel:+15551234
        role: gateway
      - uri: sip:rec@apps.example.com
        role: trustedapplication
        hidden: true
`))
	require.NoError(t, err)
	require.Len(t, scs, 1)
	sc := scs[0]

	assert.Equal(t, session.KindConference, sc.SessionKind())
	assert.Equal(t, 3*time.Second, sc.StepTimeout)

	policy, ok := sc.AdmissionPolicy()
	require.True(t, ok)
	assert.Equal(t, admission.AccessLocked, policy.AccessLevel)
	assert.Equal(t, admission.BypassForGatewayParticipants, policy.LobbyBypass)
	assert.Equal(t, 2*time.Minute, policy.LobbyTimeout)

	ps := sc.Steps[0].Joined
	require.Len(t, ps, 2)
	assert.Equal(t, roster.RoleGateway, ps[0].Participant().Role)
	assert.Equal(t, roster.Hidden, ps[1].Participant().Visibility)
	assert.Equal(t, roster.RoleTrustedApplication, ps[1].Participant().Role)
}

func TestParseDefaults(t *testing.T) {
	scs, err := Parse(strings.NewReader("name: plain\nsteps:\n  - action: join\n"))
	require.NoError(t, err)
	assert.Equal(t, session.KindCall, scs[0].SessionKind())
	_, ok := scs[0].AdmissionPolicy()
	assert.False(t, ok)
}

func TestParseMultipleDocuments(t *testing.T) {
	scs, err := Parse(strings.NewReader(`
name: one
steps: [{action: join}]
---
---
name: two
steps: [{action: terminate}]
`))
	require.NoError(t, err)
	require.Len(t, scs, 2)
	assert.Equal(t, "one", scs[0].Name)
	assert.Equal(t, "two", scs[1].Name)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing name":            "steps: [{action: join}]",
		"no steps":                "name: x",
		"unknown action":          "name: x\nsteps: [{action: dance}]",
		"unknown kind":            "name: x\nkind: webinar\nsteps: [{action: join}]",
		"unknown stage":           "name: x\nsteps: [{action: fail, stage: media}]",
		"fail without stage":      "name: x\nsteps: [{action: fail}]",
		"expect without body":     "name: x\nsteps: [{action: expect}]",
		"await unknown op":        "name: x\nsteps: [{action: await, id: j}]",
		"bad role":                "name: x\nsteps: [{action: participants, joined: [{uri: sip:a@x.com, role: king}]}]",
		"participant without uri": "name: x\nsteps: [{action: participants, joined: [{role: gateway}]}]",
		"bad access":              "name: x\npolicy: {access: friends}\nsteps: [{action: join}]",
		"unknown field":           "name: x\ncolour: red\nsteps: [{action: join}]",
		"empty":                   "",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}
