// Package scenario описывает и выполняет сценарии симулятора: сессию, ее
// политику и последовательность шагов против simtransport.
package scenario

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/uc_session/pkg/admission"
	"github.com/arzzra/uc_session/pkg/roster"
	"github.com/arzzra/uc_session/pkg/session"
	"github.com/arzzra/uc_session/pkg/simtransport"
)

// Действия шагов
const (
	ActionSchedule         = "schedule"
	ActionJoin             = "join"
	ActionEstablish        = "establish"
	ActionJoinAndEstablish = "join_and_establish"
	ActionTerminate        = "terminate"
	ActionEscalate         = "escalate"
	ActionParticipants     = "participants"
	ActionAdmit            = "admit"
	ActionDeny             = "deny"
	ActionAwait            = "await"
	ActionSleep            = "sleep"
	ActionAdvance          = "advance"
	ActionFail             = "fail"
	ActionHeal             = "heal"
	ActionHold             = "hold"
	ActionRelease          = "release"
	ActionLatency          = "latency"
	ActionReject           = "reject"
	ActionRemoteEnd        = "remote_end"
	ActionExpect           = "expect"
)

var actions = []string{
	ActionSchedule, ActionJoin, ActionEstablish, ActionJoinAndEstablish,
	ActionTerminate, ActionEscalate, ActionParticipants, ActionAdmit, ActionDeny,
	ActionAwait, ActionSleep, ActionAdvance, ActionFail, ActionHeal, ActionHold,
	ActionRelease, ActionLatency, ActionReject, ActionRemoteEnd, ActionExpect,
}

// Scenario сценарий одной сессии
type Scenario struct {
	Name    string      `yaml:"name" validate:"required"`
	Kind    string      `yaml:"kind" validate:"session_kind"`
	Subject string      `yaml:"subject"`
	Policy  *PolicySpec `yaml:"policy"`
	Steps   []Step      `yaml:"steps" validate:"required,min=1,dive"`
	// StepTimeout ожидание завершения асинхронной операции шага
	StepTimeout time.Duration `yaml:"step_timeout" validate:"gte=0"`
}

// PolicySpec политика допуска сценария, перекрывает конфигурацию
type PolicySpec struct {
	Access           string        `yaml:"access" validate:"access_level"`
	Invited          []string      `yaml:"invited" validate:"dive,required"`
	EnterpriseDomain string        `yaml:"enterprise_domain"`
	LobbyBypass      string        `yaml:"lobby_bypass" validate:"lobby_bypass"`
	LobbyTimeout     time.Duration `yaml:"lobby_timeout" validate:"gte=0"`
	Passcode         string        `yaml:"passcode"`
}

// ParticipantSpec участник в сценарии
type ParticipantSpec struct {
	URI         string `yaml:"uri" validate:"required"`
	DisplayName string `yaml:"display_name"`
	Role        string `yaml:"role" validate:"omitempty,participant_role"`
	Hidden      bool   `yaml:"hidden"`
}

// Step один шаг сценария
type Step struct {
	Action string `yaml:"action" validate:"required,scenario_action"`
	// ID имя операции для последующего await; операция не ожидается сразу
	ID string `yaml:"id"`
	// ExpectError шаг должен завершиться ошибкой
	ExpectError bool `yaml:"expect_error"`

	Joined []ParticipantSpec `yaml:"joined" validate:"dive"`
	Left   []string          `yaml:"left"`
	// Participants участники admit/deny; пусто - все ожидающие в лобби
	Participants []string `yaml:"participants"`

	Stage    string        `yaml:"stage" validate:"omitempty,transport_stage"`
	Times    int           `yaml:"times"`
	Error    string        `yaml:"error"`
	Duration time.Duration `yaml:"duration" validate:"gte=0"`

	Expect *Expectation `yaml:"expect"`
}

// Expectation проверка состояния после шага
type Expectation struct {
	State  string    `yaml:"state"`
	Kind   string    `yaml:"kind"`
	Roster *[]string `yaml:"roster"`
	Lobby  *int      `yaml:"lobby"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("session_kind", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		_, err := session.ParseKind(s)
		return err == nil
	})
	_ = v.RegisterValidation("access_level", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if s == "" {
			return true
		}
		_, err := admission.ParseAccessLevel(s)
		return err == nil
	})
	_ = v.RegisterValidation("lobby_bypass", func(fl validator.FieldLevel) bool {
		_, err := admission.ParseLobbyBypass(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("participant_role", func(fl validator.FieldLevel) bool {
		_, err := roster.ParseRole(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("scenario_action", func(fl validator.FieldLevel) bool {
		return contains(actions, fl.Field().String())
	})
	_ = v.RegisterValidation("transport_stage", func(fl validator.FieldLevel) bool {
		return contains(simtransport.Stages, fl.Field().String())
	})
	return v
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Validate проверяет сценарий
func (s *Scenario) Validate() error {
	if err := validate.Struct(s); err != nil {
		return errors.Wrapf(err, "scenario %q", s.Name)
	}
	ids := make(map[string]bool)
	for i, st := range s.Steps {
		switch st.Action {
		case ActionFail, ActionHeal, ActionHold, ActionRelease, ActionLatency:
			if st.Stage == "" {
				return errors.Errorf("scenario %q step %d: %s requires stage", s.Name, i+1, st.Action)
			}
		case ActionExpect:
			if st.Expect == nil {
				return errors.Errorf("scenario %q step %d: expect requires expectation", s.Name, i+1)
			}
		case ActionAwait:
			if !ids[st.ID] {
				return errors.Errorf("scenario %q step %d: await of unknown operation %q", s.Name, i+1, st.ID)
			}
			continue
		}
		if st.ID != "" {
			ids[st.ID] = true
		}
	}
	return nil
}

// Parse читает один или несколько YAML-документов со сценариями
func Parse(r io.Reader) ([]Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var out []Scenario
	for {
		var s Scenario
		if err := dec.Decode(&s); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, errors.Wrap(err, "decode scenario")
		}
		if s.Name == "" && len(s.Steps) == 0 {
			// пустой документ
			continue
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, errors.New("no scenarios found")
	}
	return out, nil
}

// Load читает сценарии из файла
func Load(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read scenario %s", path)
	}
	return Parse(bytes.NewReader(data))
}

// SessionKind вид сессии сценария (по умолчанию звонок)
func (s *Scenario) SessionKind() session.Kind {
	k, err := session.ParseKind(s.Kind)
	if err != nil {
		return session.KindCall
	}
	return k
}

// AdmissionPolicy политика сценария; ok=false если сценарий ее не задает
func (s *Scenario) AdmissionPolicy() (admission.Policy, bool) {
	if s.Policy == nil {
		return admission.Policy{}, false
	}
	access, _ := admission.ParseAccessLevel(s.Policy.Access)
	bypass, _ := admission.ParseLobbyBypass(s.Policy.LobbyBypass)
	return admission.Policy{
		AccessLevel:      access,
		Invited:          append([]string(nil), s.Policy.Invited...),
		EnterpriseDomain: s.Policy.EnterpriseDomain,
		LobbyBypass:      bypass,
		LobbyTimeout:     s.Policy.LobbyTimeout,
		Passcode:         s.Policy.Passcode,
	}, true
}

// Participant преобразует описание в участника ростера
func (p ParticipantSpec) Participant() roster.Participant {
	role, _ := roster.ParseRole(p.Role)
	vis := roster.Visible
	if p.Hidden {
		vis = roster.Hidden
	}
	return roster.Participant{URI: p.URI, DisplayName: p.DisplayName, Role: role, Visibility: vis}
}
