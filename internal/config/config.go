// Package config загружает конфигурацию симулятора: YAML-файл и переменные
// окружения UCSIM_*, с проверкой через validator.
package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/arzzra/uc_session/pkg/admission"
	"github.com/arzzra/uc_session/pkg/logging"
	"github.com/arzzra/uc_session/pkg/orchestrator"
)

// EnvPrefix префикс переменных окружения (UCSIM_SESSION_JOIN_TIMEOUT и т.п.)
const EnvPrefix = "UCSIM"

// Config конфигурация симулятора
type Config struct {
	Session orchestrator.Config `mapstructure:"session"`
	Policy  PolicyConfig        `mapstructure:"policy"`
	Log     LogConfig           `mapstructure:"log"`
	Metrics MetricsConfig       `mapstructure:"metrics"`
}

// PolicyConfig политика допуска по умолчанию для сессий сценария
type PolicyConfig struct {
	Access           string        `mapstructure:"access" validate:"access_level"`
	Invited          []string      `mapstructure:"invited" validate:"dive,required"`
	EnterpriseDomain string        `mapstructure:"enterprise_domain" validate:"omitempty,hostname"`
	LobbyBypass      string        `mapstructure:"lobby_bypass" validate:"lobby_bypass"`
	LobbyTimeout     time.Duration `mapstructure:"lobby_timeout" validate:"gte=0"`
	Passcode         string        `mapstructure:"passcode"`
	// RegoFile модуль Rego вместо встроенной матрицы допуска
	RegoFile string `mapstructure:"rego_file" validate:"omitempty,file"`
	// RegoQuery запрос решения в модуле Rego
	RegoQuery string `mapstructure:"rego_query"`
}

// LogConfig параметры журнала
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"log_level"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

// MetricsConfig имена метрик
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace" validate:"required,alphanum"`
	Subsystem string `mapstructure:"subsystem" validate:"omitempty,alphanum"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("access_level", func(fl validator.FieldLevel) bool {
		_, err := admission.ParseAccessLevel(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("lobby_bypass", func(fl validator.FieldLevel) bool {
		_, err := admission.ParseLobbyBypass(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		_, err := logging.ParseLevel(fl.Field().String())
		return err == nil
	})
	return v
}

// setDefaults регистрирует значения по умолчанию. Ключи без значения по
// умолчанию не читаются из окружения.
func setDefaults(v *viper.Viper) {
	def := orchestrator.DefaultConfig()
	v.SetDefault("session.schedule_timeout", def.ScheduleTimeout)
	v.SetDefault("session.join_timeout", def.JoinTimeout)
	v.SetDefault("session.establish_timeout", def.EstablishTimeout)
	v.SetDefault("session.admission_timeout", def.AdmissionTimeout)
	v.SetDefault("session.lobby_timeout", def.LobbyTimeout)
	v.SetDefault("session.terminate_timeout", def.TerminateTimeout)
	v.SetDefault("session.terminate_attempts", def.TerminateAttempts)
	v.SetDefault("session.terminate_backoff", def.TerminateBackoff)
	v.SetDefault("session.history_limit", def.HistoryLimit)
	v.SetDefault("session.resolve_timeout", def.ResolveTimeout)

	v.SetDefault("policy.access", admission.AccessInvited.String())
	v.SetDefault("policy.invited", []string{})
	v.SetDefault("policy.enterprise_domain", "")
	v.SetDefault("policy.lobby_bypass", admission.BypassNone.String())
	v.SetDefault("policy.lobby_timeout", time.Duration(0))
	v.SetDefault("policy.passcode", "")
	v.SetDefault("policy.rego_file", "")
	v.SetDefault("policy.rego_query", "")

	mdef := orchestrator.DefaultMetricsConfig()
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("metrics.namespace", mdef.Namespace)
	v.SetDefault("metrics.subsystem", mdef.Subsystem)
}

// Load читает конфигурацию. Пустой path - только значения по умолчанию и
// окружение. Переменные окружения перекрывают файл.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	return nil
}

// AdmissionPolicy строит политику допуска
func (c *Config) AdmissionPolicy() (admission.Policy, error) {
	access, err := admission.ParseAccessLevel(c.Policy.Access)
	if err != nil {
		return admission.Policy{}, err
	}
	bypass, err := admission.ParseLobbyBypass(c.Policy.LobbyBypass)
	if err != nil {
		return admission.Policy{}, err
	}
	return admission.Policy{
		AccessLevel:      access,
		Invited:          append([]string(nil), c.Policy.Invited...),
		EnterpriseDomain: c.Policy.EnterpriseDomain,
		LobbyBypass:      bypass,
		LobbyTimeout:     c.Policy.LobbyTimeout,
		Passcode:         c.Policy.Passcode,
	}, nil
}

// OrchestratorMetrics параметры метрик оркестратора
func (c *Config) OrchestratorMetrics() orchestrator.MetricsConfig {
	return orchestrator.MetricsConfig{Namespace: c.Metrics.Namespace, Subsystem: c.Metrics.Subsystem}
}
