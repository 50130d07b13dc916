package orchestrator

import (
	"time"
)

// Config таймауты и параметры завершения сессии
type Config struct {
	// ScheduleTimeout таймаут планирования конференции (0 - без ограничения)
	ScheduleTimeout time.Duration `mapstructure:"schedule_timeout" validate:"gte=0"`
	// JoinTimeout таймаут подключения. По умолчанию 0: подключение может
	// ждать в лобби сколько угодно.
	JoinTimeout time.Duration `mapstructure:"join_timeout" validate:"gte=0"`
	// EstablishTimeout таймаут установления медиа-модальностей
	EstablishTimeout time.Duration `mapstructure:"establish_timeout" validate:"gte=0"`
	// AdmissionTimeout таймаут пакетного допуска/отказа
	AdmissionTimeout time.Duration `mapstructure:"admission_timeout" validate:"gte=0"`
	// LobbyTimeout ожидание решения в лобби, если политика сессии его не задает
	LobbyTimeout time.Duration `mapstructure:"lobby_timeout" validate:"gte=0"`

	// TerminateTimeout таймаут одной попытки завершения
	TerminateTimeout time.Duration `mapstructure:"terminate_timeout" validate:"gt=0"`
	// TerminateAttempts количество попыток завершения на транспорте
	TerminateAttempts uint `mapstructure:"terminate_attempts" validate:"gte=1,lte=10"`
	// TerminateBackoff начальная задержка между попытками (растет экспоненциально)
	TerminateBackoff time.Duration `mapstructure:"terminate_backoff" validate:"gte=0"`

	// HistoryLimit размер истории переходов сессии
	HistoryLimit int `mapstructure:"history_limit" validate:"gte=1,lte=1024"`
	// ResolveTimeout таймаут поиска отображаемого имени участника
	ResolveTimeout time.Duration `mapstructure:"resolve_timeout" validate:"gte=0"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		ScheduleTimeout:   30 * time.Second,
		JoinTimeout:       0,
		EstablishTimeout:  30 * time.Second,
		AdmissionTimeout:  15 * time.Second,
		LobbyTimeout:      5 * time.Minute,
		TerminateTimeout:  5 * time.Second,
		TerminateAttempts: 3,
		TerminateBackoff:  200 * time.Millisecond,
		HistoryLimit:      32,
		ResolveTimeout:    5 * time.Second,
	}
}
