package asyncop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind категория ошибки асинхронной операции
type ErrorKind int

const (
	// KindUnknown ошибка не классифицирована
	KindUnknown ErrorKind = iota
	// TransportFailure отказ соединения или медиа
	TransportFailure
	// ProtocolFailure удаленная сторона отклонила запрос или запрос некорректен
	ProtocolFailure
	// Timeout истек срок ожидания операции
	Timeout
	// Cancelled операция отменена
	Cancelled
	// PartialFailure часть пакетной операции завершилась ошибкой
	PartialFailure
	// InvalidStateTransition операция запрошена в состоянии, где она запрещена
	InvalidStateTransition
)

var kindNames = map[ErrorKind]string{
	KindUnknown:            "UNKNOWN",
	TransportFailure:       "TRANSPORT_FAILURE",
	ProtocolFailure:        "PROTOCOL_FAILURE",
	Timeout:                "TIMEOUT",
	Cancelled:              "CANCELLED",
	PartialFailure:         "PARTIAL_FAILURE",
	InvalidStateTransition: "INVALID_STATE_TRANSITION",
}

// String возвращает строковое представление категории
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// Retryable сообщает, имеет ли смысл повторять операцию с такой ошибкой
func (k ErrorKind) Retryable() bool {
	return k == TransportFailure || k == Timeout
}

// Error структурированная ошибка операции с контекстом
type Error struct {
	Kind      ErrorKind              `json:"kind"`
	Op        string                 `json:"op,omitempty"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Cause     error                  `json:"-"`
}

// NewError создает новую структурированную ошибку
func NewError(kind ErrorKind, op, message string) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(":")
		b.WriteString(e.Op)
	}
	b.WriteString("] ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по категории, чтобы работал errors.Is(err, ErrTimeout)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Kind == e.Kind
}

// WithField добавляет поле контекста
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// Сигнальные значения для errors.Is
var (
	ErrTransport      = &Error{Kind: TransportFailure}
	ErrProtocol       = &Error{Kind: ProtocolFailure}
	ErrTimeout        = &Error{Kind: Timeout}
	ErrCancelled      = &Error{Kind: Cancelled}
	ErrPartial        = &Error{Kind: PartialFailure}
	ErrInvalidState   = &Error{Kind: InvalidStateTransition}
	ErrDoubleComplete = errors.New("asyncop: operation completed twice")
	ErrAlreadyStarted = errors.New("asyncop: operation already started")
	ErrNotCompleted   = errors.New("asyncop: operation not completed")
)

// KindOf извлекает категорию из произвольной ошибки.
// Ошибки контекста отображаются в Timeout и Cancelled.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	case errors.Is(err, context.Canceled):
		return Cancelled
	}
	return KindUnknown
}

// Wrap приводит ошибку к *Error. Уже классифицированные ошибки
// возвращаются как есть, остальные получают категорию fallback.
func Wrap(err error, fallback ErrorKind, op string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = fallback
	}
	return NewError(kind, op, "operation failed").WithCause(err)
}

// InvalidTransition создает ошибку недопустимого перехода
func InvalidTransition(op string, from, to fmt.Stringer) *Error {
	return NewError(InvalidStateTransition, op,
		fmt.Sprintf("invalid state transition: %s -> %s", from, to)).
		WithField("from_state", from.String()).
		WithField("to_state", to.String())
}

// InvalidState создает ошибку операции в неподходящем состоянии
func InvalidState(op string, current fmt.Stringer) *Error {
	return NewError(InvalidStateTransition, op,
		fmt.Sprintf("operation %q not allowed in state %s", op, current)).
		WithField("current_state", current.String())
}
