package session

import (
	"fmt"
	"strings"
)

// State состояние сессии
type State string

const (
	StateIdle         State = "Idle"
	StateScheduling   State = "Scheduling"
	StateScheduled    State = "Scheduled"
	StateJoining      State = "Joining"
	StateJoined       State = "Joined"
	StateEstablishing State = "Establishing"
	StateEstablished  State = "Established"
	StateTerminating  State = "Terminating"
	StateTerminated   State = "Terminated"
	StateFailed       State = "Failed"
)

func (s State) String() string { return string(s) }

// IsTerminal true для Terminated и Failed
func (s State) IsTerminal() bool {
	return s == StateTerminated || s == StateFailed
}

// nonTerminal все состояния, из которых возможен выход
var nonTerminal = []State{
	StateIdle, StateScheduling, StateScheduled, StateJoining,
	StateJoined, StateEstablishing, StateEstablished, StateTerminating,
}

// Event событие автомата сессии
type Event string

const (
	EventSchedule    Event = "schedule"
	EventScheduled   Event = "scheduled"
	EventJoin        Event = "join"
	EventJoined      Event = "joined"
	EventEstablish   Event = "establish"
	EventEstablished Event = "established"
	EventTerminate   Event = "terminate"
	EventTerminated  Event = "terminated"
	EventFail        Event = "fail"
)

func (e Event) String() string { return string(e) }

// Kind вид сессии
type Kind int

const (
	// KindCall двусторонний звонок
	KindCall Kind = iota
	// KindConversation беседа (IM/присутствие) без этапа планирования
	KindConversation
	// KindConference многосторонняя конференция на MCU
	KindConference
)

var kindNames = map[Kind]string{
	KindCall:         "Call",
	KindConversation: "Conversation",
	KindConference:   "Conference",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// MarshalText кодирует вид сессии именем
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText разбирает вид сессии по имени
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Schedulable сессии этого вида проходят этап Scheduling
func (k Kind) Schedulable() bool { return k == KindConference }

// ParseKind разбирает вид сессии по имени
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}
	return KindCall, fmt.Errorf("unknown session kind %q", s)
}
