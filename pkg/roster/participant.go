package roster

import (
	"fmt"
	"strings"
	"time"
)

// Role роль участника в сессии
type Role int

const (
	RoleAttendee Role = iota
	RoleOrganizer
	RoleLeader
	RoleGateway
	RoleTrustedApplication
)

var roleNames = map[Role]string{
	RoleAttendee:           "Attendee",
	RoleOrganizer:          "Organizer",
	RoleLeader:             "Leader",
	RoleGateway:            "Gateway",
	RoleTrustedApplication: "TrustedApplication",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "Unknown"
}

// ParseRole разбирает роль по имени без учета регистра
func ParseRole(s string) (Role, error) {
	for r, name := range roleNames {
		if strings.EqualFold(name, s) {
			return r, nil
		}
	}
	return RoleAttendee, fmt.Errorf("unknown role %q", s)
}

// Visibility видимость участника во внешнем ростере
type Visibility int

const (
	Visible Visibility = iota
	Hidden
)

func (v Visibility) String() string {
	if v == Hidden {
		return "Hidden"
	}
	return "Visible"
}

// LobbyStatus статус допуска участника. Участник всегда находится ровно в одном статусе.
type LobbyStatus int

const (
	StatusAdmitted LobbyStatus = iota
	StatusInLobby
	StatusDenied
	StatusDeparted
)

var statusNames = map[LobbyStatus]string{
	StatusAdmitted: "Admitted",
	StatusInLobby:  "InLobby",
	StatusDenied:   "Denied",
	StatusDeparted: "Departed",
}

func (s LobbyStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Participant удаленная или локальная конечная точка, подключенная к сессии
type Participant struct {
	// URI идентичность участника (sip:alice@example.com)
	URI         string      `json:"uri" yaml:"uri"`
	DisplayName string      `json:"display_name,omitempty" yaml:"display_name"`
	Role        Role        `json:"role" yaml:"-"`
	Visibility  Visibility  `json:"visibility" yaml:"-"`
	Status      LobbyStatus `json:"status" yaml:"-"`
	JoinedAt    time.Time   `json:"joined_at" yaml:"-"`

	// seq порядок присоединения внутри трекера
	seq uint64
}

// Key канонический ключ идентичности
func (p Participant) Key() string {
	return CanonicalKey(p.URI)
}

// IsHidden скрыт ли участник из внешнего ростера
func (p Participant) IsHidden() bool {
	return p.Visibility == Hidden
}

// Domain домен идентичности участника
func (p Participant) Domain() string {
	return Domain(p.URI)
}

func (p Participant) String() string {
	return fmt.Sprintf("%s(%s,%s)", p.Key(), p.Role, p.Status)
}

// Keys возвращает канонические ключи участников в исходном порядке
func Keys(ps []Participant) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Key())
	}
	return out
}
