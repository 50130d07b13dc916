package admission

import (
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/uc_session/pkg/roster"
)

// LobbyResult состояние участника в лобби:
// InLobby   – ожидает решения;
// Admitted  – допущен;
// Denied    – отклонен;
// TimedOut  – решение не поступило за LobbyTimeout, для ростера равносильно Denied.
type LobbyResult string

const (
	LobbyWaiting  LobbyResult = "InLobby"
	LobbyAdmitted LobbyResult = "Admitted"
	LobbyDenied   LobbyResult = "Denied"
	LobbyTimedOut LobbyResult = "TimedOut"
)

func (r LobbyResult) String() string { return string(r) }

// Removed true если участник должен покинуть ростер
func (r LobbyResult) Removed() bool {
	return r == LobbyDenied || r == LobbyTimedOut
}

// RosterStatus статус участника в ростере после решения
func (r LobbyResult) RosterStatus() roster.LobbyStatus {
	switch r {
	case LobbyAdmitted:
		return roster.StatusAdmitted
	case LobbyDenied, LobbyTimedOut:
		return roster.StatusDenied
	default:
		return roster.StatusInLobby
	}
}

const (
	eventAdmit   = "admit"
	eventDeny    = "deny"
	eventTimeout = "timeout"
)

// newLobbyFSM автомат ожидающего участника.
// Events: admit, deny, timeout
func newLobbyFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(LobbyWaiting),
		fsm.Events{
			{Name: eventAdmit, Src: []string{string(LobbyWaiting)}, Dst: string(LobbyAdmitted)},
			{Name: eventDeny, Src: []string{string(LobbyWaiting)}, Dst: string(LobbyDenied)},
			{Name: eventTimeout, Src: []string{string(LobbyWaiting)}, Dst: string(LobbyTimedOut)},
		}, nil,
	)
}

// lobbyEntry участник, ожидающий решения
type lobbyEntry struct {
	participant roster.Participant
	state       *fsm.FSM
	enqueuedAt  time.Time
	// seq порядок постановки при равном времени
	seq uint64
}

// Outcome итог ожидания в лобби
type Outcome struct {
	Participant roster.Participant
	Result      LobbyResult
	Waited      time.Duration
	At          time.Time
}
