package main

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/arzzra/uc_session/internal/scenario"
	"github.com/arzzra/uc_session/pkg/orchestrator"
	"github.com/arzzra/uc_session/pkg/roster"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// eventRecord строка JSON-вывода
type eventRecord struct {
	Type     string    `json:"type"`
	Scenario string    `json:"scenario"`
	Session  string    `json:"session_id,omitempty"`
	At       time.Time `json:"at"`

	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Event  string `json:"event,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`

	Joined  []string `json:"joined,omitempty"`
	Left    []string `json:"left,omitempty"`
	Updated []string `json:"updated,omitempty"`
	Roster  []string `json:"roster,omitempty"`

	Participant string `json:"participant,omitempty"`
	Result      string `json:"result,omitempty"`
	WaitedMs    int64  `json:"waited_ms,omitempty"`
}

// printer выводит события оркестраторов: JSON-строками или в журнал
type printer struct {
	mu     sync.Mutex
	enc    *jsoniter.Encoder
	logger *slog.Logger
}

func newPrinter(w io.Writer, jsonOutput bool, logger *slog.Logger) *printer {
	p := &printer{logger: logger}
	if jsonOutput {
		p.enc = json.NewEncoder(w)
	}
	return p
}

func (p *printer) write(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(v); err != nil {
		p.logger.Error("ucsim output failed", slog.Any("error", err))
	}
}

// attach подписывает printer на события оркестратора сценария
func (p *printer) attach(name string, o *orchestrator.Orchestrator) {
	o.OnStateChange(func(ev orchestrator.StateChange) {
		if p.enc == nil {
			return // переходы уже в журнале оркестратора
		}
		rec := eventRecord{
			Type: "state", Scenario: name, Session: ev.SessionID, At: ev.At,
			From: ev.From.String(), To: ev.To.String(), Event: string(ev.Event), Reason: ev.Reason,
		}
		if ev.Err != nil {
			rec.Error = ev.Err.Error()
		}
		p.write(rec)
	})
	o.OnRosterChange(func(ev orchestrator.RosterChange) {
		if p.enc == nil {
			p.logger.Info("ucsim roster",
				slog.String("scenario", name),
				slog.Any("joined", roster.Keys(ev.Joined)),
				slog.Any("left", roster.Keys(ev.Left)),
				slog.Any("roster", roster.Keys(ev.Roster)))
			return
		}
		p.write(eventRecord{
			Type: "roster", Scenario: name, Session: ev.SessionID, At: time.Now(),
			Joined: roster.Keys(ev.Joined), Left: roster.Keys(ev.Left),
			Updated: roster.Keys(ev.Updated), Roster: roster.Keys(ev.Roster),
		})
	})
	o.OnAdmission(func(ev orchestrator.AdmissionEvent) {
		if p.enc == nil {
			p.logger.Info("ucsim admission",
				slog.String("scenario", name),
				slog.String("participant", ev.Participant.Key()),
				slog.String("result", ev.Result.String()),
				slog.Duration("waited", ev.Waited))
			return
		}
		p.write(eventRecord{
			Type: "admission", Scenario: name, Session: ev.SessionID, At: time.Now(),
			Participant: ev.Participant.Key(), Result: ev.Result.String(), WaitedMs: ev.Waited.Milliseconds(),
		})
	})
}

// report выводит итог сценария
func (p *printer) report(r *scenario.Report, err error) {
	if p.enc != nil {
		p.write(struct {
			Type string `json:"type"`
			*scenario.Report
			Error string `json:"error,omitempty"`
		}{Type: "report", Report: r, Error: errString(err)})
		return
	}

	attrs := []slog.Attr{
		slog.String("scenario", r.Scenario),
		slog.Bool("passed", r.Passed),
		slog.String("state", r.Final.State.String()),
		slog.String("kind", r.Final.Kind.String()),
		slog.Any("roster", roster.Keys(r.Roster)),
		slog.Int("steps", len(r.Steps)),
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
		p.logger.LogAttrs(context.Background(), slog.LevelError, "ucsim scenario failed", attrs...)
		return
	}
	p.logger.LogAttrs(context.Background(), slog.LevelInfo, "ucsim scenario passed", attrs...)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
