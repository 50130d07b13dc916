// Package simtransport реализует orchestrator.Transport в памяти.
//
// Транспорт используется симулятором ucsim и тестами. Для каждого этапа можно
// задать задержку (SetLatency), отказ на несколько вызовов (FailNext),
// удержание до явного освобождения (Hold/Release), а для admit/deny - отказ
// по отдельным участникам (RejectParticipant). Inject и End имитируют события
// удаленной стороны.
//
//	tr := simtransport.New()
//	tr.Hold(simtransport.StageJoin) // локальная сторона ждет в лобби
//	orc := orchestrator.New(tr)
//	op, _ := orc.JoinAndEstablish(ctx)
//	tr.Release(simtransport.StageJoin)
//	_ = tr.Inject(orc.ID(), []roster.Participant{{URI: "sip:bob@example.com"}}, nil)
package simtransport
