// Package orchestrator ведет UC-сессию (звонок, беседу или конференцию) через
// весь жизненный цикл поверх абстрактного транспорта.
//
// Orchestrator связывает автомат состояний сессии, ростер участников и контроллер
// допуска. Все долгие действия возвращают *asyncop.Operation:
//
//	orc := orchestrator.New(transport,
//		orchestrator.WithKind(session.KindConference),
//		orchestrator.WithPolicy(admission.Policy{AccessLevel: admission.AccessInvited}),
//		orchestrator.WithMetrics(orchestrator.NewMetrics(prometheus.DefaultRegisterer, orchestrator.DefaultMetricsConfig())),
//	)
//	defer orc.Close()
//
//	orc.OnStateChange(func(ev orchestrator.StateChange) {
//		log.Printf("%s: %s -> %s", ev.SessionID, ev.From, ev.To)
//	})
//
//	op, err := orc.JoinAndEstablish(ctx)
//	if err != nil {
//		return err // недопустимое состояние
//	}
//	info, err := op.Wait(ctx)
//
// Transport сообщает о входах и уходах участников через Events. Каждый новый
// участник проходит политику допуска: допущенные сразу попадают в ростер,
// ожидающие видны в ростере со статусом InLobby до решения или таймаута лобби,
// отклоненные в ростер не попадают.
//
// Terminate всегда приводит сессию в Terminated, даже если транспорт не смог
// завершить ее на своей стороне. Escalate превращает звонок в конференцию без
// разрыва ростера.
//
// Registry хранит живые оркестраторы и архивирует завершенные.
package orchestrator
