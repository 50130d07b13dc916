// Package admission реализует политику допуска и лобби конференции.
//
// Evaluator вычисляет Decision для участника: встроенная MatrixEvaluator
// или RegoEvaluator на политике Open Policy Agent. Controller держит
// очередь лобби, таймауты ожидания и пакетные операции BeginAdmit/BeginDeny,
// результат которых разбивает вход на Succeeded и Failed.
//
//	ctrl := admission.NewController(actions, admission.WithClock(clock))
//	ctrl.OnOutcome(func(o admission.Outcome) { ... })
//	_ = ctrl.Enqueue(p, 5*time.Minute)
//	res, err := ctrl.BeginAdmit(ctx, []roster.Participant{p}).Wait(ctx)
package admission
