// Package asyncop реализует асинхронные операции с единственным завершением.
//
// Operation оборачивает действие в стиле begin/end: Begin (или Start для
// блокирующих функций) запускает действие и сразу возвращает управление, а
// ровно один из колбэков OnSuccess, OnFailure или OnTimeout вызывается позже,
// никогда синхронно внутри Begin.
//
// Пример:
//
//	op := asyncop.New[string]("join", asyncop.WithTimeout(30*time.Second))
//	op.OnSuccess(func(id string) { log.Printf("joined %s", id) }).
//		OnFailure(func(err *asyncop.Error) { log.Printf("join failed: %v", err) }).
//		OnTimeout(func() { log.Print("join timed out") })
//	_ = op.Start(ctx, func(ctx context.Context) (string, error) {
//		return transport.Join(ctx, uri)
//	})
//
// Ошибки классифицируются по ErrorKind (TransportFailure, ProtocolFailure,
// Timeout, Cancelled, PartialFailure, InvalidStateTransition).
package asyncop
