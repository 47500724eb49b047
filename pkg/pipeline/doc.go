// Package pipeline даёт последовательный и транзакционно безопасный доступ
// к одному соединению SQLite.
//
// Соединение монопольно принадлежит очереди: все обращения к нему идут
// блоками, которые выполняются по одному в порядке постановки (FIFO).
// Конкурентные вызывающие никогда не работают с соединением одновременно.
//
// Основные возможности:
//   - Queue: очередь над соединением для чтения и записи
//   - ReadQueue: очередь над соединением только для чтения с долгой
//     читающей транзакцией и управлением снимками (WAL)
//   - транзакции DEFERRED/IMMEDIATE/EXCLUSIVE с откатом при ошибке
//   - вложенные точки сохранения с уникальными именами
//   - снимки WAL: снятие, сравнение, открытие читающей транзакции на снимке
//   - хуки наблюдения (логи, метрики, трассировка - пакет pipeline/hooks)
//   - миграции golang-migrate, резервные копии xz + BLAKE3
//
// # Быстрый старт
//
//	ctx := context.Background()
//	q, err := pipeline.OpenQueue(ctx, "app.db", pipeline.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	defer q.Close()
//
//	err = q.Sync(ctx, func(c *pipeline.Connection) error {
//		_, err := c.Execute("INSERT INTO users (name) VALUES (?)", "John")
//		return err
//	})
//
// Значение из блока удобно вернуть через типизированные помощники:
//
//	n, err := pipeline.Sync(ctx, q, func(c *pipeline.Connection) (int, error) {
//		var n int
//		err := c.QueryRow("SELECT count(*) FROM users").Scan(&n)
//		return n, err
//	})
//
// # Транзакции
//
// Блок сам решает, чем завершить транзакцию. Ошибка блока откатывает
// транзакцию, и вызывающий получает именно её:
//
//	_, err = q.Transaction(ctx, pipeline.Immediate, func(c *pipeline.Connection) (pipeline.TransactionCompletion, error) {
//		if _, err := c.Execute("UPDATE accounts SET balance = balance - 10 WHERE id = 1"); err != nil {
//			return pipeline.Rollback, err
//		}
//		return pipeline.Commit, nil
//	})
//
// Точки сохранения вкладываются произвольно. Откат внутренней точки не
// закрывает внешнюю транзакцию:
//
//	_, err = q.Transaction(ctx, pipeline.Deferred, func(c *pipeline.Connection) (pipeline.TransactionCompletion, error) {
//		_, err := c.WithSavepoint(func(c *pipeline.Connection) (pipeline.SavepointCompletion, error) {
//			return pipeline.RollbackSavepoint, nil
//		})
//		return pipeline.Commit, err
//	})
//
// # Читатели
//
// Читатель видит зафиксированное состояние базы на момент начала своей
// транзакции и не видит новых коммитов до UpdateReadTransaction:
//
//	r, err := pipeline.NewReadQueueFrom(ctx, q)
//	if err != nil {
//		return err
//	}
//	defer r.Close()
//
//	_ = r.BeginReadTransaction(ctx)
//	// ... коммиты в q не видны r
//	_ = r.UpdateReadTransaction(ctx)
//
// Читатели требуют WAL и файловой базы; база в памяти с ними не делится.
//
// # Отмена и паники
//
// Если ctx отменён, пока задание ждёт в очереди, блок не выполняется и
// возвращается ctx.Err(). Начатый блок всегда доходит до конца. Паника в
// блоке откатывает транзакцию и возвращается вызывающему как *PanicError.
//
// Вызов Sync или Close той же очереди изнутри её блока приводит к
// взаимоблокировке.
//
// # Ошибки
//
// Ошибки движка приходят как *EngineError, нарушения предусловий - как
// *MisuseError. Обе сопоставляются с видами internal/shared через errors.Is,
// поэтому shared.KindOf(err) и shared.IsBusy(err) работают для любой ошибки пакета.
//
// # Тестирование
//
//	func TestSomething(t *testing.T) {
//		tq := pipeline.NewTestQueueFile(t)
//		tq.MustSeedData(t, "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT)")
//		assert.Equal(t, 0, tq.CountRows(t, "users"))
//	}
package pipeline
