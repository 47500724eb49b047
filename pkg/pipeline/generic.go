package pipeline

import "context"

// Executor - общий интерфейс Queue и ReadQueue для типизированных помощников.
type Executor interface {
	Sync(ctx context.Context, fn func(*Connection) error) error
	Async(ctx context.Context, fn func(*Connection) error, completion func(error))
}

var (
	_ Executor = (*Queue)(nil)
	_ Executor = (*ReadQueue)(nil)
)

// Result - значение или ошибка асинхронного блока.
type Result[T any] struct {
	Value T
	Err   error
}

// Get возвращает значение и ошибку.
func (r Result[T]) Get() (T, error) { return r.Value, r.Err }

// Sync выполняет fn на очереди e и возвращает его значение.
//
//	n, err := pipeline.Sync(ctx, q, func(c *pipeline.Connection) (int, error) {
//		var n int
//		err := c.QueryRow("SELECT count(*) FROM users").Scan(&n)
//		return n, err
//	})
func Sync[T any](ctx context.Context, e Executor, fn func(*Connection) (T, error)) (T, error) {
	var value T
	err := e.Sync(ctx, func(c *Connection) error {
		var err error
		value, err = fn(c)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

// Async ставит fn в очередь e; completion получает значение или ошибку на воркере.
func Async[T any](ctx context.Context, e Executor, fn func(*Connection) (T, error), completion func(Result[T])) {
	var value T
	block := func(c *Connection) error {
		var err error
		value, err = fn(c)
		return err
	}
	if completion == nil {
		e.Async(ctx, block, nil)
		return
	}
	e.Async(ctx, block, func(err error) {
		if err != nil {
			completion(Result[T]{Err: err})
			return
		}
		completion(Result[T]{Value: value})
	})
}

// TransactionValue выполняет fn в транзакции typ и возвращает его значение.
// Значение возвращается и при откате по решению fn; при ошибке - нулевое.
func TransactionValue[T any](ctx context.Context, q *Queue, typ TransactionType, fn func(*Connection) (T, TransactionCompletion, error)) (T, TransactionCompletion, error) {
	var value T
	completion, err := q.Transaction(ctx, typ, func(c *Connection) (TransactionCompletion, error) {
		var (
			completion TransactionCompletion
			err        error
		)
		value, completion, err = fn(c)
		return completion, err
	})
	if err != nil {
		var zero T
		return zero, Rollback, err
	}
	return value, completion, nil
}

// AsyncTransactionValue - асинхронный вариант TransactionValue.
func AsyncTransactionValue[T any](ctx context.Context, q *Queue, typ TransactionType, fn func(*Connection) (T, TransactionCompletion, error), completion func(Result[T], TransactionCompletion)) {
	var value T
	q.AsyncTransaction(ctx, typ, func(c *Connection) (TransactionCompletion, error) {
		var (
			completion TransactionCompletion
			err        error
		)
		value, completion, err = fn(c)
		return completion, err
	}, func(tc TransactionCompletion, err error) {
		if completion == nil {
			if err != nil {
				q.logger.Warn("async transaction failed", "error", err)
			}
			return
		}
		if err != nil {
			completion(Result[T]{Err: err}, Rollback)
			return
		}
		completion(Result[T]{Value: value}, tc)
	})
}

// SavepointValue выполняет fn в новой точке сохранения и возвращает его значение.
func SavepointValue[T any](ctx context.Context, q *Queue, fn func(*Connection) (T, SavepointCompletion, error)) (T, SavepointCompletion, error) {
	var value T
	completion, err := q.Savepoint(ctx, func(c *Connection) (SavepointCompletion, error) {
		var (
			completion SavepointCompletion
			err        error
		)
		value, completion, err = fn(c)
		return completion, err
	})
	if err != nil {
		var zero T
		return zero, RollbackSavepoint, err
	}
	return value, completion, nil
}

// ReadValue выполняет fn внутри читающей транзакции r и возвращает его значение.
func ReadValue[T any](ctx context.Context, r *ReadQueue, fn func(*Connection) (T, error)) (T, error) {
	var value T
	err := r.ReadTransaction(ctx, func(c *Connection) error {
		var err error
		value, err = fn(c)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}
