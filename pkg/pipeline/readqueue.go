package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// pinQuery фиксирует снимок: DEFERRED транзакция без чтения снимка не берёт.
const pinQuery = "SELECT count(*) FROM sqlite_schema"

// ReadQueue - FIFO очередь над соединением только для чтения. Умеет держать
// долгую читающую транзакцию: читатель видит одно и то же состояние базы,
// пока транзакция не обновлена через UpdateReadTransaction.
type ReadQueue struct {
	*worker
	inRead atomic.Bool
}

// OpenReadQueue открывает базу по пути path только для чтения.
// Миграции читателем не применяются.
func OpenReadQueue(ctx context.Context, path string, opts Options) (*ReadQueue, error) {
	if path == InMemory {
		return nil, &MisuseError{Op: "open read queue", Message: "in-memory database cannot be shared with a reader"}
	}
	opts.AccessMode = AccessModeReadOnly
	opts.MigrationsURL = ""

	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	conn, err := OpenConnection(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	return &ReadQueue{worker: newWorker(conn, opts)}, nil
}

// NewReadQueueFrom открывает читателя для файла очереди q. Класс QoS и
// настройки наследуются, к метке добавляется ".read". override (если передан)
// может изменить унаследованные настройки.
func NewReadQueueFrom(ctx context.Context, q *Queue, override ...func(*Options)) (*ReadQueue, error) {
	if q == nil {
		return nil, &MisuseError{Op: "new read queue", Message: "nil queue"}
	}
	if q.Path() == InMemory {
		return nil, &MisuseError{Op: "new read queue", Message: "in-memory database cannot be shared with a reader"}
	}

	opts := q.opts
	opts.Label = q.opts.Label + ".read"
	for _, fn := range override {
		fn(&opts)
	}
	return OpenReadQueue(ctx, q.Path(), opts)
}

// InReadTransaction сообщает, держит ли очередь читающую транзакцию,
// открытую через BeginReadTransaction.
func (r *ReadQueue) InReadTransaction() bool { return r.inRead.Load() }

// beginRead открывает DEFERRED транзакцию и фиксирует снимок чтением схемы.
func (r *ReadQueue) beginRead(c *Connection) error {
	if err := c.Begin(Deferred); err != nil {
		return err
	}
	var n int
	if err := c.QueryRow(pinQuery).Scan(&n); err != nil {
		err = engineError(err, pinQuery)
		r.rollbackRead(c)
		return err
	}
	r.inRead.Store(true)
	return nil
}

func (r *ReadQueue) endRead(c *Connection) error {
	err := c.Rollback()
	if err == nil || c.IsInAutocommitMode() {
		r.inRead.Store(false)
	}
	return err
}

// rollbackRead откатывает транзакцию после ошибки; ошибка отката уходит в лог.
func (r *ReadQueue) rollbackRead(c *Connection) {
	if c.IsInAutocommitMode() {
		r.inRead.Store(false)
		return
	}
	if err := c.Rollback(); err != nil {
		r.logger.Warn("rollback of read transaction failed", slog.String("error", err.Error()))
		return
	}
	r.inRead.Store(false)
}

// BeginReadTransaction открывает долгую читающую транзакцию. Все следующие
// блоки видят зафиксированное состояние до EndReadTransaction или
// UpdateReadTransaction. Если транзакция уже открыта, возвращается ошибка движка.
func (r *ReadQueue) BeginReadTransaction(ctx context.Context) error {
	return r.sync(ctx, OpBegin, r.beginRead)
}

// EndReadTransaction закрывает читающую транзакцию.
func (r *ReadQueue) EndReadTransaction(ctx context.Context) error {
	return r.sync(ctx, OpRollback, r.endRead)
}

// UpdateReadTransaction переоткрывает читающую транзакцию на последнем
// зафиксированном состоянии. Вне транзакции просто открывает её.
func (r *ReadQueue) UpdateReadTransaction(ctx context.Context) error {
	return r.sync(ctx, OpBegin, func(c *Connection) error {
		if !c.IsInAutocommitMode() {
			if err := r.endRead(c); err != nil {
				return err
			}
		}
		return r.beginRead(c)
	})
}

// BeginReadTransactionAt открывает читающую транзакцию на ранее снятом снимке.
// Снимок должен быть снят с того же файла и ещё не вытеснен чекпоинтом.
func (r *ReadQueue) BeginReadTransactionAt(ctx context.Context, snap Snapshot) error {
	return r.sync(ctx, OpSnapshot, func(c *Connection) error {
		if err := c.OpenSnapshot(snap); err != nil {
			return err
		}
		r.inRead.Store(true)
		return nil
	})
}

// TakeSnapshot снимает снимок состояния, видимого читателю. Внутри
// долгой транзакции это её снимок, иначе - последнее зафиксированное состояние.
func (r *ReadQueue) TakeSnapshot(ctx context.Context, schema string) (Snapshot, error) {
	var snap Snapshot
	err := r.sync(ctx, OpSnapshot, func(c *Connection) error {
		var err error
		snap, err = c.TakeSnapshot(schema)
		return err
	})
	return snap, err
}

// ReadTransaction выполняет fn внутри читающей транзакции и всегда
// откатывает её. Ошибка fn возвращается вызывающему как есть.
func (r *ReadQueue) ReadTransaction(ctx context.Context, fn func(*Connection) error) error {
	return r.sync(ctx, OpReadTransaction, func(c *Connection) error {
		return r.readTransaction(c, fn)
	})
}

// Read выполняет fn на текущем состоянии читателя: внутри долгой читающей
// транзакции, если она открыта, иначе в разовой, как ReadTransaction.
// Открыта ли транзакция, проверяется на потоке очереди, поэтому Read можно
// вызывать одновременно с UpdateReadTransaction и EndReadTransaction.
func (r *ReadQueue) Read(ctx context.Context, fn func(*Connection) error) error {
	return r.sync(ctx, OpReadTransaction, func(c *Connection) error {
		if !c.IsInAutocommitMode() {
			return fn(c)
		}
		return r.readTransaction(c, fn)
	})
}

// AsyncReadTransaction - асинхронный вариант ReadTransaction. Ошибка
// передаётся в completion и дублируется в лог; при nil completion только в лог.
func (r *ReadQueue) AsyncReadTransaction(ctx context.Context, fn func(*Connection) error, completion func(error)) {
	r.async(ctx, OpReadTransaction, func(c *Connection) error {
		return r.readTransaction(c, fn)
	}, func(err error) {
		if err != nil {
			r.logger.Warn("async read transaction failed", slog.String("error", err.Error()))
		}
		if completion != nil {
			completion(err)
		}
	})
}

func (r *ReadQueue) readTransaction(c *Connection, fn func(*Connection) error) error {
	if err := c.Begin(Deferred); err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			r.rollbackRead(c)
			panic(p)
		}
	}()

	if err := fn(c); err != nil {
		r.rollbackRead(c)
		return err
	}
	if err := c.Rollback(); err != nil {
		return err
	}
	r.inRead.Store(false)
	return nil
}
