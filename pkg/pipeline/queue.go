package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// Queue - FIFO очередь заданий над одним соединением для чтения и записи.
// Все обращения к соединению идут через блоки, которые выполняются строго
// по одному в порядке постановки.
type Queue struct {
	*worker
}

// NewQueue запускает очередь над уже открытым соединением. Очередь
// становится владельцем соединения и закроет его в Close.
func NewQueue(conn *Connection, opts Options) (*Queue, error) {
	if conn == nil || conn.conn == nil {
		return nil, &MisuseError{Op: "new queue", Message: "nil or closed connection"}
	}
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	return &Queue{worker: newWorker(conn, opts)}, nil
}

// OpenQueue открывает базу по пути path, применяет миграции из
// opts.MigrationsURL (если задан) и запускает очередь.
func OpenQueue(ctx context.Context, path string, opts Options) (*Queue, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}

	if opts.MigrationsURL != "" {
		if path == InMemory {
			return nil, &MisuseError{Op: "open queue", Message: "migrations need a database file"}
		}
		// Файл должен существовать до миграций, поэтому сначала открываем соединение
		conn, err := OpenConnection(ctx, path, opts)
		if err != nil {
			return nil, err
		}
		if err := ApplyMigrations(path, opts.MigrationsURL); err != nil {
			_ = conn.close()
			return nil, err
		}
		return NewQueue(conn, opts)
	}

	conn, err := OpenConnection(ctx, path, opts)
	if err != nil {
		return nil, err
	}
	return NewQueue(conn, opts)
}

// OpenInMemoryQueue открывает приватную базу в памяти. WAL, снимки и
// читающие очереди для неё недоступны.
func OpenInMemoryQueue(ctx context.Context, opts Options) (*Queue, error) {
	opts.WALMode = false
	opts.MigrationsURL = ""
	return OpenQueue(ctx, InMemory, opts)
}

// Transaction выполняет fn внутри транзакции typ на соединении очереди.
// Подробности завершения и восстановления - в Connection.WithTransaction.
func (q *Queue) Transaction(ctx context.Context, typ TransactionType, fn func(*Connection) (TransactionCompletion, error)) (TransactionCompletion, error) {
	completion := Rollback
	err := q.sync(ctx, OpTransaction, func(c *Connection) error {
		var err error
		completion, err = c.WithTransaction(typ, fn)
		return err
	})
	if err != nil {
		return Rollback, err
	}
	return completion, nil
}

// AsyncTransaction - асинхронный вариант Transaction.
func (q *Queue) AsyncTransaction(ctx context.Context, typ TransactionType, fn func(*Connection) (TransactionCompletion, error), completion func(TransactionCompletion, error)) {
	result := Rollback
	q.async(ctx, OpTransaction, func(c *Connection) error {
		var err error
		result, err = c.WithTransaction(typ, fn)
		return err
	}, func(err error) {
		if completion == nil {
			if err != nil {
				q.logger.Warn("async transaction failed", "error", err)
			}
			return
		}
		if err != nil {
			completion(Rollback, err)
			return
		}
		completion(result, nil)
	})
}

// Savepoint выполняет fn внутри новой точки сохранения с уникальным именем.
// Вне транзакции точка сохранения сама открывает и закрывает транзакцию.
func (q *Queue) Savepoint(ctx context.Context, fn func(*Connection) (SavepointCompletion, error)) (SavepointCompletion, error) {
	completion := RollbackSavepoint
	err := q.sync(ctx, OpSavepoint, func(c *Connection) error {
		var err error
		completion, err = c.WithSavepoint(fn)
		return err
	})
	if err != nil {
		return RollbackSavepoint, err
	}
	return completion, nil
}

// AsyncSavepoint - асинхронный вариант Savepoint.
func (q *Queue) AsyncSavepoint(ctx context.Context, fn func(*Connection) (SavepointCompletion, error), completion func(SavepointCompletion, error)) {
	result := RollbackSavepoint
	q.async(ctx, OpSavepoint, func(c *Connection) error {
		var err error
		result, err = c.WithSavepoint(fn)
		return err
	}, func(err error) {
		if completion == nil {
			if err != nil {
				q.logger.Warn("async savepoint failed", "error", err)
			}
			return
		}
		if err != nil {
			completion(RollbackSavepoint, err)
			return
		}
		completion(result, nil)
	})
}

// CheckpointMode - режим PRAGMA wal_checkpoint
type CheckpointMode string

const (
	CheckpointPassive  CheckpointMode = "PASSIVE"
	CheckpointFull     CheckpointMode = "FULL"
	CheckpointRestart  CheckpointMode = "RESTART"
	CheckpointTruncate CheckpointMode = "TRUNCATE"
)

// CheckpointResult - результат PRAGMA wal_checkpoint
type CheckpointResult struct {
	// Busy - чекпоинт не завершён из-за читателей или писателей
	Busy bool
	// LogFrames - кадров в WAL
	LogFrames int
	// CheckpointedFrames - перенесено в основной файл
	CheckpointedFrames int
}

// Checkpoint переносит содержимое WAL в основной файл базы.
func (q *Queue) Checkpoint(ctx context.Context, mode CheckpointMode) (CheckpointResult, error) {
	switch CheckpointMode(strings.ToUpper(string(mode))) {
	case CheckpointPassive, CheckpointFull, CheckpointRestart, CheckpointTruncate:
		mode = CheckpointMode(strings.ToUpper(string(mode)))
	case "":
		mode = CheckpointPassive
	default:
		return CheckpointResult{}, &MisuseError{Op: "checkpoint", Message: fmt.Sprintf("unknown mode %q", mode)}
	}

	var res CheckpointResult
	err := q.sync(ctx, OpCheckpoint, func(c *Connection) error {
		query := fmt.Sprintf("PRAGMA wal_checkpoint(%s)", mode)
		var busy int
		if err := c.QueryRow(query).Scan(&busy, &res.LogFrames, &res.CheckpointedFrames); err != nil {
			return engineError(err, query)
		}
		res.Busy = busy != 0
		return nil
	})
	return res, err
}
