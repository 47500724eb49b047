package pipeline

import (
	"context"
	"time"
)

// Операции, о которых сообщают хуки.
const (
	OpExec       = "exec"
	OpQuery      = "query"
	OpPrepare    = "prepare"
	OpBegin      = "begin"
	OpCommit     = "commit"
	OpRollback   = "rollback"
	OpSavepoint  = "savepoint"
	OpRelease    = "release"
	OpRollbackTo = "rollback_to"
	OpSnapshot   = "snapshot"
	OpCheckpoint = "checkpoint"
	OpBackup     = "backup"

	// Задания очереди
	OpSync            = "sync"
	OpAsync           = "async"
	OpTransaction     = "transaction"
	OpReadTransaction = "read_transaction"
)

// Event описывает одну операцию соединения или одно задание очереди.
type Event struct {
	Queue     string
	QoS       QoS
	Operation string
	Query     string
	StartTime time.Time
	// Queued - событие описывает задание очереди целиком, а не отдельный запрос
	Queued bool
	// Wait - сколько задание простояло в очереди (только при Queued)
	Wait time.Duration
	Err  error
}

// Hook наблюдает за операциями. BeforeOperation может вернуть производный
// контекст (например, со span'ом); он будет передан в AfterOperation и в
// запросы, выполняемые внутри задания.
type Hook interface {
	BeforeOperation(ctx context.Context, e *Event) context.Context
	AfterOperation(ctx context.Context, e *Event)
}

// observe выполняет fn, оборачивая его хуками. After вызываются в обратном порядке.
func observe(ctx context.Context, hooks []Hook, e *Event, fn func(ctx context.Context) error) error {
	if len(hooks) == 0 {
		return fn(ctx)
	}

	e.StartTime = time.Now()
	ctxs := make([]context.Context, len(hooks))
	for i, h := range hooks {
		ctx = h.BeforeOperation(ctx, e)
		ctxs[i] = ctx
	}

	e.Err = fn(ctx)

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i].AfterOperation(ctxs[i], e)
	}
	return e.Err
}
