package pipeline

import (
	"fmt"
	"log/slog"
)

// TransactionCompletion - чем завершить транзакцию после успешного блока.
type TransactionCompletion int

const (
	// Commit - зафиксировать (нулевое значение)
	Commit TransactionCompletion = iota
	// Rollback - откатить
	Rollback
)

func (t TransactionCompletion) String() string {
	switch t {
	case Commit:
		return "commit"
	case Rollback:
		return "rollback"
	default:
		return fmt.Sprintf("TransactionCompletion(%d)", int(t))
	}
}

// WithTransaction открывает транзакцию, выполняет fn и завершает транзакцию
// так, как вернул fn.
//
// Если fn, COMMIT или ROLLBACK вернули ошибку, транзакция откатывается
// (если соединение ещё не в autocommit), а вызывающему возвращается исходная
// ошибка. Ошибка самого восстановительного ROLLBACK только логируется.
// Паника в fn также откатывает транзакцию и пробрасывается дальше.
func (c *Connection) WithTransaction(typ TransactionType, fn func(*Connection) (TransactionCompletion, error)) (TransactionCompletion, error) {
	if err := c.Begin(typ); err != nil {
		return Rollback, err
	}

	defer func() {
		if r := recover(); r != nil {
			c.recoverTransaction(fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	completion, err := fn(c)
	if err != nil {
		c.recoverTransaction(err)
		return Rollback, err
	}

	switch completion {
	case Commit:
		err = c.Commit()
	case Rollback:
		err = c.Rollback()
	default:
		err = &MisuseError{Op: "transaction", Message: fmt.Sprintf("unknown completion %d", int(completion))}
	}
	if err != nil {
		c.recoverTransaction(err)
		return Rollback, err
	}
	return completion, nil
}

// recoverTransaction откатывает транзакцию после ошибки, если она ещё открыта.
func (c *Connection) recoverTransaction(cause error) {
	if c.IsInAutocommitMode() {
		return
	}
	if err := c.Rollback(); err != nil {
		c.logger.Warn("rollback after failed transaction",
			slog.String("error", err.Error()),
			slog.String("cause", cause.Error()),
		)
	}
}
