package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// SavepointCompletion - чем завершить точку сохранения после успешного блока.
type SavepointCompletion int

const (
	// Release - принять изменения точки (нулевое значение)
	Release SavepointCompletion = iota
	// RollbackSavepoint - откатить изменения точки и удалить её
	RollbackSavepoint
)

func (s SavepointCompletion) String() string {
	switch s {
	case Release:
		return "release"
	case RollbackSavepoint:
		return "rollback"
	default:
		return fmt.Sprintf("SavepointCompletion(%d)", int(s))
	}
}

// newSavepointName возвращает уникальное имя точки сохранения.
func newSavepointName() string {
	return "sp_" + uuid.NewString()
}

// WithSavepoint выполняет fn внутри новой точки сохранения с уникальным
// именем. Вызовы вкладываются произвольно: откат внутренней точки не
// затрагивает внешнюю транзакцию.
//
// При ошибке выполняется ROLLBACK TO и RELEASE, их ошибки отбрасываются,
// а вызывающему возвращается исходная ошибка. Если точка открыла транзакцию
// сама и та осталась открытой, она откатывается.
func (c *Connection) WithSavepoint(fn func(*Connection) (SavepointCompletion, error)) (SavepointCompletion, error) {
	name := newSavepointName()
	outermost := c.IsInAutocommitMode()

	if err := c.BeginSavepoint(name); err != nil {
		return RollbackSavepoint, err
	}

	defer func() {
		if r := recover(); r != nil {
			c.recoverSavepoint(name, outermost)
			panic(r)
		}
	}()

	completion, err := fn(c)
	if err != nil {
		c.recoverSavepoint(name, outermost)
		return RollbackSavepoint, err
	}

	switch completion {
	case Release:
		err = c.ReleaseSavepoint(name)
	case RollbackSavepoint:
		if err = c.RollbackToSavepoint(name); err == nil {
			err = c.ReleaseSavepoint(name)
		}
	default:
		err = &MisuseError{Op: "savepoint", Message: fmt.Sprintf("unknown completion %d", int(completion))}
	}
	if err != nil {
		c.recoverSavepoint(name, outermost)
		return RollbackSavepoint, err
	}
	return completion, nil
}

func (c *Connection) recoverSavepoint(name string, outermost bool) {
	if err := c.RollbackToSavepoint(name); err != nil {
		c.logger.Debug("rollback to savepoint failed", slog.String("savepoint", name), slog.String("error", err.Error()))
	}
	if err := c.ReleaseSavepoint(name); err != nil {
		c.logger.Debug("release savepoint failed", slog.String("savepoint", name), slog.String("error", err.Error()))
	}
	if outermost && !c.IsInAutocommitMode() {
		if err := c.Rollback(); err != nil {
			c.logger.Debug("rollback after savepoint failed", slog.String("error", err.Error()))
		}
	}
}
