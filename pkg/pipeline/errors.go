package pipeline

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"sqlpipe/internal/shared"
)

var (
	// ErrClosed возвращается при обращении к закрытой очереди или соединению
	ErrClosed = fmt.Errorf("pipeline: %w", shared.ErrClosed)

	// ErrNativeUnavailable - драйвер не отдал нативный дескриптор SQLite
	ErrNativeUnavailable = fmt.Errorf("pipeline: native sqlite handle unavailable: %w", shared.ErrInternal)

	// ErrNotReadOnly - выражение, переданное в PrepareReadOnly, меняет базу
	ErrNotReadOnly = fmt.Errorf("pipeline: statement is not read-only: %w", shared.ErrReadOnly)
)

// EngineError - ошибка, сообщённая движком SQLite.
type EngineError struct {
	// Code - основной код результата (SQLITE_BUSY, SQLITE_CONSTRAINT, ...)
	Code int
	// ExtendedCode - расширенный код (SQLITE_CONSTRAINT_UNIQUE, ...)
	ExtendedCode int
	// Message - общее описание кода
	Message string
	// Detail - конкретное сообщение движка (sqlite3_errmsg)
	Detail string
	// Query - текст запроса, если ошибка относится к запросу
	Query string

	err error
}

func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString("sqlite: ")
	b.WriteString(e.Message)
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Query != "" {
		b.WriteString(" [")
		b.WriteString(truncate(e.Query, 200))
		b.WriteString("]")
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.err }

// ResultCode возвращает расширенный код, как и (*sqlite.Error).Code.
func (e *EngineError) ResultCode() int { return e.ExtendedCode }

// Is сопоставляет коды SQLite с ошибками internal/shared.
func (e *EngineError) Is(target error) bool {
	switch target {
	case shared.ErrBusy:
		return e.Code == sqlite3.SQLITE_BUSY || e.Code == sqlite3.SQLITE_LOCKED
	case shared.ErrConstraint:
		return e.Code == sqlite3.SQLITE_CONSTRAINT
	case shared.ErrReadOnly:
		return e.Code == sqlite3.SQLITE_READONLY
	case shared.ErrCorrupt:
		return e.Code == sqlite3.SQLITE_CORRUPT || e.Code == sqlite3.SQLITE_NOTADB
	case shared.ErrIO:
		return e.Code == sqlite3.SQLITE_IOERR || e.Code == sqlite3.SQLITE_FULL || e.Code == sqlite3.SQLITE_CANTOPEN
	case shared.ErrMisuse:
		return e.Code == sqlite3.SQLITE_MISUSE || e.Code == sqlite3.SQLITE_RANGE
	case shared.ErrNotFound:
		return e.Code == sqlite3.SQLITE_NOTFOUND
	}
	return false
}

// MisuseError - нарушение предусловия API вызывающей стороной.
type MisuseError struct {
	Op      string
	Message string
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf("pipeline: misuse in %s: %s", e.Op, e.Message)
}

func (e *MisuseError) Is(target error) bool { return target == shared.ErrMisuse }

// PanicError - паника внутри блока, перехваченная воркером очереди.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("pipeline: panic in queued block: %v", e.Value)
}

func (e *PanicError) Is(target error) bool { return target == shared.ErrInternal }

// Unwrap отдаёт значение паники, если это ошибка.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// engineError приводит ошибку драйвера к *EngineError. Ошибки, не связанные с
// движком, возвращаются как есть; закрытое соединение становится ErrClosed.
func engineError(err error, query string) error {
	if err == nil {
		return nil
	}

	var ee *EngineError
	if errors.As(err, &ee) {
		return err
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		return newEngineError(se.Code(), se.Error(), query, se)
	}

	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

func newEngineError(extended int, raw, query string, cause error) *EngineError {
	primary := extended & 0xff
	msg, ok := sqlite.ErrorCodeString[primary]
	if !ok {
		msg = fmt.Sprintf("sqlite error %d", primary)
	}
	return &EngineError{
		Code:         primary,
		ExtendedCode: extended,
		Message:      msg,
		Detail:       detailOf(raw),
		Query:        query,
		err:          cause,
	}
}

// detailOf вытаскивает текст sqlite3_errmsg из сообщения драйвера вида
// "<errstr>: <errmsg> (<code>)".
func detailOf(raw string) string {
	_, detail, ok := strings.Cut(raw, ": ")
	if !ok {
		return ""
	}
	detail = strings.TrimSuffix(detail, " (SQLITE_BUSY)")
	if i := strings.LastIndex(detail, " ("); i >= 0 && strings.HasSuffix(detail, ")") {
		detail = detail[:i]
	}
	return detail
}

// truncate обрезает s до n байт, не разрывая UTF-8 символ.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
