package pipeline

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Snapshot - непрозрачный идентификатор состояния WAL-базы, который можно
// сравнивать и к которому можно вернуть читающую транзакцию. Значения
// сравнимы через ==; порядок имеет смысл только для снимков одного файла.
type Snapshot struct {
	schema string
	token  [snapshotSize]byte
}

// Schema возвращает имя схемы снимка.
func (s Snapshot) Schema() string { return s.schema }

// IsZero сообщает, что снимок не инициализирован.
func (s Snapshot) IsZero() bool { return s == Snapshot{} }

// Equal сообщает, что снимки описывают одно состояние.
func (s Snapshot) Equal(other Snapshot) bool { return s == other }

// Compare возвращает -1, 0 или 1, если s старше, равен или новее other.
// Снимки разных схем не сравниваются.
func (s Snapshot) Compare(other Snapshot) (int, error) {
	if s.IsZero() || other.IsZero() {
		return 0, &MisuseError{Op: "compare snapshots", Message: "zero snapshot"}
	}
	if s.schema != other.schema {
		return 0, &MisuseError{
			Op:      "compare snapshots",
			Message: fmt.Sprintf("schema mismatch: %q vs %q", s.schema, other.schema),
		}
	}
	switch c := snapshotCmp(&s.token, &other.token); {
	case c < 0:
		return -1, nil
	case c > 0:
		return 1, nil
	default:
		return 0, nil
	}
}

// Before сообщает, что s строго старше other.
func (s Snapshot) Before(other Snapshot) (bool, error) {
	c, err := s.Compare(other)
	return c < 0, err
}

// String возвращает короткий отпечаток для логов.
func (s Snapshot) String() string {
	if s.IsZero() {
		return "snapshot(none)"
	}
	sum := blake3.Sum256(s.token[:])
	return s.schema + "@" + hex.EncodeToString(sum[:6])
}

// MarshalText кодирует снимок как "<schema>:<hex token>".
func (s Snapshot) MarshalText() ([]byte, error) {
	if s.IsZero() {
		return []byte{}, nil
	}
	return []byte(s.schema + ":" + hex.EncodeToString(s.token[:])), nil
}

// UnmarshalText разбирает результат MarshalText.
func (s *Snapshot) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*s = Snapshot{}
		return nil
	}
	schema, tok, ok := strings.Cut(string(text), ":")
	if !ok || schema == "" {
		return &MisuseError{Op: "parse snapshot", Message: "expected <schema>:<token>"}
	}
	raw, err := hex.DecodeString(tok)
	if err != nil || len(raw) != snapshotSize {
		return &MisuseError{Op: "parse snapshot", Message: fmt.Sprintf("token must be %d hex-encoded bytes", snapshotSize)}
	}
	s.schema = schema
	copy(s.token[:], raw)
	return nil
}

// TakeSnapshot возвращает снимок текущего состояния схемы (по умолчанию "main").
// В режиме autocommit открывает и закрывает вокруг него DEFERRED транзакцию.
// Требует WAL; внутри пишущей транзакции возвращает ошибку движка.
func (c *Connection) TakeSnapshot(schema string) (Snapshot, error) {
	if schema == "" {
		schema = "main"
	}

	began := false
	if c.IsInAutocommitMode() {
		if err := c.Begin(Deferred); err != nil {
			return Snapshot{}, err
		}
		began = true
	}

	var snap Snapshot
	err := observe(c.Context(), c.hooks, c.event(OpSnapshot, schema), func(context.Context) error {
		return withNative(c.conn, func(n native) error {
			var err error
			snap, err = n.snapshotGet(schema)
			return err
		})
	})

	if began {
		if rbErr := c.Rollback(); err == nil {
			err = rbErr
		}
	}
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// OpenSnapshot переводит читающую транзакцию на снимок snap. В режиме
// autocommit сначала открывается DEFERRED транзакция; при ошибке она откатывается.
func (c *Connection) OpenSnapshot(snap Snapshot) error {
	if snap.IsZero() {
		return &MisuseError{Op: "open snapshot", Message: "zero snapshot"}
	}

	began := false
	if c.IsInAutocommitMode() {
		if err := c.Begin(Deferred); err != nil {
			return err
		}
		began = true
	}

	err := withNative(c.conn, func(n native) error {
		return n.snapshotOpen(snap)
	})
	if err != nil && began {
		if rbErr := c.Rollback(); rbErr != nil {
			c.logger.Debug("rollback after failed snapshot open", "error", rbErr)
		}
	}
	return err
}
