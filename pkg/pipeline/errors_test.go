package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sqlite3 "modernc.org/sqlite/lib"

	"sqlpipe/internal/shared"
)

func TestEngineError_FromDriver(t *testing.T) {
	tq := NewTestQueueInMemory(t)
	tq.MustSeedData(t,
		"CREATE TABLE u (x UNIQUE)",
		"INSERT INTO u (x) VALUES (1)",
	)

	err := tq.Sync(context.Background(), func(c *Connection) error {
		_, err := c.Execute("INSERT INTO u (x) VALUES (1)")
		return err
	})

	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, sqlite3.SQLITE_CONSTRAINT, ee.Code)
	assert.Equal(t, sqlite3.SQLITE_CONSTRAINT_UNIQUE, ee.ExtendedCode)
	assert.Equal(t, sqlite3.SQLITE_CONSTRAINT_UNIQUE, ee.ResultCode())
	assert.Equal(t, "UNIQUE constraint failed: u.x", ee.Detail)
	assert.Equal(t, "INSERT INTO u (x) VALUES (1)", ee.Query)
	assert.Contains(t, ee.Error(), "UNIQUE constraint failed")

	assert.True(t, shared.IsConstraint(err))
	assert.Equal(t, shared.KindConstraint, shared.KindOf(err))
}

func TestEngineError_MalformedSQL(t *testing.T) {
	tq := NewTestQueueInMemory(t)

	err := tq.Sync(context.Background(), func(c *Connection) error {
		stmt, err := c.Prepare("SELEC 1")
		if stmt != nil {
			_ = stmt.Close()
		}
		return err
	})

	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, sqlite3.SQLITE_ERROR, ee.Code)
	assert.Contains(t, ee.Detail, "syntax error")
}

func TestEngineError_Is(t *testing.T) {
	tests := []struct {
		name string
		code int
		want error
	}{
		{"busy", sqlite3.SQLITE_BUSY, shared.ErrBusy},
		{"locked", sqlite3.SQLITE_LOCKED, shared.ErrBusy},
		{"constraint", sqlite3.SQLITE_CONSTRAINT, shared.ErrConstraint},
		{"readonly", sqlite3.SQLITE_READONLY, shared.ErrReadOnly},
		{"corrupt", sqlite3.SQLITE_CORRUPT, shared.ErrCorrupt},
		{"notadb", sqlite3.SQLITE_NOTADB, shared.ErrCorrupt},
		{"ioerr", sqlite3.SQLITE_IOERR, shared.ErrIO},
		{"full", sqlite3.SQLITE_FULL, shared.ErrIO},
		{"cantopen", sqlite3.SQLITE_CANTOPEN, shared.ErrIO},
		{"misuse", sqlite3.SQLITE_MISUSE, shared.ErrMisuse},
		{"range", sqlite3.SQLITE_RANGE, shared.ErrMisuse},
		{"notfound", sqlite3.SQLITE_NOTFOUND, shared.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", newEngineError(tt.code, "", "", nil))
			assert.ErrorIs(t, err, tt.want)
			assert.NotErrorIs(t, err, shared.ErrInternal)
		})
	}
}

func TestEngineError_ExtendedCodeMapsToPrimary(t *testing.T) {
	// SQLITE_BUSY_SNAPSHOT = SQLITE_BUSY | (2<<8)
	ee := newEngineError(sqlite3.SQLITE_BUSY_SNAPSHOT, "database is locked: database is locked (517)", "", nil)

	assert.Equal(t, sqlite3.SQLITE_BUSY, ee.Code)
	assert.Equal(t, sqlite3.SQLITE_BUSY_SNAPSHOT, ee.ExtendedCode)
	assert.Equal(t, "database is locked", ee.Detail)
	assert.True(t, shared.IsBusy(ee))
}

func TestEngineError_Format(t *testing.T) {
	ee := &EngineError{Message: "constraint failed", Detail: "NOT NULL constraint failed: t.a", Query: "INSERT INTO t DEFAULT VALUES"}
	assert.Equal(t, "sqlite: constraint failed: NOT NULL constraint failed: t.a [INSERT INTO t DEFAULT VALUES]", ee.Error())

	ee = &EngineError{Message: "SQL logic error"}
	assert.Equal(t, "sqlite: SQL logic error", ee.Error())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab...", truncate("abc", 2))

	s := strings.Repeat("ж", 150)
	got := truncate(s, 201)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("ж", 100)+"...", got)
}

func TestDetailOf(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"constraint failed: UNIQUE constraint failed: u.x (2067)", "UNIQUE constraint failed: u.x"},
		{"database is locked: database is locked (5) (SQLITE_BUSY)", "database is locked"},
		{"SQL logic error (1)", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, detailOf(tt.raw), tt.raw)
	}
}

func TestEngineErrorPassThrough(t *testing.T) {
	assert.NoError(t, engineError(nil, ""))

	plain := errors.New("plain")
	assert.Same(t, plain, engineError(plain, "SELECT 1"))

	ee := newEngineError(sqlite3.SQLITE_ERROR, "", "q", nil)
	assert.Same(t, ee, engineError(ee, "other"))

	err := engineError(sql.ErrConnDone, "")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestMisuseError(t *testing.T) {
	err := &MisuseError{Op: "savepoint", Message: "empty savepoint name"}

	assert.Equal(t, "pipeline: misuse in savepoint: empty savepoint name", err.Error())
	assert.ErrorIs(t, err, shared.ErrMisuse)
	assert.Equal(t, shared.KindMisuse, shared.KindOf(err))
}

func TestConnection_EmptySavepointName(t *testing.T) {
	tq := NewTestQueueInMemory(t)

	err := tq.Sync(context.Background(), func(c *Connection) error {
		return c.BeginSavepoint("")
	})
	assert.True(t, shared.IsMisuse(err))

	err = tq.Sync(context.Background(), func(c *Connection) error {
		return c.ReleaseSavepoint("missing")
	})
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, ee.Detail, "no such savepoint")
}
