package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqlpipe/internal/app"
	"sqlpipe/internal/config"
	"sqlpipe/internal/platform/logger"
	"sqlpipe/pkg/pipeline"
)

func testConfig(path string) config.Config {
	var c config.Config
	c.Env = "dev"
	c.DB.Path = path
	c.DB.WAL = true
	c.DB.ForeignKeys = true
	c.DB.BusyTimeout = time.Second
	c.DB.Synchronous = "NORMAL"
	c.DB.QueueSize = 8
	c.DB.Label = "cli"
	c.DB.QoS = "default"
	c.Maintenance.CheckpointMode = "PASSIVE"
	c.HTTP.Addr = "127.0.0.1:0"
	c.Log.ConsoleLevel = "info"
	c.Log.FileLevel = "debug"
	return c
}

func run(t *testing.T, path string, args ...string) (string, error) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("sqlpipe"), kong.Exit(func(int) {}))
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)

	a := app.NewWithConfig(testConfig(path), logger.Discard())
	if cli.DB != "" {
		require.NoError(t, a.SetDBPath(cli.DB))
	}
	var out bytes.Buffer
	err = kctx.Run(&env{app: a, stdout: &out})
	return out.String(), err
}

func TestExecAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")

	out, err := run(t, path, "exec", "CREATE TABLE t (a INTEGER, b TEXT)", "INSERT INTO t VALUES (1, 'one'), (2, 'two')")
	require.NoError(t, err)
	assert.Equal(t, "2 rows affected\n", out)

	out, err = run(t, path, "query", "SELECT a, b FROM t WHERE a = ?", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"a", "b"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"2", "two"}, strings.Fields(lines[1]))
}

func TestExec_RollsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")
	_, err := run(t, path, "exec", "CREATE TABLE t (a)")
	require.NoError(t, err)

	_, err = run(t, path, "exec", "INSERT INTO t VALUES (1)", "INSERT INTO nope VALUES (1)")
	require.Error(t, err)

	out, err := run(t, path, "query", "SELECT count(*) AS n FROM t")
	require.NoError(t, err)
	assert.Equal(t, []string{"n", "0"}, strings.Fields(out))
}

func TestQuery_RejectsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")
	_, err := run(t, path, "exec", "CREATE TABLE t (a)", "INSERT INTO t VALUES (1)")
	require.NoError(t, err)

	_, err = run(t, path, "query", "DELETE FROM t")
	require.ErrorIs(t, err, pipeline.ErrNotReadOnly)

	out, err := run(t, path, "query", "SELECT count(*) AS n FROM t")
	require.NoError(t, err)
	assert.Equal(t, []string{"n", "1"}, strings.Fields(out))
}

func TestInMemoryOverride(t *testing.T) {
	out, err := run(t, filepath.Join(t.TempDir(), "unused.db"), "--db", ":memory:", "query", "SELECT 1 AS one")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "1"}, strings.Fields(out))
}

func TestBackupRestore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "src.db")
	_, err := run(t, path, "exec", "CREATE TABLE t (a)", "INSERT INTO t VALUES (42)")
	require.NoError(t, err)

	backup := filepath.Join(dir, "src.db.xz")
	out, err := run(t, path, "backup", backup)
	require.NoError(t, err)
	fields := strings.Fields(out)
	require.Len(t, fields, 2)
	assert.Len(t, fields[0], 64)

	restored := filepath.Join(dir, "restored.db")
	out, err = run(t, path, "--db", restored, "restore", backup, "--digest", fields[0])
	require.NoError(t, err)
	assert.Contains(t, out, restored)

	out, err = run(t, restored, "query", "SELECT a FROM t")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "42"}, strings.Fields(out))
}

func TestMigrate(t *testing.T) {
	abs, err := filepath.Abs(filepath.Join("..", "..", "pkg", "pipeline", "testdata", "migrations"))
	require.NoError(t, err)
	src := "file://" + filepath.ToSlash(abs)
	path := filepath.Join(t.TempDir(), "m.db")

	_, err = run(t, path, "migrate", "version")
	require.Error(t, err)

	// Файл базы создаётся первой командой
	_, err = run(t, path, "exec", "SELECT 1")
	require.NoError(t, err)

	_, err = run(t, path, "migrate", "up", "--source", src)
	require.NoError(t, err)

	out, err := run(t, path, "migrate", "version", "--source", src)
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	_, err = run(t, path, "migrate", "to", "1", "--source", src)
	require.NoError(t, err)
	out, err = run(t, path, "migrate", "version", "--source", src)
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	_, err = run(t, path, "migrate", "reset", "--source", src)
	require.NoError(t, err)
}

func TestVersion(t *testing.T) {
	out, err := run(t, filepath.Join(t.TempDir(), "v.db"), "version")
	require.NoError(t, err)
	assert.Equal(t, "sqlpipe version dev\n", out)
}

func TestParseArg(t *testing.T) {
	assert.Equal(t, int64(7), parseArg("7"))
	assert.Equal(t, 1.5, parseArg("1.5"))
	assert.Nil(t, parseArg("NULL"))
	assert.Equal(t, "abc", parseArg("abc"))
	assert.Equal(t, "NULL", formatValue(nil))
	assert.Equal(t, "x", formatValue([]byte("x")))
}
