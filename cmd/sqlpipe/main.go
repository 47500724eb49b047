// Command sqlpipe serves a serialized SQLite database over HTTP and runs
// one-off maintenance commands against it.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/alecthomas/kong"

	"sqlpipe/internal/app"
	"sqlpipe/pkg/pipeline"
)

var version = "dev"

// CLI defines the command-line interface.
type CLI struct {
	DB string `name:"db" short:"d" help:"Database path (overrides SQLPIPE_DB_PATH)"`

	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the HTTP server with background maintenance"`
	Exec    ExecCmd    `cmd:"" help:"Execute statements in one write transaction"`
	Query   QueryCmd   `cmd:"" help:"Run a read-only query and print the rows"`
	Backup  BackupCmd  `cmd:"" help:"Write an xz-compressed backup"`
	Restore RestoreCmd `cmd:"" help:"Restore a backup into a database file"`
	Migrate MigrateCmd `cmd:"" help:"Schema migrations"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// env is shared by all commands.
type env struct {
	app    *app.App
	stdout io.Writer
}

func (e *env) open(ctx context.Context) (*pipeline.Queue, error) {
	opts, err := e.app.Options()
	if err != nil {
		return nil, err
	}
	path := e.app.Config().DB.Path
	if path == pipeline.InMemory {
		return pipeline.OpenInMemoryQueue(ctx, opts)
	}
	return pipeline.OpenQueue(ctx, path, opts)
}

// ServeCmd runs the server.
type ServeCmd struct{}

func (c *ServeCmd) Run(e *env) error {
	return e.app.Run()
}

// ExecCmd executes statements.
type ExecCmd struct {
	SQL         []string `arg:"" help:"Statements to execute"`
	Transaction string   `short:"t" default:"immediate" enum:"deferred,immediate,exclusive" help:"BEGIN mode"`
}

func (c *ExecCmd) Run(e *env) error {
	ctx := context.Background()
	typ, err := pipeline.ParseTransactionType(c.Transaction)
	if err != nil {
		return err
	}
	q, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer q.Close()

	var affected int64
	_, err = q.Transaction(ctx, typ, func(conn *pipeline.Connection) (pipeline.TransactionCompletion, error) {
		affected = 0
		for _, stmt := range c.SQL {
			res, err := conn.Execute(stmt)
			if err != nil {
				return pipeline.Rollback, err
			}
			n, _ := res.RowsAffected()
			affected += n
		}
		return pipeline.Commit, nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%d rows affected\n", affected)
	return nil
}

// QueryCmd prints query results as a table.
type QueryCmd struct {
	SQL  string   `arg:"" help:"Query to run"`
	Args []string `arg:"" optional:"" help:"Positional arguments"`
}

func (c *QueryCmd) Run(e *env) error {
	ctx := context.Background()
	q, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer q.Close()

	args := make([]any, len(c.Args))
	for i, a := range c.Args {
		args[i] = parseArg(a)
	}

	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	err = q.Sync(ctx, func(conn *pipeline.Connection) error {
		stmt, err := conn.PrepareReadOnly(c.SQL)
		if err != nil {
			return err
		}
		defer stmt.Close()

		header := false
		return stmt.Results(args, func(rows *sql.Rows) error {
			cols, err := rows.Columns()
			if err != nil {
				return err
			}
			if !header {
				fmt.Fprintln(tw, strings.Join(cols, "\t"))
				header = true
			}
			values := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			cells := make([]string, len(values))
			for i, v := range values {
				cells[i] = formatValue(v)
			}
			fmt.Fprintln(tw, strings.Join(cells, "\t"))
			return nil
		})
	})
	if err != nil {
		return err
	}
	return tw.Flush()
}

// BackupCmd writes a backup file.
type BackupCmd struct {
	Out string `arg:"" help:"Output file (.xz)" type:"path"`
}

func (c *BackupCmd) Run(e *env) error {
	ctx := context.Background()
	q, err := e.open(ctx)
	if err != nil {
		return err
	}
	defer q.Close()

	f, err := os.Create(c.Out)
	if err != nil {
		return err
	}
	digest, err := q.Backup(ctx, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(c.Out)
		return err
	}
	fmt.Fprintf(e.stdout, "%s  %s\n", digest, c.Out)
	return nil
}

// RestoreCmd restores a backup.
type RestoreCmd struct {
	In     string `arg:"" help:"Backup file" type:"existingfile"`
	Digest string `help:"Expected BLAKE3 digest of the decompressed image"`
}

func (c *RestoreCmd) Run(e *env) error {
	f, err := os.Open(c.In)
	if err != nil {
		return err
	}
	defer f.Close()

	path := e.app.Config().DB.Path
	if err := pipeline.RestoreBackup(f, path, c.Digest); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "restored %s\n", path)
	return nil
}

// MigrateCmd groups migration commands.
type MigrateCmd struct {
	Up      MigrateUpCmd      `cmd:"" help:"Apply all pending migrations"`
	To      MigrateToCmd      `cmd:"" help:"Migrate up or down to a version"`
	Reset   MigrateResetCmd   `cmd:"" help:"Revert all migrations"`
	Version MigrateVersionCmd `cmd:"" help:"Print the current schema version"`
}

// MigrateSource selects where migration files come from.
type MigrateSource struct {
	Source string `help:"Migration source URL (overrides SQLPIPE_DB_MIGRATIONS_URL)"`
}

func (m MigrateSource) source(e *env) (string, error) {
	src := m.Source
	if src == "" {
		src = e.app.Config().DB.MigrationsURL
	}
	if src == "" {
		return "", fmt.Errorf("no migration source: set --source or SQLPIPE_DB_MIGRATIONS_URL")
	}
	return src, nil
}

// MigrateUpCmd applies migrations.
type MigrateUpCmd struct {
	Src MigrateSource `embed:""`
}

func (c *MigrateUpCmd) Run(e *env) error {
	src, err := c.Src.source(e)
	if err != nil {
		return err
	}
	return pipeline.ApplyMigrations(e.app.Config().DB.Path, src)
}

// MigrateToCmd migrates to a version.
type MigrateToCmd struct {
	Src     MigrateSource `embed:""`
	Version uint          `arg:"" help:"Target version"`
}

func (c *MigrateToCmd) Run(e *env) error {
	src, err := c.Src.source(e)
	if err != nil {
		return err
	}
	return pipeline.MigrateTo(e.app.Config().DB.Path, src, c.Version)
}

// MigrateResetCmd reverts all migrations.
type MigrateResetCmd struct {
	Src MigrateSource `embed:""`
}

func (c *MigrateResetCmd) Run(e *env) error {
	src, err := c.Src.source(e)
	if err != nil {
		return err
	}
	return pipeline.ResetMigrations(e.app.Config().DB.Path, src)
}

// MigrateVersionCmd prints the schema version.
type MigrateVersionCmd struct {
	Src MigrateSource `embed:""`
}

func (c *MigrateVersionCmd) Run(e *env) error {
	src, err := c.Src.source(e)
	if err != nil {
		return err
	}
	v, dirty, err := pipeline.MigrationVersion(e.app.Config().DB.Path, src)
	if err != nil {
		return err
	}
	if dirty {
		fmt.Fprintf(e.stdout, "%d (dirty)\n", v)
		return nil
	}
	fmt.Fprintf(e.stdout, "%d\n", v)
	return nil
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (c *VersionCmd) Run(e *env) error {
	fmt.Fprintf(e.stdout, "sqlpipe version %s\n", version)
	return nil
}

func parseArg(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if s == "NULL" {
		return nil
	}
	return s
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("sqlpipe"),
		kong.Description("Serialized SQLite access over HTTP"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)

	a, err := app.New()
	ctx.FatalIfErrorf(err)
	defer a.Close()
	if cli.DB != "" {
		ctx.FatalIfErrorf(a.SetDBPath(cli.DB))
	}

	err = ctx.Run(&env{app: a, stdout: os.Stdout})
	ctx.FatalIfErrorf(err)
}
