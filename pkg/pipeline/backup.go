package pipeline

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"
	"modernc.org/sqlite"

	"sqlpipe/internal/shared"
)

// backupStepPages - страниц за шаг онлайн-копирования
const backupStepPages = 256

// ErrDigestMismatch - контрольная сумма восстановленного образа не совпала
var ErrDigestMismatch = fmt.Errorf("pipeline: backup digest mismatch: %w", shared.ErrCorrupt)

type backuper interface {
	NewBackup(dstURI string) (*sqlite.Backup, error)
}

// backupTo копирует основную схему в файл dst онлайн-копированием SQLite.
func (c *Connection) backupTo(dst string) error {
	return observe(c.Context(), c.hooks, c.event(OpBackup, dst), func(context.Context) error {
		err := c.conn.Raw(func(driverConn any) error {
			b, ok := driverConn.(backuper)
			if !ok {
				return fmt.Errorf("%w: %T cannot back up", ErrNativeUnavailable, driverConn)
			}
			bk, err := b.NewBackup(dst)
			if err != nil {
				return err
			}
			for {
				more, err := bk.Step(backupStepPages)
				if err != nil {
					_ = bk.Finish()
					return err
				}
				if !more {
					break
				}
			}
			return bk.Finish()
		})
		return engineError(err, "")
	})
}

// Backup пишет в w сжатый xz образ базы и возвращает BLAKE3 (hex) несжатого
// образа. Копирование выполняется одним заданием очереди, поэтому образ
// согласован с порядком заданий.
func (q *Queue) Backup(ctx context.Context, w io.Writer) (digest string, err error) {
	dir, err := os.MkdirTemp("", "sqlpipe-backup-")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	image := filepath.Join(dir, "image.db")
	start := time.Now()
	if err := q.sync(ctx, OpBackup, func(c *Connection) error {
		return c.backupTo(image)
	}); err != nil {
		return "", err
	}

	f, err := os.Open(image)
	if err != nil {
		return "", fmt.Errorf("failed to open backup image: %w", err)
	}
	defer f.Close()

	xw, err := xz.NewWriter(w)
	if err != nil {
		return "", fmt.Errorf("failed to create xz writer: %w", err)
	}

	h := blake3.New()
	n, err := io.Copy(xw, io.TeeReader(f, h))
	if err != nil {
		_ = xw.Close()
		return "", fmt.Errorf("failed to compress backup: %w", err)
	}
	if err := xw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish backup stream: %w", err)
	}

	digest = hex.EncodeToString(h.Sum(nil))
	q.logger.Info("backup written",
		"bytes", n,
		"digest", digest,
		"duration", time.Since(start),
	)
	return digest, nil
}

// RestoreBackup распаковывает образ, созданный Backup, в файл path.
// Если digest не пуст, образ сверяется с ним до замены файла. Файл
// заменяется атомарно; старые -wal и -shm удаляются. База по пути path не
// должна быть открыта.
func RestoreBackup(r io.Reader, path, digest string) error {
	if path == "" || path == InMemory {
		return &MisuseError{Op: "restore", Message: "restore needs a database file"}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	xr, err := xz.NewReader(bufio.NewReader(r))
	if err != nil {
		return shared.MarkKind(fmt.Errorf("failed to read backup stream: %w", err), shared.KindCorrupt)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".restore-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	h := blake3.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), xr); err != nil {
		_ = tmp.Close()
		return shared.MarkKind(fmt.Errorf("failed to decompress backup: %w", err), shared.KindCorrupt)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync restored image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close restored image: %w", err)
	}

	if got := hex.EncodeToString(h.Sum(nil)); digest != "" && got != digest {
		return fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, digest, got)
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path+suffix, err)
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace database file: %w", err)
	}
	committed = true
	return nil
}
