package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrateURL строит URL базы для golang-migrate с учётом ОС.
// На Windows "C:\db.sqlite" превращается в "sqlite:///C:/db.sqlite",
// на Unix "/db.sqlite" - в "sqlite:///db.sqlite".
func MigrateURL(path string) (string, error) {
	if path == "" || path == InMemory {
		return "", &MisuseError{Op: "migrate", Message: "migrations need a database file"}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	u := filepath.ToSlash(abs)
	if runtime.GOOS == "windows" && len(u) >= 2 && u[1] == ':' {
		u = "/" + u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return "sqlite://" + u, nil
}

// withMigrate открывает отдельное соединение golang-migrate и закрывает его после fn.
func withMigrate(path, sourceURL string, fn func(*migrate.Migrate) error) error {
	if sourceURL == "" {
		return &MisuseError{Op: "migrate", Message: "empty migrations source URL"}
	}
	dbURL, err := MigrateURL(path)
	if err != nil {
		return err
	}

	m, err := migrate.New(sourceURL, dbURL)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer func() {
		// Ошибки закрытия отдельного соединения миграций не важны
		_, _ = m.Close()
	}()

	return fn(m)
}

// ApplyMigrations применяет все новые миграции из sourceURL (например,
// "file://migrations"). Повторный вызов безопасен: migrate.ErrNoChange не ошибка.
func ApplyMigrations(path, sourceURL string) error {
	return withMigrate(path, sourceURL, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		return nil
	})
}

// MigrationVersion возвращает текущую версию схемы и флаг dirty.
// Если миграции ещё не применялись, возвращает 0 без ошибки.
func MigrationVersion(path, sourceURL string) (version uint, dirty bool, err error) {
	err = withMigrate(path, sourceURL, func(m *migrate.Migrate) error {
		var verr error
		version, dirty, verr = m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			version, dirty = 0, false
			return nil
		}
		if verr != nil {
			return fmt.Errorf("failed to get migration version: %w", verr)
		}
		return nil
	})
	return version, dirty, err
}

// MigrateTo переводит схему на версию version (вверх или вниз).
func MigrateTo(path, sourceURL string, version uint) error {
	return withMigrate(path, sourceURL, func(m *migrate.Migrate) error {
		if err := m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to migrate to version %d: %w", version, err)
		}
		return nil
	})
}

// ResetMigrations откатывает все миграции. Данные схемы будут потеряны.
func ResetMigrations(path, sourceURL string) error {
	return withMigrate(path, sourceURL, func(m *migrate.Migrate) error {
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to reset migrations: %w", err)
		}
		return nil
	})
}
