package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration values.
type Config struct {
	Env string `validate:"required,oneof=dev prod"`
	DB  struct {
		Path          string `validate:"required"`
		WAL           bool
		ForeignKeys   bool
		BusyTimeout   time.Duration `validate:"gte=0"`
		Synchronous   string        `validate:"required,oneof=OFF NORMAL FULL EXTRA"`
		QueueSize     int           `validate:"gte=1"`
		Label         string        `validate:"required"`
		QoS           string        `validate:"required,oneof=background utility default user-initiated user-interactive"`
		Readers       int           `validate:"gte=0,lte=64"`
		MigrationsURL string
	}
	Maintenance struct {
		CheckpointSchedule string
		CheckpointMode     string `validate:"required,oneof=PASSIVE FULL RESTART TRUNCATE"`
		OptimizeSchedule   string
		ReaderRefresh      time.Duration `validate:"gte=0"`
	}
	HTTP struct {
		Addr      string `validate:"required"`
		Tokens    []string
		RateLimit time.Duration `validate:"gte=0"`
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		Format       string `validate:"omitempty,oneof=text json"`
		File         string
		MaxSizeMB    int `validate:"gte=0"`
		MaxBackups   int `validate:"gte=0"`
		MaxAgeDays   int `validate:"gte=0"`
		Statements   bool
		SlowQuery    time.Duration `validate:"gte=0"`
	}
	Metrics struct {
		Enabled bool
	}
	Tracing struct {
		Enabled bool
	}
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	var errs []error

	c.Env = getenv("SQLPIPE_ENV", "prod")

	c.DB.Path = getenv("SQLPIPE_DB_PATH", "data/sqlpipe.db")
	c.DB.WAL = getbool("SQLPIPE_DB_WAL", true, &errs)
	c.DB.ForeignKeys = getbool("SQLPIPE_DB_FOREIGN_KEYS", true, &errs)
	c.DB.BusyTimeout = getduration("SQLPIPE_DB_BUSY_TIMEOUT", 5*time.Second, &errs)
	c.DB.Synchronous = strings.ToUpper(getenv("SQLPIPE_DB_SYNCHRONOUS", "NORMAL"))
	c.DB.QueueSize = getint("SQLPIPE_DB_QUEUE_SIZE", 100, &errs)
	c.DB.Label = getenv("SQLPIPE_DB_LABEL", "sqlpipe")
	c.DB.QoS = strings.ToLower(getenv("SQLPIPE_DB_QOS", "default"))
	c.DB.Readers = getint("SQLPIPE_DB_READERS", 1, &errs)
	c.DB.MigrationsURL = os.Getenv("SQLPIPE_DB_MIGRATIONS_URL")

	c.Maintenance.CheckpointSchedule = getenv("SQLPIPE_CHECKPOINT_SCHEDULE", "0 */5 * * * *")
	c.Maintenance.CheckpointMode = strings.ToUpper(getenv("SQLPIPE_CHECKPOINT_MODE", "PASSIVE"))
	c.Maintenance.OptimizeSchedule = getenv("SQLPIPE_OPTIMIZE_SCHEDULE", "0 0 3 * * *")
	c.Maintenance.ReaderRefresh = getduration("SQLPIPE_READER_REFRESH", 30*time.Second, &errs)

	c.HTTP.Addr = getenv("SQLPIPE_HTTP_ADDR", ":8080")
	c.HTTP.Tokens = getlist("SQLPIPE_HTTP_TOKENS")
	c.HTTP.RateLimit = getduration("SQLPIPE_HTTP_RATE_LIMIT", 0, &errs)

	c.Log.ConsoleLevel = strings.ToLower(getenv("SQLPIPE_LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("SQLPIPE_LOG_FILE_LEVEL", "debug"))
	c.Log.Format = strings.ToLower(getenv("SQLPIPE_LOG_FORMAT", "text"))
	c.Log.File = getenv("SQLPIPE_LOG_FILE", "data/logs/sqlpipe.log")
	c.Log.MaxSizeMB = getint("SQLPIPE_LOG_MAX_SIZE_MB", 5, &errs)
	c.Log.MaxBackups = getint("SQLPIPE_LOG_MAX_BACKUPS", 3, &errs)
	c.Log.MaxAgeDays = getint("SQLPIPE_LOG_MAX_AGE_DAYS", 28, &errs)
	c.Log.Statements = getbool("SQLPIPE_LOG_STATEMENTS", false, &errs)
	c.Log.SlowQuery = getduration("SQLPIPE_LOG_SLOW_QUERY", 200*time.Millisecond, &errs)

	c.Metrics.Enabled = getbool("SQLPIPE_METRICS_ENABLED", true, &errs)
	c.Tracing.Enabled = getbool("SQLPIPE_TRACING_ENABLED", false, &errs)

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks struct tags and cross-field rules. Call it again after
// overriding fields loaded by Load.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.DB.Readers > 0 && !c.DB.WAL {
		return errors.New("SQLPIPE_DB_WAL required when SQLPIPE_DB_READERS > 0")
	}
	if c.DB.Path == ":memory:" && c.DB.Readers > 0 {
		return errors.New("SQLPIPE_DB_READERS must be 0 for an in-memory database")
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getlist splits a comma or newline separated value, dropping empty items.
func getlist(k string) []string {
	parts := strings.FieldsFunc(os.Getenv(k), func(r rune) bool { return r == ',' || r == '\n' || r == '\t' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getbool(k string, def bool, errs *[]error) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return b
}

func getint(k string, def int, errs *[]error) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return n
}

func getduration(k string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return d
}
