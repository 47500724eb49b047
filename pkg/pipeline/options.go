package pipeline

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// TransactionType определяет режим BEGIN для транзакции SQLite
type TransactionType int

const (
	// Deferred - блокировка откладывается до первого чтения/записи (по умолчанию SQLite)
	Deferred TransactionType = iota
	// Immediate - сразу захватывает RESERVED блокировку, писатели не получают SQLITE_BUSY посреди транзакции
	Immediate
	// Exclusive - сразу захватывает EXCLUSIVE блокировку
	Exclusive
)

// String возвращает ключевое слово SQL для режима.
func (t TransactionType) String() string {
	switch t {
	case Deferred:
		return "DEFERRED"
	case Immediate:
		return "IMMEDIATE"
	case Exclusive:
		return "EXCLUSIVE"
	default:
		return fmt.Sprintf("TransactionType(%d)", int(t))
	}
}

// ParseTransactionType разбирает имя режима без учёта регистра.
func ParseTransactionType(s string) (TransactionType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "DEFERRED":
		return Deferred, nil
	case "IMMEDIATE":
		return Immediate, nil
	case "EXCLUSIVE":
		return Exclusive, nil
	}
	return 0, &MisuseError{Op: "parse transaction type", Message: fmt.Sprintf("unknown transaction type %q", s)}
}

// AccessMode определяет режим доступа к SQLite базе данных
type AccessMode string

const (
	// AccessModeReadWrite - режим чтения и записи, файл должен существовать
	AccessModeReadWrite AccessMode = "rw"
	// AccessModeReadOnly - режим только для чтения
	AccessModeReadOnly AccessMode = "ro"
	// AccessModeReadWriteCreate - режим чтения/записи с созданием файла если не существует
	AccessModeReadWriteCreate AccessMode = "rwc"
)

// Synchronous - значение PRAGMA synchronous
type Synchronous string

const (
	SynchronousOff    Synchronous = "OFF"
	SynchronousNormal Synchronous = "NORMAL"
	SynchronousFull   Synchronous = "FULL"
	SynchronousExtra  Synchronous = "EXTRA"
)

// QoS - класс приоритета очереди. Используется в логах и метриках и
// наследуется читающими очередями, созданными из пишущей.
type QoS string

const (
	QoSBackground      QoS = "background"
	QoSUtility         QoS = "utility"
	QoSDefault         QoS = "default"
	QoSUserInitiated   QoS = "user-initiated"
	QoSUserInteractive QoS = "user-interactive"
)

// Valid сообщает, известен ли класс.
func (q QoS) Valid() bool {
	switch q {
	case QoSBackground, QoSUtility, QoSDefault, QoSUserInitiated, QoSUserInteractive:
		return true
	}
	return false
}

// InMemory - путь, открывающий приватную базу в памяти.
const InMemory = ":memory:"

// Options содержит настройки соединения и его очереди.
type Options struct {
	// Label - имя очереди в логах, метриках и трейсах
	Label string
	// QoS - класс приоритета очереди
	QoS QoS
	// AccessMode - режим доступа к файлу базы
	AccessMode AccessMode
	// WALMode - перевести базу в WAL (нужно для читающих очередей и снимков)
	WALMode bool
	// ForeignKeys - включить проверку внешних ключей
	ForeignKeys bool
	// BusyTimeout - сколько движок ждёт снятия блокировки перед SQLITE_BUSY
	BusyTimeout time.Duration
	// Synchronous - уровень PRAGMA synchronous
	Synchronous Synchronous
	// QueueSize - размер буфера очереди заданий
	QueueSize int
	// PingTimeout - таймаут первого подключения
	PingTimeout time.Duration
	// MigrationsURL - источник миграций golang-migrate (например, file://migrations); пусто - без миграций
	MigrationsURL string
	// Logger - логгер очереди; nil - slog.Default()
	Logger *slog.Logger
	// Hooks вызываются вокруг каждой операции соединения и каждого задания очереди
	Hooks []Hook
}

// DefaultOptions возвращает настройки по умолчанию, оптимизированные для embedded использования.
func DefaultOptions() Options {
	return Options{
		Label:       "pipeline",
		QoS:         QoSDefault,
		AccessMode:  AccessModeReadWriteCreate,
		WALMode:     true,
		ForeignKeys: true,
		BusyTimeout: 5 * time.Second,
		Synchronous: SynchronousNormal,
		QueueSize:   100,
		PingTimeout: 5 * time.Second,
	}
}

// normalize заполняет пустые поля значениями по умолчанию и проверяет остальные.
func (o Options) normalize() (Options, error) {
	def := DefaultOptions()
	if o.Label == "" {
		o.Label = def.Label
	}
	if o.QoS == "" {
		o.QoS = def.QoS
	}
	if !o.QoS.Valid() {
		return o, &MisuseError{Op: "open", Message: fmt.Sprintf("unknown QoS class %q", o.QoS)}
	}
	switch o.AccessMode {
	case "":
		o.AccessMode = def.AccessMode
	case AccessModeReadOnly, AccessModeReadWrite, AccessModeReadWriteCreate:
	default:
		return o, &MisuseError{Op: "open", Message: fmt.Sprintf("unknown access mode %q", o.AccessMode)}
	}
	switch o.Synchronous {
	case "":
		o.Synchronous = def.Synchronous
	case SynchronousOff, SynchronousNormal, SynchronousFull, SynchronousExtra:
	default:
		return o, &MisuseError{Op: "open", Message: fmt.Sprintf("unknown synchronous level %q", o.Synchronous)}
	}
	if o.QueueSize <= 0 {
		o.QueueSize = def.QueueSize
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = def.PingTimeout
	}
	if o.BusyTimeout < 0 {
		o.BusyTimeout = 0
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o, nil
}

// buildDSN строит URI для драйвера modernc. Режим доступа разбирает сам SQLite
// (поэтому префикс file:), busy_timeout применяется драйвером до любых запросов.
func buildDSN(path string, opts Options) string {
	if path == InMemory {
		if opts.BusyTimeout > 0 {
			return fmt.Sprintf("%s?_pragma=busy_timeout(%d)", InMemory, opts.BusyTimeout.Milliseconds())
		}
		return InMemory
	}

	params := url.Values{}
	params.Set("mode", string(opts.AccessMode))
	if opts.BusyTimeout > 0 {
		params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", opts.BusyTimeout.Milliseconds()))
	}

	u := url.URL{Scheme: "file", Opaque: escapePath(path), RawQuery: params.Encode()}
	return u.String()
}

// escapePath экранирует символы, которые SQLite трактует особо в URI имени файла.
func escapePath(path string) string {
	r := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")
	return r.Replace(path)
}
