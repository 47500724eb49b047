package pipeline

import (
	"database/sql"
	"fmt"
	"reflect"
	"unsafe"

	"modernc.org/libc"
	sqlite3 "modernc.org/sqlite/lib"
)

// snapshotSize - размер непрозрачной структуры sqlite3_snapshot.
const snapshotSize = 48

var tlsType = reflect.TypeOf((*libc.TLS)(nil))

// native - дескриптор sqlite3* и поток libc, которым владеет соединение
// драйвера modernc. Живёт только внутри callback'а sql.Conn.Raw.
type native struct {
	db  uintptr
	tls *libc.TLS
}

// nativeOf извлекает дескриптор из соединения драйвера. Драйвер не
// экспортирует его, поэтому поля читаются через reflect; при несовпадении
// раскладки возвращается ErrNativeUnavailable.
func nativeOf(driverConn any) (native, error) {
	v := reflect.ValueOf(driverConn)
	if v.Kind() != reflect.Pointer || v.IsNil() || v.Elem().Kind() != reflect.Struct {
		return native{}, fmt.Errorf("%w: driver connection %T", ErrNativeUnavailable, driverConn)
	}
	s := v.Elem()

	dbField := s.FieldByName("db")
	tlsField := s.FieldByName("tls")
	if !dbField.IsValid() || dbField.Kind() != reflect.Uintptr ||
		!tlsField.IsValid() || tlsField.Type() != tlsType {
		return native{}, fmt.Errorf("%w: unexpected layout of %T", ErrNativeUnavailable, driverConn)
	}

	n := native{
		db:  uintptr(dbField.Uint()),
		tls: (*libc.TLS)(tlsField.UnsafePointer()),
	}
	if n.db == 0 || n.tls == nil {
		return native{}, ErrClosed
	}
	return n, nil
}

// withNative выполняет fn с нативным дескриптором соединения.
func withNative(conn *sql.Conn, fn func(n native) error) error {
	if conn == nil {
		return ErrClosed
	}
	err := conn.Raw(func(driverConn any) error {
		n, err := nativeOf(driverConn)
		if err != nil {
			return err
		}
		return fn(n)
	})
	return engineError(err, "")
}

func (n native) autocommit() bool {
	return sqlite3.Xsqlite3_get_autocommit(n.tls, n.db) != 0
}

// txnState возвращает sqlite3_txn_state; пустая схема - максимум по всем схемам.
func (n native) txnState(schema string) (TransactionState, error) {
	var zSchema uintptr
	if schema != "" {
		p, err := libc.CString(schema)
		if err != nil {
			return TxnNone, err
		}
		defer libc.Xfree(n.tls, p)
		zSchema = p
	}

	rc := sqlite3.Xsqlite3_txn_state(n.tls, n.db, zSchema)
	if rc < 0 {
		return TxnNone, &MisuseError{Op: "transaction state", Message: fmt.Sprintf("unknown schema %q", schema)}
	}
	return TransactionState(rc), nil
}

// lastError собирает *EngineError из состояния соединения после неудачного вызова.
func (n native) lastError(rc int32, op string) error {
	ext := int(sqlite3.Xsqlite3_extended_errcode(n.tls, n.db))
	if ext&0xff != int(rc)&0xff {
		ext = int(rc)
	}
	detail := libc.GoString(sqlite3.Xsqlite3_errmsg(n.tls, n.db))
	e := newEngineError(ext, "", "", nil)
	if detail != "" && detail != libc.GoString(sqlite3.Xsqlite3_errstr(n.tls, rc)) {
		e.Detail = detail
	}
	if e.Detail == "" {
		e.Detail = op + " failed"
	}
	return e
}

// snapshotGet копирует токен снимка открытой читающей транзакции.
func (n native) snapshotGet(schema string) (Snapshot, error) {
	zSchema, err := libc.CString(schema)
	if err != nil {
		return Snapshot{}, err
	}
	defer libc.Xfree(n.tls, zSchema)

	pp := n.tls.Alloc(int(unsafe.Sizeof(uintptr(0))))
	defer n.tls.Free(int(unsafe.Sizeof(uintptr(0))))
	*(*uintptr)(unsafe.Pointer(pp)) = 0

	if rc := sqlite3.Xsqlite3_snapshot_get(n.tls, n.db, zSchema, pp); rc != sqlite3.SQLITE_OK {
		return Snapshot{}, n.lastError(rc, "sqlite3_snapshot_get")
	}

	p := *(*uintptr)(unsafe.Pointer(pp))
	defer sqlite3.Xsqlite3_snapshot_free(n.tls, p)

	snap := Snapshot{schema: schema}
	copy(snap.token[:], unsafe.Slice((*byte)(unsafe.Pointer(p)), snapshotSize))
	return snap, nil
}

// snapshotOpen переводит читающую транзакцию на снимок. SQLite не хранит
// указатель после возврата, поэтому копия освобождается сразу.
func (n native) snapshotOpen(snap Snapshot) error {
	zSchema, err := libc.CString(snap.schema)
	if err != nil {
		return err
	}
	defer libc.Xfree(n.tls, zSchema)

	p := sqlite3.Xsqlite3_malloc(n.tls, snapshotSize)
	if p == 0 {
		return newEngineError(sqlite3.SQLITE_NOMEM, "", "", nil)
	}
	defer sqlite3.Xsqlite3_free(n.tls, p)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(p)), snapshotSize), snap.token[:])

	if rc := sqlite3.Xsqlite3_snapshot_open(n.tls, n.db, zSchema, p); rc != sqlite3.SQLITE_OK {
		return n.lastError(rc, "sqlite3_snapshot_open")
	}
	return nil
}

// snapshotCmp сравнивает два токена через sqlite3_snapshot_cmp. Соединение не
// нужно: функция читает только заголовок WAL из токенов.
func snapshotCmp(a, b *[snapshotSize]byte) int {
	tls := libc.NewTLS()
	defer tls.Close()

	p := tls.Alloc(2 * snapshotSize)
	defer tls.Free(2 * snapshotSize)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(p)), snapshotSize), a[:])
	copy(unsafe.Slice((*byte)(unsafe.Pointer(p+snapshotSize)), snapshotSize), b[:])

	return int(sqlite3.Xsqlite3_snapshot_cmp(tls, p, p+snapshotSize))
}

// compile компилирует первое выражение query и сразу финализирует его.
// Драйвер готовит выражения лениво, а синтаксические ошибки нужны при Prepare.
// readOnly - результат sqlite3_stmt_readonly для скомпилированного выражения.
func (n native) compile(query string) (readOnly bool, err error) {
	zSQL, err := libc.CString(query)
	if err != nil {
		return false, err
	}
	defer libc.Xfree(n.tls, zSQL)

	pp := n.tls.Alloc(int(unsafe.Sizeof(uintptr(0))))
	defer n.tls.Free(int(unsafe.Sizeof(uintptr(0))))
	*(*uintptr)(unsafe.Pointer(pp)) = 0

	rc := sqlite3.Xsqlite3_prepare_v2(n.tls, n.db, zSQL, -1, pp, 0)
	if p := *(*uintptr)(unsafe.Pointer(pp)); p != 0 {
		readOnly = sqlite3.Xsqlite3_stmt_readonly(n.tls, p) != 0
		sqlite3.Xsqlite3_finalize(n.tls, p)
	}
	if rc != sqlite3.SQLITE_OK {
		err := n.lastError(rc, "sqlite3_prepare_v2")
		if ee, ok := err.(*EngineError); ok {
			ee.Query = query
		}
		return false, err
	}
	return readOnly, nil
}

// pendingStatements возвращает SQL ещё не финализированных подготовленных выражений.
func (n native) pendingStatements() []string {
	var out []string
	for p := sqlite3.Xsqlite3_next_stmt(n.tls, n.db, 0); p != 0; p = sqlite3.Xsqlite3_next_stmt(n.tls, n.db, p) {
		out = append(out, libc.GoString(sqlite3.Xsqlite3_sql(n.tls, p)))
	}
	return out
}

// filename возвращает путь файла схемы (пусто для базы в памяти).
func (n native) filename(schema string) string {
	zSchema, err := libc.CString(schema)
	if err != nil {
		return ""
	}
	defer libc.Xfree(n.tls, zSchema)
	return libc.GoString(sqlite3.Xsqlite3_db_filename(n.tls, n.db, zSchema))
}

// readOnly сообщает, открыта ли схема только для чтения.
func (n native) readOnly(schema string) bool {
	zSchema, err := libc.CString(schema)
	if err != nil {
		return false
	}
	defer libc.Xfree(n.tls, zSchema)
	return sqlite3.Xsqlite3_db_readonly(n.tls, n.db, zSchema) == 1
}
