package pipeline

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Состояния задания
const (
	itemQueued int32 = iota
	itemRunning
	itemCanceled
)

// workItem - задание в очереди соединения
type workItem struct {
	ctx      context.Context
	op       string
	fn       func(*Connection) error
	enqueued time.Time
	state    atomic.Int32
	done     chan error  // Sync: ответ вызывающему
	complete func(error) // Async: вызывается на воркере
}

// worker - последовательный исполнитель, монопольно владеющий соединением.
// Общая часть Queue и ReadQueue.
type worker struct {
	conn    *Connection
	opts    Options
	logger  *slog.Logger
	items   chan *workItem
	done    chan struct{}
	pending atomic.Int64

	mu       sync.RWMutex
	closed   bool
	closeErr error
}

func newWorker(conn *Connection, opts Options) *worker {
	logger := opts.Logger.With(
		slog.String("component", "pipeline"),
		slog.String("queue", opts.Label),
		slog.String("qos", string(opts.QoS)),
	)
	conn.logger = logger
	conn.label = opts.Label
	conn.qos = opts.QoS
	conn.hooks = opts.Hooks

	w := &worker{
		conn:   conn,
		opts:   opts,
		logger: logger,
		items:  make(chan *workItem, opts.QueueSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// run обрабатывает задания строго по порядку, пока канал не закрыт,
// затем закрывает соединение.
func (w *worker) run() {
	defer close(w.done)

	for it := range w.items {
		w.pending.Add(-1)
		w.process(it)
	}

	if err := w.conn.close(); err != nil {
		w.logger.Error("failed to close connection", slog.String("error", err.Error()))
		w.closeErr = err
	}
	w.logger.Debug("queue closed")
}

func (w *worker) process(it *workItem) {
	// Sync-вызыватель мог отказаться от задания, пока оно ждало
	if !it.state.CompareAndSwap(itemQueued, itemRunning) {
		return
	}

	var err error
	if ctxErr := it.ctx.Err(); ctxErr != nil {
		err = ctxErr
	} else {
		err = w.execute(it)
	}

	if it.done != nil {
		it.done <- err
	}
	if it.complete != nil {
		w.callCompletion(it.complete, err)
	}
}

// execute выполняет блок. Контекст блока не отменяется: начатый блок
// доходит до конца, даже если вызывающий перестал ждать.
func (w *worker) execute(it *workItem) error {
	ctx := context.WithoutCancel(it.ctx)
	ev := w.conn.event(it.op, "")
	ev.Queued = true
	ev.Wait = time.Since(it.enqueued)

	return observe(ctx, w.opts.Hooks, ev, func(ctx context.Context) error {
		w.conn.ctx = ctx
		defer func() { w.conn.ctx = nil }()
		return w.call(it.fn)
	})
}

func (w *worker) call(fn func(*Connection) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			w.logger.Error("panic in queued block", slog.Any("panic", r), slog.String("stack", string(stack)))
			err = &PanicError{Value: r, Stack: stack}
		}
	}()
	return fn(w.conn)
}

func (w *worker) callCompletion(complete func(error), err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in completion", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()
	complete(err)
}

// enqueue ставит задание в очередь. Если буфер полон, ждёт места или отмены ctx.
func (w *worker) enqueue(ctx context.Context, it *workItem) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return ErrClosed
	}

	it.enqueued = time.Now()
	w.pending.Add(1)
	select {
	case w.items <- it:
		return nil
	case <-ctx.Done():
		w.pending.Add(-1)
		return ctx.Err()
	}
}

// Sync выполняет fn на соединении очереди и ждёт результата.
//
// Если ctx отменён, пока задание ждёт в очереди, fn не выполняется и
// возвращается ctx.Err(). Начатый блок всегда выполняется до конца.
// Вызов Sync той же очереди изнутри блока приводит к взаимоблокировке.
func (w *worker) Sync(ctx context.Context, fn func(*Connection) error) error {
	return w.sync(ctx, OpSync, fn)
}

func (w *worker) sync(ctx context.Context, op string, fn func(*Connection) error) error {
	it := &workItem{ctx: ctx, op: op, fn: fn, done: make(chan error, 1)}
	if err := w.enqueue(ctx, it); err != nil {
		return err
	}

	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		if it.state.CompareAndSwap(itemQueued, itemCanceled) {
			return ctx.Err()
		}
		return <-it.done
	}
}

// Async ставит fn в очередь и сразу возвращается. completion (может быть nil)
// вызывается на воркере после выполнения. Если задание не удалось поставить
// в очередь, completion вызывается сразу на вызывающей горутине.
func (w *worker) Async(ctx context.Context, fn func(*Connection) error, completion func(error)) {
	w.async(ctx, OpAsync, fn, completion)
}

func (w *worker) async(ctx context.Context, op string, fn func(*Connection) error, completion func(error)) {
	if completion == nil {
		completion = func(err error) {
			if err != nil {
				w.logger.Warn("async block failed", slog.String("op", op), slog.String("error", err.Error()))
			}
		}
	}

	it := &workItem{ctx: ctx, op: op, fn: fn, complete: completion}
	if err := w.enqueue(ctx, it); err != nil {
		w.callCompletion(completion, err)
	}
}

// WithUnsafeConnection выполняет fn на соединении очереди прямо на
// вызывающей горутине, минуя очередь. Безопасно только когда вызывающий
// гарантирует, что очередь простаивает (например, до первого задания).
func (w *worker) WithUnsafeConnection(fn func(*Connection) error) error {
	w.mu.RLock()
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return fn(w.conn)
}

// Close дожидается выполнения уже поставленных заданий и закрывает
// соединение. Повторный вызов ничего не делает. Вызов изнутри блока этой
// же очереди приводит к взаимоблокировке.
func (w *worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return nil
	}
	w.closed = true
	close(w.items)
	w.mu.Unlock()

	<-w.done
	return w.closeErr
}

// Label возвращает метку очереди.
func (w *worker) Label() string { return w.opts.Label }

// QoS возвращает класс приоритета очереди.
func (w *worker) QoS() QoS { return w.opts.QoS }

// Path возвращает путь базы данных.
func (w *worker) Path() string { return w.conn.path }

// Pending возвращает число заданий, ожидающих выполнения.
func (w *worker) Pending() int { return int(w.pending.Load()) }

// Closed сообщает, закрыта ли очередь.
func (w *worker) Closed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.closed
}
