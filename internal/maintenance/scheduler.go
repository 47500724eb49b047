package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc - задача обслуживания.
type JobFunc func(ctx context.Context) error

// OverlapPolicy определяет поведение при перекрытии запусков одной задачи.
type OverlapPolicy int

const (
	// AllowOverlap разрешает параллельные запуски.
	AllowOverlap OverlapPolicy = iota
	// SkipIfRunning пропускает запуск, пока предыдущий не завершён.
	SkipIfRunning
	// DelayIfRunning ждёт завершения предыдущего запуска.
	DelayIfRunning
)

// JobOptions - параметры задачи.
type JobOptions struct {
	Name          string
	Timeout       time.Duration
	OverlapPolicy OverlapPolicy
}

// JobHooks - необязательные хуки для наблюдения за задачами.
type JobHooks struct {
	OnJobStart  func(name string)
	OnJobFinish func(name string, duration time.Duration, err error)
}

type job struct {
	fn      JobFunc
	opts    JobOptions
	running sync.Mutex
}

// cronLogger адаптирует slog к cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, kvAttrs(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	attrs := append([]slog.Attr{slog.Any("error", err)}, kvAttrs(keysAndValues)...)
	l.logger.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

func kvAttrs(kv []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		attrs = append(attrs, slog.Any(key, kv[i+1]))
	}
	return attrs
}

// Scheduler запускает задачи по cron-расписанию и с фиксированным интервалом.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	hooks   JobHooks
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	tickers []func()

	mu        sync.Mutex
	started   bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewScheduler создаёт планировщик, привязанный к parent.
// Расписания принимаются в формате с секундами: "0 */5 * * * *", "@every 1m".
func NewScheduler(parent context.Context, logger *slog.Logger, hooks JobHooks) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	cl := cronLogger{logger: logger.With("component", "cron")}

	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		logger: logger,
		hooks:  hooks,
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddCronJob регистрирует задачу по расписанию.
func (s *Scheduler) AddCronJob(schedule string, fn JobFunc, opts JobOptions) (cron.EntryID, error) {
	j := &job{fn: fn, opts: opts}

	id, err := s.cron.AddFunc(schedule, func() { s.run(j) })
	if err != nil {
		return 0, fmt.Errorf("maintenance: schedule %q for %s: %w", schedule, j.name(), err)
	}
	s.logger.Info("cron job added", "name", j.name(), "schedule", schedule, "id", id)
	return id, nil
}

// AddTickerJob регистрирует задачу с фиксированным интервалом.
// Тикер стартует вместе с планировщиком.
func (s *Scheduler) AddTickerJob(interval time.Duration, fn JobFunc, opts JobOptions) error {
	if interval <= 0 {
		return fmt.Errorf("maintenance: interval for %s must be positive, got %s", opts.Name, interval)
	}
	j := &job{fn: fn, opts: opts}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("maintenance: scheduler already started")
	}

	s.tickers = append(s.tickers, func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.run(j)
			case <-s.ctx.Done():
				return
			}
		}
	})
	s.logger.Info("ticker job added", "name", j.name(), "interval", interval)
	return nil
}

// Start запускает планировщик. Повторный вызов ничего не делает.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.started = true
		tickers := s.tickers
		s.mu.Unlock()

		s.cron.Start()
		for _, loop := range tickers {
			s.wg.Add(1)
			go loop()
		}

		go func() {
			<-s.ctx.Done()
			s.stopOnce.Do(s.stop)
		}()
		s.logger.Info("scheduler started", "cron_jobs", len(s.cron.Entries()), "ticker_jobs", len(tickers))
	})
}

// Stop останавливает планировщик и ждёт текущие задачи.
// Если ctx истекает раньше, Stop всё равно дожидается остановки и возвращает ctx.Err().
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.stopOnce.Do(s.stop)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop deadline exceeded, waiting for running jobs")
		<-done
		return ctx.Err()
	}
}

func (s *Scheduler) stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Running сообщает, что планировщик не остановлен.
func (s *Scheduler) Running() bool {
	return s.ctx.Err() == nil
}

func (j *job) name() string {
	if j.opts.Name == "" {
		return "unnamed"
	}
	return j.opts.Name
}

func (s *Scheduler) run(j *job) {
	name := j.name()

	switch j.opts.OverlapPolicy {
	case SkipIfRunning:
		if !j.running.TryLock() {
			s.logger.Debug("job still running, skipping", "name", name)
			return
		}
		defer j.running.Unlock()
	case DelayIfRunning:
		j.running.Lock()
		defer j.running.Unlock()
	}

	if s.ctx.Err() != nil {
		return
	}

	ctx := s.ctx
	if j.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.opts.Timeout)
		defer cancel()
	}

	if s.hooks.OnJobStart != nil {
		s.hooks.OnJobStart(name)
	}

	start := time.Now()
	err := s.call(ctx, j.fn)
	duration := time.Since(start)

	if s.hooks.OnJobFinish != nil {
		s.hooks.OnJobFinish(name, duration, err)
	}
	if err != nil {
		s.logger.Error("job failed", "name", name, "duration", duration, "error", err)
		return
	}
	s.logger.Debug("job completed", "name", name, "duration", duration)
}

func (s *Scheduler) call(ctx context.Context, fn JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
