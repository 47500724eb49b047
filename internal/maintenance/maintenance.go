// Package maintenance выполняет фоновое обслуживание базы: перенос WAL в
// основной файл, PRAGMA optimize и продвижение читателей к свежему снимку.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sqlpipe/internal/shared"
	"sqlpipe/pkg/pipeline"
	"sqlpipe/pkg/retry"
)

// ErrCheckpointBusy - чекпоинт не завершён из-за активных читателей или писателя.
var ErrCheckpointBusy = shared.MarkKind(errors.New("maintenance: checkpoint busy"), shared.KindBusy)

// Writer - очередь записи, которую обслуживает планировщик.
type Writer interface {
	pipeline.Executor
	Checkpoint(ctx context.Context, mode pipeline.CheckpointMode) (pipeline.CheckpointResult, error)
}

// Reader - очередь чтения с долгой транзакцией.
type Reader interface {
	Label() string
	InReadTransaction() bool
	UpdateReadTransaction(ctx context.Context) error
}

// Config - расписания задач. Пустое расписание или нулевой интервал отключают задачу.
type Config struct {
	CheckpointSchedule string
	CheckpointMode     pipeline.CheckpointMode
	OptimizeSchedule   string
	ReaderRefresh      time.Duration
	JobTimeout         time.Duration
	Retry              retry.Config
	Logger             *slog.Logger
	Hooks              JobHooks
}

// Service связывает очереди с планировщиком.
type Service struct {
	cfg     Config
	writer  Writer
	readers []Reader
	sched   *Scheduler
	logger  *slog.Logger
}

// New регистрирует задачи, но не запускает их.
func New(ctx context.Context, cfg Config, writer Writer, readers ...Reader) (*Service, error) {
	if writer == nil {
		return nil, errors.New("maintenance: writer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}

	s := &Service{
		cfg:     cfg,
		writer:  writer,
		readers: readers,
		logger:  cfg.Logger,
		sched:   NewScheduler(ctx, cfg.Logger, cfg.Hooks),
	}

	if err := s.register(); err != nil {
		s.sched.cancel()
		return nil, err
	}
	return s, nil
}

func (s *Service) register() error {
	cfg := s.cfg
	if cfg.CheckpointSchedule != "" {
		if _, err := s.sched.AddCronJob(cfg.CheckpointSchedule, s.Checkpoint, JobOptions{
			Name:          "wal-checkpoint",
			Timeout:       cfg.JobTimeout,
			OverlapPolicy: SkipIfRunning,
		}); err != nil {
			return err
		}
	}
	if cfg.OptimizeSchedule != "" {
		if _, err := s.sched.AddCronJob(cfg.OptimizeSchedule, s.Optimize, JobOptions{
			Name:          "optimize",
			Timeout:       cfg.JobTimeout,
			OverlapPolicy: SkipIfRunning,
		}); err != nil {
			return err
		}
	}
	if cfg.ReaderRefresh > 0 && len(s.readers) > 0 {
		if err := s.sched.AddTickerJob(cfg.ReaderRefresh, s.RefreshReaders, JobOptions{
			Name:          "reader-refresh",
			Timeout:       cfg.JobTimeout,
			OverlapPolicy: SkipIfRunning,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Start запускает планировщик.
func (s *Service) Start() { s.sched.Start() }

// Stop останавливает планировщик, дожидаясь текущих задач.
func (s *Service) Stop(ctx context.Context) error { return s.sched.Stop(ctx) }

// Checkpoint переносит WAL в основной файл. Занятость базы повторяется с
// экспоненциальной задержкой. Для PASSIVE незавершённый чекпоинт не ошибка.
func (s *Service) Checkpoint(ctx context.Context) error {
	mode := s.cfg.CheckpointMode
	var res pipeline.CheckpointResult

	err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		var err error
		res, err = s.writer.Checkpoint(ctx, mode)
		if err != nil {
			return err
		}
		if res.Busy && mode != "" && mode != pipeline.CheckpointPassive {
			return ErrCheckpointBusy
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", modeName(mode), err)
	}

	s.logger.Info("wal checkpoint",
		"mode", modeName(mode),
		"busy", res.Busy,
		"log_frames", res.LogFrames,
		"checkpointed_frames", res.CheckpointedFrames,
	)
	return nil
}

// Optimize выполняет PRAGMA optimize на соединении записи.
func (s *Service) Optimize(ctx context.Context) error {
	err := s.writer.Sync(ctx, func(c *pipeline.Connection) error {
		_, err := c.Execute("PRAGMA optimize")
		return err
	})
	if err != nil {
		return fmt.Errorf("optimize: %w", err)
	}
	s.logger.Info("optimize completed")
	return nil
}

// RefreshReaders продвигает долгие транзакции чтения к последнему состоянию базы.
// Читатели без открытой транзакции пропускаются.
func (s *Service) RefreshReaders(ctx context.Context) error {
	var errs []error
	refreshed := 0
	for _, r := range s.readers {
		if !r.InReadTransaction() {
			continue
		}
		if err := r.UpdateReadTransaction(ctx); err != nil {
			s.logger.Warn("reader refresh failed", "reader", r.Label(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", r.Label(), err))
			continue
		}
		refreshed++
	}
	if refreshed > 0 {
		s.logger.Debug("readers refreshed", "count", refreshed)
	}
	return errors.Join(errs...)
}

func modeName(m pipeline.CheckpointMode) string {
	if m == "" {
		return string(pipeline.CheckpointPassive)
	}
	return string(m)
}
