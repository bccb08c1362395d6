// Package scheduler runs the periodic per-workspace background jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalcraft/signalcraft-correlator/internal/cache"
	"github.com/signalcraft/signalcraft-correlator/internal/metrics"
	"github.com/signalcraft/signalcraft-correlator/internal/models"
)

// Job names.
const (
	JobCorrelationMining = "correlation-mining"
	JobAnomalyScan       = "anomaly-scan"
)

// TenantLister enumerates the workspaces jobs run for.
type TenantLister interface {
	ListWorkspaces(ctx context.Context) ([]string, error)
}

// TenantListerFunc adapts a function to TenantLister.
type TenantListerFunc func(ctx context.Context) ([]string, error)

// ListWorkspaces implements TenantLister.
func (f TenantListerFunc) ListWorkspaces(ctx context.Context) ([]string, error) { return f(ctx) }

// Job is one periodic task applied to every workspace.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context, workspaceID string) error
}

// Options tunes fan-out and locking.
type Options struct {
	Concurrency int
	// RunOnStart triggers every job once before the first tick.
	RunOnStart bool
	// Owner identifies this replica in lock values.
	Owner string
}

// Scheduler triggers jobs on tickers, fanning out across workspaces.
type Scheduler struct {
	tenants TenantLister
	locks   cache.Provider
	opts    Options
	logger  *slog.Logger

	mu   sync.Mutex
	jobs []Job
}

// New builds a Scheduler. A nil lock provider disables cross-replica locking.
func New(logger *slog.Logger, tenants TenantLister, locks cache.Provider, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = cache.NoopProvider{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Owner == "" {
		host, _ := os.Hostname()
		opts.Owner = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &Scheduler{tenants: tenants, locks: locks, opts: opts, logger: logger}
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.New("scheduler job requires a name and a run function")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("scheduler job %s requires a positive interval", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

// Start blocks, running every registered job on its own ticker until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	var g errgroup.Group
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	s.logger.Info("scheduler started", slog.Int("jobs", len(jobs)), slog.Int("concurrency", s.opts.Concurrency))
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	if s.opts.RunOnStart {
		s.trigger(ctx, job)
	}
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.trigger(ctx, job)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, job Job) {
	if err := s.RunOnce(ctx, job); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduled job finished with errors", slog.String("job", job.Name), slog.Any("error", err))
	}
}

// RunOnce runs job for every workspace with bounded concurrency. Workspaces locked
// by another replica are skipped. Per-workspace failures do not stop the others and
// are returned joined.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) error {
	workspaces, err := s.tenants.ListWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("list workspaces: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(s.opts.Concurrency)
	for _, ws := range workspaces {
		if ctx.Err() != nil {
			break
		}
		ws := ws
		g.Go(func() error {
			if err := s.runWorkspace(ctx, job, ws); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", ws, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Scheduler) runWorkspace(ctx context.Context, job Job, workspaceID string) error {
	lockKey := fmt.Sprintf("scheduler:%s:%s", job.Name, workspaceID)
	acquired, err := s.locks.SetNX(ctx, lockKey, []byte(s.opts.Owner), job.Interval)
	if err != nil {
		s.logger.Warn("job lock unavailable, running unlocked",
			slog.String("job", job.Name),
			slog.String("workspace_id", workspaceID),
			slog.Any("error", err),
		)
	} else if !acquired {
		metrics.ObserveJob(job.Name, 0, metrics.OutcomeSkipped)
		s.logger.Debug("job locked by another replica",
			slog.String("job", job.Name),
			slog.String("workspace_id", workspaceID),
		)
		return nil
	} else {
		defer func() {
			released, err := s.locks.ReleaseLock(context.WithoutCancel(ctx), lockKey, []byte(s.opts.Owner))
			if err != nil {
				s.logger.Warn("release job lock failed", slog.String("key", lockKey), slog.Any("error", err))
				return
			}
			if !released {
				s.logger.Warn("job outlived its lock", slog.String("key", lockKey), slog.Duration("ttl", job.Interval))
			}
		}()
	}

	start := time.Now()
	err = job.Run(ctx, workspaceID)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveJob(job.Name, time.Since(start), outcome)
	return err
}

// CorrelationMiner is the pair-mining entry point.
type CorrelationMiner interface {
	AnalyzeCorrelations(ctx context.Context, workspaceID string) ([]models.CorrelationRule, error)
}

// AnomalyScanner is the batch anomaly entry point.
type AnomalyScanner interface {
	DetectWorkspaceAnomalies(ctx context.Context, workspaceID string) ([]models.AnomalyReport, error)
	DetectAndRecordAnomalies(ctx context.Context, workspaceID string) ([]models.AnomalyReport, error)
}

// CorrelationJob mines correlation rules every interval.
func CorrelationJob(miner CorrelationMiner, interval time.Duration) Job {
	return Job{
		Name:     JobCorrelationMining,
		Interval: interval,
		Run: func(ctx context.Context, workspaceID string) error {
			_, err := miner.AnalyzeCorrelations(ctx, workspaceID)
			return err
		},
	}
}

// AnomalyJob scans for velocity anomalies every interval, recording them as
// incident groups when record is set.
func AnomalyJob(scanner AnomalyScanner, interval time.Duration, record bool) Job {
	return Job{
		Name:     JobAnomalyScan,
		Interval: interval,
		Run: func(ctx context.Context, workspaceID string) error {
			if record {
				_, err := scanner.DetectAndRecordAnomalies(ctx, workspaceID)
				return err
			}
			_, err := scanner.DetectWorkspaceAnomalies(ctx, workspaceID)
			return err
		},
	}
}
