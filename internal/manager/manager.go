// Package manager owns the audit job lifecycle. It is the only writer of job
// records: it validates submissions, dispatches the crawl, performance and
// SEO stages, aggregates their outcomes and persists every transition.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
)

// ErrClosed is returned by SubmitAudit once Shutdown has begun.
var ErrClosed = errors.New("manager is shut down")

const persistTimeout = 10 * time.Second

// Config controls Manager behavior.
type Config struct {
	JobTimeout           time.Duration
	DefaultMaxPages      int
	MaxPagesLimit        int
	DefaultConcurrency   int
	MaxConcurrency       int
	DefaultIncludeImages bool
	DefaultCheckMobile   bool
	ReportPrefix         string
	Topic                string
}

// DefaultConfig returns the settings used when no configuration is supplied.
func DefaultConfig() Config {
	return Config{
		JobTimeout:           5 * time.Minute,
		DefaultMaxPages:      10,
		MaxPagesLimit:        100,
		DefaultConcurrency:   2,
		MaxConcurrency:       10,
		DefaultIncludeImages: true,
		ReportPrefix:         "reports",
	}
}

// DefaultOptions returns the options a submission starts from before client overrides.
func (c Config) DefaultOptions() audit.Options {
	return audit.Options{
		MaxPages:      c.DefaultMaxPages,
		IncludeImages: c.DefaultIncludeImages,
		CheckMobile:   c.DefaultCheckMobile,
		Concurrency:   c.DefaultConcurrency,
	}
}

// Deps are the collaborators a Manager drives. Archive and Publisher are optional.
type Deps struct {
	Store       audit.JobStore
	Crawler     audit.Crawler
	Performance audit.PerformanceMeasurer
	IDs         audit.IDGenerator
	Clock       audit.Clock
	Archive     audit.BlobStore
	Hasher      audit.Hasher
	Publisher   audit.Publisher
}

// Manager runs audit jobs in the background and answers status queries.
type Manager struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	runs   map[string]*jobRun
	closed bool
}

// New constructs a Manager.
func New(deps Deps, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaults.JobTimeout
	}
	if cfg.DefaultMaxPages <= 0 {
		cfg.DefaultMaxPages = defaults.DefaultMaxPages
	}
	if cfg.MaxPagesLimit <= 0 {
		cfg.MaxPagesLimit = defaults.MaxPagesLimit
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = defaults.DefaultConcurrency
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaults.MaxConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:    deps,
		cfg:     cfg,
		logger:  logger.Named("manager"),
		baseCtx: ctx,
		cancel:  cancel,
		runs:    make(map[string]*jobRun),
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// SubmitAudit validates the request, persists a new job and starts its
// pipeline. The returned job is already Running.
func (m *Manager) SubmitAudit(ctx context.Context, rawURL string, opts audit.Options) (string, error) {
	target, err := validateURL(rawURL)
	if err != nil {
		return "", err
	}
	opts, err = m.normalizeOptions(opts)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	id, err := m.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}

	job := audit.NewJob(id, target, opts, m.deps.Clock.Now())
	if err := m.deps.Store.CreateJob(ctx, job.Clone()); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	job.State = audit.JobStateRunning
	job.UpdatedAt = m.deps.Clock.Now()
	if err := m.deps.Store.SaveJob(ctx, job.Clone()); err != nil {
		return "", fmt.Errorf("start job: %w", err)
	}

	run := &jobRun{job: job}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.abandon(run)
		return "", ErrClosed
	}
	m.runs[id] = run
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("audit submitted",
		zap.String("job_id", id),
		zap.String("url", target),
		zap.Int("max_pages", opts.MaxPages),
		zap.Bool("check_mobile", opts.CheckMobile),
	)
	go m.run(run)
	return id, nil
}

// GetJobStatus returns the persisted state and per-stage progress of a job.
func (m *Manager) GetJobStatus(ctx context.Context, jobID string) (audit.JobStatus, error) {
	job, err := m.getJob(ctx, jobID)
	if err != nil {
		return audit.JobStatus{}, err
	}
	return job.Status(), nil
}

// GetJobResults returns the aggregated report of a Completed or PartiallyFailed job.
func (m *Manager) GetJobResults(ctx context.Context, jobID string) (audit.Report, error) {
	job, err := m.getJob(ctx, jobID)
	if err != nil {
		return audit.Report{}, err
	}
	switch {
	case job.State == audit.JobStateFailed:
		return audit.Report{}, fmt.Errorf("%w: job failed: no report", audit.ErrNotReady)
	case !job.State.HasReport() || job.Report == nil:
		return audit.Report{}, fmt.Errorf("%w: job is %s", audit.ErrNotReady, job.State)
	}
	return job.Report.Clone(), nil
}

// Shutdown stops accepting submissions and waits for in-flight jobs. When ctx
// expires first, running jobs are canceled and Shutdown waits for them to record
// their failure before returning ctx's error.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown deadline reached, canceling running audits")
		m.cancel()
		<-done
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

func (m *Manager) getJob(ctx context.Context, jobID string) (audit.Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return audit.Job{}, fmt.Errorf("%w: empty job id", audit.ErrNotFound)
	}
	job, err := m.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		return audit.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// abandon fails a job that was persisted but could not be dispatched.
func (m *Manager) abandon(run *jobRun) {
	m.setStage(m.baseCtx, run, audit.StageCrawl, audit.StageStateFailed, ErrClosed.Error())
	m.finish(m.baseCtx, run, audit.JobStateFailed, nil)
}

func validateURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("%w: url is required", audit.ErrInvalidInput)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: parse url: %w", audit.ErrInvalidInput, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", audit.ErrInvalidInput, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: url has no host", audit.ErrInvalidInput)
	}
	u.Host = strings.ToLower(u.Host)
	return u.String(), nil
}

func (m *Manager) normalizeOptions(opts audit.Options) (audit.Options, error) {
	if opts.MaxPages < 0 {
		return opts, fmt.Errorf("%w: max_pages must be positive", audit.ErrInvalidInput)
	}
	if opts.Concurrency < 0 {
		return opts, fmt.Errorf("%w: concurrency must be positive", audit.ErrInvalidInput)
	}
	if opts.MaxPages == 0 {
		opts.MaxPages = m.cfg.DefaultMaxPages
	}
	opts.MaxPages = min(opts.MaxPages, m.cfg.MaxPagesLimit)
	if opts.Concurrency == 0 {
		opts.Concurrency = m.cfg.DefaultConcurrency
	}
	opts.Concurrency = min(opts.Concurrency, m.cfg.MaxConcurrency)
	return opts, nil
}

func (m *Manager) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}
