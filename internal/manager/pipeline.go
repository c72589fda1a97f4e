package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/metrics"
	"github.com/JakeFAU/site-audit/internal/scoring"
	"github.com/JakeFAU/site-audit/internal/seo"
	"github.com/JakeFAU/site-audit/internal/telemetry"
)

// jobRun is the in-memory record of a running job. mu serializes every
// mutation and the persist that follows it.
type jobRun struct {
	mu  sync.Mutex
	job audit.Job
}

// outcome is the settled result of one stage: either a value or an error.
type outcome[T any] struct {
	value T
	err   error
}

func succeeded[T any](v T) outcome[T] {
	return outcome[T]{value: v}
}

func failed[T any](stage audit.StageName, err error) outcome[T] {
	return outcome[T]{err: &audit.StageError{Stage: stage, Err: err}}
}

func (o outcome[T]) ok() bool {
	return o.err == nil
}

// reason is the stage failure without the stage prefix.
func (o outcome[T]) reason() string {
	if o.err == nil {
		return ""
	}
	var stageErr *audit.StageError
	if errors.As(o.err, &stageErr) {
		return stageErr.Err.Error()
	}
	return o.err.Error()
}

func (m *Manager) run(run *jobRun) {
	defer m.wg.Done()
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()
	defer func() {
		m.mu.Lock()
		delete(m.runs, run.job.ID)
		m.mu.Unlock()
	}()

	jobID, target, opts := run.job.ID, run.job.URL, run.job.Options
	ctx, span := telemetry.Tracer().Start(m.baseCtx, "audit.job", trace.WithAttributes(
		attribute.String("audit.job_id", jobID),
		attribute.String("audit.url", target),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.JobTimeout)
	defer cancel()

	crawl := runStage(ctx, m, run, audit.StageCrawl, func(ctx context.Context) (audit.PageSet, error) {
		pages, err := m.deps.Crawler.Crawl(ctx, target, opts)
		if err != nil {
			return audit.PageSet{}, fmt.Errorf("crawl %s: %w", target, err)
		}
		return pages, nil
	})
	if !crawl.ok() {
		span.SetStatus(codes.Error, crawl.reason())
		m.finish(ctx, run, audit.JobStateFailed, nil)
		return
	}
	pages := crawl.value

	var (
		wg   sync.WaitGroup
		perf outcome[audit.PerformanceReport]
		site outcome[audit.Report]
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		perf = runStage(ctx, m, run, audit.StagePerformance, func(ctx context.Context) (audit.PerformanceReport, error) {
			report, err := m.deps.Performance.MeasurePerformance(ctx, target, opts)
			if err != nil {
				return audit.PerformanceReport{}, fmt.Errorf("measure %s: %w", target, err)
			}
			return report, nil
		})
	}()
	go func() {
		defer wg.Done()
		site = runStage(ctx, m, run, audit.StageSEO, func(context.Context) (audit.Report, error) {
			return analyze(pages, opts)
		})
	}()
	wg.Wait()

	state, report := aggregate(pages, perf, site)
	if state == audit.JobStateFailed {
		span.SetStatus(codes.Error, "all analysis stages failed")
	}
	m.finish(ctx, run, state, report)
}

// analyze runs the rule evaluator and site-wide analyzer over the page set and scores the result.
func analyze(pages audit.PageSet, opts audit.Options) (audit.Report, error) {
	evaluator := seo.ForOptions(opts)
	issues, err := evaluator.EvaluateSite(pages)
	if err != nil {
		return audit.Report{}, err
	}
	report := scoring.ScorePageSet(issues, pages)
	report.RuleTableVersion = evaluator.Version()
	return report, nil
}

// aggregate maps the two dependent stage outcomes to a terminal state and report.
func aggregate(
	pages audit.PageSet,
	perf outcome[audit.PerformanceReport],
	site outcome[audit.Report],
) (audit.JobState, *audit.Report) {
	switch {
	case perf.ok() && site.ok():
		report := site.value
		measured := perf.value
		report.Performance = &measured
		return audit.JobStateCompleted, &report
	case site.ok():
		report := site.value
		report.Warnings = []audit.StageWarning{{Stage: audit.StagePerformance, Message: perf.reason()}}
		report.MissingStages = []audit.StageName{audit.StagePerformance}
		return audit.JobStatePartiallyFailed, &report
	case perf.ok():
		measured := perf.value
		report := audit.Report{
			OverallScore:  measured.Score,
			PageCount:     pages.Len(),
			PageScores:    map[string]int{},
			Performance:   &measured,
			Warnings:      []audit.StageWarning{{Stage: audit.StageSEO, Message: site.reason()}},
			MissingStages: []audit.StageName{audit.StageSEO},
		}
		return audit.JobStatePartiallyFailed, &report
	default:
		return audit.JobStateFailed, nil
	}
}

// runStage marks stage Running, invokes fn and records the settled state.
// A panic in fn is recovered and recorded as a stage failure.
func runStage[T any](
	ctx context.Context,
	m *Manager,
	run *jobRun,
	stage audit.StageName,
	fn func(context.Context) (T, error),
) (out outcome[T]) {
	ctx, span := telemetry.Tracer().Start(ctx, "audit.stage."+string(stage))
	defer span.End()

	m.setStage(ctx, run, stage, audit.StageStateRunning, "")
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("stage panicked",
				zap.String("job_id", run.job.ID),
				zap.String("stage", string(stage)),
				zap.Any("panic", r),
			)
			out = failed[T](stage, fmt.Errorf("panic: %v", r))
		}

		state := audit.StageStateSucceeded
		if !out.ok() {
			state = audit.StageStateFailed
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.reason())
		}
		metrics.ObserveStage(string(stage), string(state), time.Since(start))
		m.setStage(ctx, run, stage, state, out.reason())
	}()

	value, err := fn(ctx)
	if err != nil {
		return failed[T](stage, err)
	}
	return succeeded(value)
}

// setStage applies a monotonic stage transition and persists the job.
// Transitions that would move a stage backwards are ignored.
func (m *Manager) setStage(ctx context.Context, run *jobRun, stage audit.StageName, state audit.StageState, reason string) {
	run.mu.Lock()
	defer run.mu.Unlock()

	current := run.job.Stages[stage]
	if !current.State.CanTransition(state) {
		m.logger.Warn("ignoring stage transition",
			zap.String("job_id", run.job.ID),
			zap.String("stage", string(stage)),
			zap.String("from", string(current.State)),
			zap.String("to", string(state)),
		)
		return
	}
	now := m.deps.Clock.Now()
	run.job.Stages[stage] = audit.StageStatus{State: state, Error: reason, UpdatedAt: now}
	run.job.UpdatedAt = now

	m.persist(ctx, run.job)
	if state == audit.StageStateFailed {
		m.logger.Warn("stage failed",
			zap.String("job_id", run.job.ID),
			zap.String("stage", string(stage)),
			zap.String("error", reason),
		)
		return
	}
	m.logger.Debug("stage transition",
		zap.String("job_id", run.job.ID),
		zap.String("stage", string(stage)),
		zap.String("state", string(state)),
	)
}

// finish moves the job to a terminal state, persists it, and then archives the
// report and publishes the completion event on a best-effort basis.
func (m *Manager) finish(ctx context.Context, run *jobRun, state audit.JobState, report *audit.Report) {
	run.mu.Lock()
	if run.job.State.Terminal() {
		run.mu.Unlock()
		return
	}
	run.job.State = state
	run.job.Report = report
	run.job.UpdatedAt = m.deps.Clock.Now()
	job := run.job.Clone()
	m.persist(ctx, job)
	run.mu.Unlock()

	metrics.ObserveJob(string(state))
	fields := []zap.Field{zap.String("job_id", job.ID), zap.String("state", string(state))}
	if report != nil {
		metrics.ObserveScore(report.OverallScore, severityCounts(report.IssuesBySeverity))
		fields = append(fields, zap.Int("overall_score", report.OverallScore), zap.Int("pages", report.PageCount))
	}
	m.logger.Info("audit finished", fields...)

	m.announce(ctx, job)
}

func (m *Manager) persist(ctx context.Context, job audit.Job) {
	pctx, cancel := m.persistContext(ctx)
	defer cancel()
	if err := m.deps.Store.SaveJob(pctx, job.Clone()); err != nil {
		m.logger.Error("persist job failed",
			zap.String("job_id", job.ID),
			zap.String("state", string(job.State)),
			zap.Error(err),
		)
	}
}

func severityCounts(buckets audit.IssueBuckets) map[string]int {
	counts := make(map[string]int, len(audit.Severities))
	for _, sev := range audit.Severities {
		counts[sev.String()] = len(buckets.Bucket(sev))
	}
	return counts
}
