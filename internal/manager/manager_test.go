package manager

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
)

const siteURL = "https://example.com/"

type harness struct {
	mgr       *Manager
	store     *recordingStore
	blobs     *fakeBlobStore
	publisher *fakePublisher
}

func newHarness(t *testing.T, crawler audit.Crawler, perf audit.PerformanceMeasurer, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:     newRecordingStore(),
		blobs:     newFakeBlobStore(),
		publisher: &fakePublisher{},
	}
	h.mgr = New(Deps{
		Store:       h.store,
		Crawler:     crawler,
		Performance: perf,
		IDs:         &sequenceIDs{},
		Clock:       &tickingClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		Archive:     h.blobs,
		Hasher:      fakeHasher{},
		Publisher:   h.publisher,
	}, cfg, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.mgr.Shutdown(ctx)
	})
	return h
}

func (h *harness) waitTerminal(t *testing.T, id string) audit.JobStatus {
	t.Helper()
	var status audit.JobStatus
	require.Eventually(t, func() bool {
		var err error
		status, err = h.mgr.GetJobStatus(context.Background(), id)
		require.NoError(t, err)
		return status.State.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return status
}

func page(url, title string) audit.Page {
	return audit.Page{
		URL:          url,
		StatusCode:   200,
		Title:        title,
		Description:  "A description of " + title + " that is comfortably longer than fifty characters.",
		Headings:     []audit.Heading{{Level: 1, Text: title}},
		CanonicalURL: url,
		SchemaMarkup: []audit.SchemaBlock{{Format: "json-ld", Type: "WebPage"}},
	}
}

func threePages() audit.PageSet {
	about := page("https://example.com/about", "About us")
	about.Description = ""
	return audit.PageSet{
		Root: siteURL,
		Pages: []audit.Page{
			page("https://example.com/", "Home"),
			about,
			page("https://example.com/contact", "Contact"),
		},
	}
}

func staticCrawler(pages audit.PageSet) crawlerFunc {
	return func(context.Context, string, audit.Options) (audit.PageSet, error) {
		return pages, nil
	}
}

func failingCrawler(err error) crawlerFunc {
	return func(context.Context, string, audit.Options) (audit.PageSet, error) {
		return audit.PageSet{}, err
	}
}

func staticMeasurer(score int) measurerFunc {
	return func(_ context.Context, url string, opts audit.Options) (audit.PerformanceReport, error) {
		return audit.PerformanceReport{URL: url, Score: score, Mobile: opts.CheckMobile, Source: "fake"}, nil
	}
}

func failingMeasurer(err error) measurerFunc {
	return func(context.Context, string, audit.Options) (audit.PerformanceReport, error) {
		return audit.PerformanceReport{}, err
	}
}

func TestSubmitAudit_RejectsInvalidURLs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, staticCrawler(threePages()), staticMeasurer(90), Config{})
	for _, raw := range []string{"", "   ", "ftp://example.com", "https://", "example.com", "http://%zz"} {
		_, err := h.mgr.SubmitAudit(context.Background(), raw, audit.Options{})
		require.ErrorIs(t, err, audit.ErrInvalidInput, "url %q", raw)
	}
	require.Zero(t, h.store.count(), "no job may be created for invalid input")
}

func TestSubmitAudit_RejectsNegativeOptions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, staticCrawler(threePages()), staticMeasurer(90), Config{})
	_, err := h.mgr.SubmitAudit(context.Background(), siteURL, audit.Options{MaxPages: -1})
	require.ErrorIs(t, err, audit.ErrInvalidInput)
	_, err = h.mgr.SubmitAudit(context.Background(), siteURL, audit.Options{Concurrency: -2})
	require.ErrorIs(t, err, audit.ErrInvalidInput)
	require.Zero(t, h.store.count())
}

func TestSubmitAudit_PersistsPendingThenRunningBeforeReturning(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	crawler := crawlerFunc(func(ctx context.Context, _ string, _ audit.Options) (audit.PageSet, error) {
		select {
		case <-release:
			return threePages(), nil
		case <-ctx.Done():
			return audit.PageSet{}, ctx.Err()
		}
	})
	h := newHarness(t, crawler, staticMeasurer(90), Config{})

	id, err := h.mgr.SubmitAudit(context.Background(), siteURL, audit.Options{})
	require.NoError(t, err)

	snaps := h.store.snapshots(id)
	require.GreaterOrEqual(t, len(snaps), 2)
	require.Equal(t, audit.JobStatePending, snaps[0].State)
	require.Equal(t, audit.JobStateRunning, snaps[1].State)
	for _, stage := range audit.Stages {
		require.Equal(t, audit.StageStatePending, snaps[0].Stages[stage].State)
	}

	_, err = h.mgr.GetJobResults(context.Background(), id)
	require.ErrorIs(t, err, audit.ErrNotReady)

	close(release)
	require.Equal(t, audit.JobStateCompleted, h.waitTerminal(t, id).State)
}

func TestSubmitAudit_AppliesDefaultsAndCaps(t *testing.T) {
	t.Parallel()

	seen := make(chan audit.Options, 2)
	crawler := crawlerFunc(func(_ context.Context, _ string, opts audit.Options) (audit.PageSet, error) {
		seen <- opts
		return threePages(), nil
	})
	h := newHarness(t, crawler, staticMeasurer(90), Config{MaxPagesLimit: 50, MaxConcurrency: 4})

	id, err := h.mgr.SubmitAudit(context.Background(), siteURL, audit.Options{})
	require.NoError(t, err)
	h.waitTerminal(t, id)
	defaults := <-seen
	require.Equal(t, 10, defaults.MaxPages)
	require.Equal(t, 2, defaults.Concurrency)

	id, err = h.mgr.SubmitAudit(context.Background(), siteURL, audit.Options{MaxPages: 500, Concurrency: 32})
	require.NoError(t, err)
	h.waitTerminal(t, id)
	capped := <-seen
	require.Equal(t, 50, capped.MaxPages)
	require.Equal(t, 4, capped.Concurrency)
}

func TestSubmitAudit_IDGeneratorFailure(t *testing.T) {
	t.Parallel()

	mgr := New(Deps{
		Store:       newRecordingStore(),
		Crawler:     staticCrawler(threePages()),
		Performance: staticMeasurer(90),
		IDs:         failingIDs{},
		Clock:       &tickingClock{},
	}, Config{}, nil)

	_, err := mgr.SubmitAudit(context.Background(), siteURL, audit.Options{})
	require.ErrorContains(t, err, "generate job id")
}

func TestAudit_EndToEndCompleted(t *testing.T) {
	t.Parallel()

	cfg := Config{Topic: "audits", ReportPrefix: "reports"}
	h := newHarness(t, staticCrawler(threePages()), staticMeasurer(87), cfg)

	id, err := h.mgr.SubmitAudit(context.Background(), siteURL, audit.Options{MaxPages: 3})
	require.NoError(t, err)

	status := h.waitTerminal(t, id)
	require.Equal(t, audit.JobStateCompleted, status.State)
	for _, stage := range audit.Stages {
		require.Equal(t, audit.StageStateSucceeded, status.Stages[stage].State, "stage %s", stage)
	}

	report, err := h.mgr.GetJobResults(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 93, report.OverallScore)
	require.Equal(t, 3, report.PageCount)
	require.Len(t, report.IssuesBySeverity.Critical, 1)
	require.Equal(t, "description_missing", report.IssuesBySeverity.Critical[0].Rule)
	require.Equal(t, 75, report.PageScores["https://example.com/about"])
	require.Equal(t, 100, report.PageScores["https://example.com/"])
	require.Len(t, report.ActionPlan, 1)
	require.NotNil(t, report.Performance)
	require.Equal(t, 87, report.Performance.Score)
	require.Empty(t, report.Warnings)
	require.NotEmpty(t, report.RuleTableVersion)

	require.Eventually(t, func() bool { return len(h.publisher.published()) == 1 }, time.Second, 5*time.Millisecond)
	event := h.publisher.published()[0]
	require.Equal(t, id, event.JobID)
	require.Equal(t, audit.JobStateCompleted, event.State)
	require.NotNil(t, event.OverallScore)
	require.Equal(t, 93, *event.OverallScore)
	require.Contains(t, event.ReportURI, "mem://reports/"+id+"/")

	paths := h.blobs.paths()
	require.Len(t, paths, 1)
	require.Regexp(t, `^reports/job-\d+/len\d+\.json$`, paths[0])
}

func TestAudit_CrawlFailureShortCircuits(t *testing.T) {
	t.Parallel()

	var perfCalls atomic.Int32
	perf := measurerFunc(func(context.Context, string, audit.Options) (audit.PerformanceReport, error) {
		perfCalls.Add(1)
		return audit.PerformanceReport{Score: 50}, nil
	})
	h := newHarness(t, failingCrawler(errors.New("root page returned HTTP 503")), perf, Config{Topic: "audits"})

	id, err := h.mgr.SubmitAudit(context.Background(), siteURL, audit.Options{})
	require.NoError(t, err)

	status := h.waitTerminal(t, id)
	require.Equal(t, audit.JobStateFailed, status.State)
	require.Equal(t, audit.StageStateFailed, status.Stages[audit.StageCrawl].State)
	require.Contains(t, status.Stages[audit.StageCrawl].Error, "HTTP 503")
	require.Equal(t, audit.StageStatePending, status.Stages[audit.StagePerformance].State)
	require.Equal(t, audit.StageStatePending, status.Stages[audit.StageSEO].State)
	require.Zero(t, perfCalls.Load())

	_, err = h.mgr.GetJobResults(context.Background(), id)
	require.ErrorIs(t, err, audit.ErrNotReady)
	require.ErrorContains(t, err, "job failed")

	require.Eventually(t, func() bool { return len(h.publisher.published()) == 1 }, time.Second, 5*time.Millisecond)
	require.Nil(t, h.publisher.published()[0].OverallScore)
	require.Empty(t, h.blobs.paths())
}

func TestAudit_PerformanceFailureIsPartial(t *testing.T) {
	t.Parallel()

	h := newHarness(t, staticCrawler(threePages()), failingMeasurer(errors.New("browser unavailable")), Config{})

	id, err := h.mgr.SubmitAudit(context.Background(), siteURL, audit.Options{})
	require.NoError(t, err)

	status := h.waitTerminal(t, id)
	require.Equal(t, audit.JobStatePartiallyFailed, status.State)
	require.Equal(t, audit.StageStateFailed, status.Stages[audit.StagePerformance].State)
	require.Equal(t, audit.StageStateSucceeded, status.Stages[audit.StageSEO].State)

	report, err := h.mgr.GetJobResults(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 93, report.OverallScore)
	require.Nil(t, report.Performance)
	require.Equal(t, []audit.StageName{audit.StagePerformance}, report.MissingStages)
	require.Len(t, report.Warnings, 1)
	require.Contains(t, report.Warnings[0].Message, "browser unavailable")
}

func TestAudit_SEOFailureFallsBackToPerformanceScore(t *testing.T) {
	t.Parallel()

	empty := audit.PageSet{Root: siteURL}
	h := newHarness(t, staticCrawler(empty), staticMeasurer(64), Config{})

	id, err := h.mgr.SubmitAudit(context.Background(), siteURL, audit.Options{})
	require.NoError(t, err)

	status := h.waitTerminal(t, id)
	require.Equal(t, audit.JobStatePartiallyFailed, status.State)
	require.Equal(t, audit.StageStateFailed, status.Stages[audit.StageSEO].State)
	require.Contains(t, status.Stages[audit.StageSEO].Error, audit.ErrInsufficientData.Error())

	report, err := h.mgr.GetJobResults(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 64, report.OverallScore)
	require.Zero(t, report.IssuesBySeverity.Total())
	require.Empty(t, report.ActionPlan)
	require.Equal(t, []audit.StageName{audit.StageSEO}, report.MissingStages)
}

func TestAudit_BothDependentStagesFail(t *testing.T) {
	t.Parallel()

	h := newHarness(t, staticCrawler(audit.PageSet{Root: siteURL}), failingMeasurer(errors.New("timeout")), Config{})

	id, err := h.mgr.SubmitAudit(context.Background(), siteURL, audit.Options{})
	require.NoError(t, err)

	status := h.waitTerminal(t, id)
	require.Equal(t, audit.JobStateFailed, status.State)
	require.Equal(t, audit.StageStateFailed, status.Stages[audit.StagePerformance].State)
	require.Equal(t, audit.StageStateFailed, status.Stages[audit.StageSEO].State)

	_, err = h.mgr.GetJobResults(context.Background(), id)
	require.ErrorIs(t, err, audit.ErrNotReady)
}

func TestAudit_StagePanicIsRecordedAsFailure(t *testing.T) {
	t.Parallel()

	perf := measurerFunc(func(context.Context, string, audit.Options) (audit.PerformanceReport, error) {
		panic("nil devtools target")
	})
	h := newHarness(t, staticCrawler(threePages()), perf, Config{})

	id, err := h.mgr.SubmitAudit(context.Background(), siteURL, audit.Options{})
	require.NoError(t, err)

	status := h.waitTerminal(t, id)
	require.Equal(t, audit.JobStatePartiallyFailed, status.State)
	require.Contains(t, status.Stages[audit.StagePerformance].Error, "panic: nil devtools target")
}

func TestAudit_JobTimeoutFailsCrawl(t *testing.T) {
	t.Parallel()

	crawler := crawlerFunc(func(ctx context.Context, _ string, _ audit.Options) (audit.PageSet, error) {
		<-ctx.Done()
		return audit.PageSet{}, ctx.Err()
	})
	h := newHarness(t, crawler, staticMeasurer(90), Config{JobTimeout: 20 * time.Millisecond})

	id, err := h.mgr.SubmitAudit(context.Background(), siteURL, audit.Options{})
	require.NoError(t, err)

	status := h.waitTerminal(t, id)
	require.Equal(t, audit.JobStateFailed, status.State)
	require.Contains(t, status.Stages[audit.StageCrawl].Error, context.DeadlineExceeded.Error())
}

func TestAudit_StagesAreMonotonicAndTimestampsAdvance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, staticCrawler(threePages()), failingMeasurer(errors.New("boom")), Config{})

	id, err := h.mgr.SubmitAudit(context.Background(), siteURL, audit.Options{})
	require.NoError(t, err)
	h.waitTerminal(t, id)

	rank := map[audit.StageState]int{
		audit.StageStatePending:   0,
		audit.StageStateRunning:   1,
		audit.StageStateSucceeded: 2,
		audit.StageStateFailed:    2,
	}
	snaps := h.store.snapshots(id)
	for i := 1; i < len(snaps); i++ {
		prev, cur := snaps[i-1], snaps[i]
		assert.False(t, cur.UpdatedAt.Before(prev.UpdatedAt), "updated_at regressed at snapshot %d", i)
		for _, stage := range audit.Stages {
			p, c := prev.Stages[stage].State, cur.Stages[stage].State
			assert.GreaterOrEqual(t, rank[c], rank[p], "stage %s regressed %s -> %s", stage, p, c)
			if p.Settled() {
				assert.Equal(t, p, c, "settled stage %s changed", stage)
			}
		}
		if prev.State.Terminal() {
			assert.Equal(t, prev.State, cur.State, "terminal state changed")
		}
	}
	last := snaps[len(snaps)-1]
	require.Equal(t, audit.JobStatePartiallyFailed, last.State)
}

func TestGetJobStatus_UnknownJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, staticCrawler(threePages()), staticMeasurer(90), Config{})

	_, err := h.mgr.GetJobStatus(context.Background(), "missing")
	require.ErrorIs(t, err, audit.ErrNotFound)
	_, err = h.mgr.GetJobStatus(context.Background(), "")
	require.ErrorIs(t, err, audit.ErrNotFound)
	_, err = h.mgr.GetJobResults(context.Background(), "missing")
	require.ErrorIs(t, err, audit.ErrNotFound)
}

func TestGetJobResults_ReturnsIndependentCopies(t *testing.T) {
	t.Parallel()

	h := newHarness(t, staticCrawler(threePages()), staticMeasurer(90), Config{})
	id, err := h.mgr.SubmitAudit(context.Background(), siteURL, audit.Options{})
	require.NoError(t, err)
	h.waitTerminal(t, id)

	first, err := h.mgr.GetJobResults(context.Background(), id)
	require.NoError(t, err)
	first.PageScores["https://example.com/"] = 0
	first.IssuesBySeverity.Critical[0].Rule = "mutated"

	second, err := h.mgr.GetJobResults(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 100, second.PageScores["https://example.com/"])
	require.Equal(t, "description_missing", second.IssuesBySeverity.Critical[0].Rule)
}

func TestAudit_ConcurrentJobsAreIndependent(t *testing.T) {
	t.Parallel()

	crawler := crawlerFunc(func(_ context.Context, url string, _ audit.Options) (audit.PageSet, error) {
		if url == "https://broken.example/" {
			return audit.PageSet{}, errors.New("dns failure")
		}
		return threePages(), nil
	})
	h := newHarness(t, crawler, staticMeasurer(90), Config{})

	ids := make(map[string]string)
	for i := range 6 {
		target := siteURL
		if i%2 == 1 {
			target = "https://broken.example/"
		}
		id, err := h.mgr.SubmitAudit(context.Background(), target, audit.Options{})
		require.NoError(t, err)
		ids[id] = target
	}

	for id, target := range ids {
		status := h.waitTerminal(t, id)
		want := audit.JobStateCompleted
		if target == "https://broken.example/" {
			want = audit.JobStateFailed
		}
		require.Equal(t, want, status.State, fmt.Sprintf("job %s (%s)", id, target))
	}
}

func TestShutdown_WaitsForRunningJobs(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	crawler := crawlerFunc(func(context.Context, string, audit.Options) (audit.PageSet, error) {
		<-release
		return threePages(), nil
	})
	h := newHarness(t, crawler, staticMeasurer(90), Config{})

	id, err := h.mgr.SubmitAudit(context.Background(), siteURL, audit.Options{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.mgr.Shutdown(context.Background()) }()

	require.Eventually(t, func() bool {
		_, submitErr := h.mgr.SubmitAudit(context.Background(), siteURL, audit.Options{})
		return errors.Is(submitErr, ErrClosed)
	}, time.Second, 5*time.Millisecond)

	select {
	case <-done:
		t.Fatal("shutdown returned before the running job finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)

	status, err := h.mgr.GetJobStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, audit.JobStateCompleted, status.State)
}

func TestShutdown_CancelsJobsAtDeadline(t *testing.T) {
	t.Parallel()

	crawler := crawlerFunc(func(ctx context.Context, _ string, _ audit.Options) (audit.PageSet, error) {
		<-ctx.Done()
		return audit.PageSet{}, ctx.Err()
	})
	h := newHarness(t, crawler, staticMeasurer(90), Config{})

	id, err := h.mgr.SubmitAudit(context.Background(), siteURL, audit.Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = h.mgr.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	status, err := h.mgr.GetJobStatus(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, audit.JobStateFailed, status.State)
	require.Contains(t, status.Stages[audit.StageCrawl].Error, context.Canceled.Error())
}

func TestReportPath(t *testing.T) {
	t.Parallel()

	m := New(Deps{}, Config{ReportPrefix: "/archive/"}, nil)
	assert.Equal(t, "archive/job-1/abc.json", m.reportPath("job-1", "abc"))
	m = New(Deps{}, Config{}, nil)
	assert.Equal(t, "job-1/report.json", m.reportPath("job-1", ""))
}
