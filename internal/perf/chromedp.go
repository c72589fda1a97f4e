package perf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
)

const (
	sourceChromedp = "chromedp"

	defaultMobileUserAgent = "Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36"

	// timingScript reads navigation and paint timings relative to navigation start.
	timingScript = `(() => {
  const nav = performance.getEntriesByType('navigation')[0];
  const fcp = performance.getEntriesByName('first-contentful-paint')[0];
  if (!nav) { return null; }
  return {
    ttfb: nav.responseStart,
    dcl: nav.domContentLoadedEventEnd,
    load: nav.loadEventEnd,
    fcp: fcp ? fcp.startTime : 0,
  };
})()`
)

// ChromedpConfig controls the headless Chrome measurer.
type ChromedpConfig struct {
	MaxParallel       int
	UserAgent         string
	MobileUserAgent   string
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
	ExecPath          string
}

// ChromedpMeasurer implements audit.PerformanceMeasurer with headless Chrome.
type ChromedpMeasurer struct {
	cfg         ChromedpConfig
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
	now         func() time.Time
}

// NewChromedp creates a measurer backed by a shared Chrome allocator.
func NewChromedp(cfg ChromedpConfig, logger *zap.Logger) (*ChromedpMeasurer, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 250 * time.Millisecond
	}
	if cfg.MobileUserAgent == "" {
		cfg.MobileUserAgent = defaultMobileUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &ChromedpMeasurer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger.Named("perf"),
		now:         time.Now,
	}, nil
}

// Close cancels the allocator context and shuts the browser down.
func (m *ChromedpMeasurer) Close() {
	m.allocCancel()
}

type navTiming struct {
	TTFB float64 `json:"ttfb"`
	DCL  float64 `json:"dcl"`
	Load float64 `json:"load"`
	FCP  float64 `json:"fcp"`
}

func (t navTiming) metrics() audit.PerformanceMetrics {
	return audit.PerformanceMetrics{
		TTFBMs:                 int64(t.TTFB),
		FirstContentfulPaintMs: int64(t.FCP),
		DOMContentLoadedMs:     int64(t.DCL),
		LoadMs:                 int64(t.Load),
	}
}

// MeasurePerformance loads url in a fresh tab, emulating a phone when
// opts.CheckMobile is set, and scores the navigation timings.
func (m *ChromedpMeasurer) MeasurePerformance(
	ctx context.Context,
	url string,
	opts audit.Options,
) (audit.PerformanceReport, error) {
	if err := m.acquire(ctx); err != nil {
		return audit.PerformanceReport{}, err
	}
	defer m.release()

	taskCtx, taskCancel := chromedp.NewContext(m.allocator)
	defer taskCancel()
	// Stop the tab when the caller's deadline or cancellation fires.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, m.cfg.NavigationTimeout)
	defer cancel()

	var timing *navTiming
	actions := []chromedp.Action{
		m.emulationAction(opts.CheckMobile),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(m.cfg.SettleDelay),
		chromedp.Evaluate(timingScript, &timing),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return audit.PerformanceReport{}, fmt.Errorf("chromedp run: %w", ctx.Err())
		}
		return audit.PerformanceReport{}, fmt.Errorf("chromedp run: %w", err)
	}
	if timing == nil {
		return audit.PerformanceReport{}, errors.New("navigation timing unavailable")
	}

	metrics := timing.metrics()
	report := audit.PerformanceReport{
		URL:        url,
		Score:      Score(metrics, opts.CheckMobile),
		Mobile:     opts.CheckMobile,
		Source:     sourceChromedp,
		Metrics:    metrics,
		MeasuredAt: m.now().UTC(),
	}
	m.logger.Debug("performance measured",
		zap.String("url", url),
		zap.Int("score", report.Score),
		zap.Bool("mobile", report.Mobile),
	)
	return report, nil
}

func (m *ChromedpMeasurer) emulationAction(mobile bool) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := network.SetCacheDisabled(true).Do(ctx); err != nil {
			return fmt.Errorf("disable cache: %w", err)
		}
		userAgent := m.cfg.UserAgent
		if mobile {
			userAgent = m.cfg.MobileUserAgent
			if err := emulation.SetDeviceMetricsOverride(412, 915, 2.625, true).Do(ctx); err != nil {
				return fmt.Errorf("set device metrics: %w", err)
			}
			if err := emulation.SetTouchEmulationEnabled(true).WithMaxTouchPoints(5).Do(ctx); err != nil {
				return fmt.Errorf("enable touch emulation: %w", err)
			}
		}
		if userAgent != "" {
			if err := emulation.SetUserAgentOverride(userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (m *ChromedpMeasurer) acquire(ctx context.Context) error {
	if m.limiter == nil {
		return nil
	}
	select {
	case m.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (m *ChromedpMeasurer) release() {
	if m.limiter == nil {
		return
	}
	select {
	case <-m.limiter:
	default:
	}
}
