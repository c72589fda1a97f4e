package perf

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
)

const sourceHTTP = "http"

// HTTPConfig controls the lightweight HTTP measurer.
type HTTPConfig struct {
	UserAgent       string
	MobileUserAgent string
	Timeout         time.Duration
}

// HTTPMeasurer implements audit.PerformanceMeasurer without a browser. It
// captures time to first byte and full document download only, so paint
// metrics are absent from its reports.
type HTTPMeasurer struct {
	cfg    HTTPConfig
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewHTTP builds an HTTPMeasurer. client may be nil.
func NewHTTP(cfg HTTPConfig, client *http.Client, logger *zap.Logger) *HTTPMeasurer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MobileUserAgent == "" {
		cfg.MobileUserAgent = defaultMobileUserAgent
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPMeasurer{cfg: cfg, client: client, logger: logger.Named("perf"), now: time.Now}
}

// MeasurePerformance issues one GET for url and scores TTFB and download time.
func (m *HTTPMeasurer) MeasurePerformance(
	ctx context.Context,
	url string,
	opts audit.Options,
) (audit.PerformanceReport, error) {
	var (
		start     time.Time
		firstByte time.Time
	)
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() { firstByte = time.Now() },
	}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace), http.MethodGet, url, http.NoBody)
	if err != nil {
		return audit.PerformanceReport{}, fmt.Errorf("build request: %w", err)
	}
	userAgent := m.cfg.UserAgent
	if opts.CheckMobile {
		userAgent = m.cfg.MobileUserAgent
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	start = time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return audit.PerformanceReport{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			m.logger.Debug("close response body", zap.Error(cerr))
		}
	}()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return audit.PerformanceReport{}, fmt.Errorf("read body: %w", err)
	}
	loaded := time.Since(start)
	if resp.StatusCode >= http.StatusBadRequest {
		return audit.PerformanceReport{}, fmt.Errorf("fetch %s: HTTP %d", url, resp.StatusCode)
	}

	metrics := audit.PerformanceMetrics{LoadMs: max(1, loaded.Milliseconds())}
	if !firstByte.IsZero() {
		metrics.TTFBMs = max(1, firstByte.Sub(start).Milliseconds())
	}
	return audit.PerformanceReport{
		URL:        url,
		Score:      Score(metrics, opts.CheckMobile),
		Mobile:     opts.CheckMobile,
		Source:     sourceHTTP,
		Metrics:    metrics,
		MeasuredAt: m.now().UTC(),
	}, nil
}
