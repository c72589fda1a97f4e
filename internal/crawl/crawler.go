// Package crawl discovers and extracts the pages of a single site.
package crawl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/metrics"
)

const (
	ctxSeq   = "seq"
	ctxStart = "start"
)

// Waiter delays a request until the target host may be fetched again.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	RequestTimeout time.Duration
	RespectRobots  bool
	MaxBodySize    int
}

// Crawler implements audit.Crawler using an async Colly collector confined to
// the host of the root URL.
type Crawler struct {
	cfg     Config
	limiter Waiter
	logger  *zap.Logger
}

// New builds a Crawler. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) *Crawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 10 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "site-audit/1.0"
	}
	return &Crawler{cfg: cfg, limiter: limiter, logger: logger.Named("crawl")}
}

// crawlState accumulates results from collector callbacks.
type crawlState struct {
	mu      sync.Mutex
	pages   map[int64]audit.Page
	failed  map[int64]audit.FailedPage
	rootErr error
	issued  atomic.Int64
}

// Crawl visits rawURL and same-host links breadth-first until opts.MaxPages
// requests have been issued. Pages are returned in discovery order. A failed
// root page or an expired context fails the whole crawl.
func (c *Crawler) Crawl(ctx context.Context, rawURL string, opts audit.Options) (audit.PageSet, error) {
	root, err := url.Parse(rawURL)
	if err != nil || root.Hostname() == "" {
		return audit.PageSet{}, fmt.Errorf("%w: crawl root %q", audit.ErrInvalidInput, rawURL)
	}
	root.Fragment = ""
	if root.Path == "" {
		root.Path = "/"
	}
	maxPages := int64(max(1, opts.MaxPages))

	state := &crawlState{
		pages:  make(map[int64]audit.Page),
		failed: make(map[int64]audit.FailedPage),
	}
	collector, err := c.newCollector(root.Hostname(), opts)
	if err != nil {
		return audit.PageSet{}, err
	}
	c.configureHooks(ctx, collector, state, maxPages, opts)

	if err := c.runCollector(ctx, collector, root.String()); err != nil {
		return audit.PageSet{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if state.rootErr != nil {
		return audit.PageSet{}, state.rootErr
	}
	if len(state.pages) == 0 {
		return audit.PageSet{}, errors.New("root page returned no html")
	}

	set := audit.PageSet{
		Root:   root.String(),
		Pages:  inOrder(state.pages),
		Failed: inOrder(state.failed),
	}
	c.logger.Info("crawl finished",
		zap.String("root", set.Root),
		zap.Int("pages", len(set.Pages)),
		zap.Int("failed", len(set.Failed)),
	)
	return set, nil
}

func (c *Crawler) newCollector(host string, opts audit.Options) (*colly.Collector, error) {
	collector := colly.NewCollector(
		colly.AllowedDomains(host),
		colly.UserAgent(c.cfg.UserAgent),
		colly.Async(true),
		colly.MaxBodySize(c.cfg.MaxBodySize),
	)
	collector.IgnoreRobotsTxt = !c.cfg.RespectRobots
	collector.SetRequestTimeout(c.cfg.RequestTimeout)

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: max(1, opts.Concurrency),
	}); err != nil {
		return nil, fmt.Errorf("set collector limits: %w", err)
	}
	return collector, nil
}

func (c *Crawler) configureHooks(
	ctx context.Context,
	collector *colly.Collector,
	state *crawlState,
	maxPages int64,
	opts audit.Options,
) {
	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		seq := state.issued.Add(1)
		if seq > maxPages {
			r.Abort()
			return
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, r.URL.String()); err != nil {
				r.Abort()
				return
			}
		}
		r.Ctx.Put(ctxSeq, seq)
		r.Ctx.Put(ctxStart, time.Now())
	})

	collector.OnResponse(func(r *colly.Response) {
		seq, _ := r.Ctx.GetAny(ctxSeq).(int64)
		pageURL := r.Request.URL.String()
		if !isHTML(r.Headers.Get("Content-Type")) {
			c.logger.Debug("skipping non-html response", zap.String("url", pageURL))
			if seq == 1 {
				state.setRootErr(fmt.Errorf("root page %s is not html", pageURL))
			}
			return
		}

		page, err := ExtractPage(pageURL, r.StatusCode, bytes.NewReader(r.Body), opts.IncludeImages)
		if err != nil {
			state.addFailed(seq, audit.FailedPage{URL: pageURL, StatusCode: r.StatusCode, Error: err.Error()})
			return
		}
		if start, ok := r.Ctx.GetAny(ctxStart).(time.Time); ok {
			page.LoadTimeMs = time.Since(start).Milliseconds()
		}
		state.addPage(seq, page)
		metrics.ObserveCrawl(pageURL, "ok")

		for _, link := range page.Links {
			if state.issued.Load() >= maxPages {
				return
			}
			target := followable(r.Request, link.Href)
			if target == "" {
				continue
			}
			// Off-host, duplicate and post-cancel visits are rejected by the collector.
			_ = r.Request.Visit(target)
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		seq, _ := r.Ctx.GetAny(ctxSeq).(int64)
		pageURL := r.Request.URL.String()
		state.addFailed(seq, audit.FailedPage{URL: pageURL, StatusCode: r.StatusCode, Error: err.Error()})
		metrics.ObserveCrawl(pageURL, "failed")
		c.logger.Warn("page fetch failed",
			zap.String("url", pageURL),
			zap.Int("status_code", r.StatusCode),
			zap.Error(err),
		)
		if seq == 1 {
			if r.StatusCode > 0 {
				state.setRootErr(fmt.Errorf("root page %s returned HTTP %d: %w", pageURL, r.StatusCode, err))
				return
			}
			state.setRootErr(fmt.Errorf("root page %s: %w", pageURL, err))
		}
	})
}

func (c *Crawler) runCollector(ctx context.Context, collector *colly.Collector, rootURL string) error {
	done := make(chan error, 1)
	go func() {
		err := collector.Visit(rootURL)
		collector.Wait()
		done <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("crawl canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit root: %w", err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("crawl canceled: %w", ctx.Err())
		}
		return nil
	}
}

func (s *crawlState) addPage(seq int64, page audit.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[seq] = page
}

func (s *crawlState) addFailed(seq int64, page audit.FailedPage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[seq] = page
}

func (s *crawlState) setRootErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rootErr = err
}

func inOrder[T any](items map[int64]T) []T {
	keys := make([]int64, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, items[k])
	}
	return out
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// followable resolves href against the request and returns an http(s) URL
// without fragment, or "" when the link should not be crawled.
func followable(r *colly.Request, href string) string {
	abs := r.AbsoluteURL(href)
	if abs == "" {
		return ""
	}
	u, err := url.Parse(abs)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	if !strings.EqualFold(u.Hostname(), r.URL.Hostname()) {
		return ""
	}
	return u.String()
}
