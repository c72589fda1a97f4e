package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/clock/system"
	idgen "github.com/JakeFAU/site-audit/internal/id/uuid"
	"github.com/JakeFAU/site-audit/internal/manager"
	"github.com/JakeFAU/site-audit/internal/storage/memory"
)

func TestServer_SubmitAudit_Succeeds(t *testing.T) {
	t.Parallel()

	auditor := &fakeAuditor{submitID: newID(t)}
	server := newTestServer(auditor, Config{Defaults: audit.Options{IncludeImages: true}})

	body := `{"url":"https://example.com","options":{"max_pages":5,"check_mobile":true}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/audits", strings.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, auditor.submitID, resp.JobID)
	require.Equal(t, "/v1/audits/"+resp.JobID+"/status", resp.StatusURL)

	got := auditor.lastSubmit()
	require.Equal(t, "https://example.com", got.url)
	require.Equal(t, audit.Options{MaxPages: 5, IncludeImages: true, CheckMobile: true}, got.opts)
}

func TestServer_SubmitAudit_ExplicitFalseOverridesDefault(t *testing.T) {
	t.Parallel()

	auditor := &fakeAuditor{submitID: newID(t)}
	server := newTestServer(auditor, Config{Defaults: audit.Options{IncludeImages: true}})

	req := httptest.NewRequest(http.MethodPost, "/v1/audits",
		strings.NewReader(`{"url":"https://example.com","options":{"include_images":false}}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.False(t, auditor.lastSubmit().opts.IncludeImages)
}

func TestServer_SubmitAudit_InvalidJSON(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeAuditor{}, Config{})
	for _, body := range []string{"{invalid", `{"url":"https://a.example","extra":1}`} {
		req := httptest.NewRequest(http.MethodPost, "/v1/audits", strings.NewReader(body))
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestServer_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid input", fmt.Errorf("%w: url scheme", audit.ErrInvalidInput), http.StatusBadRequest},
		{"closed", manager.ErrClosed, http.StatusServiceUnavailable},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"internal", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(&fakeAuditor{submitErr: tt.err}, Config{})
			req := httptest.NewRequest(http.MethodPost, "/v1/audits", strings.NewReader(`{"url":"ftp://x"}`))
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusInternalServerError {
				require.NotContains(t, rec.Body.String(), "disk full")
			}
		})
	}
}

func TestServer_GetJobStatus(t *testing.T) {
	t.Parallel()

	id := newID(t)
	auditor := &fakeAuditor{status: audit.JobStatus{ID: id, State: audit.JobStateRunning}}
	server := newTestServer(auditor, Config{})

	req := httptest.NewRequest(http.MethodGet, "/v1/audits/"+id+"/status", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"state":"running"`)
}

func TestServer_GetJobStatus_NotFound(t *testing.T) {
	t.Parallel()

	auditor := &fakeAuditor{statusErr: audit.ErrNotFound}
	server := newTestServer(auditor, Config{})

	for _, id := range []string{"not-a-uuid", newID(t)} {
		req := httptest.NewRequest(http.MethodGet, "/v1/audits/"+id+"/status", nil)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusNotFound, rec.Code, id)
	}
	require.Equal(t, 1, auditor.statusCalls(), "malformed ids must not reach the manager")
}

func TestServer_GetJobResults(t *testing.T) {
	t.Parallel()

	id := newID(t)
	ready := &fakeAuditor{report: audit.Report{OverallScore: 93}}
	rec := httptest.NewRecorder()
	newTestServer(ready, Config{}).Handler().ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/v1/audits/"+id+"/results", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"overall_score":93`)

	pending := &fakeAuditor{resultsErr: fmt.Errorf("%w: job is running", audit.ErrNotReady)}
	rec = httptest.NewRecorder()
	newTestServer(pending, Config{}).Handler().ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/v1/audits/"+id+"/results", nil))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "not ready")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	id := newID(t)
	server := newTestServer(&fakeAuditor{status: audit.JobStatus{ID: id}}, Config{APIKey: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/v1/audits/"+id+"/status", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/audits/"+id+"/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open for the orchestrator.
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	checks := map[string]ReadinessCheck{
		"store": func(context.Context) error { return nil },
	}
	rec := httptest.NewRecorder()
	NewServer(&fakeAuditor{}, Config{}, checks, zap.NewNop()).Handler().ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	checks["redis"] = func(context.Context) error { return errors.New("connection refused") }
	rec = httptest.NewRecorder()
	NewServer(&fakeAuditor{}, Config{}, checks, zap.NewNop()).Handler().ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeAuditor{}, Config{})
	server.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeAuditor{panicOnSubmit: true}, Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/audits", strings.NewReader(`{"url":"https://a.example"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeAuditor{}, Config{})
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-123")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream-123", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// TestServer_AuditLifecycle drives a real manager through the HTTP surface.
func TestServer_AuditLifecycle(t *testing.T) {
	t.Parallel()

	mgr := manager.New(manager.Deps{
		Store: memory.NewJobStore(),
		Crawler: crawlFunc(func(_ context.Context, root string, _ audit.Options) (audit.PageSet, error) {
			return audit.PageSet{Root: root, Pages: []audit.Page{{
				URL:          root + "/",
				StatusCode:   200,
				Title:        "Example Domain Home Page For Testing",
				Description:  strings.Repeat("A useful description of the page. ", 4),
				Headings:     []audit.Heading{{Level: 1, Text: "Welcome"}},
				CanonicalURL: root + "/",
				Viewport:     "width=device-width, initial-scale=1",
			}}}, nil
		}),
		Performance: measureFunc(func(_ context.Context, url string, opts audit.Options) (audit.PerformanceReport, error) {
			return audit.PerformanceReport{URL: url, Score: 90, Mobile: opts.CheckMobile, Source: "stub"}, nil
		}),
		IDs:   idgen.New(),
		Clock: system.New(),
	}, manager.DefaultConfig(), zap.NewNop())
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	server := newTestServer(mgr, Config{Defaults: mgr.Config().DefaultOptions()})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/audits",
		bytes.NewBufferString(`{"url":"https://Example.com"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, submitted.StatusURL, nil))
		var status audit.JobStatus
		return rec.Code == http.StatusOK &&
			json.Unmarshal(rec.Body.Bytes(), &status) == nil &&
			status.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, submitted.ResultsURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var report audit.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Positive(t, report.OverallScore)
}

// --- helpers/fakes ---

func newID(t *testing.T) string {
	t.Helper()
	id, err := idgen.New().NewID()
	require.NoError(t, err)
	return id
}

func newTestServer(auditor Auditor, cfg Config) *Server {
	return NewServer(auditor, cfg, nil, zap.NewNop())
}

type submission struct {
	url  string
	opts audit.Options
}

type fakeAuditor struct {
	mu            sync.Mutex
	submitID      string
	submitErr     error
	panicOnSubmit bool
	submissions   []submission
	status        audit.JobStatus
	statusErr     error
	statusCount   int
	report        audit.Report
	resultsErr    error
}

func (f *fakeAuditor) SubmitAudit(_ context.Context, url string, opts audit.Options) (string, error) {
	if f.panicOnSubmit {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, submission{url: url, opts: opts})
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.submitID, nil
}

func (f *fakeAuditor) GetJobStatus(_ context.Context, _ string) (audit.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCount++
	return f.status, f.statusErr
}

func (f *fakeAuditor) GetJobResults(_ context.Context, _ string) (audit.Report, error) {
	return f.report, f.resultsErr
}

func (f *fakeAuditor) lastSubmit() submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submissions[len(f.submissions)-1]
}

func (f *fakeAuditor) statusCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCount
}

type crawlFunc func(ctx context.Context, url string, opts audit.Options) (audit.PageSet, error)

func (f crawlFunc) Crawl(ctx context.Context, url string, opts audit.Options) (audit.PageSet, error) {
	return f(ctx, url, opts)
}

type measureFunc func(ctx context.Context, url string, opts audit.Options) (audit.PerformanceReport, error)

func (f measureFunc) MeasurePerformance(
	ctx context.Context,
	url string,
	opts audit.Options,
) (audit.PerformanceReport, error) {
	return f(ctx, url, opts)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}
