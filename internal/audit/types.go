package audit

import (
	"maps"
	"time"
)

// JobState represents the lifecycle state of an audit job.
type JobState string

// Job states persisted in the job store.
const (
	JobStatePending         JobState = "pending"
	JobStateRunning         JobState = "running"
	JobStatePartiallyFailed JobState = "partially_failed"
	JobStateCompleted       JobState = "completed"
	JobStateFailed          JobState = "failed"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStatePartiallyFailed, JobStateFailed:
		return true
	default:
		return false
	}
}

// HasReport reports whether jobs in state s carry an aggregated report.
func (s JobState) HasReport() bool {
	return s == JobStateCompleted || s == JobStatePartiallyFailed
}

// StageName identifies one of the analysis stages of an audit.
type StageName string

// Audit stages. Performance and SEO depend on a successful crawl.
const (
	StageCrawl       StageName = "crawl"
	StagePerformance StageName = "performance"
	StageSEO         StageName = "seo"
)

// Stages lists every stage in dispatch order.
var Stages = []StageName{StageCrawl, StagePerformance, StageSEO}

// StageState is the progress of a single stage.
type StageState string

// Stage states. Succeeded and Failed are final.
const (
	StageStatePending   StageState = "pending"
	StageStateRunning   StageState = "running"
	StageStateSucceeded StageState = "succeeded"
	StageStateFailed    StageState = "failed"
)

// Settled reports whether the stage reached a final state.
func (s StageState) Settled() bool {
	return s == StageStateSucceeded || s == StageStateFailed
}

// rank orders stage states so transitions can be checked for monotonicity.
func (s StageState) rank() int {
	switch s {
	case StageStatePending:
		return 0
	case StageStateRunning:
		return 1
	case StageStateSucceeded, StageStateFailed:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next keeps the stage monotonic.
func (s StageState) CanTransition(next StageState) bool {
	if s.Settled() {
		return false
	}
	return next.rank() > s.rank()
}

// StageStatus captures the state of one stage and its failure detail, if any.
type StageStatus struct {
	State     StageState `json:"state"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Options are the per-job knobs requested by the client.
type Options struct {
	MaxPages      int  `json:"max_pages"`
	IncludeImages bool `json:"include_images"`
	CheckMobile   bool `json:"check_mobile"`
	Concurrency   int  `json:"concurrency"`
}

// Job is the persisted record of one audit.
type Job struct {
	ID        string                    `json:"id"`
	URL       string                    `json:"url"`
	Options   Options                   `json:"options"`
	State     JobState                  `json:"state"`
	Stages    map[StageName]StageStatus `json:"stages"`
	Report    *Report                   `json:"report,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// NewJob builds a pending job with every stage pending.
func NewJob(id, url string, opts Options, now time.Time) Job {
	stages := make(map[StageName]StageStatus, len(Stages))
	for _, stage := range Stages {
		stages[stage] = StageStatus{State: StageStatePending, UpdatedAt: now}
	}
	return Job{
		ID:        id,
		URL:       url,
		Options:   opts,
		State:     JobStatePending,
		Stages:    stages,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so callers never share mutable maps with the owner.
func (j Job) Clone() Job {
	cp := j
	cp.Stages = maps.Clone(j.Stages)
	if j.Report != nil {
		report := j.Report.Clone()
		cp.Report = &report
	}
	return cp
}

// Status projects the fields exposed by status polling.
func (j Job) Status() JobStatus {
	return JobStatus{
		ID:        j.ID,
		State:     j.State,
		Stages:    maps.Clone(j.Stages),
		UpdatedAt: j.UpdatedAt,
	}
}

// JobStatus is the polling view of a job.
type JobStatus struct {
	ID        string                    `json:"id"`
	State     JobState                  `json:"state"`
	Stages    map[StageName]StageStatus `json:"stages"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// Heading is one heading element in document order.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// Image is one img element.
type Image struct {
	Src string `json:"src"`
	Alt string `json:"alt"`
}

// Link is one anchor with an href.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// SchemaBlock is a structured-data block found on a page.
type SchemaBlock struct {
	Format string `json:"format"`
	Type   string `json:"type,omitempty"`
	Raw    string `json:"raw,omitempty"`
}

// Page holds the metadata extracted from one crawled page.
type Page struct {
	URL          string        `json:"url"`
	StatusCode   int           `json:"status_code"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Headings     []Heading     `json:"headings"`
	Images       []Image       `json:"images"`
	Links        []Link        `json:"links"`
	CanonicalURL string        `json:"canonical_url"`
	SchemaMarkup []SchemaBlock `json:"schema_markup"`
	Viewport     string        `json:"viewport"`
	LoadTimeMs   int64         `json:"load_time_ms"`
}

// FailedPage records a URL the crawler attempted but could not load.
type FailedPage struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Error      string `json:"error,omitempty"`
}

// PageSet is the crawl output for one job. It is never mutated after the
// crawl stage returns it.
type PageSet struct {
	Root   string       `json:"root"`
	Pages  []Page       `json:"pages"`
	Failed []FailedPage `json:"failed,omitempty"`
}

// Len returns the number of successfully crawled pages.
func (p PageSet) Len() int {
	return len(p.Pages)
}

// URLs returns the crawled page URLs in crawl order.
func (p PageSet) URLs() []string {
	out := make([]string, 0, len(p.Pages))
	for _, page := range p.Pages {
		out = append(out, page.URL)
	}
	return out
}

// PerformanceMetrics are the timings reported by a performance probe.
type PerformanceMetrics struct {
	TTFBMs                 int64 `json:"ttfb_ms"`
	FirstContentfulPaintMs int64 `json:"first_contentful_paint_ms"`
	DOMContentLoadedMs     int64 `json:"dom_content_loaded_ms"`
	LoadMs                 int64 `json:"load_ms"`
}

// PerformanceReport is the output of the performance stage.
type PerformanceReport struct {
	URL        string             `json:"url"`
	Score      int                `json:"score"`
	Mobile     bool               `json:"mobile"`
	Source     string             `json:"source"`
	Metrics    PerformanceMetrics `json:"metrics"`
	MeasuredAt time.Time          `json:"measured_at"`
}
