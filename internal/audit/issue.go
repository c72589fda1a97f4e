package audit

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Severity ranks issues. Higher values are more important.
type Severity int

// Severity levels, ordered Low < Medium < High < Critical.
const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Severities lists every level from most to least important.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// String returns the lowercase name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "medium"
	case SeverityLow:
		return "low"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("unknown severity %d", int(s))
	}
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "critical":
		*s = SeverityCritical
	case "high":
		*s = SeverityHigh
	case "medium":
		*s = SeverityMedium
	case "low":
		*s = SeverityLow
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// Issue is a single finding produced by a rule.
type Issue struct {
	Severity       Severity `json:"severity"`
	Rule           string   `json:"rule"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
	// PageURL is empty for site-wide issues.
	PageURL      string   `json:"page_url,omitempty"`
	AffectedURLs []string `json:"affected_urls,omitempty"`
}

// SiteWide reports whether the issue is not attributed to a single page.
func (i Issue) SiteWide() bool {
	return i.PageURL == ""
}

// IssueBuckets partitions issues by severity.
type IssueBuckets struct {
	Critical []Issue `json:"critical"`
	High     []Issue `json:"high"`
	Medium   []Issue `json:"medium"`
	Low      []Issue `json:"low"`
}

// Bucket returns the issues of one severity.
func (b IssueBuckets) Bucket(sev Severity) []Issue {
	switch sev {
	case SeverityCritical:
		return b.Critical
	case SeverityHigh:
		return b.High
	case SeverityMedium:
		return b.Medium
	case SeverityLow:
		return b.Low
	default:
		return nil
	}
}

// Add appends issue to the bucket matching its severity. Unknown severities
// are dropped.
func (b *IssueBuckets) Add(issue Issue) {
	switch issue.Severity {
	case SeverityCritical:
		b.Critical = append(b.Critical, issue)
	case SeverityHigh:
		b.High = append(b.High, issue)
	case SeverityMedium:
		b.Medium = append(b.Medium, issue)
	case SeverityLow:
		b.Low = append(b.Low, issue)
	}
}

// Total returns the number of bucketed issues.
func (b IssueBuckets) Total() int {
	return len(b.Critical) + len(b.High) + len(b.Medium) + len(b.Low)
}

func (b IssueBuckets) clone() IssueBuckets {
	return IssueBuckets{
		Critical: cloneIssues(b.Critical),
		High:     cloneIssues(b.High),
		Medium:   cloneIssues(b.Medium),
		Low:      cloneIssues(b.Low),
	}
}

// ActionItem is one entry of the prioritized action plan.
type ActionItem struct {
	Priority        int      `json:"priority"`
	Severity        Severity `json:"severity"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	EstimatedEffort string   `json:"estimated_effort"`
	Impact          string   `json:"impact"`
	IssueCount      int      `json:"issue_count"`
	SampleIssues    []Issue  `json:"sample_issues"`
}

// StageWarning surfaces a failed stage inside a partial report.
type StageWarning struct {
	Stage   StageName `json:"stage"`
	Message string    `json:"message"`
}

// Report is the aggregated result of an audit.
type Report struct {
	OverallScore     int                `json:"overall_score"`
	PageCount        int                `json:"page_count"`
	PageScores       map[string]int     `json:"page_scores"`
	IssuesBySeverity IssueBuckets       `json:"issues_by_severity"`
	ActionPlan       []ActionItem       `json:"action_plan"`
	RuleTableVersion string             `json:"rule_table_version,omitempty"`
	Performance      *PerformanceReport `json:"performance,omitempty"`
	Warnings         []StageWarning     `json:"warnings,omitempty"`
	MissingStages    []StageName        `json:"missing_stages,omitempty"`
}

// Clone returns a deep copy of the report.
func (r Report) Clone() Report {
	cp := r
	cp.PageScores = maps.Clone(r.PageScores)
	cp.IssuesBySeverity = r.IssuesBySeverity.clone()
	if r.ActionPlan != nil {
		cp.ActionPlan = make([]ActionItem, len(r.ActionPlan))
		for i, item := range r.ActionPlan {
			item.SampleIssues = cloneIssues(item.SampleIssues)
			cp.ActionPlan[i] = item
		}
	}
	if r.Performance != nil {
		perf := *r.Performance
		cp.Performance = &perf
	}
	cp.Warnings = slices.Clone(r.Warnings)
	cp.MissingStages = slices.Clone(r.MissingStages)
	return cp
}

func cloneIssues(in []Issue) []Issue {
	if in == nil {
		return nil
	}
	out := make([]Issue, len(in))
	for i, issue := range in {
		issue.AffectedURLs = slices.Clone(issue.AffectedURLs)
		out[i] = issue
	}
	return out
}
