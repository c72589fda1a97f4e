// Package scoring turns issues into per-page and overall scores and builds the
// prioritized action plan.
package scoring

import (
	"math"

	"github.com/JakeFAU/site-audit/internal/audit"
)

const maxScore = 100

// pageDeductions are flat per-issue deductions applied to a page's score.
var pageDeductions = map[audit.Severity]int{
	audit.SeverityCritical: 25,
	audit.SeverityHigh:     15,
	audit.SeverityMedium:   8,
	audit.SeverityLow:      3,
}

// overallWeights are applied to site-wide severity counts before page-count normalization.
var overallWeights = map[audit.Severity]float64{
	audit.SeverityCritical: 20,
	audit.SeverityHigh:     12,
	audit.SeverityMedium:   6,
	audit.SeverityLow:      2,
}

// Score builds a report from issues for a site of pageCount pages. Only pages
// with issues appear in PageScores; use ScorePageSet to include clean pages.
func Score(issues []audit.Issue, pageCount int) audit.Report {
	var buckets audit.IssueBuckets
	perPage := make(map[string][]audit.Issue)
	for _, issue := range issues {
		buckets.Add(cloneIssue(issue))
		if !issue.SiteWide() {
			perPage[issue.PageURL] = append(perPage[issue.PageURL], issue)
		}
	}

	pageScores := make(map[string]int, len(perPage))
	for url, pageIssues := range perPage {
		pageScores[url] = PageScore(pageIssues)
	}

	return audit.Report{
		OverallScore:     OverallScore(buckets, pageCount),
		PageCount:        pageCount,
		PageScores:       pageScores,
		IssuesBySeverity: buckets,
		ActionPlan:       BuildActionPlan(buckets),
	}
}

// ScorePageSet scores issues against a crawled page set. Pages without issues score 100.
func ScorePageSet(issues []audit.Issue, pages audit.PageSet) audit.Report {
	report := Score(issues, pages.Len())
	for _, url := range pages.URLs() {
		if _, ok := report.PageScores[url]; !ok {
			report.PageScores[url] = maxScore
		}
	}
	return report
}

// PageScore is 100 minus the flat deductions of the page's issues, floored at 0.
func PageScore(issues []audit.Issue) int {
	score := maxScore
	for _, issue := range issues {
		score -= pageDeductions[issue.Severity]
	}
	return max(0, score)
}

// OverallScore normalizes weighted severity counts by page count and rounds half up.
func OverallScore(buckets audit.IssueBuckets, pageCount int) int {
	var weighted float64
	for _, sev := range audit.Severities {
		weighted += overallWeights[sev] * float64(len(buckets.Bucket(sev)))
	}
	raw := maxScore - weighted/float64(max(1, pageCount))
	return max(0, roundHalfUp(raw))
}

func roundHalfUp(v float64) int {
	return int(math.Floor(v + 0.5))
}

func cloneIssue(issue audit.Issue) audit.Issue {
	if issue.AffectedURLs != nil {
		issue.AffectedURLs = append([]string(nil), issue.AffectedURLs...)
	}
	return issue
}
