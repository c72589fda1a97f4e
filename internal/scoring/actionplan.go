package scoring

import (
	"fmt"

	"github.com/JakeFAU/site-audit/internal/audit"
)

const maxSampleIssues = 5

type planTemplate struct {
	title  string
	effort string
	impact string
}

var planTemplates = map[audit.Severity]planTemplate{
	audit.SeverityCritical: {title: "Fix critical SEO issues", effort: "1-2 hours", impact: "High"},
	audit.SeverityHigh:     {title: "Resolve high-priority issues", effort: "2-4 hours", impact: "Medium-High"},
	audit.SeverityMedium:   {title: "Address medium-priority improvements", effort: "3-6 hours", impact: "Medium"},
	audit.SeverityLow:      {title: "Polish low-priority details", effort: "1-2 hours", impact: "Low"},
}

// BuildActionPlan emits one item per non-empty severity bucket, most severe
// first. Samples keep the order in which issues were found.
func BuildActionPlan(buckets audit.IssueBuckets) []audit.ActionItem {
	var plan []audit.ActionItem
	for _, sev := range audit.Severities {
		bucket := buckets.Bucket(sev)
		if len(bucket) == 0 {
			continue
		}
		tmpl := planTemplates[sev]
		n := min(len(bucket), maxSampleIssues)
		samples := make([]audit.Issue, n)
		for i := range n {
			samples[i] = cloneIssue(bucket[i])
		}
		plan = append(plan, audit.ActionItem{
			Priority:        len(plan) + 1,
			Severity:        sev,
			Title:           tmpl.title,
			Description:     describe(sev, bucket),
			EstimatedEffort: tmpl.effort,
			Impact:          tmpl.impact,
			IssueCount:      len(bucket),
			SampleIssues:    samples,
		})
	}
	return plan
}

func describe(sev audit.Severity, issues []audit.Issue) string {
	rules := make(map[string]struct{})
	for _, issue := range issues {
		rules[issue.Rule] = struct{}{}
	}
	noun := "issues"
	if len(issues) == 1 {
		noun = "issue"
	}
	return fmt.Sprintf("Resolve %d %s %s across %d rule(s)", len(issues), sev, noun, len(rules))
}
