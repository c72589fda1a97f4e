package seo

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/site-audit/internal/audit"
)

// Site-wide rule identifiers.
const (
	RuleDuplicateTitle       = "duplicate_title"
	RuleDuplicateDescription = "duplicate_description"
	RuleBrokenInternalLink   = "broken_internal_link"
)

const maxAffectedURLs = 5

// AnalyzeSite runs the checks that need every page of the crawl. It fails with
// audit.ErrInsufficientData when the set has no pages.
func AnalyzeSite(pages audit.PageSet) ([]audit.Issue, error) {
	if pages.Len() == 0 {
		return nil, fmt.Errorf("analyze site: %w", audit.ErrInsufficientData)
	}
	var issues []audit.Issue
	issues = append(issues, duplicates(pages.Pages, RuleDuplicateTitle, "Title", func(p audit.Page) string {
		return p.Title
	})...)
	issues = append(issues, duplicates(pages.Pages, RuleDuplicateDescription, "Meta description", func(p audit.Page) string {
		return p.Description
	})...)
	issues = append(issues, brokenInternalLinks(pages)...)
	return issues, nil
}

// EvaluateSite runs the per-page rules of e over every page and then the
// site-wide checks.
func (e *Evaluator) EvaluateSite(pages audit.PageSet) ([]audit.Issue, error) {
	siteIssues, err := AnalyzeSite(pages)
	if err != nil {
		return nil, err
	}
	var issues []audit.Issue
	for _, page := range pages.Pages {
		issues = append(issues, e.Evaluate(page)...)
	}
	return append(issues, siteIssues...), nil
}

type group struct {
	value string
	urls  []string
}

// duplicates groups pages by exact value, skipping blank values, and emits one
// issue per group with more than one page. Groups keep first-seen order.
func duplicates(pages []audit.Page, rule, label string, value func(audit.Page) string) []audit.Issue {
	index := make(map[string]int)
	var groups []group
	for _, page := range pages {
		v := value(page)
		if strings.TrimSpace(v) == "" {
			continue
		}
		i, ok := index[v]
		if !ok {
			i = len(groups)
			index[v] = i
			groups = append(groups, group{value: v})
		}
		groups[i].urls = append(groups[i].urls, page.URL)
	}

	var issues []audit.Issue
	for _, g := range groups {
		if len(g.urls) < 2 {
			continue
		}
		issues = append(issues, audit.Issue{
			Severity:       audit.SeverityHigh,
			Rule:           rule,
			Message:        fmt.Sprintf("%s %q is shared by %d pages", label, g.value, len(g.urls)),
			Recommendation: fmt.Sprintf("Give every page a unique %s", strings.ToLower(label)),
			AffectedURLs:   capURLs(g.urls),
		})
	}
	return issues
}

// brokenInternalLinks reports failed same-host targets that crawled pages link to.
func brokenInternalLinks(pages audit.PageSet) []audit.Issue {
	if len(pages.Failed) == 0 {
		return nil
	}
	failed := make(map[string]audit.FailedPage, len(pages.Failed))
	for _, fp := range pages.Failed {
		if key, ok := normalizeLink(fp.URL, ""); ok {
			failed[key] = fp
		}
	}

	referrers := make(map[string][]string)
	var order []string
	for _, page := range pages.Pages {
		seen := make(map[string]bool)
		for _, link := range page.Links {
			key, ok := normalizeLink(link.Href, page.URL)
			if !ok || seen[key] {
				continue
			}
			if _, broken := failed[key]; !broken {
				continue
			}
			seen[key] = true
			if _, exists := referrers[key]; !exists {
				order = append(order, key)
			}
			referrers[key] = append(referrers[key], page.URL)
		}
	}

	issues := make([]audit.Issue, 0, len(order))
	for _, key := range order {
		fp := failed[key]
		detail := fp.Error
		if fp.StatusCode > 0 {
			detail = fmt.Sprintf("HTTP %d", fp.StatusCode)
		}
		issues = append(issues, audit.Issue{
			Severity:       audit.SeverityHigh,
			Rule:           RuleBrokenInternalLink,
			Message:        fmt.Sprintf("Internal link to %s is broken (%s), linked from %d pages", fp.URL, detail, len(referrers[key])),
			Recommendation: "Fix or remove links to pages that no longer load",
			AffectedURLs:   capURLs(referrers[key]),
		})
	}
	return issues
}

// normalizeLink resolves href against base and drops the fragment.
func normalizeLink(href, base string) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", false
	}
	if base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return "", false
		}
		ref = b.ResolveReference(ref)
	}
	if ref.Host == "" {
		return "", false
	}
	ref.Fragment = ""
	ref.Host = strings.ToLower(ref.Host)
	if ref.Path == "" {
		ref.Path = "/"
	}
	return ref.String(), true
}

func capURLs(urls []string) []string {
	n := min(len(urls), maxAffectedURLs)
	out := make([]string, n)
	copy(out, urls[:n])
	return out
}
