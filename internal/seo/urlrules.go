package seo

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"unicode"

	"github.com/JakeFAU/site-audit/internal/audit"
)

// URL-structure rule identifiers.
const (
	RuleURLUnderscore      = "url_underscore"
	RuleURLEncodedSpace    = "url_encoded_space"
	RuleURLQueryParameters = "url_query_parameters"
	RuleURLSegmentTooLong  = "url_segment_too_long"
	RuleURLUppercase       = "url_uppercase"
)

const maxPathSegment = 50

// contentQueryKeys identify content through the query string instead of the path.
var contentQueryKeys = []string{
	"id", "p", "pid", "page_id", "post", "article", "product", "item", "cat", "category",
}

func urlRules() []Rule {
	return []Rule{
		{ID: RuleURLUnderscore, Severity: audit.SeverityLow, Check: urlCheck(checkUnderscore)},
		{ID: RuleURLEncodedSpace, Severity: audit.SeverityLow, Check: urlCheck(checkEncodedSpace)},
		{ID: RuleURLQueryParameters, Severity: audit.SeverityLow, Check: urlCheck(checkContentQuery)},
		{ID: RuleURLSegmentTooLong, Severity: audit.SeverityLow, Check: urlCheck(checkSegmentLength)},
		{ID: RuleURLUppercase, Severity: audit.SeverityLow, Check: urlCheck(checkUppercase)},
	}
}

// urlCheck adapts a check over a parsed URL. Unparseable URLs never match.
func urlCheck(check func(u *url.URL) (Finding, bool)) func(audit.Page) (Finding, bool) {
	return func(page audit.Page) (Finding, bool) {
		u, err := url.Parse(page.URL)
		if err != nil {
			return Finding{}, false
		}
		return check(u)
	}
}

func checkUnderscore(u *url.URL) (Finding, bool) {
	if !strings.Contains(u.Path, "_") {
		return Finding{}, false
	}
	return Finding{
		Message:        fmt.Sprintf("URL path %q contains underscores", u.Path),
		Recommendation: "Use hyphens instead of underscores to separate words",
	}, true
}

func checkEncodedSpace(u *url.URL) (Finding, bool) {
	escaped := strings.ToLower(u.EscapedPath())
	if !strings.Contains(escaped, "%20") && !strings.Contains(u.Path, " ") {
		return Finding{}, false
	}
	return Finding{
		Message:        fmt.Sprintf("URL path %q contains encoded spaces", u.EscapedPath()),
		Recommendation: "Replace spaces in URLs with hyphens",
	}, true
}

func checkContentQuery(u *url.URL) (Finding, bool) {
	var found []string
	for key := range u.Query() {
		if slices.Contains(contentQueryKeys, strings.ToLower(key)) {
			found = append(found, key)
		}
	}
	if len(found) == 0 {
		return Finding{}, false
	}
	slices.Sort(found)
	return Finding{
		Message:        fmt.Sprintf("URL identifies content with query parameters (%s)", strings.Join(found, ", ")),
		Recommendation: "Expose content at descriptive path-based URLs",
	}, true
}

func checkSegmentLength(u *url.URL) (Finding, bool) {
	for _, segment := range strings.Split(u.Path, "/") {
		if len([]rune(segment)) > maxPathSegment {
			return Finding{
				Message:        fmt.Sprintf("URL path segment is %d characters long (max %d)", len([]rune(segment)), maxPathSegment),
				Recommendation: "Keep path segments short and keyword focused",
			}, true
		}
	}
	return Finding{}, false
}

func checkUppercase(u *url.URL) (Finding, bool) {
	if !strings.ContainsFunc(u.Path, unicode.IsUpper) {
		return Finding{}, false
	}
	return Finding{
		Message:        fmt.Sprintf("URL path %q contains uppercase letters", u.Path),
		Recommendation: "Use lowercase URLs and redirect mixed-case variants",
	}, true
}
