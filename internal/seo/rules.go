package seo

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/site-audit/internal/audit"
)

// RuleTableVersion changes whenever a rule, threshold or severity changes.
const RuleTableVersion = "2025.1"

// Rule identifiers.
const (
	RuleTitleMissing        = "title_missing"
	RuleTitleTooLong        = "title_too_long"
	RuleDescriptionMissing  = "description_missing"
	RuleDescriptionTooLong  = "description_too_long"
	RuleDescriptionTooShort = "description_too_short"
	RuleH1Missing           = "h1_missing"
	RuleH1Multiple          = "h1_multiple"
	RuleImageAltMissing     = "image_alt_missing"
	RuleCanonicalMissing    = "canonical_missing"
	RuleSchemaMissing       = "schema_missing"
	RuleViewportMissing     = "viewport_missing"
)

const (
	maxTitleRunes          = 60
	maxDescriptionRunes    = 160
	minDescriptionRunes    = 50
	maxAltSamplesInMessage = 5
)

// Finding is what a rule reports when its predicate matches.
type Finding struct {
	Message        string
	Recommendation string
}

// Rule is one declarative check over a page.
type Rule struct {
	ID       string
	Severity audit.Severity
	Check    func(page audit.Page) (Finding, bool)
}

// Evaluator applies a fixed rule table to pages.
type Evaluator struct {
	rules []Rule
}

// Option customizes the rule table of an Evaluator.
type Option func(*[]Rule)

// WithMobileChecks adds the rules that only apply when mobile checks are requested.
func WithMobileChecks() Option {
	return func(rules *[]Rule) {
		*rules = append(*rules, viewportRule())
	}
}

// NewEvaluator builds an Evaluator over the default rule table.
func NewEvaluator(opts ...Option) *Evaluator {
	rules := DefaultRules()
	for _, opt := range opts {
		opt(&rules)
	}
	return &Evaluator{rules: rules}
}

// ForOptions returns an evaluator whose rule table matches the job options.
func ForOptions(opts audit.Options) *Evaluator {
	if opts.CheckMobile {
		return NewEvaluator(WithMobileChecks())
	}
	return NewEvaluator()
}

// Rules returns a copy of the evaluator's rule table.
func (e *Evaluator) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Version returns the rule table version.
func (e *Evaluator) Version() string {
	return RuleTableVersion
}

// Evaluate runs every rule against page. It has no side effects.
func (e *Evaluator) Evaluate(page audit.Page) []audit.Issue {
	var issues []audit.Issue
	for _, rule := range e.rules {
		finding, matched := rule.Check(page)
		if !matched {
			continue
		}
		issues = append(issues, audit.Issue{
			Severity:       rule.Severity,
			Rule:           rule.ID,
			Message:        finding.Message,
			Recommendation: finding.Recommendation,
			PageURL:        page.URL,
		})
	}
	return issues
}

// DefaultRules returns the base rule table in evaluation order.
func DefaultRules() []Rule {
	rules := []Rule{
		{ID: RuleTitleMissing, Severity: audit.SeverityCritical, Check: checkTitleMissing},
		{ID: RuleTitleTooLong, Severity: audit.SeverityHigh, Check: checkTitleTooLong},
		{ID: RuleDescriptionMissing, Severity: audit.SeverityCritical, Check: checkDescriptionMissing},
		{ID: RuleDescriptionTooLong, Severity: audit.SeverityMedium, Check: checkDescriptionTooLong},
		{ID: RuleDescriptionTooShort, Severity: audit.SeverityLow, Check: checkDescriptionTooShort},
		{ID: RuleH1Missing, Severity: audit.SeverityHigh, Check: checkH1Missing},
		{ID: RuleH1Multiple, Severity: audit.SeverityMedium, Check: checkH1Multiple},
		{ID: RuleImageAltMissing, Severity: audit.SeverityMedium, Check: checkImageAlt},
		{ID: RuleCanonicalMissing, Severity: audit.SeverityMedium, Check: checkCanonical},
		{ID: RuleSchemaMissing, Severity: audit.SeverityLow, Check: checkSchema},
	}
	return append(rules, urlRules()...)
}

func viewportRule() Rule {
	return Rule{ID: RuleViewportMissing, Severity: audit.SeverityMedium, Check: checkViewport}
}

func runeLen(s string) int {
	return utf8.RuneCountInString(strings.TrimSpace(s))
}

func checkTitleMissing(page audit.Page) (Finding, bool) {
	if strings.TrimSpace(page.Title) != "" {
		return Finding{}, false
	}
	return Finding{
		Message:        "Page has no title tag",
		Recommendation: "Add a unique, descriptive <title> of 30-60 characters",
	}, true
}

func checkTitleTooLong(page audit.Page) (Finding, bool) {
	n := runeLen(page.Title)
	if n <= maxTitleRunes {
		return Finding{}, false
	}
	return Finding{
		Message:        fmt.Sprintf("Title is %d characters long (max %d)", n, maxTitleRunes),
		Recommendation: "Shorten the title so it is not truncated in search results",
	}, true
}

func checkDescriptionMissing(page audit.Page) (Finding, bool) {
	if strings.TrimSpace(page.Description) != "" {
		return Finding{}, false
	}
	return Finding{
		Message:        "Page has no meta description",
		Recommendation: "Add a meta description of 120-160 characters summarizing the page",
	}, true
}

func checkDescriptionTooLong(page audit.Page) (Finding, bool) {
	n := runeLen(page.Description)
	if n <= maxDescriptionRunes {
		return Finding{}, false
	}
	return Finding{
		Message:        fmt.Sprintf("Meta description is %d characters long (max %d)", n, maxDescriptionRunes),
		Recommendation: "Trim the meta description to 160 characters or fewer",
	}, true
}

func checkDescriptionTooShort(page audit.Page) (Finding, bool) {
	n := runeLen(page.Description)
	if n == 0 || n >= minDescriptionRunes {
		return Finding{}, false
	}
	return Finding{
		Message:        fmt.Sprintf("Meta description is only %d characters long", n),
		Recommendation: "Expand the meta description to at least 50 characters",
	}, true
}

func countH1(page audit.Page) int {
	n := 0
	for _, h := range page.Headings {
		if h.Level == 1 {
			n++
		}
	}
	return n
}

func checkH1Missing(page audit.Page) (Finding, bool) {
	if countH1(page) > 0 {
		return Finding{}, false
	}
	return Finding{
		Message:        "Page has no H1 heading",
		Recommendation: "Add a single H1 that describes the page topic",
	}, true
}

func checkH1Multiple(page audit.Page) (Finding, bool) {
	n := countH1(page)
	if n <= 1 {
		return Finding{}, false
	}
	return Finding{
		Message:        fmt.Sprintf("Page has %d H1 headings", n),
		Recommendation: "Keep one H1 and demote the others to H2",
	}, true
}

func checkImageAlt(page audit.Page) (Finding, bool) {
	var missing []string
	for _, img := range page.Images {
		if strings.TrimSpace(img.Alt) == "" {
			missing = append(missing, img.Src)
		}
	}
	if len(missing) == 0 {
		return Finding{}, false
	}
	samples := missing
	if len(samples) > maxAltSamplesInMessage {
		samples = samples[:maxAltSamplesInMessage]
	}
	return Finding{
		Message: fmt.Sprintf("%d of %d images are missing alt text (%s)",
			len(missing), len(page.Images), strings.Join(samples, ", ")),
		Recommendation: "Describe every meaningful image with an alt attribute",
	}, true
}

func checkCanonical(page audit.Page) (Finding, bool) {
	if strings.TrimSpace(page.CanonicalURL) != "" {
		return Finding{}, false
	}
	return Finding{
		Message:        "Page has no canonical URL",
		Recommendation: `Add <link rel="canonical"> pointing at the preferred URL`,
	}, true
}

func checkSchema(page audit.Page) (Finding, bool) {
	if len(page.SchemaMarkup) > 0 {
		return Finding{}, false
	}
	return Finding{
		Message:        "Page has no structured data markup",
		Recommendation: "Add JSON-LD structured data describing the page content",
	}, true
}

func checkViewport(page audit.Page) (Finding, bool) {
	if strings.TrimSpace(page.Viewport) != "" {
		return Finding{}, false
	}
	return Finding{
		Message:        "Page has no viewport meta tag",
		Recommendation: `Add <meta name="viewport" content="width=device-width, initial-scale=1">`,
	}, true
}
