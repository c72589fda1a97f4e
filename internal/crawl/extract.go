package crawl

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/site-audit/internal/audit"
)

const maxSchemaRaw = 2048

// ExtractPage parses an HTML document into the page model used by the rule
// evaluator. Image extraction is skipped unless includeImages is set.
func ExtractPage(pageURL string, statusCode int, body io.Reader, includeImages bool) (audit.Page, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return audit.Page{}, fmt.Errorf("parse html: %w", err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return audit.Page{}, fmt.Errorf("parse page url: %w", err)
	}

	page := audit.Page{
		URL:          pageURL,
		StatusCode:   statusCode,
		Title:        collapse(doc.Find("title").First().Text()),
		Description:  metaContent(doc, "description"),
		Headings:     extractHeadings(doc),
		Links:        extractLinks(doc),
		CanonicalURL: extractCanonical(doc, base),
		SchemaMarkup: extractSchema(doc),
		Viewport:     metaContent(doc, "viewport"),
	}
	if includeImages {
		page.Images = extractImages(doc)
	}
	return page, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// metaContent returns the content of the first meta tag whose name matches, ignoring case.
func metaContent(doc *goquery.Document, name string) string {
	var content string
	doc.Find("meta[name]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if !strings.EqualFold(strings.TrimSpace(s.AttrOr("name", "")), name) {
			return true
		}
		content = strings.TrimSpace(s.AttrOr("content", ""))
		return false
	})
	return content
}

func extractHeadings(doc *goquery.Document) []audit.Heading {
	var headings []audit.Heading
	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		tag := goquery.NodeName(s)
		headings = append(headings, audit.Heading{
			Level: int(tag[1] - '0'),
			Text:  collapse(s.Text()),
		})
	})
	return headings
}

func extractImages(doc *goquery.Document) []audit.Image {
	var images []audit.Image
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		images = append(images, audit.Image{
			Src: strings.TrimSpace(s.AttrOr("src", "")),
			Alt: strings.TrimSpace(s.AttrOr("alt", "")),
		})
	})
	return images
}

func extractLinks(doc *goquery.Document) []audit.Link {
	var links []audit.Link
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" {
			return
		}
		links = append(links, audit.Link{Href: href, Text: collapse(s.Text())})
	})
	return links
}

func extractCanonical(doc *goquery.Document, base *url.URL) string {
	var canonical string
	doc.Find("link[rel][href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, rel := range strings.Fields(s.AttrOr("rel", "")) {
			if strings.EqualFold(rel, "canonical") {
				canonical = resolve(base, s.AttrOr("href", ""))
				return false
			}
		}
		return true
	})
	return canonical
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// extractSchema collects JSON-LD blocks and top-level microdata items.
func extractSchema(doc *goquery.Document) []audit.SchemaBlock {
	var blocks []audit.SchemaBlock
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if !strings.EqualFold(strings.TrimSpace(s.AttrOr("type", "")), "application/ld+json") {
			return
		}
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return
		}
		blocks = append(blocks, audit.SchemaBlock{
			Format: "json-ld",
			Type:   jsonLDType(raw),
			Raw:    truncate(raw, maxSchemaRaw),
		})
	})
	doc.Find("[itemscope][itemtype]").Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered("[itemscope]").Length() > 0 {
			return
		}
		itemType := strings.TrimSpace(s.AttrOr("itemtype", ""))
		blocks = append(blocks, audit.SchemaBlock{
			Format: "microdata",
			Type:   itemType[strings.LastIndex(itemType, "/")+1:],
		})
	})
	return blocks
}

// jsonLDType returns the first @type in a JSON-LD document, looking into
// arrays and @graph. Malformed documents yield an empty type.
func jsonLDType(raw string) string {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return ""
	}
	return findType(doc)
}

func findType(node any) string {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			if t := findType(item); t != "" {
				return t
			}
		}
	case map[string]any:
		switch t := v["@type"].(type) {
		case string:
			return t
		case []any:
			if len(t) > 0 {
				if s, ok := t[0].(string); ok {
					return s
				}
			}
		}
		if graph, ok := v["@graph"]; ok {
			return findType(graph)
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
