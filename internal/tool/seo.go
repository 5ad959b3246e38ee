package tool

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

const (
	minTitleLength       = 10
	maxTitleLength       = 60
	minDescriptionLength = 50
	maxDescriptionLength = 160
)

// SEO inspects the rendered document for common search-engine issues.
type SEO struct {
	base
}

// NewSEO builds the seo tool.
func NewSEO(input runner.ToolInput) (runner.Tool, error) {
	b, err := newBase(input)
	if err != nil {
		return nil, err
	}
	return &SEO{base: b}, nil
}

// Run parses the page and records one result per check.
func (t *SEO) Run(ctx context.Context) error {
	doc, err := t.document(ctx)
	if err != nil {
		return err
	}
	t.results = []runner.Result{
		t.title(doc),
		t.description(doc),
		t.headings(doc),
		t.imageAlts(doc),
		t.language(doc),
	}
	return nil
}

func (t *SEO) title(doc *goquery.Document) runner.Result {
	title := strings.TrimSpace(doc.Find("head > title").First().Text())
	res := runner.Result{
		UniqueName:  "seo-title",
		Title:       "Page title",
		Description: "The page title is shown in search results and browser tabs.",
		Weight:      0.25,
	}
	switch n := len([]rune(title)); {
	case n == 0:
		res.Recommendations = []string{"Add a <title> element to the page."}
	case n < minTitleLength || n > maxTitleLength:
		res.Score = 0.5
		res.Snippets = []string{title}
		res.Recommendations = []string{
			fmt.Sprintf("Keep the title between %d and %d characters (currently %d).", minTitleLength, maxTitleLength, n),
		}
	default:
		res.Score = 1
		res.Snippets = []string{title}
	}
	return res
}

func (t *SEO) description(doc *goquery.Document) runner.Result {
	content, _ := doc.Find(`meta[name="description"]`).First().Attr("content")
	content = strings.TrimSpace(content)
	res := runner.Result{
		UniqueName:  "seo-meta-description",
		Title:       "Meta description",
		Description: "Search engines often use the meta description as the result snippet.",
		Weight:      0.25,
	}
	switch n := len([]rune(content)); {
	case n == 0:
		res.Recommendations = []string{`Add a <meta name="description"> tag summarizing the page.`}
	case n < minDescriptionLength || n > maxDescriptionLength:
		res.Score = 0.5
		res.Snippets = []string{content}
		res.Recommendations = []string{
			fmt.Sprintf("Keep the description between %d and %d characters (currently %d).",
				minDescriptionLength, maxDescriptionLength, n),
		}
	default:
		res.Score = 1
		res.Snippets = []string{content}
	}
	return res
}

func (t *SEO) headings(doc *goquery.Document) runner.Result {
	h1 := doc.Find("h1")
	res := runner.Result{
		UniqueName:  "seo-h1",
		Title:       "Main heading",
		Description: "A single <h1> tells readers and crawlers what the page is about.",
		Weight:      0.2,
		Score:       boolScore(h1.Length() == 1),
	}
	h1.Each(func(_ int, s *goquery.Selection) {
		res.Snippets = append(res.Snippets, clip(s.Text(), 120))
	})
	switch h1.Length() {
	case 0:
		res.Recommendations = []string{"Add one <h1> heading describing the page."}
	case 1:
	default:
		res.Recommendations = []string{fmt.Sprintf("Use a single <h1> heading (found %d).", h1.Length())}
	}
	return res
}

func (t *SEO) imageAlts(doc *goquery.Document) runner.Result {
	images := doc.Find("img")
	res := runner.Result{
		UniqueName:  "seo-image-alt",
		Title:       "Image alternative text",
		Description: "Alternative text describes images to screen readers and search engines.",
		Weight:      0.2,
	}
	missing := 0
	images.Each(func(_ int, s *goquery.Selection) {
		alt, ok := s.Attr("alt")
		if ok && strings.TrimSpace(alt) != "" {
			return
		}
		missing++
		src, _ := s.Attr("src")
		res.Table = append(res.Table, []string{clip(src, 200)})
	})
	res.Score = ratio(images.Length()-missing, images.Length())
	if missing > 0 {
		res.Table = append([][]string{{"Image source"}}, res.Table...)
		res.Recommendations = []string{fmt.Sprintf("Add alt text to %d image(s).", missing)}
	}
	return res
}

func (t *SEO) language(doc *goquery.Document) runner.Result {
	lang, _ := doc.Find("html").First().Attr("lang")
	lang = strings.TrimSpace(lang)
	res := runner.Result{
		UniqueName:  "seo-lang",
		Title:       "Document language",
		Description: "The lang attribute helps search engines serve the page to the right audience.",
		Weight:      0.1,
		Score:       boolScore(lang != ""),
	}
	if lang == "" {
		res.Recommendations = []string{`Set the lang attribute on the <html> element, e.g. lang="en".`}
	} else {
		res.Snippets = []string{lang}
	}
	return res
}
