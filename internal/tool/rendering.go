package tool

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

// fetchSourceScript re-requests the current document without executing it.
const fetchSourceScript = `fetch(location.href, {credentials: "include", cache: "no-store"}).then(r => r.text())`

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// Rendering compares the HTML the server sent with the rendered DOM.
type Rendering struct {
	base
}

// NewRendering builds the rendering tool.
func NewRendering(input runner.ToolInput) (runner.Tool, error) {
	b, err := newBase(input)
	if err != nil {
		return nil, err
	}
	return &Rendering{base: b}, nil
}

// Run scores how much of the visible text only exists after scripts run.
func (t *Rendering) Run(ctx context.Context) error {
	rendered, err := t.document(ctx)
	if err != nil {
		return err
	}
	var source string
	if err := t.input.Page.Evaluate(ctx, fetchSourceScript, &source); err != nil {
		return fmt.Errorf("fetch document source: %w", err)
	}
	served, err := goquery.NewDocumentFromReader(strings.NewReader(source))
	if err != nil {
		return fmt.Errorf("parse document source: %w", err)
	}

	renderedWords := len(strings.Fields(textWithoutScripts(rendered)))
	servedWords := len(strings.Fields(textWithoutScripts(served)))
	res := runner.Result{
		UniqueName:  "rendering-server-content",
		Title:       "Content available without JavaScript",
		Description: "Share of the rendered text that is already present in the HTML sent by the server.",
		Weight:      1,
		Score:       min(ratio(servedWords, renderedWords), 1),
		Table: [][]string{
			{"Source", "Words"},
			{"Server HTML", fmt.Sprint(servedWords)},
			{"Rendered page", fmt.Sprint(renderedWords)},
		},
	}

	body := []byte(source)
	var signals []string
	if len(bytes.TrimSpace(body)) == 0 {
		signals = append(signals, "the server returned an empty document")
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			signals = append(signals, fmt.Sprintf("single-page application marker %q", marker))
		}
	}
	if pct := scriptCoverage(body); pct >= 25 {
		signals = append(signals, fmt.Sprintf("scripts make up %d%% of the server HTML", pct))
	}
	res.Snippets = signals
	if res.Score < 0.8 {
		res.Recommendations = []string{
			"Render the main content on the server so crawlers and users without JavaScript can read it.",
		}
	}
	t.results = []runner.Result{res}
	return nil
}

func textWithoutScripts(doc *goquery.Document) string {
	body := doc.Find("body")
	body.Find("script, style, noscript, template").Remove()
	return body.Text()
}

// scriptCoverage returns the percentage of body bytes inside <script> elements.
// An unterminated script counts through the end of the document.
func scriptCoverage(body []byte) int {
	lower := bytes.ToLower(body)
	total := len(lower)
	if total == 0 {
		return 0
	}
	openTag, closeTag := []byte("<script"), []byte("</script>")
	covered, pos := 0, 0
	for {
		rel := bytes.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := bytes.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		end := total
		if relEnd := bytes.Index(lower[contentStart:], closeTag); relEnd != -1 {
			end = contentStart + relEnd + len(closeTag)
		}
		covered += end - start
		pos = end
	}
	return covered * 100 / total
}
