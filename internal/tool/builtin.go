package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

// Builtins returns the tools compiled into the service.
func Builtins() []Descriptor {
	return []Descriptor{
		{
			Name:        "seo",
			Description: "Checks titles, meta descriptions, headings, image alt text, and document language.",
			Keywords:    []string{Marker, "seo"},
			Factory:     NewSEO,
		},
		{
			Name:        "console",
			Description: "Reports console errors, warnings, and failed network requests raised while loading the page.",
			Keywords:    []string{Marker, "console"},
			Factory:     NewConsole,
		},
		{
			Name:        "rendering",
			Description: "Flags pages whose content depends on client-side rendering.",
			Keywords:    []string{Marker, "javascript"},
			Factory:     NewRendering,
		},
	}
}

// base carries what every built-in tool needs.
type base struct {
	input   runner.ToolInput
	results []runner.Result
}

func newBase(input runner.ToolInput) (base, error) {
	if input.Page == nil {
		return base{}, errors.New("tool requires a page")
	}
	if input.Events == nil {
		input.Events = runner.NewEventCollector()
	}
	return base{input: input}, nil
}

func (b *base) Results() []runner.Result { return b.results }

func (b *base) Cleanup(context.Context) error { return nil }

func (b *base) document(ctx context.Context) (*goquery.Document, error) {
	html, err := b.input.Page.HTML(ctx)
	if err != nil {
		return nil, fmt.Errorf("read page html: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page html: %w", err)
	}
	return doc, nil
}

func ratio(good, total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(good) / float64(total)
}

func boolScore(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
