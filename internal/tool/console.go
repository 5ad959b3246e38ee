package tool

import (
	"context"
	"fmt"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

const maxSnippets = 20

// Console reports what the browser logged while the page loaded.
type Console struct {
	base
}

// NewConsole builds the console tool.
func NewConsole(input runner.ToolInput) (runner.Tool, error) {
	b, err := newBase(input)
	if err != nil {
		return nil, err
	}
	return &Console{base: b}, nil
}

// Run reads the collected events.
func (t *Console) Run(context.Context) error {
	msgs := t.input.Events.Snapshot()
	errs := runner.Result{
		UniqueName:  "console-errors",
		Title:       "Console errors",
		Description: "JavaScript errors and failed requests logged while the page loaded.",
		Weight:      0.7,
		Score:       boolScore(len(msgs.Errors) == 0),
		Snippets:    limit(msgs.Errors),
	}
	if len(msgs.Errors) > 0 {
		errs.Recommendations = []string{fmt.Sprintf("Fix the %d error(s) logged in the browser console.", len(msgs.Errors))}
	}
	warns := runner.Result{
		UniqueName:  "console-warnings",
		Title:       "Console warnings",
		Description: "Warnings logged in the browser console while the page loaded.",
		Weight:      0.3,
		Score:       boolScore(len(msgs.Warnings) == 0),
		Snippets:    limit(msgs.Warnings),
	}
	if len(msgs.Warnings) > 0 {
		warns.Recommendations = []string{fmt.Sprintf("Review the %d warning(s) logged in the browser console.", len(msgs.Warnings))}
	}
	t.results = []runner.Result{errs, warns}
	return nil
}

func limit(in []string) []string {
	if len(in) <= maxSnippets {
		return in
	}
	return in[:maxSnippets]
}
