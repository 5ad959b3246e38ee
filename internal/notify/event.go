package notify

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

// Kind names a notification payload type.
type Kind string

// Payload kinds.
const (
	KindToolSuccess    Kind = "toolSuccess"
	KindToolError      Kind = "toolError"
	KindDeveloperError Kind = "developerError"
)

// Event is one outcome notification.
type Event struct {
	ID      string          `json:"id"`
	Type    Kind            `json:"type"`
	Request runner.Request  `json:"request"`
	Success *bool           `json:"success,omitempty"`
	Results []runner.Result `json:"results,omitempty"`
	// ProcessingTime is in milliseconds.
	ProcessingTime *int64 `json:"processingTime,omitempty"`
	Message        string `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
}

// SuccessEvent describes a request that produced valid results.
func SuccessEvent(req runner.Request, results []runner.Result, took time.Duration) Event {
	ok := true
	ms := took.Milliseconds()
	if results == nil {
		results = []runner.Result{}
	}
	return Event{Type: KindToolSuccess, Request: req, Success: &ok, Results: results, ProcessingTime: &ms}
}

// ErrorEvent describes a failed request in terms fit for the submitter.
func ErrorEvent(req runner.Request, message string) Event {
	ok := false
	return Event{Type: KindToolError, Request: req, Success: &ok, Error: message}
}

// DeveloperEvent describes a failure for the tool's maintainer.
func DeveloperEvent(req runner.Request, message string, detail error) Event {
	ev := Event{Type: KindDeveloperError, Request: req, Message: message}
	if detail != nil {
		ev.Error = detail.Error()
	}
	return ev
}

// Form encodes the event as the webhook's form body. Nested values are JSON strings.
func (e Event) Form() (url.Values, error) {
	request, err := json.Marshal(e.Request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	form := url.Values{}
	form.Set("type", string(e.Type))
	form.Set("request", string(request))
	if e.Success != nil {
		form.Set("success", strconv.FormatBool(*e.Success))
	}
	if e.Results != nil {
		results, err := json.Marshal(e.Results)
		if err != nil {
			return nil, fmt.Errorf("marshal results: %w", err)
		}
		form.Set("results", string(results))
	}
	if e.ProcessingTime != nil {
		form.Set("processingTime", strconv.FormatInt(*e.ProcessingTime, 10))
	}
	if e.Message != "" {
		form.Set("message", e.Message)
	}
	if e.Error != "" {
		form.Set("error", e.Error)
	}
	return form, nil
}
