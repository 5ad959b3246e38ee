package runner

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Call sites wrap them with context; callers classify with errors.Is.
var (
	// ErrInvalidRequest marks a malformed submission (missing or bad url/tool).
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnknownTool marks a tool identifier absent from the registry.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrCapacityExhausted means the browser cannot grant another page/context.
	ErrCapacityExhausted = errors.New("browser capacity exhausted")
	// ErrPageLoad means navigation failed after every attempt or returned a non-2xx status.
	ErrPageLoad = errors.New("page load failed")
	// ErrToolExecution marks an error raised by a tool's run phase.
	ErrToolExecution = errors.New("tool execution failed")
	// ErrResultValidation marks results that violate the results schema.
	ErrResultValidation = errors.New("tool results are invalid")
	// ErrCleanup marks an error raised by a tool's cleanup phase.
	ErrCleanup = errors.New("tool cleanup failed")
	// ErrNotificationDelivery marks a webhook that could not be delivered.
	ErrNotificationDelivery = errors.New("notification delivery failed")
	// ErrStorage marks a failed call to the request store.
	ErrStorage = errors.New("storage error")
)

// RequestError is a request-scoped failure. Message is safe to show to the
// submitter; Detail carries the underlying cause for the tool's maintainer.
type RequestError struct {
	Kind    error
	Message string
	Detail  error
}

// NewRequestError builds a RequestError of the given kind.
func NewRequestError(kind error, message string, detail error) *RequestError {
	return &RequestError{Kind: kind, Message: message, Detail: detail}
}

func (e *RequestError) Error() string {
	if e.Detail == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Detail)
}

// Unwrap exposes both the kind and the detail to errors.Is/As.
func (e *RequestError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Detail != nil {
		out = append(out, e.Detail)
	}
	return out
}

// ValidationError lists the schema violations found in a tool's results.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%d result violation(s): %s", len(e.Violations), strings.Join(e.Violations, "; "))
}

// Unwrap ties the error to ErrResultValidation.
func (e *ValidationError) Unwrap() error {
	return ErrResultValidation
}
