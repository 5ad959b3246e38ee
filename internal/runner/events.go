package runner

import "sync"

// EventCollector accumulates console and network messages for one navigation.
// The browser writes to it from its event goroutine while a tool may read it,
// so all access is synchronized.
type EventCollector struct {
	mu       sync.Mutex
	errors   []string
	warnings []string
	others   []string
}

// ConsoleMessages is an immutable copy of a collector's contents.
type ConsoleMessages struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
	Others   []string `json:"others"`
}

// NewEventCollector returns an empty collector.
func NewEventCollector() *EventCollector {
	return &EventCollector{}
}

// AddError records a console error, page error, or failed network request.
func (c *EventCollector) AddError(msg string) {
	c.mu.Lock()
	c.errors = append(c.errors, msg)
	c.mu.Unlock()
}

// AddWarning records a console warning.
func (c *EventCollector) AddWarning(msg string) {
	c.mu.Lock()
	c.warnings = append(c.warnings, msg)
	c.mu.Unlock()
}

// AddOther records any other console message.
func (c *EventCollector) AddOther(msg string) {
	c.mu.Lock()
	c.others = append(c.others, msg)
	c.mu.Unlock()
}

// Snapshot copies the collected messages.
func (c *EventCollector) Snapshot() ConsoleMessages {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConsoleMessages{
		Errors:   append([]string{}, c.errors...),
		Warnings: append([]string{}, c.warnings...),
		Others:   append([]string{}, c.others...),
	}
}
