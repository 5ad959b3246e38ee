// Package tool holds the analysis tool registry, the results validator, and
// the tools that ship with the service.
package tool

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

// Marker is the keyword a tool must declare to be dispatched.
const Marker = "toolrunner"

// Descriptor describes one installable tool.
type Descriptor struct {
	Name        string
	Description string
	Keywords    []string
	Factory     runner.ToolFactory
}

// Registry maps tool identifiers to factories.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Descriptor
	logger *zap.Logger
}

var _ runner.ToolRegistry = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{tools: make(map[string]Descriptor), logger: logger.Named("tools")}
}

// NewDefaultRegistry returns a registry holding the built-in tools.
func NewDefaultRegistry(logger *zap.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	for _, d := range Builtins() {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register installs d. A descriptor without the marker keyword is kept but
// never reported as valid.
func (r *Registry) Register(d Descriptor) error {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return errors.New("tool name is required")
	}
	if d.Factory == nil {
		return fmt.Errorf("tool %s has no factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s is already registered", name)
	}
	d.Name = name
	r.tools[name] = d
	if !hasMarker(d.Keywords) {
		r.logger.Warn("tool registered without marker keyword; it will be rejected",
			zap.String("tool", name),
			zap.String("marker", Marker),
		)
	}
	return nil
}

// IsValid reports whether name is installed and carries the marker keyword.
func (r *Registry) IsValid(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Lookup returns the factory for a valid tool.
func (r *Registry) Lookup(name string) (runner.ToolFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	if !ok || !hasMarker(d.Keywords) {
		return nil, false
	}
	return d.Factory, true
}

// Names lists the valid tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name, d := range r.tools {
		if hasMarker(d.Keywords) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func hasMarker(keywords []string) bool {
	return slices.ContainsFunc(keywords, func(k string) bool {
		return strings.EqualFold(strings.TrimSpace(k), Marker)
	})
}
