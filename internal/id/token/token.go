// Package token generates identifiers for running service instances.
package token

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

// Generator creates worker identities.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewWorkerID returns a random 32-character hex identity. Every process
// generates one at startup; it is written to processed_by on claim.
func (Generator) NewWorkerID() (runner.WorkerID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate worker id: %w", err)
	}
	return runner.WorkerID(strings.ReplaceAll(id.String(), "-", "")), nil
}

// NewTraceID returns a UUIDv7 string, sortable by creation time.
func (Generator) NewTraceID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
