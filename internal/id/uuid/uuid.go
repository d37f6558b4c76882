// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// alertNamespace scopes deterministic alert dedupe keys.
var alertNamespace = uuid.MustParse("8f0c5a2e-4b8d-4f6e-9c51-3d2a7b1e6f90")

// Generator creates UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// DedupeKey derives a stable name-based UUID from parts, so the same
// (provenance, rule, item) tuple always yields the same key.
func DedupeKey(parts ...string) string {
	return uuid.NewSHA1(alertNamespace, []byte(strings.Join(parts, "\x1f"))).String()
}
