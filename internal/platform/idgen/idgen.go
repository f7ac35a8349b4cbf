// Package idgen is the engine's ID source, wrapping google/uuid the way
// the teacher calls uuid.New().String() inline (internal/repository,
// internal/engine/executor/default.go) but behind an interface so tests
// can supply deterministic sequences.
package idgen

import (
	"strconv"

	"github.com/google/uuid"
)

// Generator produces new entity identifiers.
type Generator interface {
	New() string
}

// UUID is the production Generator.
type UUID struct{}

func (UUID) New() string { return uuid.New().String() }

// Sequence is a deterministic Generator for tests: it returns prefix+N for
// successive calls, starting at 1.
type Sequence struct {
	Prefix string
	n      int
}

func (s *Sequence) New() string {
	s.n++
	return s.Prefix + strconv.Itoa(s.n)
}
