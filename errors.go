package kgraph

import (
	"errors"

	"github.com/aaronsb/knowledge-graph-system-sub013/graph"
	"github.com/aaronsb/knowledge-graph-system-sub013/llm"
	"github.com/aaronsb/knowledge-graph-system-sub013/parser"
	"github.com/aaronsb/knowledge-graph-system-sub013/queue"
	"github.com/aaronsb/knowledge-graph-system-sub013/store"
)

// Subsystem sentinels re-exported so callers can match errors against this
// package alone.
var (
	// ErrNotFound means a concept, source, job, or config does not exist.
	ErrNotFound = store.ErrNotFound

	// ErrDimensionMismatch means a vector's dimension differs from the
	// active embedding configuration's dimension.
	ErrDimensionMismatch = store.ErrDimensionMismatch

	// ErrConfigProtected means an embedding config operation was blocked
	// by a delete or change protection flag.
	ErrConfigProtected = store.ErrConfigProtected

	// ErrAuthFailure means a provider rejected credentials. Never
	// retried; fails the job immediately.
	ErrAuthFailure = llm.ErrAuth

	// ErrProviderUnavailable means an LLM or embedding provider is
	// unreachable. Jobs retry this with backoff.
	ErrProviderUnavailable = llm.ErrUnavailable

	// ErrMalformedExtraction means the extraction model output could not
	// be parsed after the retry budget was exhausted.
	ErrMalformedExtraction = graph.ErrMalformed

	// ErrJobState means a transition the job state machine does not
	// permit.
	ErrJobState = queue.ErrBadTransition

	// ErrDuplicateJob means an active job already covers the same content
	// and ontology.
	ErrDuplicateJob = queue.ErrDuplicate

	// ErrUnsupportedFormat means no parser handles the file's format.
	ErrUnsupportedFormat = parser.ErrUnsupported
)

var (
	// ErrInvalidInput is returned for malformed submissions or parameters.
	ErrInvalidInput = errors.New("kgraph: invalid input")

	// ErrOntologyExists is returned by Import without merge when the
	// target ontology already holds sources.
	ErrOntologyExists = errors.New("kgraph: ontology already exists")
)
