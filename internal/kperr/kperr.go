// Package kperr defines the error kinds shared by the matching engine.
//
// Every failure that crosses a component boundary is an [*Error] carrying a
// [Kind] and the pipeline stage that produced it. Callers match kinds with
// [errors.Is] against the exported sentinels and recover the stage with
// [errors.As]:
//
//	if errors.Is(err, kperr.ErrRerankUnavailable) { ... }
//
//	var e *kperr.Error
//	if errors.As(err, &e) { log.Warn("stage failed", "stage", e.Stage) }
package kperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind int

const (
	// KindLoad means the knowledge source could not be read or parsed.
	KindLoad Kind = iota + 1
	// KindBuild means the vector index could not be built.
	KindBuild
	// KindQuery means a search request was malformed for the index.
	KindQuery
	// KindInvalidArgument means a caller supplied out-of-range parameters.
	KindInvalidArgument
	// KindRerankUnavailable means the second-stage scorer failed.
	KindRerankUnavailable
	// KindTimeout means a configured deadline expired.
	KindTimeout
	// KindPersistence means the persisted index could not be written or read.
	KindPersistence
	// KindEmbedding means the embedding provider failed.
	KindEmbedding
)

// Stage names used across the engine.
const (
	StageLoad       = "load"
	StageBuild      = "build"
	StagePersist    = "persist"
	StagePreprocess = "preprocess"
	StageEmbed      = "embed"
	StageSearch     = "search"
	StageRerank     = "rerank"
)

func (k Kind) String() string {
	switch k {
	case KindLoad:
		return "load"
	case KindBuild:
		return "build"
	case KindQuery:
		return "query"
	case KindInvalidArgument:
		return "invalid argument"
	case KindRerankUnavailable:
		return "rerank unavailable"
	case KindTimeout:
		return "timeout"
	case KindPersistence:
		return "persistence"
	case KindEmbedding:
		return "embedding"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// kindError is the sentinel type matched by [Error.Is].
type kindError struct{ kind Kind }

func (k *kindError) Error() string { return k.kind.String() + " error" }

// Sentinels for errors.Is matching. They are never returned directly.
var (
	ErrLoad              error = &kindError{KindLoad}
	ErrBuild             error = &kindError{KindBuild}
	ErrQuery             error = &kindError{KindQuery}
	ErrInvalidArgument   error = &kindError{KindInvalidArgument}
	ErrRerankUnavailable error = &kindError{KindRerankUnavailable}
	ErrTimeout           error = &kindError{KindTimeout}
	ErrPersistence       error = &kindError{KindPersistence}
	ErrEmbedding         error = &kindError{KindEmbedding}
)

// Error is an engine failure tagged with its kind and stage.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Stage is the pipeline step that failed, e.g. "embed" or "rerank".
	Stage string
	// Err is the underlying cause. May be nil.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(*kindError)
	return ok && k.kind == e.Kind
}

// New returns an [*Error] of the given kind wrapping err.
func New(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Newf is like [New] with a formatted cause.
func Newf(kind Kind, stage, format string, args ...any) *Error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// FromContext maps an error observed while ctx was active. A deadline expiry
// becomes [KindTimeout]; anything else is tagged with fallback. Errors that
// already carry a kind are returned unchanged.
func FromContext(ctx context.Context, stage string, fallback Kind, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return New(KindTimeout, stage, err)
	}
	return New(fallback, stage, err)
}

// KindOf returns the kind of err, or 0 when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// StageOf returns the stage of err, or "" when err carries none.
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}
