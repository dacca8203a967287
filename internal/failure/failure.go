// Package failure defines the error kinds shared by the ingestion and search paths.
//
// Components wrap backend errors into a *Error carrying a Kind, so callers can
// branch on the kind (soft vs hard) without inspecting backend-specific errors.
package failure

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindExtraction          Kind = "extraction"
	KindAnalyzerUnavailable Kind = "analyzer_unavailable"
	KindAnalyzerResponse    Kind = "analyzer_response"
	KindEmbedding           Kind = "embedding"
	KindStore               Kind = "store"
	KindNotFound            Kind = "not_found"
	KindInvalid             Kind = "invalid"
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with kind. A nil err produces an error describing only the op.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Extraction(op string, err error) error          { return New(KindExtraction, op, err) }
func AnalyzerUnavailable(op string, err error) error { return New(KindAnalyzerUnavailable, op, err) }
func AnalyzerResponse(op string, err error) error    { return New(KindAnalyzerResponse, op, err) }
func Embedding(op string, err error) error           { return New(KindEmbedding, op, err) }
func Store(op string, err error) error               { return New(KindStore, op, err) }
func NotFound(op string, err error) error            { return New(KindNotFound, op, err) }
func Invalid(op string, err error) error             { return New(KindInvalid, op, err) }

// KindOf returns the kind of the outermost *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsAnalyzer reports whether err is one of the two analyzer kinds.
func IsAnalyzer(err error) bool {
	k := KindOf(err)
	return k == KindAnalyzerUnavailable || k == KindAnalyzerResponse
}
