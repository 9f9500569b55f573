package types

import (
	"errors"
	"fmt"
)

// ErrorKind enumerates the failure taxonomy surfaced on public call paths.
type ErrorKind string

const (
	ErrBlocked            ErrorKind = "blocked"
	ErrRateLimited        ErrorKind = "rate_limited"
	ErrExtractionEmpty    ErrorKind = "extraction_empty"
	ErrExtractionMismatch ErrorKind = "extraction_mismatch"
	ErrLLMUnavailable     ErrorKind = "llm_unavailable"
	ErrTimeout            ErrorKind = "timeout"
	ErrQuarantined        ErrorKind = "quarantined"
	ErrCancelled          ErrorKind = "cancelled"
)

// BlockType classifies an anti-bot response.
type BlockType string

const (
	BlockCaptcha      BlockType = "captcha"
	BlockBotDetection BlockType = "bot_detection"
	BlockRedirect     BlockType = "redirect_block"
	BlockHTTP403      BlockType = "http_403"
	BlockHTTP418      BlockType = "http_418"
	BlockSoft         BlockType = "soft_block"
)

// ResearchError is the structured error used across component boundaries.
// Recoverable kinds are handled locally; only terminal states bubble to the
// caller.
type ResearchError struct {
	Kind      ErrorKind
	Scope     string // engine name, domain, or subsystem
	BlockKind BlockType
	Err       error
}

func (e *ResearchError) Error() string {
	switch {
	case e.Kind == ErrBlocked && e.BlockKind != "":
		return fmt.Sprintf("%s(%s, %s)", e.Kind, e.Scope, e.BlockKind)
	case e.Scope != "":
		return fmt.Sprintf("%s(%s)", e.Kind, e.Scope)
	default:
		return string(e.Kind)
	}
}

func (e *ResearchError) Unwrap() error { return e.Err }

// NewError builds a ResearchError for the given kind and scope.
func NewError(kind ErrorKind, scope string, err error) *ResearchError {
	return &ResearchError{Kind: kind, Scope: scope, Err: err}
}

// NewBlockedError builds a blocked() error with its block type.
func NewBlockedError(scope string, bt BlockType, err error) *ResearchError {
	return &ResearchError{Kind: ErrBlocked, Scope: scope, BlockKind: bt, Err: err}
}

// KindOf returns the ErrorKind carried by err, or "" when err is not a
// ResearchError.
func KindOf(err error) ErrorKind {
	var re *ResearchError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
