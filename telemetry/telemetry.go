// Package telemetry centralizes the engine's error taxonomy and logger
// construction, so every package logs through the same configuration
// instead of each wiring its own go.uber.org/zap instance.
package telemetry

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Kind enumerates the engine's recognized failure categories, so a caller
// can tell a recoverable failure from a fatal one (see Fatal) without
// string matching.
type Kind int

const (
	KindInsufficientFeatures Kind = iota
	KindMatchFailure
	KindDegenerateHomography
	KindFlowFailure
	KindDatabaseCorrupt
	KindStateInvariant
)

func (k Kind) String() string {
	switch k {
	case KindInsufficientFeatures:
		return "insufficient_features"
	case KindMatchFailure:
		return "match_failure"
	case KindDegenerateHomography:
		return "degenerate_homography"
	case KindFlowFailure:
		return "flow_failure"
	case KindDatabaseCorrupt:
		return "database_corrupt"
	case KindStateInvariant:
		return "state_invariant"
	default:
		return "unknown"
	}
}

// Fatal reports whether a failure of this kind should stop the engine
// rather than be recovered locally by the scheduler. Only a corrupt
// database or a broken state-machine invariant are unrecoverable; the
// rest are routine per-frame, per-target outcomes.
func (k Kind) Fatal() bool {
	return k == KindDatabaseCorrupt || k == KindStateInvariant
}

// Error is a typed engine error carrying its Kind alongside the usual
// wrapped cause, so callers can branch on Kind via errors.As instead of
// string-matching Error().
type Error struct {
	Kind   Kind
	TargetID string
	Cause  error
}

func (e *Error) Error() string {
	if e.TargetID != "" {
		return fmt.Sprintf("%s: target %s: %v", e.Kind, e.TargetID, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, targetID string, cause error) *Error {
	return &Error{Kind: kind, TargetID: targetID, Cause: cause}
}

// Is reports whether err, or an error it wraps, is an *Error of the given
// Kind. It looks the *Error up with errors.As and compares its Kind.
func Is(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// NewLogger builds the engine's structured logger. debug selects a
// development config (human-readable, debug level); otherwise a
// production JSON config is used for anything shipped onward.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
