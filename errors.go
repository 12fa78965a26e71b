// Package ttsbridge holds the types shared by every layer of the speech
// bridge: the error taxonomy reported to clients and audio digests.
package ttsbridge

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The numeric value is the code reported in the
// `error` field of every API response.
type Kind int

const (
	KindSuccess Kind = iota
	// KindNoClientConfigured is reserved. The bridge client is a required
	// dependency so this code is never produced.
	KindNoClientConfigured
	KindBridgeTimeout
	KindBridgeUnreachable
	KindRegistrationFailed
	KindInternal
	KindBridgeTokenInvalid
	KindBridgeUnknown
	KindStoreUnavailable
	KindArtifactNotFound
	KindMissingRequiredField
	KindSynthesisFailed
	KindUnsupportedLanguage
)

var kindNames = map[Kind]string{
	KindSuccess:              "success",
	KindNoClientConfigured:   "no client configured",
	KindBridgeTimeout:        "bridge timeout",
	KindBridgeUnreachable:    "bridge unreachable",
	KindRegistrationFailed:   "registration failed",
	KindInternal:             "internal error",
	KindBridgeTokenInvalid:   "bridge token invalid",
	KindBridgeUnknown:        "bridge unknown error",
	KindStoreUnavailable:     "store unavailable",
	KindArtifactNotFound:     "artifact not found",
	KindMissingRequiredField: "missing required field",
	KindSynthesisFailed:      "synthesis failed",
	KindUnsupportedLanguage:  "unsupported language",
}

// Code returns the numeric wire code.
func (k Kind) Code() int { return int(k) }

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is an error annotated with its Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds an *Error. err may be nil when the kind says it all.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the Kind of the outermost *Error in err's chain.
// nil maps to KindSuccess and untyped errors to KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
