package config

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a validation issue.
type Kind string

const (
	KindSyntax              Kind = "syntax"
	KindMissingKey          Kind = "missing_key"
	KindUnknownKey          Kind = "unknown_key"
	KindTypeMismatch        Kind = "type_mismatch"
	KindCrossFieldInvariant Kind = "cross_field_invariant"
	KindUnknownEnumValue    Kind = "unknown_enum_value"
	KindRange               Kind = "range"
)

var (
	ErrSyntax              = errors.New("config syntax error")
	ErrMissingKey          = errors.New("missing key")
	ErrUnknownKey          = errors.New("unknown key")
	ErrTypeMismatch        = errors.New("type mismatch")
	ErrCrossFieldInvariant = errors.New("cross-field invariant violated")
	ErrUnknownEnumValue    = errors.New("unknown enum value")
	ErrRange               = errors.New("value out of range")
)

func (k Kind) sentinel() error {
	switch k {
	case KindSyntax:
		return ErrSyntax
	case KindMissingKey:
		return ErrMissingKey
	case KindUnknownKey:
		return ErrUnknownKey
	case KindTypeMismatch:
		return ErrTypeMismatch
	case KindCrossFieldInvariant:
		return ErrCrossFieldInvariant
	case KindUnknownEnumValue:
		return ErrUnknownEnumValue
	case KindRange:
		return ErrRange
	default:
		return nil
	}
}

// Issue is one problem found while validating a document. Path is the
// dotted key path, with [i] for sequence elements.
type Issue struct {
	Path   string `json:"path"`
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason"`
}

func (i Issue) Error() string {
	path := i.Path
	if path == "" {
		path = "<document>"
	}
	return fmt.Sprintf("%s: %s", path, i.Reason)
}

func (i Issue) Unwrap() error {
	return i.Kind.sentinel()
}

// Error aggregates every issue found in a document. Load never returns a
// configuration together with an Error.
type Error struct {
	Issues []Issue
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Error())
	}
	return fmt.Sprintf("invalid configuration (%d issues): %s", len(e.Issues), strings.Join(parts, "; "))
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, len(e.Issues))
	for _, issue := range e.Issues {
		errs = append(errs, issue)
	}
	return errs
}

// ByKind returns the issues of the given kind in detection order.
func (e *Error) ByKind(kind Kind) []Issue {
	var out []Issue
	for _, issue := range e.Issues {
		if issue.Kind == kind {
			out = append(out, issue)
		}
	}
	return out
}

// Lookup returns the first issue reported at path.
func (e *Error) Lookup(path string) (Issue, bool) {
	for _, issue := range e.Issues {
		if issue.Path == path {
			return issue, true
		}
	}
	return Issue{}, false
}
