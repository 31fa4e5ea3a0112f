// Package womerror defines the error kinds raised by the workflow engine.
//
// Every error that crosses a package boundary carries a Kind, a short cause,
// and a longer context naming the rule, key, or path involved. Kinds map to
// distinct CLI exit codes.
package womerror

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error.
type Kind int

const (
	// KindUnknown is the zero value; never constructed deliberately.
	KindUnknown Kind = iota

	// FileNotFound: a declared file is missing on disk.
	FileNotFound

	// GrammarViolation: the definition document does not match the grammar.
	GrammarViolation

	// DuplicateKey: a mapping in the definition repeats a key.
	DuplicateKey

	// DuplicateRule: two rules share the same name.
	DuplicateRule

	// ToolNotFound: a tool or table model identifier is not registered.
	ToolNotFound

	// ToolContract: a registered tool violates the Tool contract.
	ToolContract

	// ContentViolation: bound inputs/outputs/params do not match the
	// tool's declared shape.
	ContentViolation

	// UndeclaredAccess: a rule body asked for a name it never declared.
	UndeclaredAccess

	// CyclicWorkflow: the bound rule graph contains a cycle.
	CyclicWorkflow

	// ExecutionFailure: a rule callback returned an error or panicked.
	ExecutionFailure

	// PersistenceFailure: the relational store failed; fatal to the run.
	PersistenceFailure
)

func (k Kind) String() string {
	switch k {
	case FileNotFound:
		return "FileNotFound"
	case GrammarViolation:
		return "GrammarViolation"
	case DuplicateKey:
		return "DuplicateKey"
	case DuplicateRule:
		return "DuplicateRule"
	case ToolNotFound:
		return "ToolNotFound"
	case ToolContract:
		return "ToolContract"
	case ContentViolation:
		return "ContentViolation"
	case UndeclaredAccess:
		return "UndeclaredAccess"
	case CyclicWorkflow:
		return "CyclicWorkflow"
	case ExecutionFailure:
		return "ExecutionFailure"
	case PersistenceFailure:
		return "PersistenceFailure"
	default:
		return "Unknown"
	}
}

// ExitCode returns the CLI exit code for the kind. Codes are stable: scripts
// key off them.
func (k Kind) ExitCode() int {
	switch k {
	case FileNotFound:
		return 10
	case GrammarViolation:
		return 11
	case DuplicateKey:
		return 12
	case DuplicateRule:
		return 13
	case ToolNotFound:
		return 14
	case ToolContract:
		return 15
	case ContentViolation:
		return 16
	case UndeclaredAccess:
		return 17
	case CyclicWorkflow:
		return 18
	case ExecutionFailure:
		return 19
	case PersistenceFailure:
		return 20
	default:
		return 1
	}
}

// Error is the concrete error type used across the engine.
type Error struct {
	Kind    Kind
	Msg     string // short cause
	Context string // rule name, offending key, file path
	Err     error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	s := e.Kind.String() + ": " + e.Msg
	if e.Context != "" {
		s += " (" + e.Context + ")"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error wrapping a cause.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithContext returns a copy of the error carrying extra context.
func (e *Error) WithContext(format string, args ...any) *Error {
	dup := *e
	dup.Context = fmt.Sprintf(format, args...)
	return &dup
}

// KindOf extracts the Kind from an error chain, or KindUnknown.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindUnknown
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
