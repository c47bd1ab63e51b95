// Package builderr classifies the failures a giftstick run can end with.
package builderr

import (
	"context"
	"errors"
	"fmt"
)

// Kind separates the failure classes the pipeline reports differently.
type Kind int

const (
	// KindInternal is any failure that was not classified more precisely.
	KindInternal Kind = iota
	// KindPrecondition is a missing package, a bad flag or insufficient space.
	// It is raised before any resource is acquired.
	KindPrecondition
	// KindTool is a failing external tool (mastering, formatting, loader install).
	KindTool
	// KindInterrupted is an operator interrupt or process termination.
	KindInterrupted
)

func (k Kind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindTool:
		return "tool"
	case KindInterrupted:
		return "interrupted"
	default:
		return "internal"
	}
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Precondition returns a KindPrecondition error with a remedial message.
func Precondition(format string, args ...any) error {
	return &Error{Kind: KindPrecondition, Message: fmt.Sprintf(format, args...)}
}

// Tool returns a KindTool error for the named external program.
func Tool(tool string, err error) error {
	return &Error{Kind: KindTool, Op: tool, Err: err}
}

// Interrupted wraps err as an interruption.
func Interrupted(op string, err error) error {
	return &Error{Kind: KindInterrupted, Op: op, Err: err}
}

// KindOf reports the class of err. Context cancellation anywhere in the chain
// counts as an interruption regardless of how it was wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	if errors.Is(err, context.Canceled) {
		return KindInterrupted
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
