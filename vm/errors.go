package vm

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is one of the closed set of tags every VM operation can fail with.
// Callers match on Code, never on the message text.
type Code string

const (
	ProgramAlreadyLoaded  Code = "ProgramAlreadyLoaded"
	NoProgram             Code = "NoProgram"
	IO                    Code = "IO"
	BadProgramImage       Code = "BadProgramImage"
	OutOfMemory           Code = "OutOfMemory"
	Halted                Code = "Halted"
	Panic                 Code = "Panic"
	IllegalInstruction    Code = "IllegalInstruction"
	IllegalAddress        Code = "IllegalAddress"
	CallStackUnderflow    Code = "CallStackUnderflow"
	CallStackOverflow     Code = "CallStackOverflow"
	AddressStackUnderflow Code = "AddressStackUnderflow"
	AddressStackOverflow  Code = "AddressStackOverflow"
	IllegalArgument       Code = "IllegalArgument"
	Fatal                 Code = "Fatal"

	// heapInUse is outside the closed set above. ReserveProgram returns it
	// unchanged (it is not folded into another code); its only caller,
	// LoadProgram, runs only while the VM is still NoProgram.
	heapInUse Code = "HeapInUse"
)

// Error is the concrete type behind every error this module returns.
type Error struct {
	Code Code
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// newErr builds a tagged error with a formatted message.
func newErr(code Code, format string, args ...any) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...)}
}

// wrapErr builds a tagged error around a lower-level cause, the way moby's
// daemon layers wrap driver/filesystem errors while keeping a classifiable
// top-level code.
func wrapErr(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...), err: errors.WithStack(cause)}
}

// Is reports whether err (or something it wraps) carries the given Code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
