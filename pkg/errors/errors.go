package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Error is a coded error carrying the capture-site stack and an
// optional wrapped cause.
type Error struct {
	Stack      []runtime.Frame
	InnerError error
	Code       int
	Message    string
}

func (e *Error) Error() string {
	if e.InnerError == nil {
		return fmt.Sprintf("code %d message %s", e.Code, e.Message)
	}
	return fmt.Sprintf("code %d message %s: %s", e.Code, e.Message, e.InnerError.Error())
}

func (e *Error) Unwrap() error {
	return e.InnerError
}

// GetTopStackString returns the first captured frame as "file:line func".
func (e *Error) GetTopStackString() string {
	if len(e.Stack) == 0 {
		return ""
	}
	frame := e.Stack[0]
	funcName := ""
	if frame.Func != nil {
		funcName = frame.Func.Name()
	}
	funcNames := strings.Split(funcName, "/")
	if len(funcNames) > 0 {
		funcName = funcNames[len(funcNames)-1]
	}
	return fmt.Sprintf("%s:%d %s", frame.File, frame.Line, funcName)
}

func (e *Error) WithCode(code int) *Error {
	e.Code = code
	return e
}

func (e *Error) WithMessage(message string) *Error {
	e.Message = message
	return e
}

func (e *Error) WithMessagef(message string, args ...interface{}) *Error {
	e.Message = fmt.Sprintf(message, args...)
	return e
}

func (e *Error) WithError(err error) *Error {
	e.InnerError = err
	return e
}

// GetErrorCode extracts the code from a coded error anywhere in the
// chain, 0 for uncoded errors.
func GetErrorCode(err error) int {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	return 0
}

func NewError() *Error {
	return newError(2)
}

func WrapError(err error, message string, code int) *Error {
	return newError(2).WithCode(code).WithMessage(message).WithError(err)
}

func newError(callerSkip int) *Error {
	return &Error{
		Stack: callers(callerSkip),
	}
}

func callers(callerSkip int) []runtime.Frame {
	rpc := make([]uintptr, 10)
	result := []runtime.Frame{}
	n := runtime.Callers(callerSkip+2, rpc)
	if n < 1 {
		return result
	}
	frames := runtime.CallersFrames(rpc)
	for frame, more := frames.Next(); more; {
		result = append(result, frame)
		frame, more = frames.Next()
	}
	return result
}
