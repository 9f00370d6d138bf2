package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrInput indicates that a request was malformed before any work started
	ErrInput = errors.New("invalid request input")

	// ErrItem indicates that a single item was rejected by the application
	ErrItem = errors.New("item rejected")

	// ErrBridge indicates that a script failed to execute or produced unusable output
	ErrBridge = errors.New("bridge execution failed")

	// ErrTimeout indicates that a bridge invocation exceeded its allotted time
	ErrTimeout = errors.New("operation timed out")

	// ErrStore indicates that a cache or idempotency persistence operation failed
	ErrStore = errors.New("store operation failed")
)

// Machine-readable error codes carried by Error.Code.
const (
	CodeInput   = "INPUT_ERROR"
	CodeItem    = "ITEM_ERROR"
	CodeBridge  = "BRIDGE_ERROR"
	CodeTimeout = "TIMEOUT"
	CodeStore   = "STORE_ERROR"
)

// Error represents a structured Talos error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Talos error with an explicit code
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// newClassified wraps the class sentinel so errors.Is recognizes the class
// even when an underlying cause is attached.
func newClassified(code, message string, sentinel, err error) *Error {
	if err == nil {
		err = sentinel
	} else {
		err = fmt.Errorf("%w: %w", sentinel, err)
	}
	return NewError(code, message, err)
}

// NewInputError creates an error for a malformed request
func NewInputError(message string, err error) *Error {
	return newClassified(CodeInput, message, ErrInput, err)
}

// NewItemError creates an error for a single rejected item
func NewItemError(message string, err error) *Error {
	return newClassified(CodeItem, message, ErrItem, err)
}

// NewBridgeError creates an error for a wholesale script failure
func NewBridgeError(message string, err error) *Error {
	return newClassified(CodeBridge, message, ErrBridge, err)
}

// NewTimeoutError creates an error for an invocation that exceeded its deadline
func NewTimeoutError(message string, err error) *Error {
	return newClassified(CodeTimeout, message, ErrTimeout, err)
}

// NewStoreError creates an error for a failed persistence operation
func NewStoreError(message string, err error) *Error {
	return newClassified(CodeStore, message, ErrStore, err)
}

// IsInput checks if an error is a request-input error
func IsInput(err error) bool {
	return errors.Is(err, ErrInput)
}

// IsItem checks if an error is an item-level rejection
func IsItem(err error) bool {
	return errors.Is(err, ErrItem)
}

// IsBridge checks if an error is a wholesale bridge failure.
// Timeouts are a distinct class; callers that treat a timed-out chunk the
// same as a failed one must check IsTimeout as well.
func IsBridge(err error) bool {
	return errors.Is(err, ErrBridge)
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsStore checks if an error is a persistence error
func IsStore(err error) bool {
	return errors.Is(err, ErrStore)
}

// CodeOf returns the code of a structured error, or an empty string for
// errors that did not originate in this package
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
