package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"strings"
	"syscall"
)

// ErrorCategory represents the type of error for handling purposes
type ErrorCategory int

const (
	// CategoryRetriable indicates the operation can be retried with exponential backoff
	CategoryRetriable ErrorCategory = iota
	// CategoryFatal indicates the operation should not be retried and requires intervention
	CategoryFatal
	// CategoryTransient indicates the operation can be retried immediately or after brief delay
	CategoryTransient
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryRetriable:
		return "retriable"
	case CategoryFatal:
		return "fatal"
	case CategoryTransient:
		return "transient"
	default:
		return "unknown"
	}
}

var (
	// ErrSourceUnavailable marks a failure to reach the archive at all
	ErrSourceUnavailable = errors.New("archive source unavailable")
	// ErrSinkUnavailable marks a failure to construct or connect the destination stream client
	ErrSinkUnavailable = errors.New("destination sink unavailable")
	// ErrSinkClosed is reported by sends issued after the sink was closed
	ErrSinkClosed = errors.New("sink closed")
)

// ClassifiedError wraps an error with its category and additional context
type ClassifiedError struct {
	Err      error
	Category ErrorCategory
	Message  string
	Metadata map[string]interface{}
}

func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return fmt.Sprintf("%s: %v", ce.Message, ce.Err)
	}
	return ce.Err.Error()
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// NewClassifiedError creates a new classified error with category
func NewClassifiedError(err error, category ErrorCategory, message string) *ClassifiedError {
	return &ClassifiedError{
		Err:      err,
		Category: category,
		Message:  message,
		Metadata: make(map[string]interface{}),
	}
}

// WithMetadata adds metadata to the classified error
func (ce *ClassifiedError) WithMetadata(key string, value interface{}) *ClassifiedError {
	ce.Metadata[key] = value
	return ce
}

// Fatal wraps err as a fatal classified error
func Fatal(err error, message string) *ClassifiedError {
	return NewClassifiedError(err, CategoryFatal, message)
}

// retriabler is implemented by client errors that know whether a retry can help,
// e.g. kafka.Error
type retriabler interface {
	IsRetriable() bool
}

// ClassifyError categorizes an error based on its type and characteristics
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return CategoryFatal
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Category
	}

	if errors.Is(err, ErrSinkClosed) || errors.Is(err, ErrSourceUnavailable) {
		return CategoryFatal
	}

	if errors.Is(err, ErrCircuitOpen) {
		return CategoryTransient
	}

	if errors.Is(err, context.Canceled) {
		return CategoryFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryRetriable
	}

	// A missing or unreadable archive object will not appear on retry
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return CategoryFatal
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return CategoryRetriable
	}

	var r retriabler
	if errors.As(err, &r) {
		if r.IsRetriable() {
			return CategoryRetriable
		}
		return CategoryFatal
	}

	// Errno also satisfies net.Error, so it is matched first
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return classifySyscallError(errno)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryRetriable
		}
		return CategoryTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection refused", "connection reset", "broken pipe",
		"no route to host", "network is unreachable", "no responders", "leader not available"):
		return CategoryRetriable
	case containsAny(msg, "invalid argument", "invalid syntax", "parse error",
		"unmarshal", "marshal", "authorization", "authentication"):
		return CategoryFatal
	case containsAny(msg, "timeout", "timed out", "deadline exceeded",
		"too many open files", "resource temporarily unavailable", "queue full"):
		return CategoryTransient
	}

	return CategoryRetriable
}

// classifySyscallError categorizes system call errors
func classifySyscallError(errno syscall.Errno) ErrorCategory {
	switch errno {
	case syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.ECONNABORTED,
		syscall.ENETUNREACH,
		syscall.EHOSTUNREACH,
		syscall.ETIMEDOUT,
		syscall.EPIPE:
		return CategoryRetriable

	case syscall.EAGAIN,
		syscall.EMFILE,
		syscall.ENFILE:
		return CategoryTransient

	case syscall.EINVAL,
		syscall.EACCES,
		syscall.EPERM,
		syscall.ENOENT,
		syscall.EEXIST:
		return CategoryFatal

	default:
		return CategoryRetriable
	}
}

// IsRetriable checks if an error can be retried
func IsRetriable(err error) bool {
	category := ClassifyError(err)
	return category == CategoryRetriable || category == CategoryTransient
}

// IsFatal checks if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return ClassifyError(err) == CategoryFatal
}

func containsAny(s string, substrings ...string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
