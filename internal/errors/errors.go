// Package errors provides structured error types for the benchmark orchestrator.
// All errors include a category, code, message, and retryable flag so that each
// stage can decide whether a failure degrades, abandons, or is merely logged.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by orchestration stage.
type ErrorCategory string

const (
	ErrCategoryAcquisition  ErrorCategory = "ACQUISITION"
	ErrCategoryPartitioning ErrorCategory = "PARTITIONING"
	ErrCategoryExecution    ErrorCategory = "EXECUTION"
	ErrCategoryParsing      ErrorCategory = "PARSING"
	ErrCategoryRecording    ErrorCategory = "RECORDING"
	ErrCategoryCleanup      ErrorCategory = "CLEANUP"
	ErrCategoryValidation   ErrorCategory = "VALIDATION"
	ErrCategoryInternal     ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Acquisition codes
	CodeDatasetFailed = "DATASET_FAILED"
	CodeQueriesFailed = "QUERIES_FAILED"

	// Partitioning codes
	CodePartitionerFailed = "PARTITIONER_FAILED"
	CodeNoPartitions      = "NO_PARTITIONS"

	// Execution codes
	CodeEngineFailed      = "ENGINE_FAILED"
	CodeExecutionTimeout  = "EXECUTION_TIMEOUT"
	CodeOutputTooShort    = "OUTPUT_TOO_SHORT"
	CodeEngineUnavailable = "ENGINE_UNAVAILABLE"
	CodeEngineFatalExit   = "ENGINE_FATAL_EXIT"
	CodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	CodeCanceled          = "CANCELED"

	// Parsing codes
	CodeMalformedOutput   = "MALFORMED_OUTPUT"
	CodeCounterUnreadable = "COUNTER_UNREADABLE"
	CodeNoPartitionFiles  = "NO_PARTITION_FILES"

	// Recording codes
	CodeWriteFailed   = "WRITE_FAILED"
	CodeArchiveFailed = "ARCHIVE_FAILED"

	// Cleanup codes
	CodeUnsafePath   = "UNSAFE_PATH"
	CodeDeleteFailed = "DELETE_FAILED"

	// Validation codes
	CodeInvalidConfig     = "INVALID_CONFIG"
	CodeUnknownDataset    = "UNKNOWN_DATASET"
	CodeInvalidTransition = "INVALID_TRANSITION"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// BenchError is the structured error type used throughout the orchestrator.
type BenchError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *BenchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *BenchError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *BenchError) Is(target error) bool {
	var t *BenchError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new BenchError.
func New(category ErrorCategory, code, message string) *BenchError {
	return &BenchError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new BenchError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *BenchError {
	return &BenchError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *BenchError) WithDetails(details map[string]interface{}) *BenchError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var be *BenchError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a BenchError.
func GetCategory(err error) ErrorCategory {
	var be *BenchError
	if errors.As(err, &be) {
		return be.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a BenchError.
func GetCode(err error) string {
	var be *BenchError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// isRetryable determines whether a fresh attempt may succeed. Only transient
// engine failures qualify; everything else is either degraded or fatal.
func isRetryable(category ErrorCategory, code string) bool {
	if category != ErrCategoryExecution {
		return false
	}
	switch code {
	case CodeEngineFailed, CodeExecutionTimeout, CodeOutputTooShort:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewAcquisitionError(code, message string, cause error) *BenchError {
	return Wrap(ErrCategoryAcquisition, code, message, cause)
}

func NewPartitioningError(code, message string, cause error) *BenchError {
	return Wrap(ErrCategoryPartitioning, code, message, cause)
}

func NewExecutionError(code, message string, cause error) *BenchError {
	return Wrap(ErrCategoryExecution, code, message, cause)
}

func NewParsingError(code, message string, cause error) *BenchError {
	return Wrap(ErrCategoryParsing, code, message, cause)
}

func NewRecordingError(code, message string, cause error) *BenchError {
	return Wrap(ErrCategoryRecording, code, message, cause)
}

func NewCleanupError(code, message string, cause error) *BenchError {
	return Wrap(ErrCategoryCleanup, code, message, cause)
}

func NewValidationError(code, message string) *BenchError {
	return New(ErrCategoryValidation, code, message)
}

func NewInternalError(message string, cause error) *BenchError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
