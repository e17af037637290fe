package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the page OCR worker
 *
 * Every fatal job failure is a ProcessingError built by one of the factories
 * below. Cancellation is not an error and never produces one.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Submission errors
	ErrorInputInvalid ErrorCode = "INPUT_INVALID"

	// Pipeline errors
	ErrorRenderFailed      ErrorCode = "RENDER_FAILED"
	ErrorRecognitionFailed ErrorCode = "RECOGNITION_FAILED"
	ErrorMaskSampleFailed  ErrorCode = "MASK_SAMPLE_FAILED"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
)

// NoPage marks errors not tied to a page
const NoPage = -1

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     int64
	PageIndex int
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// CodeOf returns the code of the first ProcessingError in err's chain, or ""
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Factory functions for common errors

func NewInputError(jobID int64, reason string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInputInvalid,
		Message:   fmt.Sprintf("Invalid submission: %s", reason),
		JobID:     jobID,
		PageIndex: NoPage,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"reason": reason,
		},
	}
}

func NewRenderError(jobID int64, pageIndex int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRenderFailed,
		Message:   fmt.Sprintf("Failed to render page %d", pageIndex),
		JobID:     jobID,
		PageIndex: pageIndex,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewRecognitionError(jobID int64, pageIndex int, attempts int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRecognitionFailed,
		Message:   fmt.Sprintf("Recognition failed on page %d", pageIndex),
		JobID:     jobID,
		PageIndex: pageIndex,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"attempts": attempts,
		},
		Cause: cause,
	}
}

func NewMaskSampleError(pageIndex int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorMaskSampleFailed,
		Message:   fmt.Sprintf("Mask sampling failed on page %d", pageIndex),
		PageIndex: pageIndex,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewStorageFailedError(jobID int64, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store job record",
		JobID:     jobID,
		PageIndex: NoPage,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// ToMap converts error to map for event payloads and database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}
	if e.JobID != 0 {
		result["job_id"] = e.JobID
	}
	if e.PageIndex != NoPage {
		result["page_index"] = e.PageIndex
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
