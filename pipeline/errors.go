package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

type ErrorCode string

const (
	CodeValidationFailed          ErrorCode = "VALIDATION_FAILED"
	CodeAntivirusFailure          ErrorCode = "ANTIVIRUS_FAILURE"
	CodeSuspiciousFile            ErrorCode = "SUSPICIOUS_FILE"
	CodeAVConnectionError         ErrorCode = "AV_CONNECTION_ERROR"
	CodeSchemaVersionNotSupported ErrorCode = "SCHEMA_VERSION_NOT_SUPPORTED"
	CodeNoSchemaFound             ErrorCode = "NO_SCHEMA_FOUND"
	CodeSystemError               ErrorCode = "SYSTEM_ERROR"
	CodeTimeout                   ErrorCode = "TIMEOUT"
	CodeFileTooLarge              ErrorCode = "FILE_TOO_LARGE"
	CodeZipTooLarge               ErrorCode = "ZIP_TOO_LARGE"
	CodeNestedZipForbidden        ErrorCode = "NESTED_ZIP_FORBIDDEN"
	CodeNoDataFound               ErrorCode = "NO_DATA_FOUND"
	CodeDangerousXML              ErrorCode = "DANGEROUS_XML_ERROR"
	CodeInvariantViolation        ErrorCode = "INVARIANT_VIOLATION"
	CodeRevisionNotFound          ErrorCode = storage.CodeRevisionNotFound
	CodeTaskNotFound              ErrorCode = storage.CodeTaskNotFound
)

// StepError is a failure a step raises on purpose.
type StepError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StepError) Unwrap() error { return e.Err }

func stepErrorf(code ErrorCode, format string, args ...interface{}) *StepError {
	return &StepError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapStepError(code ErrorCode, err error, message string) *StepError {
	return &StepError{Code: code, Message: message, Err: err}
}

// CodeOf classifies err. Anything not raised as a StepError is a system error,
// except for deadline expiry.
func CodeOf(err error) ErrorCode {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Code
	}
	var exc *PipelineException
	if errors.As(err, &exc) {
		return exc.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var nf *storage.NotFoundError
	if errors.As(err, &nf) {
		return ErrorCode(nf.Code)
	}
	return CodeSystemError
}

// MessageOf returns the human readable part of err.
func MessageOf(err error) string {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Message
	}
	return err.Error()
}

// PipelineException is what a failed step hands back to the orchestrator.
// Its Error text is the JSON the exception handler receives as ErrorInfo.
type PipelineException struct {
	Message  string    `json:"error_message"`
	StepName string    `json:"step_name"`
	Code     ErrorCode `json:"-"`
	Err      error     `json:"-"`
}

func (e *PipelineException) Error() string {
	data, err := json.Marshal(e)
	if err != nil {
		return e.Message
	}
	return string(data)
}

func (e *PipelineException) Unwrap() error { return e.Err }

// ParsePipelineException decodes the JSON form produced by Error.
func ParsePipelineException(s string) (*PipelineException, error) {
	exc := &PipelineException{}
	if err := json.Unmarshal([]byte(s), exc); err != nil {
		return nil, err
	}
	return exc, nil
}
