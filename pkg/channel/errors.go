package channel

import (
	"errors"
	"fmt"
)

var (
	ErrPolicyNotFound   = errors.New("channel binding policy not found")
	ErrWorkflowNotFound = errors.New("workflow not found")
)

// ValidationError carries a stable machine code alongside the human message,
// so admin handlers can map it onto a problem response.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewValidationError(code, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}

func IsPolicyNotFound(err error) bool {
	return errors.Is(err, ErrPolicyNotFound)
}

func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

func IsValidationError(err error) bool {
	var validationErr *ValidationError

	return errors.As(err, &validationErr)
}
