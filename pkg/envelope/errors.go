package envelope

import (
	"errors"
	"fmt"
)

// Standard envelope error kinds. The webhook pipeline maps these onto HTTP
// statuses: schema violations become 422, unsupported updates a 200 no-op.
var (
	// ErrSchemaViolation indicates the inbound payload does not comply with
	// the CoreEnvelope schema.
	ErrSchemaViolation = errors.New("core envelope schema violation")

	// ErrPayloadTooLarge indicates the payload exceeds documented envelope
	// limits (more than 3 attachments).
	ErrPayloadTooLarge = errors.New("core envelope payload too large")

	// ErrUnsupportedUpdate indicates the update kind carries nothing the
	// gateway can act on.
	ErrUnsupportedUpdate = errors.New("unsupported telegram update")
)

// ValidationError wraps a schema violation with the offending field.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("envelope validation failed for %s: %s", e.Field, e.Message)
	}

	return fmt.Sprintf("envelope validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func newValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message, Err: ErrSchemaViolation}
}

// IsSchemaViolation checks if an error indicates an envelope schema violation.
func IsSchemaViolation(err error) bool {
	return errors.Is(err, ErrSchemaViolation)
}

// IsPayloadTooLarge checks if an error indicates the attachment limit was hit.
func IsPayloadTooLarge(err error) bool {
	return errors.Is(err, ErrPayloadTooLarge)
}

// IsUnsupportedUpdate checks if an error indicates a non-actionable update.
func IsUnsupportedUpdate(err error) bool {
	return errors.Is(err, ErrUnsupportedUpdate)
}
