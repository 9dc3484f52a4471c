package protocol

import (
	"errors"
	"fmt"
)

// Decode and encode failure classes. Decode errors drop the unit and keep the
// connection alive; validation errors mean the unit parsed structurally but
// carried unusable required fields.
var (
	ErrDecode             = errors.New("protocol: malformed wire unit")
	ErrValidation         = errors.New("protocol: invalid field")
	ErrUnsupportedCommand = errors.New("protocol: unsupported command type")
)

// Decodef wraps a malformed-unit error with detail.
func Decodef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}

// Validationf wraps an invalid-field error with detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
