package api

import (
	"errors"
	"fmt"
)

// Error kinds shared by the pipeline packages. Callers match them with errors.Is.
var (
	// ErrData indicates malformed or empty source input.
	ErrData = errors.New("data error")

	// ErrInsufficientData indicates too little history for the requested lags, windows or folds.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrValidation indicates a caller supplied parameter outside its contract.
	ErrValidation = errors.New("validation error")

	// ErrInvalidRange indicates a forecast target that cannot be reached going forward.
	ErrInvalidRange = errors.New("invalid range")
)

// Errorf wraps kind with a formatted message, e.g. "validation error: months must be in [1, 24]".
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
