package identity

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
)

func NewInvalidRequest(format string, args ...any) error {
	return httperror.NewHTTPErrorf(http.StatusBadRequest, format, args...)
}

// NewIntegrityFault reports stored link state that violates the two-level
// contact shape, such as a secondary pointing at a missing row.
func NewIntegrityFault(format string, args ...any) error {
	return httperror.NewHTTPErrorf(http.StatusInternalServerError, format, args...)
}

func NewNotFound(format string, args ...any) error {
	return httperror.NewHTTPErrorf(http.StatusNotFound, format, args...)
}

func NewStoreUnavailable(format string, args ...any) error {
	return httperror.NewHTTPErrorf(http.StatusServiceUnavailable, format, args...)
}

func NewConcurrencyConflict(format string, args ...any) error {
	return httperror.NewHTTPErrorf(http.StatusConflict, format, args...)
}

func IsInvalidRequest(err error) bool {
	return httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusBadRequest
}

func IsStoreUnavailable(err error) bool {
	return httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusServiceUnavailable
}

func IsConcurrencyConflict(err error) bool {
	return httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusConflict
}
