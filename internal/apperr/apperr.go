// Package apperr defines the error kinds shared by the store, services and HTTP layer.
// Callers wrap a kind with context using fmt.Errorf("%w: ...", kind) and test it with errors.Is.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrValidation           = errors.New("validation error")
	ErrNotFound             = errors.New("not found")
	ErrInsufficientStock    = errors.New("insufficient stock")
	ErrEmptyCart            = errors.New("cart is empty")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInvalidState         = errors.New("invalid state")
	ErrMissingTransactionID = errors.New("missing transaction id")
	ErrForbidden            = errors.New("forbidden")
	ErrConflict             = errors.New("conflict")
	ErrGateway              = errors.New("payment gateway error")
	ErrInternal             = errors.New("internal error")
)

var kinds = []struct {
	err    error
	status int
	code   string
}{
	{ErrValidation, http.StatusBadRequest, "validation_error"},
	{ErrNotFound, http.StatusNotFound, "not_found"},
	{ErrInsufficientStock, http.StatusConflict, "insufficient_stock"},
	{ErrEmptyCart, http.StatusUnprocessableEntity, "empty_cart"},
	{ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{ErrInvalidState, http.StatusConflict, "invalid_state"},
	{ErrMissingTransactionID, http.StatusUnprocessableEntity, "missing_transaction_id"},
	{ErrForbidden, http.StatusForbidden, "forbidden"},
	{ErrConflict, http.StatusConflict, "conflict"},
	{ErrGateway, http.StatusBadGateway, "gateway_error"},
}

// HTTPStatus maps an error to its response status and a stable machine code.
// Unclassified errors are internal.
func HTTPStatus(err error) (int, string) {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status, k.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// IsInternal reports whether err is not one of the expected business failures.
func IsInternal(err error) bool {
	status, _ := HTTPStatus(err)
	return status == http.StatusInternalServerError
}
