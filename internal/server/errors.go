// Package server provides the HTTP REST API for the document analysis
// service.
package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jmalik/finsights/internal/document"
	"github.com/jmalik/finsights/internal/jobs"
)

// ErrBadRequest indicates a malformed request before it reached the domain.
type ErrBadRequest struct {
	Message string
}

func (e *ErrBadRequest) Error() string {
	return fmt.Sprintf("bad request: %s", e.Message)
}

// ErrUnauthorized indicates a missing or invalid bearer token.
type ErrUnauthorized struct{}

func (e *ErrUnauthorized) Error() string {
	return "missing or invalid credentials"
}

// HTTPStatus returns the appropriate HTTP status code for an error.
func HTTPStatus(err error) int {
	var badReq *ErrBadRequest
	var valErr *document.ValidationError
	switch {
	case errors.As(err, &badReq), errors.As(err, &valErr):
		return http.StatusBadRequest
	case errors.As(err, new(*ErrUnauthorized)):
		return http.StatusUnauthorized
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, jobs.ErrAlreadyTerminal), errors.Is(err, jobs.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
