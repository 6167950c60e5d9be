package api

import (
	"errors"
	"net/http"

	"carbontrace/internal/domain"
)

// statusFromError maps domain errors to HTTP status codes. Anything
// unrecognized is a 500.
func statusFromError(err error) int {
	var unauthenticated *domain.UnauthenticatedError
	var invalid *domain.InvalidRequestError
	var missing *domain.MissingDataError
	var notFound *domain.NotFoundError
	var conflict *domain.ConflictError
	var mediaType *domain.MediaTypeError
	var timeout *domain.TimeoutError

	switch {
	case errors.As(err, &unauthenticated):
		return http.StatusUnauthorized
	case errors.As(err, &invalid), errors.As(err, &missing):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &mediaType):
		return http.StatusUnsupportedMediaType
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
