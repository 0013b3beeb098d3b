package app

import (
	"errors"
	"net/http"

	"coursecore/api/internal/apperr"
	"coursecore/api/internal/auth"
	"coursecore/api/internal/export"
)

var kindStatus = map[apperr.Kind]int{
	apperr.KindNotFound:              http.StatusNotFound,
	apperr.KindInvalidVersionIndex:   http.StatusNotFound,
	apperr.KindValidation:            http.StatusUnprocessableEntity,
	apperr.KindDepthExceeded:         http.StatusUnprocessableEntity,
	apperr.KindFormatUnavailable:     http.StatusUnprocessableEntity,
	apperr.KindUnauthorized:          http.StatusForbidden,
	apperr.KindConflict:              http.StatusConflict,
	apperr.KindConversionUnsupported: http.StatusUnsupportedMediaType,
	// Nothing to snapshot is an outcome, not a failure.
	apperr.KindNoContentToVersion: http.StatusOK,
}

func mapError(err error) (status int, code, message string, details any) {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		status, ok := kindStatus[appErr.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		return status, string(appErr.Kind), appErr.Error(), appErr.Details
	}
	if errors.Is(err, errInvalidBody) {
		return http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
		return http.StatusNotImplemented, "EXPORT_UNAVAILABLE", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
