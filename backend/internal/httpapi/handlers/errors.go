package handlers

import (
	"errors"
	"net/http"

	"collabCoord/backend/internal/entity"
	"collabCoord/backend/internal/version"
)

// statusFor 领域错误到 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, entity.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, entity.ErrSyncUnavailable), entity.IsTransient(err), errors.Is(err, entity.ErrTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, version.ErrInvalidTransition), errors.Is(err, entity.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
