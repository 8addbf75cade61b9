// Package httperr define el formato de error JSON que comparten el backend
// de desarrollo (authmock) y el cliente del Auth API.
package httperr

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// AppError es el error estándar de la API.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	HTTPStatus int    `json:"-"` // No se serializa, usado para el header
	Err        error  `json:"-"` // Error original (causa), solo para logs
}

// Error implementa la interfaz error
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap permite acceder al error original
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail devuelve una COPIA con detalle, para no mutar los errores base.
func (e *AppError) WithDetail(detail string) *AppError {
	cp := *e
	cp.Detail = detail
	return &cp
}

// WithCause devuelve una COPIA con la causa.
func (e *AppError) WithCause(err error) *AppError {
	cp := *e
	cp.Err = err
	return &cp
}

// FromError convierte cualquier error en AppError (500 si no lo era).
func FromError(err error) *AppError {
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return ErrInternal.WithCause(err)
}

// errorResponse es lo que viaja por el cable.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Write escribe err como JSON con su status.
func Write(w http.ResponseWriter, err error) {
	appErr := FromError(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Code:    appErr.Code,
		Message: appErr.Message,
		Detail:  appErr.Detail,
	})
}

// Decode reconstruye un AppError desde una respuesta no-2xx. Si el cuerpo no
// tiene el formato esperado, usa el status como código.
func Decode(status int, body []byte) *AppError {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Code == "" {
		return &AppError{
			Code:       fmt.Sprintf("HTTP_%d", status),
			Message:    http.StatusText(status),
			HTTPStatus: status,
		}
	}
	return &AppError{Code: resp.Code, Message: resp.Message, Detail: resp.Detail, HTTPStatus: status}
}

// =================================================================================
// ERRORES PREDEFINIDOS
// =================================================================================

var (
	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "La solicitud contiene sintaxis inválida o parámetros faltantes.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidJSON = &AppError{
		Code:       "INVALID_JSON",
		Message:    "El cuerpo de la solicitud no es un JSON válido.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidCredentials = &AppError{
		Code:       "INVALID_CREDENTIALS",
		Message:    "Email o contraseña incorrectos.",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrInvalidRefreshToken = &AppError{
		Code:       "INVALID_REFRESH_TOKEN",
		Message:    "El refresh token es inválido, expiró o fue revocado.",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Se requiere autenticación.",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrForbidden = &AppError{
		Code:       "FORBIDDEN",
		Message:    "No tenés permisos para acceder a este recurso.",
		HTTPStatus: http.StatusForbidden,
	}

	ErrTooManyRequests = &AppError{
		Code:       "TOO_MANY_REQUESTS",
		Message:    "Demasiados intentos. Esperá un momento antes de reintentar.",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrServiceUnavailable = &AppError{
		Code:       "SERVICE_UNAVAILABLE",
		Message:    "El servicio de autenticación no está disponible. Intentá de nuevo.",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	ErrInternal = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Ocurrió un error inesperado en el servidor.",
		HTTPStatus: http.StatusInternalServerError,
	}
)
