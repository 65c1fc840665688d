package response

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// APIError is the standard error response shape.
type APIError struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	ProjectID string `json:"projectId,omitempty"`
}

// Error sends a JSON error response using APIError.
func Error(c echo.Context, status int, title, message string) error {
	return c.JSON(status, APIError{Error: title, Message: message})
}

// BadRequest sends 400 with title and message.
func BadRequest(c echo.Context, title, message string) error {
	return Error(c, http.StatusBadRequest, title, message)
}

// NotFound sends 404 with title and message.
func NotFound(c echo.Context, title, message string) error {
	return Error(c, http.StatusNotFound, title, message)
}

// NotFoundProject sends 404 for a project that has no snapshot yet,
// echoing the project id so callers can tell which lookup missed.
func NotFoundProject(c echo.Context, title, message, projectID string) error {
	return c.JSON(http.StatusNotFound, APIError{
		Error:     title,
		Message:   message,
		ProjectID: projectID,
	})
}

// InternalError sends 500 with title and message.
func InternalError(c echo.Context, title, message string) error {
	return Error(c, http.StatusInternalServerError, title, message)
}
