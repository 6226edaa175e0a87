package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Response is the envelope every endpoint returns.
type Response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ListData wraps a collection with its size.
type ListData struct {
	Rows  any `json:"rows"`
	Total int `json:"total"`
}

// ValidationError describes one rejected request field.
type ValidationError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func dataResponse(c echo.Context, status int, data any) error {
	return c.JSON(status, Response{
		Status:  status,
		Message: http.StatusText(status),
		Data:    data,
	})
}

func success(c echo.Context, data any) error {
	return dataResponse(c, http.StatusOK, data)
}

func list[T any](c echo.Context, rows []T) error {
	if rows == nil {
		rows = []T{}
	}
	return success(c, ListData{Rows: rows, Total: len(rows)})
}

func badRequest(c echo.Context, errs []ValidationError) error {
	return dataResponse(c, http.StatusBadRequest, errs)
}

func unavailable(c echo.Context, what string) error {
	return dataResponse(c, http.StatusServiceUnavailable, what+" not configured")
}

func internalError(c echo.Context) error {
	return dataResponse(c, http.StatusInternalServerError, "something went wrong")
}
