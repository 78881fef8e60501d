package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lowrank/internal/logger"
	"github.com/samcharles93/lowrank/pkg/lora"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// conversionErrors map converter sentinels to stable error codes.
var conversionErrors = []struct {
	err  error
	code string
}{
	{lora.ErrUnknownLayer, "unknown_layer"},
	{lora.ErrRankExceeded, "rank_exceeded"},
	{lora.ErrUnsupportedDtype, "unsupported_dtype"},
	{lora.ErrMissingBaseMetadata, "missing_base_metadata"},
	{lora.ErrMalformedPadding, "malformed_padding"},
	{lora.ErrShapeMismatch, "shape_mismatch"},
}

// writeErr maps err to a status: 413 for oversized bodies, 400 for requests
// that cannot be read, 422 for adapters the converter rejects and 500 for
// anything else.
func writeErr(c *echo.Context, err error) error {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return writeError(c, http.StatusRequestEntityTooLarge, "invalid_request_error", err.Error(), "body_too_large")
	case errors.Is(err, ErrInvalidRequest):
		return writeError(c, http.StatusBadRequest, "invalid_request_error", err.Error(), "")
	}
	for _, ce := range conversionErrors {
		if errors.Is(err, ce.err) {
			return writeError(c, http.StatusUnprocessableEntity, "conversion_error", err.Error(), ce.code)
		}
	}
	logger.FromContext(c.Request().Context()).Error("request failed", "path", c.Request().URL.Path, "error", err)
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
}

func writeError(c *echo.Context, status int, errType, msg, code string) error {
	return c.JSON(status, ErrorResponse{Error: ResponseError{
		Message: msg,
		Type:    errType,
		Code:    code,
	}})
}
