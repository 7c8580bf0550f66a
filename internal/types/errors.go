package types

import "errors"

// Sentinel errors shared across storage, supply and API layers.
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidState  = errors.New("invalid state for command")
	ErrUnknownSupply = errors.New("unknown supply")
	ErrUnknownParam  = errors.New("unknown parameter")
)

// API error codes. The numeric suffix mirrors the HTTP status the
// handler responds with.
const (
	CodeBadRequest   = "SUPPLY_400"
	CodeUnauthorized = "SUPPLY_401"
	CodeForbidden    = "SUPPLY_403"
	CodeNotFound     = "SUPPLY_404"
	CodeConflict     = "SUPPLY_409"
	CodeInternal     = "SUPPLY_500"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}
