package handlers

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
)

// CustomValidator wraps the go-playground/validator library to implement Echo's Validator interface.
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator creates a new CustomValidator.
func NewValidator() *CustomValidator {
	return &CustomValidator{validator: validator.New()}
}

// Validate implements the echo.Validator interface.
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

// BroadcastRequest is the body of POST /admin/broadcast. Data may be any
// JSON value, including null, but must be present.
type BroadcastRequest struct {
	Data json.RawMessage `json:"data" validate:"required"`
}
