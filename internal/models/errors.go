package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrRangeOverlap   = errors.New("ranges overlap")
	ErrSourceAccess   = errors.New("row source unavailable")
	ErrSend           = errors.New("send failed")
	ErrTaskNotFound   = errors.New("task not found")
	ErrSenderNotFound = errors.New("sender not found")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
