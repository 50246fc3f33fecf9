package storage

import "errors"

// Common storage errors
var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyCredited     = errors.New("payment already credited")
	ErrInsufficientCredits = errors.New("insufficient credits")
)
