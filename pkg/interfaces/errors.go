package interfaces

import "errors"

// Store errors shared by every DatabaseManager implementation and its fakes.
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)
