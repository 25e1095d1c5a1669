package types

import "errors"

// FileID-related errors
var (
	// ErrInvalidFileIDLength is returned when a FileID string has incorrect length
	ErrInvalidFileIDLength = errors.New("invalid file id length")

	// ErrInvalidFileIDCharacter is returned when a FileID string contains invalid characters
	ErrInvalidFileIDCharacter = errors.New("invalid file id character")
)
