package util

import "github.com/google/uuid"

// NewID returns a globally unique random ID.
func NewID() string {
	return uuid.NewString()
}
