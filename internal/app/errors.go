package app

import "errors"

var (
	// ErrNoAccess indicates the caller may not use the course section.
	ErrNoAccess        = errors.New("course section not accessible")
	ErrRoomNotFound    = errors.New("room not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrEmptyBody       = errors.New("message body required")
	ErrDeleteForbidden = errors.New("role may not delete messages")
)
