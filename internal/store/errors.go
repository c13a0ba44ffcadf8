package store

import "errors"

var (
	ErrNotFound        = errors.New("record not found")
	ErrDuplicateEmail  = errors.New("email already registered")
	ErrTaskInUse       = errors.New("task has check-ins")
	ErrDuplicateEntry  = errors.New("check-in already recorded")
	ErrAlreadyEnrolled = errors.New("user already enrolled in this challenge")
	ErrUnavailable     = errors.New("datastore unavailable")
)
