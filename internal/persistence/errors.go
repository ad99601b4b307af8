package persistence

import "errors"

var (
	ErrAlreadyInitialized = errors.New("persistence: manager already initialized")
	ErrDuplicateFileName  = errors.New("persistence: file name already registered")
)
