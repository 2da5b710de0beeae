package errors

import "errors"

var (
	ErrClosed            = errors.New("run loop is closed")
	ErrFdRegistered      = errors.New("fd already has a callback registered")
	ErrFdNotRegistered   = errors.New("fd has no callback registered")
	ErrContractViolation = errors.New("contract violation")
)
