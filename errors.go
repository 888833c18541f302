package xcp

import "errors"

// Construction-time / programmer errors, distinct from the numeric
// protocol-level error codes a master sees in a negative response
// (see pkg/protocol for those).
var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrOutOfMemory     = errors.New("memory allocation failed")
	ErrTimeout         = errors.New("function timeout")
	ErrNotInitialized  = errors.New("session was not initialized")
	ErrAlreadyRunning  = errors.New("server is already running")
	ErrInvalidState    = errors.New("operation not valid in current session state")
)
