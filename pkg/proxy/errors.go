package proxy

import (
	"errors"
	"fmt"
)

// ErrAlreadyRunning is returned when a forwarder already owns the port.
var ErrAlreadyRunning = errors.New("proxy already running on port")

// Matched by *BindError and *ConnectError respectively.
var (
	ErrBind    = errors.New("cannot bind listen port")
	ErrConnect = errors.New("cannot connect to target port")
)

// ErrRelay marks a mid-stream failure on a single connection. Such errors
// are only logged; they never stop the forwarder.
var ErrRelay = errors.New("relay failed")

// BindError means the listen socket could not be opened.
type BindError struct {
	Address string
	Err     error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Address, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

func (e *BindError) Is(target error) bool { return target == ErrBind }

// ConnectError means a client was accepted but the target did not answer.
type ConnectError struct {
	TargetPort int
	Err        error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to localhost:%d: %v", e.TargetPort, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnect }
