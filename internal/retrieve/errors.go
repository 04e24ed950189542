package retrieve

import "errors"

var (
	// ErrNetwork covers dial, read and timeout failures.
	ErrNetwork = errors.New("retrieve: network failure")
	// ErrStatus is returned for responses outside 2xx.
	ErrStatus = errors.New("retrieve: unsuccessful status")

	ErrDuplicate   = errors.New("retrieve: task already queued or active")
	ErrUnavailable = errors.New("retrieve: queue full")
	ErrShutdown    = errors.New("retrieve: service shut down")
)
