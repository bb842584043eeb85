package domain

import "errors"

var (
	// ErrWorkerRunning is returned when Start is called on a worker that
	// is already running.
	ErrWorkerRunning = errors.New("worker already running")
	// ErrMissingAdapter is returned when no broker adapter was configured.
	ErrMissingAdapter = errors.New("worker adapter is required")
	// ErrMissingClient is returned when neither a broker client nor an
	// endpoint to dial was configured.
	ErrMissingClient = errors.New("broker client or endpoint is required")
)
