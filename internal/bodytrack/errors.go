package bodytrack

import (
	"errors"

	"github.com/andresmejia3/bodytrack/internal/handle"
)

var (
	// ErrTimeout means the caller's deadline elapsed first. Retryable.
	ErrTimeout = errors.New("bodytrack: timeout")
	// ErrShutdown means the pipeline no longer accepts work.
	ErrShutdown = errors.New("bodytrack: pipeline shut down")
	// ErrEngineFailure means the engine reported an unrecoverable fault.
	// The pipeline must be closed and recreated.
	ErrEngineFailure = errors.New("bodytrack: engine failure")
	// ErrEngineInit means the engine could not be created.
	ErrEngineInit = errors.New("bodytrack: engine initialization failed")
	// ErrInvalidCapture means the capture carries no usable depth data.
	ErrInvalidCapture = errors.New("bodytrack: invalid capture")
	// ErrInvalidArgument means a caller supplied value is out of range.
	ErrInvalidArgument = errors.New("bodytrack: invalid argument")
	// ErrIndexOutOfRange means a body index is not below the frame's body count.
	ErrIndexOutOfRange = errors.New("bodytrack: body index out of range")
	// ErrCancelled means the caller's context was cancelled.
	ErrCancelled = errors.New("bodytrack: cancelled")
	// ErrBodyIDUnavailable means the engine returned its failure sentinel
	// instead of an id for that body.
	ErrBodyIDUnavailable = errors.New("bodytrack: body id unavailable")
	// ErrInvalidHandle means a disposed resource was used.
	ErrInvalidHandle = handle.ErrInvalidHandle
)
