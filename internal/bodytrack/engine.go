package bodytrack

import "context"

// Engine is the external inference engine. The pipeline never calls it from
// more than one goroutine at a time.
type Engine interface {
	// Infer turns one sample into a result. It should return promptly once
	// ctx is done.
	Infer(ctx context.Context, s *Sample) (*Result, error)
	// SetTemporalSmoothing sets the jitter damping factor in [0,1].
	SetTemporalSmoothing(factor float32) error
	// Close destroys the engine instance.
	Close() error
}

// EngineFactory creates an engine for a sensor calibration and configuration.
type EngineFactory func(cal Calibration, cfg Config) (Engine, error)
