package bodytrack

import (
	"fmt"
	"strings"
	"time"
)

// SensorOrientation is how the sensor is mounted, seen facing the camera.
type SensorOrientation int

const (
	OrientationDefault SensorOrientation = iota
	OrientationClockwise90
	OrientationCounterClockwise90
	OrientationFlip180
)

func (o SensorOrientation) String() string {
	switch o {
	case OrientationDefault:
		return "default"
	case OrientationClockwise90:
		return "clockwise90"
	case OrientationCounterClockwise90:
		return "counterclockwise90"
	case OrientationFlip180:
		return "flip180"
	}
	return fmt.Sprintf("orientation(%d)", int(o))
}

// ParseOrientation accepts the names produced by SensorOrientation.String.
func ParseOrientation(s string) (SensorOrientation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return OrientationDefault, nil
	case "clockwise90":
		return OrientationClockwise90, nil
	case "counterclockwise90":
		return OrientationCounterClockwise90, nil
	case "flip180":
		return OrientationFlip180, nil
	}
	return OrientationDefault, fmt.Errorf("%w: unknown sensor orientation %q", ErrInvalidArgument, s)
}

const (
	// Infinite blocks Submit or Retrieve until they succeed or the pipeline stops.
	Infinite time.Duration = -1

	DefaultInputQueueSize    = 3
	DefaultMaxInFlightFrames = 3
	DefaultDrainGrace        = 2 * time.Second
)

// Config is passed to the engine at construction and sizes the pipeline.
type Config struct {
	SensorOrientation SensorOrientation
	CPUOnly           bool

	// InputQueueSize bounds captures accepted but not yet inferred.
	InputQueueSize int
	// MaxInFlightFrames bounds frames produced by the engine and not yet
	// disposed. Once reached the engine stalls until a frame is disposed.
	MaxInFlightFrames int
	// TemporalSmoothing is applied right after the engine is created.
	TemporalSmoothing float32
	// DrainGrace bounds how long Close waits for accepted captures to finish.
	// A Retrieve blocked at Shutdown waits at most as long, plus the time the
	// engine takes to honor cancellation.
	DrainGrace time.Duration
}

// DefaultConfig returns the engine defaults: default orientation, GPU mode,
// no smoothing.
func DefaultConfig() Config {
	return Config{
		SensorOrientation: OrientationDefault,
		InputQueueSize:    DefaultInputQueueSize,
		MaxInFlightFrames: DefaultMaxInFlightFrames,
		DrainGrace:        DefaultDrainGrace,
	}
}

func (c Config) withDefaults() Config {
	if c.InputQueueSize == 0 {
		c.InputQueueSize = DefaultInputQueueSize
	}
	if c.MaxInFlightFrames == 0 {
		c.MaxInFlightFrames = DefaultMaxInFlightFrames
	}
	if c.DrainGrace == 0 {
		c.DrainGrace = DefaultDrainGrace
	}
	return c
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.SensorOrientation < OrientationDefault || c.SensorOrientation > OrientationFlip180 {
		return fmt.Errorf("%w: sensor orientation %d", ErrInvalidArgument, int(c.SensorOrientation))
	}
	if c.InputQueueSize < 1 {
		return fmt.Errorf("%w: input queue size %d", ErrInvalidArgument, c.InputQueueSize)
	}
	if c.MaxInFlightFrames < 1 {
		return fmt.Errorf("%w: max in-flight frames %d", ErrInvalidArgument, c.MaxInFlightFrames)
	}
	if c.DrainGrace < 0 {
		return fmt.Errorf("%w: drain grace %s", ErrInvalidArgument, c.DrainGrace)
	}
	return validSmoothing(c.TemporalSmoothing)
}

func validSmoothing(f float32) error {
	// NaN fails both comparisons.
	if !(f >= 0 && f <= 1) {
		return fmt.Errorf("%w: temporal smoothing %v outside [0,1]", ErrInvalidArgument, f)
	}
	return nil
}
