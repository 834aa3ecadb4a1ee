package bodytrack

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// fakeEngine stands in for the inference engine. Each result carries one body
// per call index so tests can tell frames apart.
type fakeEngine struct {
	mu        sync.Mutex
	calls     int
	failAt    int
	gate      chan struct{}
	smoothing float32

	active    atomic.Int32
	maxActive atomic.Int32
	closes    atomic.Int32
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{failAt: -1}
}

func (e *fakeEngine) Infer(ctx context.Context, s *Sample) (*Result, error) {
	n := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		m := e.maxActive.Load()
		if n <= m || e.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	e.mu.Lock()
	call := e.calls
	e.calls++
	failAt := e.failAt
	gate := e.gate
	e.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if call == failAt {
		return nil, errors.New("gpu lost")
	}

	return &Result{
		Bodies:          []Body{{ID: uint32(call + 1)}},
		IndexMap:        []uint8{0, BackgroundIndex, BackgroundIndex, 0},
		IndexMapWidth:   2,
		IndexMapHeight:  2,
		DeviceTimestamp: s.DeviceTimestamp,
	}, nil
}

func (e *fakeEngine) SetTemporalSmoothing(f float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.smoothing = f
	return nil
}

func (e *fakeEngine) Close() error {
	e.closes.Add(1)
	return nil
}

func (e *fakeEngine) factory() EngineFactory {
	return func(Calibration, Config) (Engine, error) { return e, nil }
}

type testCapture struct {
	sample *Sample
	err    error
}

func (c testCapture) Sample() (*Sample, error) { return c.sample, c.err }

func depthCapture(ts time.Duration) testCapture {
	return testCapture{sample: &Sample{
		DeviceTimestamp: ts,
		Depth:           &Image{Format: FormatDepth16, Width: 2, Height: 2, Stride: 4, Buffer: make([]byte, 8)},
	}}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DrainGrace = 200 * time.Millisecond
	return cfg
}
