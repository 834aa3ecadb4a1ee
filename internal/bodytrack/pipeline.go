package bodytrack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/andresmejia3/bodytrack/internal/handle"
)

// State is the pipeline lifecycle stage.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Stats are running counters of pipeline activity.
type Stats struct {
	Submitted uint64
	Inferred  uint64
	Retrieved uint64
	Discarded uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// Pipeline owns one engine instance and the queues in front of and behind it.
// Submit and Retrieve are safe for concurrent use.
type Pipeline struct {
	log *zap.Logger
	cfg Config

	// engineMu serializes every call into the engine.
	engineMu    sync.Mutex
	engine      *handle.Handle[Engine]
	engineClose chan error

	state atomic.Int32

	// gate is read-held by Submit while it may send on input, so that
	// Shutdown can close input once no sender is left.
	gate   sync.RWMutex
	input  chan *Sample
	output chan *Frame
	slots  chan struct{}

	shutdown     chan struct{}
	shutdownOnce sync.Once
	drainTimer   *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error

	failOnce sync.Once
	failed   chan struct{}
	failErr  error

	submitted atomic.Uint64
	inferred  atomic.Uint64
	retrieved atomic.Uint64
	discarded atomic.Uint64
}

// New creates the engine through factory and starts the pipeline worker.
// Zero-valued tuning fields in cfg take their defaults.
func New(cal Calibration, cfg Config, factory EngineFactory, opts ...Option) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: nil engine factory", ErrInvalidArgument)
	}

	p := &Pipeline{
		log:         zap.NewNop(),
		cfg:         cfg,
		engineClose: make(chan error, 1),
		input:       make(chan *Sample, cfg.InputQueueSize),
		output:      make(chan *Frame, cfg.MaxInFlightFrames),
		slots:       make(chan struct{}, cfg.MaxInFlightFrames),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
		failed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	eng, err := factory(cal, cfg)
	if err != nil {
		if errors.Is(err, ErrEngineInit) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrEngineInit, err)
	}
	if eng == nil {
		return nil, fmt.Errorf("%w: factory returned no engine", ErrEngineInit)
	}
	if cfg.TemporalSmoothing != 0 {
		if err := eng.SetTemporalSmoothing(cfg.TemporalSmoothing); err != nil {
			_ = eng.Close()
			return nil, fmt.Errorf("%w: set temporal smoothing: %w", ErrEngineInit, err)
		}
	}

	log := p.log
	closed := p.engineClose
	p.engine = handle.New(eng, func(e Engine) {
		closed <- e.Close()
	}, handle.WithLeakHook(func() {
		log.Warn("tracker engine collected without Close")
	}))

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.state.Store(int32(StateRunning))
	go p.run()

	p.log.Debug("tracking pipeline started",
		zap.Stringer("orientation", cfg.SensorOrientation),
		zap.Bool("cpu_only", cfg.CPUOnly),
		zap.Int("input_queue", cfg.InputQueueSize),
		zap.Int("max_in_flight", cfg.MaxInFlightFrames))
	return p, nil
}

// State returns the current lifecycle stage.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Inferred:  p.inferred.Load(),
		Retrieved: p.retrieved.Load(),
		Discarded: p.discarded.Load(),
	}
}

// Submit hands a capture to the engine's input queue. It returns once the
// capture is queued, not once it is inferred. The capture's sample is taken
// before Submit returns; the caller keeps ownership of the capture.
func (p *Pipeline) Submit(ctx context.Context, c Capture, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return cancelled("submit", err)
	}
	if c == nil {
		return fmt.Errorf("submit: %w: nil capture", ErrInvalidCapture)
	}

	p.gate.RLock()
	defer p.gate.RUnlock()

	if p.isShutdown() {
		return fmt.Errorf("submit: %w", ErrShutdown)
	}
	if err := p.failure(); err != nil {
		return err
	}

	sample, err := c.Sample()
	if err != nil {
		if errors.Is(err, ErrInvalidHandle) {
			return fmt.Errorf("submit: %w", err)
		}
		return fmt.Errorf("submit: %w: %w", ErrInvalidCapture, err)
	}
	if err := sample.Validate(); err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	select {
	case p.input <- sample:
		p.submitted.Add(1)
		return nil
	default:
	}
	if timeout == 0 {
		return fmt.Errorf("submit: input queue full: %w", ErrTimeout)
	}

	timer, stop := deadline(timeout)
	defer stop()

	select {
	case p.input <- sample:
		p.submitted.Add(1)
		return nil
	case <-p.shutdown:
		return fmt.Errorf("submit: %w", ErrShutdown)
	case <-p.failed:
		return p.failure()
	case <-timer:
		return fmt.Errorf("submit: input queue full after %s: %w", timeout, ErrTimeout)
	case <-ctx.Done():
		return cancelled("submit", ctx.Err())
	}
}

// Retrieve pops the next completed frame. After Shutdown, frames that were
// already accepted can still be retrieved; once they are gone Retrieve
// returns ErrShutdown. A capture that cannot be inferred because the caller
// holds every in-flight frame keeps a blocked Retrieve waiting until
// Config.DrainGrace expires.
func (p *Pipeline) Retrieve(ctx context.Context, timeout time.Duration) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, cancelled("retrieve", err)
	}
	if p.State() == StateClosed {
		return nil, fmt.Errorf("retrieve: %w", ErrShutdown)
	}

	select {
	case f, ok := <-p.output:
		return p.received(f, ok)
	default:
	}
	if timeout == 0 {
		return nil, fmt.Errorf("retrieve: output queue empty: %w", ErrTimeout)
	}

	timer, stop := deadline(timeout)
	defer stop()

	select {
	case f, ok := <-p.output:
		return p.received(f, ok)
	case <-timer:
		return nil, fmt.Errorf("retrieve: no frame after %s: %w", timeout, ErrTimeout)
	case <-ctx.Done():
		return nil, cancelled("retrieve", ctx.Err())
	}
}

func (p *Pipeline) received(f *Frame, ok bool) (*Frame, error) {
	if ok {
		p.retrieved.Add(1)
		return f, nil
	}
	if err := p.failure(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("retrieve: %w", ErrShutdown)
}

// SetTemporalSmoothing sets how strongly the engine damps joint jitter:
// 0 is most responsive, 1 is smoothest. Values outside [0,1] are rejected
// with ErrInvalidArgument rather than clamped.
func (p *Pipeline) SetTemporalSmoothing(factor float32) error {
	if err := validSmoothing(factor); err != nil {
		return err
	}

	p.engineMu.Lock()
	defer p.engineMu.Unlock()

	err := p.engine.Use(func(e Engine) error {
		return e.SetTemporalSmoothing(factor)
	})
	switch {
	case errors.Is(err, ErrInvalidHandle):
		return fmt.Errorf("set temporal smoothing: %w", ErrShutdown)
	case err != nil:
		return fmt.Errorf("set temporal smoothing: %w: %w", ErrEngineFailure, err)
	}
	return nil
}

// Shutdown stops accepting captures. Blocked submitters return ErrShutdown.
// Captures already accepted are still inferred for up to Config.DrainGrace;
// after that the remainder is dropped and blocked retrievers are released.
// Retrievers therefore see ErrShutdown up to DrainGrace late when undisposed
// frames stall the engine. Shutdown is idempotent and never waits for
// inference.
func (p *Pipeline) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.state.CompareAndSwap(int32(StateRunning), int32(StateShuttingDown))
		close(p.shutdown)

		// Every submitter holding the read lock is either about to return or
		// selecting on p.shutdown, so this wait is short.
		p.gate.Lock()
		close(p.input)
		p.gate.Unlock()

		p.drainTimer = time.AfterFunc(p.cfg.DrainGrace, p.cancel)
		p.log.Debug("tracking pipeline shutting down", zap.Duration("drain_grace", p.cfg.DrainGrace))
	})
}

// Close shuts the pipeline down, disposes frames nobody retrieved and
// destroys the engine. It is safe to call more than once and without a prior
// Shutdown.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.Shutdown()
		<-p.done
		p.drainTimer.Stop()
		p.cancel()

		for f := range p.output {
			f.Dispose()
			p.discarded.Add(1)
		}

		p.engineMu.Lock()
		p.engine.Release()
		p.engineMu.Unlock()

		select {
		case err := <-p.engineClose:
			if err != nil {
				p.closeErr = fmt.Errorf("close engine: %w", err)
			}
		default:
		}

		p.state.Store(int32(StateClosed))
		st := p.Stats()
		p.log.Debug("tracking pipeline closed",
			zap.Uint64("submitted", st.Submitted),
			zap.Uint64("inferred", st.Inferred),
			zap.Uint64("retrieved", st.Retrieved),
			zap.Uint64("discarded", st.Discarded))
	})
	return p.closeErr
}

// run is the pipeline worker. It exits once input is closed and drained.
func (p *Pipeline) run() {
	defer close(p.done)

	outputOpen := true
	closeOutput := func() {
		if outputOpen {
			close(p.output)
			outputOpen = false
		}
	}
	defer closeOutput()

	var seq uint64
	for sample := range p.input {
		if !outputOpen {
			p.discarded.Add(1)
			continue
		}
		err := p.process(seq, sample)
		seq++
		if err != nil {
			p.discarded.Add(1)
			if p.ctx.Err() == nil {
				p.fail(err)
			} else {
				p.log.Warn("dropping accepted captures after drain grace", zap.Uint64("seq", seq-1))
			}
			closeOutput()
		}
	}
}

func (p *Pipeline) process(seq uint64, sample *Sample) error {
	// Wait for the engine to have room for one more undisposed frame.
	select {
	case p.slots <- struct{}{}:
	case <-p.ctx.Done():
		return p.ctx.Err()
	}

	res, err := p.infer(sample)
	if err != nil {
		<-p.slots
		return err
	}
	p.inferred.Add(1)

	slots := p.slots
	release := func() {
		select {
		case <-slots:
		default:
		}
	}
	// output has one buffer entry per slot, so this send never blocks.
	p.output <- newFrame(seq, res, release, p.log)
	return nil
}

func (p *Pipeline) infer(s *Sample) (*Result, error) {
	p.engineMu.Lock()
	defer p.engineMu.Unlock()

	var res *Result
	err := p.engine.Use(func(e Engine) error {
		var err error
		res, err = e.Infer(p.ctx, s)
		return err
	})
	return res, err
}

func (p *Pipeline) fail(err error) {
	p.failOnce.Do(func() {
		p.failErr = fmt.Errorf("%w: %w", ErrEngineFailure, err)
		close(p.failed)
		p.log.Error("tracker engine failed", zap.Error(err))
	})
}

// failure returns the terminal engine error, if any.
func (p *Pipeline) failure() error {
	select {
	case <-p.failed:
		return p.failErr
	default:
		return nil
	}
}

func (p *Pipeline) isShutdown() bool {
	select {
	case <-p.shutdown:
		return true
	default:
		return false
	}
}

// deadline returns a channel that fires after timeout, or nil for Infinite.
func deadline(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout < 0 {
		return nil, func() {}
	}
	t := time.NewTimer(timeout)
	return t.C, func() { t.Stop() }
}

func cancelled(op string, cause error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrCancelled, cause)
}
