// Package worker runs the body-tracking model in an external process and
// exposes it as a bodytrack.Engine.
//
// Requests go to the process on stdin, replies come back on a side-channel
// pipe (FD 3) so that anything the model prints to stdout cannot corrupt the
// stream. Every message is framed as [u32 length][body], big-endian.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/andresmejia3/bodytrack/internal/bodytrack"
	"github.com/andresmejia3/bodytrack/internal/utils"
)

// DefaultCommand starts the bundled Python worker.
var DefaultCommand = []string{"python3", "-u", "python/bodytrack_worker.py"}

// ErrWorkerBroken is returned once a worker has died or was killed mid-request.
var ErrWorkerBroken = errors.New("worker is no longer usable")

type Options struct {
	// Command is the worker argv. Empty means DefaultCommand.
	Command []string
	Logger  *zap.Logger
}

// Engine is one worker process. Calls are serialized; the pipeline never
// issues them concurrently but Close may race with an in-flight Infer.
type Engine struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	log *zap.Logger

	mu     sync.Mutex
	broken error
	killed atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// Factory returns a bodytrack.EngineFactory that starts one worker per
// pipeline.
func Factory(opts Options) bodytrack.EngineFactory {
	var next int
	var mu sync.Mutex
	return func(cal bodytrack.Calibration, cfg bodytrack.Config) (bodytrack.Engine, error) {
		mu.Lock()
		id := next
		next++
		mu.Unlock()
		return NewEngine(context.Background(), id, cal, cfg, opts)
	}
}

// NewEngine starts the worker process and initializes the model. Any failure
// wraps bodytrack.ErrEngineInit.
func NewEngine(ctx context.Context, id int, cal bodytrack.Calibration, cfg bodytrack.Config, opts Options) (*Engine, error) {
	argv := opts.Command
	if len(argv) == 0 {
		argv = DefaultCommand
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	py := utils.NewSafeCommand(argv[0], argv[1:]...)

	// Create a side-channel pipe (FD 3) for replies
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create pipe: %w", bodytrack.ErrEngineInit, err)
	}
	// The write end appears as FD 3 in the child.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("%w: stdin pipe: %w", bodytrack.ErrEngineInit, err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("%w: worker %d failed to start: %w", bodytrack.ErrEngineInit, id, err)
	}

	// Only the child should hold the write end, so a crash shows up as EOF.
	w.Close()

	e := &Engine{ID: id, Cmd: py, Stdin: stdin, DataPipe: r, log: log.With(zap.Int("worker", id))}
	if err := e.init(ctx, cal, cfg); err != nil {
		// Close waits for the process, so stderr is complete afterwards.
		_ = e.Close()
		return nil, fmt.Errorf("%w: %w%s", bodytrack.ErrEngineInit, err, e.stderrTail())
	}
	e.log.Debug("worker ready", zap.Int("pid", py.Process.Pid), zap.Strings("argv", argv))
	return e, nil
}

func (e *Engine) init(ctx context.Context, cal bodytrack.Calibration, cfg bodytrack.Config) error {
	_, err := e.call(ctx, opInit, encodeInit(cal, cfg))
	return err
}

// Infer sends one sample to the worker and decodes the bodies it found.
func (e *Engine) Infer(ctx context.Context, s *bodytrack.Sample) (*bodytrack.Result, error) {
	req, err := encodeInfer(s)
	if err != nil {
		return nil, err
	}
	body, err := e.call(ctx, opInfer, req)
	if err != nil {
		return nil, err
	}
	return decodeResult(body)
}

// SetTemporalSmoothing forwards the smoothing factor to the model.
func (e *Engine) SetTemporalSmoothing(factor float32) error {
	_, err := e.call(context.Background(), opSmoothing, encodeSmoothing(factor))
	return err
}

// call performs one request/reply exchange. If ctx ends first the worker is
// killed, since a half-read reply leaves the stream unusable anyway.
func (e *Engine) call(ctx context.Context, op byte, payload []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.broken != nil {
		return nil, e.broken
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, e.kill)
	body, err := e.Communicate(op, payload)
	interrupted := !stop()

	switch {
	case interrupted:
		e.broken = fmt.Errorf("worker %d: %w: killed after %w", e.ID, ErrWorkerBroken, ctx.Err())
		return nil, ctx.Err()
	case errors.As(err, new(*remoteError)):
		return nil, err
	case err != nil:
		e.broken = fmt.Errorf("worker %d: %w: %w", e.ID, ErrWorkerBroken, err)
		e.log.Error("worker exchange failed", zap.Uint8("op", op), zap.Error(err))
		return nil, e.broken
	}
	return body, nil
}

// Communicate writes one framed request and reads one framed reply.
// Protocol: [Length][Op][Payload] -> [Length][Status][Body]
func (e *Engine) Communicate(op byte, payload []byte) ([]byte, error) {
	if err := writeFrame(e.Stdin, op, payload); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	reply, err := readFrame(e.DataPipe)
	if err != nil {
		// This is where a crashed interpreter shows up.
		return nil, fmt.Errorf("read reply: %w", err)
	}
	return parseReply(reply)
}

func (e *Engine) kill() {
	e.killed.Store(true)
	if e.Cmd != nil && e.Cmd.Process != nil {
		_ = e.Cmd.Process.Kill()
	}
	_ = e.DataPipe.Close()
}

func (e *Engine) stderrTail() string {
	if e.Cmd == nil || e.Cmd.Stderr == nil || e.Cmd.Stderr.Len() == 0 {
		return ""
	}
	const max = 2048
	logs := e.Cmd.Stderr.String()
	if len(logs) > max {
		logs = logs[len(logs)-max:]
	}
	return "\nworker stderr:\n" + logs
}

// Stderr returns everything the worker has logged so far.
func (e *Engine) Stderr() string {
	if e.Cmd == nil {
		return ""
	}
	return e.Cmd.Stderr.String()
}

// Close closes the pipes and waits for the process to exit. Closing stdin is
// the worker's signal to shut down.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.Stdin.Close()
		e.DataPipe.Close()

		e.mu.Lock()
		defer e.mu.Unlock()
		wasBroken := e.broken != nil
		if !wasBroken {
			e.broken = fmt.Errorf("worker %d: %w: closed", e.ID, ErrWorkerBroken)
		}
		if e.Cmd == nil || e.Cmd.Process == nil {
			return
		}

		err := e.Cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr) && e.killed.Load():
			e.log.Debug("worker killed", zap.String("state", exitErr.String()))
		case errors.As(err, &exitErr):
			e.log.Warn("worker exited uncleanly",
				zap.String("state", exitErr.String()),
				zap.Bool("crashed", wasBroken),
				zap.String("stderr", e.Stderr()))
		default:
			e.closeErr = fmt.Errorf("worker %d: wait: %w", e.ID, err)
		}
	})
	return e.closeErr
}
