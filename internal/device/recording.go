// Package device reads captures from a recorded sensor stream and writes
// such recordings.
package device

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/andresmejia3/bodytrack/internal/bodytrack"
)

type Option func(*Recording)

// RealTime paces GetCapture to the recorded timestamps, as a live sensor
// would deliver them.
func RealTime() Option {
	return func(r *Recording) { r.realTime = true }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Recording) { r.log = l }
}

// Recording plays back a recorded stream as a capture device.
type Recording struct {
	mu       sync.Mutex
	r        *bufio.Reader
	closer   io.Closer
	cal      bodytrack.Calibration
	realTime bool
	log      *zap.Logger

	// pending holds a record that was read but not yet due.
	pending *bodytrack.Sample
	started bool
	start   time.Time
	first   time.Duration
	count   int
	eof     bool
}

// Open opens a recording file.
func Open(path string, opts ...Option) (*Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rec, err := NewRecording(f, opts...)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	rec.closer = f
	return rec, nil
}

// NewRecording reads the recording header from r.
func NewRecording(r io.Reader, opts ...Option) (*Recording, error) {
	rec := &Recording{r: bufio.NewReaderSize(r, 1<<20), log: zap.NewNop()}
	for _, opt := range opts {
		opt(rec)
	}
	cal, err := readHeader(rec.r)
	if err != nil {
		return nil, err
	}
	rec.cal = cal
	return rec, nil
}

// Calibration describes the sensor the recording was made with.
func (r *Recording) Calibration() bodytrack.Calibration { return r.cal }

// Count is the number of captures handed out so far.
func (r *Recording) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// GetCapture returns the next capture. It returns io.EOF after the last one
// and bodytrack.ErrTimeout if, in real-time mode, the next capture is not due
// within timeout. A negative timeout waits as long as needed.
func (r *Recording) GetCapture(ctx context.Context, timeout time.Duration) (*Capture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := r.pending
	r.pending = nil
	if s == nil {
		if r.eof {
			return nil, io.EOF
		}
		var err error
		s, err = readRecord(r.r)
		if err == io.EOF {
			r.eof = true
			r.log.Debug("recording finished", zap.Int("captures", r.count))
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
	}

	if r.realTime {
		if err := r.pace(ctx, s, timeout); err != nil {
			r.pending = s
			return nil, err
		}
	}
	r.count++
	return NewCapture(s), nil
}

func (r *Recording) pace(ctx context.Context, s *bodytrack.Sample, timeout time.Duration) error {
	if !r.started {
		r.started = true
		r.start = time.Now()
		r.first = s.DeviceTimestamp
		return nil
	}

	wait := time.Until(r.start.Add(s.DeviceTimestamp - r.first))
	if wait <= 0 {
		return nil
	}
	late := timeout >= 0 && wait > timeout
	if late {
		wait = timeout
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	if late {
		return fmt.Errorf("next capture due in %s: %w", time.Until(r.start.Add(s.DeviceTimestamp-r.first)), bodytrack.ErrTimeout)
	}
	return nil
}

func (r *Recording) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// Writer produces a recording.
type Writer struct {
	bw     *bufio.Writer
	closer io.Closer
}

// Create writes a new recording file at path.
func Create(path string, cal bodytrack.Calibration) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, cal)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewWriter writes the recording header to w.
func NewWriter(w io.Writer, cal bodytrack.Calibration) (*Writer, error) {
	bw := bufio.NewWriter(w)
	e := &encoder{w: bw}
	e.bytes([]byte(magic))
	e.write(uint16(version))
	e.string16(cal.DepthMode)
	e.string16(cal.ColorResolution)
	e.write([2]uint32{uint32(cal.DepthWidth), uint32(cal.DepthHeight)})
	e.write(uint32(len(cal.Raw)))
	e.bytes(cal.Raw)
	if e.err != nil {
		return nil, fmt.Errorf("write recording header: %w", e.err)
	}
	return &Writer{bw: bw}, nil
}

// Write appends one sample. Only the depth and color images are recorded.
func (w *Writer) Write(s *bodytrack.Sample) error {
	if err := s.Validate(); err != nil {
		return err
	}
	e := &encoder{w: w.bw}
	e.write(s.DeviceTimestamp.Microseconds())
	e.image(s.Depth)
	if s.Color != nil {
		e.write(uint8(1))
		e.image(s.Color)
	} else {
		e.write(uint8(0))
	}
	return e.err
}

// Close flushes buffered records and closes the underlying file, if any.
func (w *Writer) Close() error {
	err := w.bw.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
