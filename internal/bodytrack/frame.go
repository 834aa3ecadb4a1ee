package bodytrack

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/andresmejia3/bodytrack/internal/handle"
)

type frameData struct {
	seq    uint64
	result *Result
}

// Frame is one tracking result. It belongs to the caller that retrieved it
// and must be disposed.
type Frame struct {
	h   *handle.Handle[*frameData]
	log *zap.Logger
}

func newFrame(seq uint64, res *Result, release func(), log *zap.Logger) *Frame {
	if res == nil {
		res = &Result{}
	}
	h := handle.New(&frameData{seq: seq, result: res},
		func(*frameData) { release() },
		handle.WithLeakHook(func() {
			log.Warn("frame collected without Dispose", zap.Uint64("seq", seq))
		}))
	return &Frame{h: h, log: log}
}

// use runs fn on the frame data; using a disposed frame is a programming
// error and is logged at DPanic level.
func (f *Frame) use(op string, fn func(*frameData) error) error {
	err := f.h.Use(fn)
	if errors.Is(err, ErrInvalidHandle) {
		f.log.DPanic("use of disposed frame", zap.String("op", op))
		return fmt.Errorf("%s: %w", op, err)
	}
	return err
}

func (f *Frame) body(op string, index int) (Body, error) {
	var b Body
	err := f.use(op, func(d *frameData) error {
		if index < 0 || index >= len(d.result.Bodies) {
			return fmt.Errorf("%s(%d) with %d bodies: %w", op, index, len(d.result.Bodies), ErrIndexOutOfRange)
		}
		b = d.result.Bodies[index]
		return nil
	})
	return b, err
}

// Sequence is the position of the frame's capture in submission order.
func (f *Frame) Sequence() (uint64, error) {
	var seq uint64
	err := f.use("Sequence", func(d *frameData) error {
		seq = d.seq
		return nil
	})
	return seq, err
}

// BodyCount returns the number of detected bodies, 0 when nobody is in view.
func (f *Frame) BodyCount() (int, error) {
	var n int
	err := f.use("BodyCount", func(d *frameData) error {
		n = len(d.result.Bodies)
		return nil
	})
	return n, err
}

// Body returns the id and skeleton at index. The id may be InvalidBodyID.
func (f *Frame) Body(index int) (Body, error) {
	return f.body("Body", index)
}

// BodySkeleton returns the skeleton of the body at index.
func (f *Frame) BodySkeleton(index int) (Skeleton, error) {
	b, err := f.body("BodySkeleton", index)
	return b.Skeleton, err
}

// BodyID returns the stable id of the body at index, or ErrBodyIDUnavailable
// when the engine could not supply one.
func (f *Frame) BodyID(index int) (uint32, error) {
	b, err := f.body("BodyID", index)
	if err != nil {
		return 0, err
	}
	if b.ID == InvalidBodyID {
		return 0, fmt.Errorf("BodyID(%d): %w", index, ErrBodyIDUnavailable)
	}
	return b.ID, nil
}

// BodyIDs returns the ids of all bodies that have one, in index order.
func (f *Frame) BodyIDs() ([]uint32, error) {
	var ids []uint32
	err := f.use("BodyIDs", func(d *frameData) error {
		ids = make([]uint32, 0, len(d.result.Bodies))
		for _, b := range d.result.Bodies {
			if b.ID != InvalidBodyID {
				ids = append(ids, b.ID)
			}
		}
		return nil
	})
	return ids, err
}

// DeviceTimestamp is the capture time with microsecond precision. Zero is a
// valid timestamp at the start of a stream or recording.
func (f *Frame) DeviceTimestamp() (time.Duration, error) {
	var ts time.Duration
	err := f.use("DeviceTimestamp", func(d *frameData) error {
		ts = d.result.DeviceTimestamp
		return nil
	})
	return ts, err
}

// SegmentationImage returns a read-only view of the body index map. The view
// stops working once the frame is disposed.
func (f *Frame) SegmentationImage() (*SegmentationImage, error) {
	var img *SegmentationImage
	err := f.use("SegmentationImage", func(d *frameData) error {
		img = &SegmentationImage{frame: f, width: d.result.IndexMapWidth, height: d.result.IndexMapHeight}
		return nil
	})
	return img, err
}

// Dispose returns the frame to the engine. Calling it again is a no-op.
func (f *Frame) Dispose() {
	f.h.Release()
}

// Disposed reports whether Dispose has been called.
func (f *Frame) Disposed() bool {
	return f.h.Released()
}

// SegmentationImage maps each depth pixel to BackgroundIndex or to the index
// of a body in the same frame.
type SegmentationImage struct {
	frame  *Frame
	width  int
	height int
}

func (s *SegmentationImage) Width() int  { return s.width }
func (s *SegmentationImage) Height() int { return s.height }

// At returns the raw map value at (x, y).
func (s *SegmentationImage) At(x, y int) (uint8, error) {
	var v uint8
	err := s.frame.use("SegmentationImage.At", func(d *frameData) error {
		var err error
		v, err = s.at(d, x, y)
		return err
	})
	return v, err
}

func (s *SegmentationImage) at(d *frameData, x, y int) (uint8, error) {
	if x < 0 || y < 0 || x >= s.width || y >= s.height {
		return 0, fmt.Errorf("%w: pixel (%d,%d) outside %dx%d", ErrInvalidArgument, x, y, s.width, s.height)
	}
	i := y*s.width + x
	if i >= len(d.result.IndexMap) {
		return BackgroundIndex, nil
	}
	return d.result.IndexMap[i], nil
}

// BodyIndex returns the index of the body covering (x, y), or -1 for background.
// A map value that names no body of the frame is ErrIndexOutOfRange.
func (s *SegmentationImage) BodyIndex(x, y int) (int, error) {
	idx := -1
	err := s.frame.use("SegmentationImage.BodyIndex", func(d *frameData) error {
		v, err := s.at(d, x, y)
		if err != nil || v == BackgroundIndex {
			return err
		}
		if int(v) >= len(d.result.Bodies) {
			return fmt.Errorf("%w: pixel (%d,%d) names body %d of %d", ErrIndexOutOfRange, x, y, v, len(d.result.Bodies))
		}
		idx = int(v)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return idx, nil
}

// Pixels returns a copy of the whole map, row-major.
func (s *SegmentationImage) Pixels() ([]uint8, error) {
	var out []uint8
	err := s.frame.use("SegmentationImage.Pixels", func(d *frameData) error {
		out = make([]uint8, len(d.result.IndexMap))
		copy(out, d.result.IndexMap)
		return nil
	})
	return out, err
}
