package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/andresmejia3/bodytrack/internal/bodytrack"
)

const (
	opInit      byte = 1
	opInfer     byte = 2
	opSmoothing byte = 3

	statusOK    byte = 0
	statusError byte = 1

	// maxFrame bounds a single message so a corrupt length cannot exhaust memory.
	maxFrame = 64 << 20
)

// remoteError is an error the worker reported in a well-formed reply. The
// stream is still in sync afterwards.
type remoteError struct {
	msg string
}

func (e *remoteError) Error() string { return "worker error: " + e.msg }

func writeFrame(w io.Writer, op byte, payload []byte) error {
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[4] = op
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n == 0 || n > maxFrame {
		return nil, fmt.Errorf("bad frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func parseReply(reply []byte) ([]byte, error) {
	switch reply[0] {
	case statusOK:
		return reply[1:], nil
	case statusError:
		r := bytes.NewReader(reply[1:])
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("truncated error reply: %w", err)
		}
		if int(n) > r.Len() {
			return nil, fmt.Errorf("error message length %d exceeds reply", n)
		}
		msg := make([]byte, n)
		_, _ = io.ReadFull(r, msg)
		return nil, &remoteError{msg: string(msg)}
	}
	return nil, fmt.Errorf("unknown reply status %d", reply[0])
}

func putString(b *bytes.Buffer, s string) {
	_ = binary.Write(b, binary.BigEndian, uint16(len(s)))
	b.WriteString(s)
}

// encodeInit: [u8 orientation][u8 cpu_only][f32 smoothing][u32 depth_w][u32 depth_h]
// [u16 n][depth_mode][u16 n][color_resolution][u32 n][raw calibration]
func encodeInit(cal bodytrack.Calibration, cfg bodytrack.Config) []byte {
	b := new(bytes.Buffer)
	b.WriteByte(byte(cfg.SensorOrientation))
	cpu := byte(0)
	if cfg.CPUOnly {
		cpu = 1
	}
	b.WriteByte(cpu)
	_ = binary.Write(b, binary.BigEndian, cfg.TemporalSmoothing)
	_ = binary.Write(b, binary.BigEndian, uint32(cal.DepthWidth))
	_ = binary.Write(b, binary.BigEndian, uint32(cal.DepthHeight))
	putString(b, cal.DepthMode)
	putString(b, cal.ColorResolution)
	_ = binary.Write(b, binary.BigEndian, uint32(len(cal.Raw)))
	b.Write(cal.Raw)
	return b.Bytes()
}

// encodeInfer: [i64 timestamp_us][u32 w][u32 h][u32 stride][u32 n][depth]
func encodeInfer(s *bodytrack.Sample) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	d := s.Depth
	b := bytes.NewBuffer(make([]byte, 0, 24+len(d.Buffer)))
	_ = binary.Write(b, binary.BigEndian, s.DeviceTimestamp.Microseconds())
	_ = binary.Write(b, binary.BigEndian, uint32(d.Width))
	_ = binary.Write(b, binary.BigEndian, uint32(d.Height))
	_ = binary.Write(b, binary.BigEndian, uint32(d.Stride))
	_ = binary.Write(b, binary.BigEndian, uint32(len(d.Buffer)))
	b.Write(d.Buffer)
	return b.Bytes(), nil
}

func encodeSmoothing(f float32) []byte {
	b := make([]byte, 4)
	_, _ = binary.Encode(b, binary.BigEndian, f)
	return b
}

// wireJoint is one joint as sent by the worker: position (mm), orientation
// quaternion (w, x, y, z), confidence level.
type wireJoint struct {
	Position    [3]float32
	Orientation [4]float32
	Confidence  uint8
}

var wireBodySize = 4 + bodytrack.JointCount*binary.Size(wireJoint{})

var errShortReply = errors.New("truncated infer reply")

// decodeResult parses an infer reply:
// [u32 bodies] { [u32 id] 32 x wireJoint } [u32 w][u32 h][u32 n][index map] [i64 timestamp_us]
func decodeResult(body []byte) (*bodytrack.Result, error) {
	r := bytes.NewReader(body)
	read := func(v any) error {
		if err := binary.Read(r, binary.BigEndian, v); err != nil {
			return fmt.Errorf("%w: %w", errShortReply, err)
		}
		return nil
	}

	var count uint32
	if err := read(&count); err != nil {
		return nil, err
	}
	if int64(count)*int64(wireBodySize) > int64(r.Len()) {
		return nil, fmt.Errorf("%w: %d bodies in %d bytes", errShortReply, count, r.Len())
	}

	res := &bodytrack.Result{Bodies: make([]bodytrack.Body, count)}
	var joints [bodytrack.JointCount]wireJoint
	for i := range res.Bodies {
		if err := read(&res.Bodies[i].ID); err != nil {
			return nil, err
		}
		if err := read(&joints); err != nil {
			return nil, err
		}
		for j, wj := range joints {
			conf := bodytrack.Confidence(wj.Confidence)
			if conf > bodytrack.ConfidenceHigh {
				return nil, fmt.Errorf("body %d joint %s: confidence %d out of range", i, bodytrack.JointID(j), wj.Confidence)
			}
			res.Bodies[i].Skeleton.Joints[j] = bodytrack.Joint{
				Position:    bodytrack.Vec3{X: wj.Position[0], Y: wj.Position[1], Z: wj.Position[2]},
				Orientation: bodytrack.Quaternion{W: wj.Orientation[0], X: wj.Orientation[1], Y: wj.Orientation[2], Z: wj.Orientation[3]},
				Confidence:  conf,
			}
		}
	}

	var geom [3]uint32
	if err := read(&geom); err != nil {
		return nil, err
	}
	w, h, n := int(geom[0]), int(geom[1]), int(geom[2])
	if n > r.Len() {
		return nil, fmt.Errorf("%w: index map of %d bytes", errShortReply, n)
	}
	if n != 0 && n != w*h {
		return nil, fmt.Errorf("index map is %dx%d but carries %d bytes", w, h, n)
	}
	res.IndexMapWidth, res.IndexMapHeight = w, h
	res.IndexMap = make([]uint8, n)
	_, _ = io.ReadFull(r, res.IndexMap)
	for i, v := range res.IndexMap {
		if v != bodytrack.BackgroundIndex && int(v) >= len(res.Bodies) {
			return nil, fmt.Errorf("index map pixel %d names body %d of %d", i, v, len(res.Bodies))
		}
	}

	var us int64
	if err := read(&us); err != nil {
		return nil, err
	}
	res.DeviceTimestamp = time.Duration(us) * time.Microsecond
	return res, nil
}
