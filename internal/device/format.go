package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/andresmejia3/bodytrack/internal/bodytrack"
)

// Recording layout, all integers big-endian:
//
//	header      "BTRC" [u16 version]
//	calibration [u16 n][depth mode] [u16 n][color resolution] [u32 w][u32 h] [u32 n][raw]
//	record*     [i64 timestamp us] image(depth) [u8 has_color] image(color)?
//	image       [u8 format][u32 w][u32 h][u32 stride][u32 n][bytes]
const (
	magic   = "BTRC"
	version = 1

	// maxImage bounds a single image so a corrupt length cannot exhaust memory.
	maxImage = 256 << 20
)

var ErrBadRecording = errors.New("not a valid recording")

type decoder struct {
	r   io.Reader
	err error
}

func (d *decoder) read(v any) {
	if d.err != nil {
		return
	}
	d.err = binary.Read(d.r, binary.BigEndian, v)
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	buf := make([]byte, n)
	_, d.err = io.ReadFull(d.r, buf)
	return buf
}

func (d *decoder) string16() string {
	var n uint16
	d.read(&n)
	return string(d.bytes(int(n)))
}

func (d *decoder) image() *bodytrack.Image {
	var hdr struct {
		Format uint8
		Width  uint32
		Height uint32
		Stride uint32
		Len    uint32
	}
	d.read(&hdr)
	if d.err == nil && hdr.Len > maxImage {
		d.err = fmt.Errorf("%w: image of %d bytes", ErrBadRecording, hdr.Len)
	}
	buf := d.bytes(int(hdr.Len))
	if d.err != nil {
		return nil
	}
	return &bodytrack.Image{
		Format: bodytrack.ImageFormat(hdr.Format),
		Width:  int(hdr.Width),
		Height: int(hdr.Height),
		Stride: int(hdr.Stride),
		Buffer: buf,
	}
}

func readHeader(r io.Reader) (bodytrack.Calibration, error) {
	d := &decoder{r: r}
	var hdr struct {
		Magic   [4]byte
		Version uint16
	}
	d.read(&hdr)
	if d.err != nil {
		return bodytrack.Calibration{}, fmt.Errorf("%w: read header: %w", ErrBadRecording, d.err)
	}
	if string(hdr.Magic[:]) != magic {
		return bodytrack.Calibration{}, fmt.Errorf("%w: bad magic %q", ErrBadRecording, hdr.Magic[:])
	}
	if hdr.Version != version {
		return bodytrack.Calibration{}, fmt.Errorf("%w: unsupported version %d", ErrBadRecording, hdr.Version)
	}

	var cal bodytrack.Calibration
	cal.DepthMode = d.string16()
	cal.ColorResolution = d.string16()
	var dims [2]uint32
	d.read(&dims)
	cal.DepthWidth, cal.DepthHeight = int(dims[0]), int(dims[1])
	var n uint32
	d.read(&n)
	if d.err == nil && n > maxImage {
		d.err = fmt.Errorf("calibration blob of %d bytes", n)
	}
	cal.Raw = d.bytes(int(n))
	if d.err != nil {
		return bodytrack.Calibration{}, fmt.Errorf("%w: read calibration: %w", ErrBadRecording, d.err)
	}
	return cal, nil
}

// readRecord returns io.EOF only at a clean record boundary.
func readRecord(r io.Reader) (*bodytrack.Sample, error) {
	d := &decoder{r: r}
	var us int64
	d.read(&us)
	if d.err == io.EOF {
		return nil, io.EOF
	}

	s := &bodytrack.Sample{DeviceTimestamp: time.Duration(us) * time.Microsecond}
	s.Depth = d.image()
	var hasColor uint8
	d.read(&hasColor)
	if hasColor != 0 {
		s.Color = d.image()
	}
	if d.err != nil {
		if d.err == io.EOF {
			d.err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: truncated record: %w", ErrBadRecording, d.err)
	}
	return s, nil
}

type encoder struct {
	w   io.Writer
	err error
}

func (e *encoder) write(v any) {
	if e.err != nil {
		return
	}
	e.err = binary.Write(e.w, binary.BigEndian, v)
}

func (e *encoder) bytes(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

func (e *encoder) string16(s string) {
	e.write(uint16(len(s)))
	e.bytes([]byte(s))
}

func (e *encoder) image(img *bodytrack.Image) {
	e.write(uint8(img.Format))
	e.write([4]uint32{uint32(img.Width), uint32(img.Height), uint32(img.Stride), uint32(len(img.Buffer))})
	e.bytes(img.Buffer)
}
