package device

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/bodytrack/internal/bodytrack"
	"github.com/andresmejia3/bodytrack/internal/handle"
)

var testCal = bodytrack.Calibration{
	DepthMode:       "NFOV_2x2Binned",
	ColorResolution: "1080p",
	DepthWidth:      2,
	DepthHeight:     2,
	Raw:             []byte{0xCA, 0xFE},
}

func depthSample(ts time.Duration, fill byte) *bodytrack.Sample {
	buf := bytes.Repeat([]byte{fill}, 8)
	return &bodytrack.Sample{
		DeviceTimestamp: ts,
		Depth:           &bodytrack.Image{Format: bodytrack.FormatDepth16, Width: 2, Height: 2, Stride: 4, Buffer: buf},
	}
}

func record(t *testing.T, samples ...*bodytrack.Sample) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, testCal)
	require.NoError(t, err)
	for _, s := range samples {
		require.NoError(t, w.Write(s))
	}
	require.NoError(t, w.Close())
	return &buf
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	withColor := depthSample(33*time.Millisecond, 2)
	withColor.Color = &bodytrack.Image{Format: bodytrack.FormatColorMJPG, Width: 4, Height: 1, Stride: 0, Buffer: []byte{0xFF, 0xD8, 0xFF, 0xD9}}
	samples := []*bodytrack.Sample{depthSample(0, 1), withColor}

	rec, err := NewRecording(record(t, samples...))
	require.NoError(t, err)
	defer rec.Close()
	assert.Equal(t, testCal, rec.Calibration())

	for _, want := range samples {
		c, err := rec.GetCapture(ctx, 0)
		require.NoError(t, err)
		got, err := c.Sample()
		require.NoError(t, err)
		assert.Equal(t, want, got)
		c.Release()
	}

	_, err = rec.GetCapture(ctx, 0)
	assert.ErrorIs(t, err, io.EOF)
	_, err = rec.GetCapture(ctx, 0)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 2, rec.Count())
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.btrc")
	w, err := Create(path, testCal)
	require.NoError(t, err)
	require.NoError(t, w.Write(depthSample(0, 0)))
	require.NoError(t, w.Close())

	rec, err := Open(path)
	require.NoError(t, err)
	defer rec.Close()

	c, err := rec.GetCapture(context.Background(), bodytrack.Infinite)
	require.NoError(t, err)
	c.Release()

	_, err = Open(filepath.Join(t.TempDir(), "missing.btrc"))
	assert.Error(t, err)
}

func TestBadRecordings(t *testing.T) {
	good := record(t, depthSample(0, 1)).Bytes()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", append([]byte("MKV!"), good[4:]...)},
		{"future version", append([]byte("BTRC\x00\x09"), good[6:]...)},
		{"truncated header", good[:10]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRecording(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, ErrBadRecording)
		})
	}
}

func TestTruncatedRecord(t *testing.T) {
	data := record(t, depthSample(0, 1), depthSample(time.Millisecond, 2)).Bytes()
	rec, err := NewRecording(bytes.NewReader(data[:len(data)-3]))
	require.NoError(t, err)

	c, err := rec.GetCapture(context.Background(), 0)
	require.NoError(t, err)
	c.Release()

	_, err = rec.GetCapture(context.Background(), 0)
	assert.ErrorIs(t, err, ErrBadRecording)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRealTimePacing(t *testing.T) {
	ctx := context.Background()
	rec, err := NewRecording(record(t, depthSample(0, 0), depthSample(80*time.Millisecond, 0)), RealTime())
	require.NoError(t, err)

	c, err := rec.GetCapture(ctx, 0)
	require.NoError(t, err)
	c.Release()

	// The second capture is not due yet.
	_, err = rec.GetCapture(ctx, 0)
	assert.ErrorIs(t, err, bodytrack.ErrTimeout)

	start := time.Now()
	c, err = rec.GetCapture(ctx, time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	s, err := c.Sample()
	require.NoError(t, err)
	assert.Equal(t, 80*time.Millisecond, s.DeviceTimestamp)
	c.Release()
}

func TestGetCaptureCancelled(t *testing.T) {
	rec, err := NewRecording(record(t, depthSample(0, 0), depthSample(time.Hour, 0)), RealTime())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c, err := rec.GetCapture(ctx, 0)
	require.NoError(t, err)
	c.Release()

	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = rec.GetCapture(ctx, bodytrack.Infinite)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCaptureRelease(t *testing.T) {
	s := depthSample(0, 0)
	c := NewCapture(s)

	got, err := c.Sample()
	require.NoError(t, err)

	c.Release()
	c.Release()
	assert.True(t, c.Released())

	_, err = c.Sample()
	assert.ErrorIs(t, err, handle.ErrInvalidHandle)

	// Data taken before release stays usable.
	assert.Equal(t, 8, len(got.Depth.Buffer))
}

func TestWriterRejectsInvalidSample(t *testing.T) {
	w, err := NewWriter(io.Discard, testCal)
	require.NoError(t, err)
	assert.ErrorIs(t, w.Write(&bodytrack.Sample{}), bodytrack.ErrInvalidCapture)
}
