package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andresmejia3/bodytrack/internal/bodytrack"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func mockEngine() (*Engine, *MockCloser, *MockCloser) {
	stdin := &MockCloser{Buffer: new(bytes.Buffer)}
	data := &MockCloser{Buffer: new(bytes.Buffer)}
	return &Engine{ID: 1, Stdin: stdin, DataPipe: data, log: zap.NewNop()}, stdin, data
}

// reply writes one framed reply as the worker would.
func reply(w io.Writer, status byte, body []byte) {
	binary.Write(w, binary.BigEndian, uint32(1+len(body)))
	w.Write([]byte{status})
	w.Write(body)
}

func errorReply(w io.Writer, msg string) {
	b := new(bytes.Buffer)
	binary.Write(b, binary.BigEndian, uint32(len(msg)))
	b.WriteString(msg)
	reply(w, statusError, b.Bytes())
}

// encodeResult is the worker side of decodeResult.
func encodeResult(res *bodytrack.Result) []byte {
	b := new(bytes.Buffer)
	binary.Write(b, binary.BigEndian, uint32(len(res.Bodies)))
	for _, body := range res.Bodies {
		binary.Write(b, binary.BigEndian, body.ID)
		for _, j := range body.Skeleton.Joints {
			binary.Write(b, binary.BigEndian, wireJoint{
				Position:    [3]float32{j.Position.X, j.Position.Y, j.Position.Z},
				Orientation: [4]float32{j.Orientation.W, j.Orientation.X, j.Orientation.Y, j.Orientation.Z},
				Confidence:  uint8(j.Confidence),
			})
		}
	}
	binary.Write(b, binary.BigEndian, [3]uint32{uint32(res.IndexMapWidth), uint32(res.IndexMapHeight), uint32(len(res.IndexMap))})
	b.Write(res.IndexMap)
	binary.Write(b, binary.BigEndian, res.DeviceTimestamp.Microseconds())
	return b.Bytes()
}

func sample() *bodytrack.Sample {
	return &bodytrack.Sample{
		DeviceTimestamp: 33 * time.Millisecond,
		Depth:           &bodytrack.Image{Format: bodytrack.FormatDepth16, Width: 2, Height: 1, Stride: 4, Buffer: []byte{1, 2, 3, 4}},
	}
}

func TestInfer(t *testing.T) {
	e, stdin, data := mockEngine()

	want := &bodytrack.Result{
		Bodies:          []bodytrack.Body{{ID: 7}},
		IndexMap:        []uint8{0, bodytrack.BackgroundIndex},
		IndexMapWidth:   2,
		IndexMapHeight:  1,
		DeviceTimestamp: 33 * time.Millisecond,
	}
	want.Bodies[0].Skeleton.Joints[bodytrack.JointHead] = bodytrack.Joint{
		Position:    bodytrack.Vec3{X: 10, Y: -20, Z: 1800},
		Orientation: bodytrack.Quaternion{W: 1},
		Confidence:  bodytrack.ConfidenceHigh,
	}
	reply(data, statusOK, encodeResult(want))

	got, err := e.Infer(context.Background(), sample())
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// [len][op][ts][w][h][stride][n][depth]
	sent := stdin.Bytes()
	require.Len(t, sent, 4+1+8+4*4+4)
	assert.Equal(t, uint32(len(sent)-4), binary.BigEndian.Uint32(sent))
	assert.Equal(t, opInfer, sent[4])
	assert.Equal(t, uint64(33000), binary.BigEndian.Uint64(sent[5:]))
	assert.Equal(t, []byte{1, 2, 3, 4}, sent[len(sent)-4:])
}

func TestInferNoBodies(t *testing.T) {
	e, _, data := mockEngine()
	reply(data, statusOK, encodeResult(&bodytrack.Result{}))

	got, err := e.Infer(context.Background(), sample())
	require.NoError(t, err)
	assert.Empty(t, got.Bodies)
	assert.Equal(t, time.Duration(0), got.DeviceTimestamp)
}

func TestInferRemoteErrorKeepsWorker(t *testing.T) {
	e, _, data := mockEngine()
	errorReply(data, "Python Exception: bad depth mode")
	reply(data, statusOK, encodeResult(&bodytrack.Result{}))

	_, err := e.Infer(context.Background(), sample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad depth mode")
	assert.NotErrorIs(t, err, ErrWorkerBroken)

	_, err = e.Infer(context.Background(), sample())
	assert.NoError(t, err)
}

func TestInferWorkerCrash(t *testing.T) {
	e, stdin, _ := mockEngine()

	// Nothing queued on the data pipe: the read hits EOF like a dead process.
	_, err := e.Infer(context.Background(), sample())
	require.ErrorIs(t, err, ErrWorkerBroken)
	assert.ErrorIs(t, err, io.EOF)

	stdin.Reset()
	_, err = e.Infer(context.Background(), sample())
	assert.ErrorIs(t, err, ErrWorkerBroken)
	assert.Zero(t, stdin.Len(), "broken worker must not be written to")
}

func TestInferCancelKillsWorker(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	e := &Engine{ID: 2, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: pr, log: zap.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := e.Infer(ctx, sample())
	assert.ErrorIs(t, err, context.Canceled)

	_, err = e.Infer(context.Background(), sample())
	assert.ErrorIs(t, err, ErrWorkerBroken)
}

func TestInferRejectsInvalidSample(t *testing.T) {
	e, stdin, _ := mockEngine()
	_, err := e.Infer(context.Background(), &bodytrack.Sample{})
	assert.ErrorIs(t, err, bodytrack.ErrInvalidCapture)
	assert.Zero(t, stdin.Len())
}

func TestSetTemporalSmoothing(t *testing.T) {
	e, stdin, data := mockEngine()
	reply(data, statusOK, nil)

	require.NoError(t, e.SetTemporalSmoothing(0.25))

	sent := stdin.Bytes()
	require.Len(t, sent, 9)
	assert.Equal(t, opSmoothing, sent[4])
	var f float32
	_, err := binary.Decode(sent[5:], binary.BigEndian, &f)
	require.NoError(t, err)
	assert.Equal(t, float32(0.25), f)
}

func TestDecodeResultErrors(t *testing.T) {
	full := encodeResult(&bodytrack.Result{Bodies: []bodytrack.Body{{ID: 1}}, IndexMap: []uint8{0}, IndexMapWidth: 1, IndexMapHeight: 1})
	strayIndex := encodeResult(&bodytrack.Result{Bodies: []bodytrack.Body{{ID: 1}}, IndexMap: []uint8{bodytrack.BackgroundIndex, 7}, IndexMapWidth: 2, IndexMapHeight: 1})

	tests := []struct {
		name string
		body []byte
	}{
		{"empty", nil},
		{"body count too large", []byte{0, 0, 1, 0}},
		{"truncated skeleton", full[:50]},
		{"missing timestamp", full[:len(full)-8]},
		{"index map names missing body", strayIndex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeResult(tt.body)
			assert.Error(t, err)
		})
	}

	res, err := decodeResult(full)
	require.NoError(t, err)
	assert.Len(t, res.Bodies, 1)
}

func TestParseReplyUnknownStatus(t *testing.T) {
	_, err := parseReply([]byte{9})
	assert.Error(t, err)
	var re *remoteError
	assert.False(t, errors.As(err, &re))
}

func TestNewEngineInitFailure(t *testing.T) {
	cfg := bodytrack.DefaultConfig()

	_, err := NewEngine(context.Background(), 0, bodytrack.Calibration{}, cfg, Options{Command: []string{"/nonexistent/worker"}})
	assert.ErrorIs(t, err, bodytrack.ErrEngineInit)

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	// A worker that exits before answering init.
	_, err = NewEngine(context.Background(), 1, bodytrack.Calibration{}, cfg, Options{Command: []string{"sh", "-c", "echo missing model >&2; exit 3"}})
	require.ErrorIs(t, err, bodytrack.ErrEngineInit)
	assert.Contains(t, err.Error(), "missing model")
}

func TestCloseIsIdempotent(t *testing.T) {
	e, _, _ := mockEngine()
	assert.NoError(t, e.Close())
	assert.NoError(t, e.Close())

	_, err := e.Infer(context.Background(), sample())
	assert.ErrorIs(t, err, ErrWorkerBroken)
}
