package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/bodytrack/internal/bodytrack"
	"github.com/andresmejia3/bodytrack/internal/identity"
)

const ts = 1500 * time.Millisecond

type staticEngine struct{ bodies []bodytrack.Body }

func (e staticEngine) Infer(_ context.Context, s *bodytrack.Sample) (*bodytrack.Result, error) {
	return &bodytrack.Result{Bodies: e.bodies, DeviceTimestamp: s.DeviceTimestamp}, nil
}
func (staticEngine) SetTemporalSmoothing(float32) error { return nil }
func (staticEngine) Close() error                       { return nil }

type sampleCapture struct{ s *bodytrack.Sample }

func (c sampleCapture) Sample() (*bodytrack.Sample, error) { return c.s, nil }

// frame runs bodies through a real pipeline so the test gets a genuine Frame.
func frame(t *testing.T, bodies ...bodytrack.Body) *bodytrack.Frame {
	t.Helper()
	ctx := context.Background()

	factory := func(bodytrack.Calibration, bodytrack.Config) (bodytrack.Engine, error) {
		return staticEngine{bodies: bodies}, nil
	}
	p, err := bodytrack.New(bodytrack.Calibration{}, bodytrack.DefaultConfig(), factory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	c := sampleCapture{s: &bodytrack.Sample{
		DeviceTimestamp: ts,
		Depth:           &bodytrack.Image{Format: bodytrack.FormatDepth16, Width: 1, Height: 1, Stride: 2, Buffer: make([]byte, 2)},
	}}
	require.NoError(t, p.Submit(ctx, c, bodytrack.Infinite))
	f, err := p.Retrieve(ctx, time.Second)
	require.NoError(t, err)
	return f
}

func body(id uint32, head bodytrack.Vec3, located bool) bodytrack.Body {
	b := bodytrack.Body{ID: id}
	j := bodytrack.Joint{Position: head, Orientation: bodytrack.Quaternion{W: 1}}
	if located {
		j.Confidence = bodytrack.ConfidenceMedium
	}
	b.Skeleton.Joints[bodytrack.JointHead] = j
	return b
}

func vec(x, y, z float32) bodytrack.Vec3 { return bodytrack.Vec3{X: x, Y: y, Z: z} }

func set(ids ...uint32) identity.Set { return identity.NewSet(ids...) }
