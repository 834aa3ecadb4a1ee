package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistance(t *testing.T) {
	assert.InDelta(t, 1.8, Distance(vec(0, 0, 1800)), 1e-9)
	assert.InDelta(t, 5.0, Distance(vec(3000, 0, 4000)), 1e-9)
	assert.Equal(t, 0.0, Distance(vec(0, 0, 0)))
}

func TestEventString(t *testing.T) {
	d := 1.84
	tests := []struct {
		ev   Event
		want string
	}{
		{Event{Kind: Entered, BodyID: 7, Distance: &d}, "Person #7 entered the view. 1.8m away"},
		{Event{Kind: Entered, BodyID: 7}, "Person #7 entered the view"},
		{Event{Kind: Exited, BodyID: 3}, "Person #3 exited the view"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.ev.String())
	}
}

func TestDerive(t *testing.T) {
	f := frame(t,
		body(2, vec(0, 0, 1800), true),
		body(5, vec(0, 0, 900), false),
		body(9, vec(3000, 0, 4000), true),
	)
	defer f.Dispose()

	events, err := Derive(f, set(9, 2, 5), set(4, 1))
	require.NoError(t, err)
	require.Len(t, events, 5)

	assert.Equal(t, Event{Kind: Exited, BodyID: 1, DeviceTimestamp: ts}, events[0])
	assert.Equal(t, Event{Kind: Exited, BodyID: 4, DeviceTimestamp: ts}, events[1])

	assert.Equal(t, uint32(2), events[2].BodyID)
	require.NotNil(t, events[2].Distance)
	assert.InDelta(t, 1.8, *events[2].Distance, 1e-6)

	assert.Equal(t, uint32(5), events[3].BodyID)
	assert.Nil(t, events[3].Distance, "head confidence none")

	assert.Equal(t, uint32(9), events[4].BodyID)
	require.NotNil(t, events[4].Distance)
	assert.InDelta(t, 5.0, *events[4].Distance, 1e-6)
}

func TestDeriveNoChanges(t *testing.T) {
	f := frame(t, body(1, vec(0, 0, 1000), true))
	defer f.Dispose()

	events, err := Derive(f, set(), set())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDeriveDisposedFrame(t *testing.T) {
	f := frame(t)
	f.Dispose()

	_, err := Derive(f, set(1), set())
	assert.Error(t, err)
}
