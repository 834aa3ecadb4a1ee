// Package presence turns identity changes between frames into events a
// person would care about: someone walked into view, someone left.
package presence

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/andresmejia3/bodytrack/internal/bodytrack"
	"github.com/andresmejia3/bodytrack/internal/identity"
)

type Kind string

const (
	Entered Kind = "entered"
	Exited  Kind = "exited"
)

// Event is one presence change. Distance is set only for entered bodies whose
// head joint was located.
type Event struct {
	Kind            Kind          `json:"kind"`
	BodyID          uint32        `json:"body_id"`
	Distance        *float64      `json:"distance_m,omitempty"`
	DeviceTimestamp time.Duration `json:"-"`
}

func (e Event) String() string {
	if e.Kind == Exited {
		return fmt.Sprintf("Person #%d exited the view", e.BodyID)
	}
	if e.Distance == nil {
		return fmt.Sprintf("Person #%d entered the view", e.BodyID)
	}
	return fmt.Sprintf("Person #%d entered the view. %.1fm away", e.BodyID, *e.Distance)
}

// Derive builds the events for one frame. Exited events come first, then
// entered ones, each in ascending id order.
func Derive(f *bodytrack.Frame, entered, exited identity.Set) ([]Event, error) {
	ts, err := f.DeviceTimestamp()
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, entered.Len()+exited.Len())
	for _, id := range exited.Sorted() {
		events = append(events, Event{Kind: Exited, BodyID: id, DeviceTimestamp: ts})
	}
	if entered.Len() == 0 {
		return events, nil
	}

	heads, err := headDistances(f)
	if err != nil {
		return nil, err
	}
	for _, id := range entered.Sorted() {
		ev := Event{Kind: Entered, BodyID: id, DeviceTimestamp: ts}
		if d, ok := heads[id]; ok {
			ev.Distance = &d
		}
		events = append(events, ev)
	}
	return events, nil
}

// headDistances maps body id to the head's distance from the sensor in metres.
func headDistances(f *bodytrack.Frame) (map[uint32]float64, error) {
	n, err := f.BodyCount()
	if err != nil {
		return nil, err
	}

	out := make(map[uint32]float64, n)
	for i := 0; i < n; i++ {
		b, err := f.Body(i)
		if err != nil {
			return nil, err
		}
		if b.ID == bodytrack.InvalidBodyID {
			continue
		}
		head := b.Skeleton.Joint(bodytrack.JointHead)
		if !head.Usable() {
			continue
		}
		out[b.ID] = Distance(head.Position)
	}
	return out, nil
}

// Distance returns the length of a joint position, converted from millimetres
// to metres.
func Distance(p bodytrack.Vec3) float64 {
	return r3.Norm(r3.Vec{X: float64(p.X), Y: float64(p.Y), Z: float64(p.Z)}) / 1000
}
