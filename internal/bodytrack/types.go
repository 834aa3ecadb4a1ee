package bodytrack

import (
	"fmt"
	"time"
)

// JointID names a joint of the skeleton model, in engine order.
type JointID int

const (
	JointPelvis JointID = iota
	JointSpineNavel
	JointSpineChest
	JointNeck
	JointClavicleLeft
	JointShoulderLeft
	JointElbowLeft
	JointWristLeft
	JointHandLeft
	JointHandTipLeft
	JointThumbLeft
	JointClavicleRight
	JointShoulderRight
	JointElbowRight
	JointWristRight
	JointHandRight
	JointHandTipRight
	JointThumbRight
	JointHipLeft
	JointKneeLeft
	JointAnkleLeft
	JointFootLeft
	JointHipRight
	JointKneeRight
	JointAnkleRight
	JointFootRight
	JointHead
	JointNose
	JointEyeLeft
	JointEarLeft
	JointEyeRight
	JointEarRight

	// JointCount is the number of joints in a Skeleton.
	JointCount = 32
)

var jointNames = [JointCount]string{
	"pelvis", "spine_navel", "spine_chest", "neck",
	"clavicle_left", "shoulder_left", "elbow_left", "wrist_left", "hand_left", "handtip_left", "thumb_left",
	"clavicle_right", "shoulder_right", "elbow_right", "wrist_right", "hand_right", "handtip_right", "thumb_right",
	"hip_left", "knee_left", "ankle_left", "foot_left",
	"hip_right", "knee_right", "ankle_right", "foot_right",
	"head", "nose", "eye_left", "ear_left", "eye_right", "ear_right",
}

func (j JointID) String() string {
	if j < 0 || int(j) >= JointCount {
		return fmt.Sprintf("joint(%d)", int(j))
	}
	return jointNames[j]
}

// Confidence is the engine's trust in a joint. Higher is better.
type Confidence uint8

const (
	// ConfidenceNone means the joint is out of range; its fields must not be used.
	ConfidenceNone Confidence = iota
	// ConfidenceLow means the joint was not observed and its pose is predicted.
	ConfidenceLow
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceNone:
		return "none"
	case ConfidenceLow:
		return "low"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	}
	return fmt.Sprintf("confidence(%d)", uint8(c))
}

// Vec3 is a position in millimetres in the sensor's depth camera frame.
type Vec3 struct {
	X, Y, Z float32
}

// Quaternion is a normalized orientation.
type Quaternion struct {
	W, X, Y, Z float32
}

// Joint is one joint pose.
type Joint struct {
	Position    Vec3
	Orientation Quaternion
	Confidence  Confidence
}

// Usable reports whether the joint carries meaningful geometry.
func (j Joint) Usable() bool { return j.Confidence > ConfidenceNone }

// Skeleton is the fixed set of joints of one body.
type Skeleton struct {
	Joints [JointCount]Joint
}

// Joint returns the joint with the given id.
func (s Skeleton) Joint(id JointID) Joint { return s.Joints[id] }

// InvalidBodyID is the value the engine reports when it cannot supply an id.
const InvalidBodyID uint32 = 0xFFFFFFFF

// Body is one detected body.
type Body struct {
	ID       uint32
	Skeleton Skeleton
}

// BackgroundIndex marks a segmentation pixel that belongs to no body.
const BackgroundIndex uint8 = 255

// ImageFormat identifies the pixel layout of an Image.
type ImageFormat int

const (
	FormatDepth16 ImageFormat = iota
	FormatIR16
	FormatColorMJPG
	FormatColorBGRA32
	FormatBodyIndex8
)

// Image is a sensor image buffer.
type Image struct {
	Format ImageFormat
	Width  int
	Height int
	Stride int
	Buffer []byte
}

// Sample is the data backing a capture, as handed to the pipeline.
type Sample struct {
	DeviceTimestamp time.Duration
	Depth           *Image
	IR              *Image
	Color           *Image
}

// Validate checks that the sample carries well-formed depth data.
func (s *Sample) Validate() error {
	if s == nil || s.Depth == nil {
		return fmt.Errorf("%w: no depth image", ErrInvalidCapture)
	}
	d := s.Depth
	if d.Format != FormatDepth16 {
		return fmt.Errorf("%w: depth image has format %d", ErrInvalidCapture, d.Format)
	}
	if d.Width <= 0 || d.Height <= 0 {
		return fmt.Errorf("%w: depth image is %dx%d", ErrInvalidCapture, d.Width, d.Height)
	}
	if len(d.Buffer) < d.Width*d.Height*2 {
		return fmt.Errorf("%w: depth buffer holds %d bytes, need %d", ErrInvalidCapture, len(d.Buffer), d.Width*d.Height*2)
	}
	return nil
}

// Capture is a synchronized sensor sample owned by the caller.
// The pipeline only borrows it for the duration of Submit.
type Capture interface {
	// Sample returns the capture's data. The returned sample must stay valid
	// after the capture itself is released.
	Sample() (*Sample, error)
}

// Calibration describes the sensor the captures come from. Raw is passed to
// the engine untouched.
type Calibration struct {
	DepthMode       string
	ColorResolution string
	DepthWidth      int
	DepthHeight     int
	Raw             []byte
}

// Result is what the engine produces for one capture.
type Result struct {
	Bodies          []Body
	IndexMap        []uint8
	IndexMapWidth   int
	IndexMapHeight  int
	DeviceTimestamp time.Duration
}
