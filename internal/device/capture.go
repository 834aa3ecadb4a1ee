package device

import (
	"github.com/andresmejia3/bodytrack/internal/bodytrack"
	"github.com/andresmejia3/bodytrack/internal/handle"
)

// Capture is one synchronized sensor sample. The caller owns it and must
// Release it; the pipeline only reads it during Submit.
type Capture struct {
	h *handle.Handle[*bodytrack.Sample]
}

// NewCapture wraps s. The capture holds the only reference the device keeps.
func NewCapture(s *bodytrack.Sample) *Capture {
	return &Capture{h: handle.New(s, nil)}
}

// Sample returns the capture data, or handle.ErrInvalidHandle after Release.
// The returned sample stays valid after the capture is released.
func (c *Capture) Sample() (*bodytrack.Sample, error) {
	return handle.Read(c.h, func(s *bodytrack.Sample) *bodytrack.Sample { return s })
}

// Release drops the capture. Calling it again is a no-op.
func (c *Capture) Release() { c.h.Release() }

func (c *Capture) Released() bool { return c.h.Released() }
