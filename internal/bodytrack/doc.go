// Package bodytrack is the asynchronous tracking pipeline in front of an
// external body-tracking engine.
//
// Callers Submit captures into a bounded input queue. An internal worker
// feeds them to the Engine one at a time and pushes the results, in
// submission order, into a bounded output queue that callers drain with
// Retrieve. Every retrieved Frame must be disposed: the engine only holds
// Config.MaxInFlightFrames results, and undisposed frames stall inference
// and, through the input queue, Submit.
//
//	p, err := bodytrack.New(cal, bodytrack.DefaultConfig(), factory)
//	if err != nil { ... }
//	defer p.Close()
//
//	if err := p.Submit(ctx, capture, bodytrack.Infinite); err != nil { ... }
//	frame, err := p.Retrieve(ctx, bodytrack.Infinite)
//	if err != nil { ... }
//	defer frame.Dispose()
//
// Timeouts follow the engine convention: Infinite blocks, zero polls.
// Cancelling ctx unblocks a pending call with ErrCancelled and leaves the
// queues untouched.
package bodytrack
