package h1

// Valve is what a FlowController opens and closes.
type Valve interface {
	Paused() bool
	Pause()
	Resume()
}

// FlowController tracks the bytes a connection has queued for write but not
// yet handed to the transport, and closes the read side while that backlog
// is above the high-water mark.
type FlowController struct {
	valve         Valve
	backlog       int
	highWaterMark int
}

// NewFlowController creates a controller over valve.
func NewFlowController(valve Valve, highWaterMark int) *FlowController {
	return &FlowController{
		valve:         valve,
		highWaterMark: highWaterMark,
	}
}

// Queued records delta more bytes of backlog.
func (f *FlowController) Queued(delta int) {
	f.backlog += delta
	if f.backlog > f.highWaterMark && !f.valve.Paused() {
		f.valve.Pause()
	}
}

// Drained records delta bytes leaving the backlog.
func (f *FlowController) Drained(delta int) {
	f.backlog -= delta
	if f.backlog < 0 {
		f.backlog = 0
	}

	f.Check()
}

// Check reopens the valve once the backlog is back at or under the mark.
func (f *FlowController) Check() {
	if f.valve.Paused() && f.backlog <= f.highWaterMark {
		f.valve.Resume()
	}
}

// Backlog reports the outstanding byte count.
func (f *FlowController) Backlog() int {
	return f.backlog
}

// HighWaterMark reports the threshold.
func (f *FlowController) HighWaterMark() int {
	return f.highWaterMark
}
