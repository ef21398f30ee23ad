package socket

// Event identifies a signal a Socket delivers to its listeners.
type Event uint8

const (
	// EventData carries an inbound chunk in Signal.Data.
	EventData Event = iota
	// EventReadable announces inbound bytes held for Read while not flowing.
	EventReadable
	// EventEnd reports that the remote peer half-closed its write side.
	EventEnd
	// EventError carries a transport failure in Signal.Err.
	EventError
	// EventClose is the last signal a socket ever delivers.
	EventClose
	// EventDrain reports that every queued write has been flushed.
	EventDrain
	// EventPause and EventResume mirror Pause and Resume calls.
	EventPause
	EventResume

	numEvents
)

var eventNames = [numEvents]string{
	EventData:     "data",
	EventReadable: "readable",
	EventEnd:      "end",
	EventError:    "error",
	EventClose:    "close",
	EventDrain:    "drain",
	EventPause:    "pause",
	EventResume:   "resume",
}

func (e Event) String() string {
	if e < numEvents {
		return eventNames[e]
	}

	return "unknown"
}

// Signal is a single delivery to a Listener.
type Signal struct {
	Event Event
	// Data is only valid for the duration of the listener call.
	Data []byte
	Err  error
}

// Listener receives signals of the event it was registered for.
type Listener func(Signal)

// Subscription identifies a registered listener for Off.
type Subscription struct {
	event Event
	id    uint64
}

type entry struct {
	id uint64
	fn Listener
}

// ReadMode tells how inbound bytes reach the attached parser.
type ReadMode uint8

const (
	// ReadModeUnset means no parser has chosen a read path yet.
	ReadModeUnset ReadMode = iota
	// ReadModeConsumed means the parser reads the backend's Source directly
	// and no data signals are delivered.
	ReadModeConsumed
	// ReadModeStandard means every inbound chunk is delivered as EventData.
	ReadModeStandard
)

func (m ReadMode) String() string {
	switch m {
	case ReadModeConsumed:
		return "consumed"
	case ReadModeStandard:
		return "standard"
	default:
		return "unset"
	}
}
