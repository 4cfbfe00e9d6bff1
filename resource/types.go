package resource

// Handle is a guest-visible reference to a host object. Handle 0 is
// reserved and always invalid, so guest code can keep using NULL checks.
type Handle uint32

// Kind tags what a handle refers to.
type Kind uint32

const (
	KindThread Kind = iota + 1
	KindTimer
	KindHost
)

func (k Kind) String() string {
	switch k {
	case KindThread:
		return "thread"
	case KindTimer:
		return "timer"
	case KindHost:
		return "host"
	default:
		return "unknown"
	}
}

// EventType is a handle lifecycle transition.
type EventType uint8

const (
	EventCreated EventType = iota
	EventDropped
)

func (t EventType) String() string {
	if t == EventDropped {
		return "dropped"
	}
	return "created"
}

// Event is a handle lifecycle notification.
type Event struct {
	Value  any
	Handle Handle
	Kind   Kind
	Type   EventType
}

// Observer receives lifecycle events.
type Observer interface {
	OnResourceEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnResourceEvent(e Event) { f(e) }

// Dropper is implemented by values that release something when their
// handle is dropped.
type Dropper interface {
	Drop()
}
