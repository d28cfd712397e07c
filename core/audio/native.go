package audio

import "context"

// ContextState mirrors the states a native processing context reports.
type ContextState string

const (
	ContextSuspended   ContextState = "suspended"
	ContextRunning     ContextState = "running"
	ContextInterrupted ContextState = "interrupted"
	ContextClosed      ContextState = "closed"
)

// FilterType selects the response of a BiquadNode.
type FilterType string

const (
	LowPass   FilterType = "lowpass"
	HighPass  FilterType = "highpass"
	LowShelf  FilterType = "lowshelf"
	HighShelf FilterType = "highshelf"
)

// Backend is the native audio API. A nil Backend, or one whose NewContext fails,
// leaves the engine uninitialized.
type Backend interface {
	NewContext() (Context, error)
	NewElement(src string) (MediaElement, error)
}

// Context is a native processing context and node factory.
type Context interface {
	State() ContextState
	CurrentTime() float64
	SampleRate() float64
	Resume(ctx context.Context) error
	Suspend(ctx context.Context) error
	Close() error
	Destination() Node

	NewGain() GainNode
	NewBiquad() BiquadNode
	NewAnalyser() AnalyserNode
	// NewMediaSource binds el to the graph. An element can be bound only once.
	NewMediaSource(el MediaElement) (Node, error)

	// OnStateChange registers fn for state transitions. fn is never invoked
	// from inside a Context method call.
	OnStateChange(fn func(ContextState))
}

// Node is anything that can be wired into the graph.
type Node interface {
	Connect(dst Node) error
	Disconnect()
}

// Param is an automatable node parameter. Times are in context seconds.
type Param interface {
	Value() float64
	SetValueAtTime(v, t float64)
	LinearRampToValueAtTime(v, t float64)
	CancelScheduledValues(t float64)
}

type GainNode interface {
	Node
	Gain() Param
}

type BiquadNode interface {
	Node
	SetType(t FilterType)
	Frequency() Param
	Q() Param
	Gain() Param
}

type AnalyserNode interface {
	Node
	SetFFTSize(n int)
	FrequencyBinCount() int
	ByteFrequencyData(dst []byte)
}

// ElementEventType names the element notifications the engine listens to.
type ElementEventType string

const (
	EventEnded          ElementEventType = "ended"
	EventPause          ElementEventType = "pause"
	EventPlay           ElementEventType = "play"
	EventError          ElementEventType = "error"
	EventStalled        ElementEventType = "stalled"
	EventCanPlayThrough ElementEventType = "canplaythrough"
	EventLoadedMetadata ElementEventType = "loadedmetadata"
	EventTimeUpdate     ElementEventType = "timeupdate"
)

// ElementEvent is delivered to the handler set with MediaElement.SetHandler.
type ElementEvent struct {
	Type ElementEventType
	Err  error
}

// MediaElement is a decoding media element. Handlers are never invoked from
// inside a MediaElement method call.
type MediaElement interface {
	Src() string
	Play(ctx context.Context) error
	Pause()
	Paused() bool
	CurrentTime() float64
	SetCurrentTime(t float64)
	// Duration is NaN until metadata is known.
	Duration() float64
	PlaybackRate() float64
	SetPlaybackRate(r float64)
	// Close stops decoding and releases the resource. Further calls are no-ops.
	Close()
	SetHandler(fn func(ElementEvent))
}
