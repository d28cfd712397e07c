package resilience

import (
	"fmt"
	"strings"

	"stemfm/core/audio"
)

// EventKind names a monitor input.
type EventKind int

const (
	EventVisibility EventKind = iota
	EventFocus
	EventBlur
	EventPageHide
	EventPageShow
	EventContextState
	EventDeviceChange
	EventElementPaused
	EventPlaybackChanged

	// Timer callbacks re-enter the machine as events.
	eventSettle
	eventPauseRetry
)

var kindNames = map[EventKind]string{
	EventVisibility:      "visibilitychange",
	EventFocus:           "focus",
	EventBlur:            "blur",
	EventPageHide:        "pagehide",
	EventPageShow:        "pageshow",
	EventContextState:    "statechange",
	EventDeviceChange:    "devicechange",
	EventElementPaused:   "elementpause",
	EventPlaybackChanged: "playback",
	eventSettle:          "settle",
	eventPauseRetry:      "pause-retry",
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one monitor input. Only the field matching Kind is meaningful.
type Event struct {
	Kind    EventKind
	Visible bool
	Context audio.ContextState
	Playing bool

	gen uint64
}

// Signal is an environment event as a remote front end reports it.
type Signal struct {
	Type    string `json:"type"`
	Visible *bool  `json:"visible,omitempty"`
	State   string `json:"state,omitempty"`
}

// ParseSignal converts a reported browser event into a monitor Event. Engine
// generated kinds are rejected.
func ParseSignal(s Signal) (Event, error) {
	switch strings.ToLower(strings.TrimSpace(s.Type)) {
	case "visibilitychange":
		if s.Visible == nil {
			return Event{}, fmt.Errorf("visibilitychange requires visible")
		}
		return Event{Kind: EventVisibility, Visible: *s.Visible}, nil
	case "focus":
		return Event{Kind: EventFocus}, nil
	case "blur":
		return Event{Kind: EventBlur}, nil
	case "pagehide":
		return Event{Kind: EventPageHide}, nil
	case "pageshow":
		return Event{Kind: EventPageShow}, nil
	case "devicechange":
		return Event{Kind: EventDeviceChange}, nil
	case "statechange":
		st := audio.ContextState(strings.ToLower(s.State))
		switch st {
		case audio.ContextRunning, audio.ContextSuspended, audio.ContextInterrupted:
			return Event{Kind: EventContextState, Context: st}, nil
		}
		return Event{}, fmt.Errorf("unknown context state %q", s.State)
	default:
		return Event{}, fmt.Errorf("unknown environment event %q", s.Type)
	}
}
