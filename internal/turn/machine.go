// Package turn tracks the conversational turn of a single session and decides
// which client and upstream events are legal in each state.
package turn

import (
	"errors"
	"fmt"
	"sync"
)

type State uint8

const (
	Idle State = iota
	Listening
	AwaitingResponse
	Responding
	// Closed is terminal: the session is being torn down.
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case AwaitingResponse:
		return "awaiting_response"
	case Responding:
		return "responding"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type Event uint8

const (
	EventAudioData Event = iota + 1
	EventAudioEnd
	EventTextMessage
	EventResponseChunk
	EventTurnComplete
	EventAbandon
	EventStop
)

func (e Event) String() string {
	switch e {
	case EventAudioData:
		return "audio_data"
	case EventAudioEnd:
		return "audio_end"
	case EventTextMessage:
		return "text_message"
	case EventResponseChunk:
		return "response_chunk"
	case EventTurnComplete:
		return "turn_complete"
	case EventAbandon:
		return "abandon"
	case EventStop:
		return "stop"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// ErrIllegalTransition matches every *IllegalTransitionError.
var ErrIllegalTransition = errors.New("illegal turn transition")

type IllegalTransitionError struct {
	From  State
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("%s not allowed while %s", e.Event, e.From)
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// Next returns the state reached from s on ev, or false when the transition
// is not allowed.
func Next(s State, ev Event) (State, bool) {
	if s == Closed {
		return Closed, false
	}
	if ev == EventStop {
		return Closed, true
	}
	switch s {
	case Idle:
		switch ev {
		case EventAudioData:
			return Listening, true
		case EventTextMessage:
			return AwaitingResponse, true
		}
	case Listening:
		switch ev {
		case EventAudioData:
			return Listening, true
		case EventAudioEnd:
			return AwaitingResponse, true
		}
	case AwaitingResponse:
		switch ev {
		case EventResponseChunk:
			return Responding, true
		case EventTurnComplete, EventAbandon:
			return Idle, true
		}
	case Responding:
		switch ev {
		case EventResponseChunk:
			return Responding, true
		case EventTurnComplete, EventAbandon:
			return Idle, true
		}
	}
	return s, false
}

// Transition describes one accepted state change.
type Transition struct {
	From  State
	To    State
	Event Event
}

// Machine is a mutex-guarded State shared by a session's inbound and outbound
// flows. The zero value is ready to use and starts in Idle.
//
// The observer sees transitions one at a time and in the order they were
// applied. It may call State but must not call Apply.
type Machine struct {
	// notifyMu is held across apply and notify.
	notifyMu sync.Mutex
	mu       sync.Mutex
	state    State
	observer func(Transition)
}

func NewMachine(observer func(Transition)) *Machine {
	return &Machine{observer: observer}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Apply performs the transition for ev. Illegal events leave the state
// unchanged and return an *IllegalTransitionError.
func (m *Machine) Apply(ev Event) (State, error) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	from := m.state
	to, ok := Next(from, ev)
	if !ok {
		m.mu.Unlock()
		return from, &IllegalTransitionError{From: from, Event: ev}
	}
	m.state = to
	observer := m.observer
	m.mu.Unlock()

	if observer != nil {
		observer(Transition{From: from, To: to, Event: ev})
	}
	return to, nil
}

// Check reports whether ev would be accepted without applying it.
func (m *Machine) Check(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := Next(m.state, ev); !ok {
		return &IllegalTransitionError{From: m.state, Event: ev}
	}
	return nil
}
