package call

import (
	"errors"
	"fmt"
)

// State is a position in a call's conversation loop.
type State int

const (
	StateGreeting State = iota + 1
	StateAwaitingSpeech
	StateProcessingTurn
	StateResponding
	StateNoInput
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "GREETING"
	case StateAwaitingSpeech:
		return "AWAITING_SPEECH"
	case StateProcessingTurn:
		return "PROCESSING_TURN"
	case StateResponding:
		return "RESPONDING"
	case StateNoInput:
		return "NO_INPUT"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event moves a call between states.
type Event int

const (
	EventGreetingDelivered Event = iota + 1
	EventSpeechReceived
	EventReplyReady
	EventReplyDelivered
	EventSilence
	EventCallerHungUp
	EventFailure
)

func (e Event) String() string {
	switch e {
	case EventGreetingDelivered:
		return "greeting_delivered"
	case EventSpeechReceived:
		return "speech_received"
	case EventReplyReady:
		return "reply_ready"
	case EventReplyDelivered:
		return "reply_delivered"
	case EventSilence:
		return "silence"
	case EventCallerHungUp:
		return "caller_hung_up"
	case EventFailure:
		return "failure"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

var ErrInvalidTransition = errors.New("invalid call state transition")

type edge struct {
	from  State
	event Event
}

var transitions = map[edge]State{
	{StateGreeting, EventGreetingDelivered}:    StateAwaitingSpeech,
	{StateAwaitingSpeech, EventSpeechReceived}: StateProcessingTurn,
	{StateAwaitingSpeech, EventSilence}:        StateNoInput,
	{StateNoInput, EventSpeechReceived}:        StateProcessingTurn,
	{StateNoInput, EventSilence}:               StateTerminated,
	{StateProcessingTurn, EventReplyReady}:     StateResponding,
	{StateResponding, EventReplyDelivered}:     StateAwaitingSpeech,
}

// Transition returns the state reached from "from" on ev. Hang-ups and
// failures terminate any live state; nothing leaves StateTerminated.
func Transition(from State, ev Event) (State, error) {
	if from == StateTerminated {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
	}
	if ev == EventCallerHungUp || ev == EventFailure {
		return StateTerminated, nil
	}
	if to, ok := transitions[edge{from, ev}]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
}

// walk applies events in order and panics on an invalid path; used to build
// plans whose event sequence is fixed at compile time.
func walk(from State, events ...Event) State {
	state := from
	for _, ev := range events {
		next, err := Transition(state, ev)
		if err != nil {
			panic(err)
		}
		state = next
	}
	return state
}
