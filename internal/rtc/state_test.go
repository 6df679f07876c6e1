package rtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineLifecycle(t *testing.T) {
	tests := []struct {
		name   string
		events []stateEvent
		want   State
	}{
		{"outbound to active", []stateEvent{eventDial, eventAnswer, eventConnected}, StateActive},
		{"inbound to active", []stateEvent{eventIncoming, eventAccept, eventConnected}, StateActive},
		{"caller cancels", []stateEvent{eventDial, eventHangup}, StateEnded},
		{"callee rejects", []stateEvent{eventIncoming, eventReject}, StateEnded},
		{"remote hangup mid-call", []stateEvent{eventDial, eventAnswer, eventConnected, eventRemoteHangup}, StateEnded},
		{"hangup while connecting", []stateEvent{eventIncoming, eventAccept, eventHangup}, StateEnded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m stateMachine
			for _, ev := range tt.events {
				_, err := m.fire(ev)
				require.NoError(t, err, "event %s", ev)
			}
			assert.Equal(t, tt.want, m.cur)
		})
	}
}

func TestStateMachineRejectsInvalidEvents(t *testing.T) {
	tests := []struct {
		name  string
		setup []stateEvent
		event stateEvent
	}{
		{"answer while idle", nil, eventAnswer},
		{"accept while dialing", []stateEvent{eventDial}, eventAccept},
		{"dial while ringing", []stateEvent{eventIncoming}, eventDial},
		{"connected while ringing", []stateEvent{eventIncoming}, eventConnected},
		{"answer twice", []stateEvent{eventDial, eventAnswer}, eventAnswer},
		{"anything after ended", []stateEvent{eventDial, eventHangup}, eventAnswer},
		{"hangup after ended", []stateEvent{eventDial, eventHangup}, eventHangup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m stateMachine
			for _, ev := range tt.setup {
				_, err := m.fire(ev)
				require.NoError(t, err)
			}
			before := m.cur
			_, err := m.fire(tt.event)
			require.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, before, m.cur, "state must not move on invalid event")
		})
	}
}

func TestStateMachineFailureEndsAnywhere(t *testing.T) {
	setups := map[string][]stateEvent{
		"idle":       nil,
		"dialing":    {eventDial},
		"ringing":    {eventIncoming},
		"connecting": {eventDial, eventAnswer},
		"active":     {eventDial, eventAnswer, eventConnected},
	}
	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			var m stateMachine
			for _, ev := range setup {
				_, err := m.fire(ev)
				require.NoError(t, err)
			}
			next, err := m.fire(eventFailure)
			require.NoError(t, err)
			assert.Equal(t, StateEnded, next)
		})
	}

	t.Run("ended is terminal", func(t *testing.T) {
		m := stateMachine{cur: StateEnded}
		_, err := m.fire(eventFailure)
		require.ErrorIs(t, err, ErrInvalidTransition)
	})
}
