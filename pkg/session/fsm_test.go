package session

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from State
		in   Input
		want State
	}{
		{StateInitializing, InputLinkOpened, StateListening},
		{StateInitializing, InputLinkFailed, StateClosing},
		{StateInitializing, InputTransportClosed, StateClosing},
		{StateListening, InputReplyStarted, StateResponding},
		{StateListening, InputLinkOpened, StateListening},
		{StateResponding, InputReplyDone, StateListening},
		{StateResponding, InputLinkOpened, StateResponding},
		{StateResponding, InputKeepaliveFailed, StateClosing},
		{StateListening, InputShutdown, StateClosing},
		{StateClosing, InputTeardownDone, StateClosed},
	}
	for _, tc := range cases {
		got, err := Transition(tc.from, tc.in)
		if err != nil {
			t.Fatalf("%s on %s: %v", tc.from, tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%s on %s = %s, want %s", tc.from, tc.in, got, tc.want)
		}
	}
}

func TestTransitionRejectsInvalid(t *testing.T) {
	cases := []struct {
		from State
		in   Input
	}{
		{StateInitializing, InputReplyStarted},
		{StateListening, InputReplyDone},
		{StateResponding, InputReplyStarted},
		{StateClosing, InputLinkOpened},
		{StateClosing, InputShutdown},
		{StateClosed, InputTeardownDone},
		{StateClosed, InputLinkOpened},
	}
	for _, tc := range cases {
		got, err := Transition(tc.from, tc.in)
		var invalid *InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Fatalf("%s on %s: expected invalid transition, got %v", tc.from, tc.in, err)
		}
		if got != tc.from {
			t.Fatalf("state must not change on invalid input")
		}
	}
}
