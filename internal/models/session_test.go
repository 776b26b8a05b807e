package models

import "testing"

func TestSessionState_Terminal(t *testing.T) {
	tests := []struct {
		state SessionState
		want  bool
	}{
		{StateWaitingPhone, false},
		{StateWaitingCode, false},
		{StateWaitingPassword, false},
		{StateCompleted, true},
		{StateFailed, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestSessionState_CanTransition(t *testing.T) {
	tests := []struct {
		from SessionState
		to   SessionState
		want bool
	}{
		// Forward steps
		{StateWaitingPhone, StateWaitingCode, true},
		{StateWaitingCode, StateWaitingPassword, true},
		{StateWaitingCode, StateCompleted, true}, // no-2FA accounts skip the password
		{StateWaitingPassword, StateCompleted, true},

		// Failed is reachable from any non-terminal state
		{StateWaitingPhone, StateFailed, true},
		{StateWaitingCode, StateFailed, true},
		{StateWaitingPassword, StateFailed, true},

		// Re-asserting the current state refreshes the TTL
		{StateWaitingPhone, StateWaitingPhone, true},
		{StateWaitingCode, StateWaitingCode, true},

		// No skipping and no going back
		{StateWaitingPhone, StateWaitingPassword, false},
		{StateWaitingPhone, StateCompleted, false},
		{StateWaitingCode, StateWaitingPhone, false},
		{StateWaitingPassword, StateWaitingCode, false},

		// Terminal states never move
		{StateCompleted, StateFailed, false},
		{StateCompleted, StateCompleted, false},
		{StateCompleted, StateWaitingPhone, false},
		{StateFailed, StateWaitingPhone, false},
		{StateFailed, StateFailed, false},
		{StateFailed, StateCompleted, false},

		// Unknown state
		{SessionState("bogus"), StateWaitingCode, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
