package plugin

import "testing"

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusPending, StatusValidating, true},
		{StatusValidating, StatusValidated, true},
		{StatusValidated, StatusInstalling, true},
		{StatusInstalling, StatusInstalled, true},
		{StatusInstalled, StatusActive, true},
		{StatusActive, StatusInactive, true},
		{StatusInactive, StatusActive, true},
		{StatusInstalled, StatusDeprecated, true},
		{StatusActive, StatusDeprecated, true},
		{StatusInactive, StatusDeprecated, true},
		{StatusError, StatusDeprecated, true},
		{StatusDeprecated, StatusRemoved, true},

		// Any non-terminal state may fail.
		{StatusPending, StatusError, true},
		{StatusValidating, StatusError, true},
		{StatusActive, StatusError, true},
		{StatusDeprecated, StatusError, true},

		// Shortcuts and reversals are rejected.
		{StatusPending, StatusActive, false},
		{StatusPending, StatusValidated, false},
		{StatusValidated, StatusValidating, false},
		{StatusInstalled, StatusInactive, false},
		{StatusActive, StatusInstalled, false},
		{StatusDeprecated, StatusActive, false},
		{StatusError, StatusActive, false},
		{StatusError, StatusError, false},

		// Removed is terminal.
		{StatusRemoved, StatusError, false},
		{StatusRemoved, StatusActive, false},
		{StatusRemoved, StatusDeprecated, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{
		StatusPending, StatusValidating, StatusValidated, StatusInstalling,
		StatusInstalled, StatusActive, StatusInactive, StatusError,
		StatusDeprecated, StatusRemoved,
	} {
		if !s.Valid() {
			t.Errorf("Valid(%s) = false, want true", s)
		}
	}

	if Status("bogus").Valid() {
		t.Error("Valid(bogus) = true, want false")
	}
}

func TestStatusTerminal(t *testing.T) {
	if !StatusRemoved.Terminal() {
		t.Error("Terminal(removed) = false, want true")
	}
	if StatusDeprecated.Terminal() {
		t.Error("Terminal(deprecated) = true, want false")
	}
}
