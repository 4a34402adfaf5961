package domain

import (
	"errors"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	allowed := map[Status][]Status{
		StatusOpen:         {StatusAcknowledged, StatusInProgress, StatusDismissed},
		StatusAcknowledged: {StatusInProgress, StatusDismissed},
		StatusInProgress:   {StatusResolved, StatusDismissed},
		StatusResolved:     {StatusOpen},
		StatusDismissed:    {StatusOpen},
	}
	all := []Status{StatusOpen, StatusAcknowledged, StatusInProgress, StatusResolved, StatusDismissed}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, candidate := range allowed[from] {
				if candidate == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Fatalf("%s -> %s: expected %v, got %v", from, to, want, got)
			}
		}
	}
}

func TestValidateTransitionError(t *testing.T) {
	t.Parallel()

	err := ValidateTransition(StatusDismissed, StatusAcknowledged)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	var transitionErr *TransitionError
	if !errors.As(err, &transitionErr) || transitionErr.From != StatusDismissed || transitionErr.To != StatusAcknowledged {
		t.Fatalf("unexpected transition error %#v", err)
	}
	if err := ValidateTransition(StatusOpen, StatusOpen); err == nil {
		t.Fatalf("expected OPEN -> OPEN to be rejected")
	}
}

func TestParseStatusSet(t *testing.T) {
	t.Parallel()

	set, err := ParseStatusSet("open,ACKNOWLEDGED", " IN_PROGRESS ", "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(set) != 3 || !set.Contains(StatusOpen) || set.Contains(StatusResolved) {
		t.Fatalf("unexpected set %v", set.Slice())
	}

	empty, err := ParseStatusSet()
	if err != nil || empty != nil || !empty.Contains(StatusDismissed) {
		t.Fatalf("expected nil set to contain everything")
	}

	if _, err := ParseStatusSet("OPEN,CLOSED"); err == nil {
		t.Fatalf("expected unknown status error")
	}
}

func TestAlertCloneIsDeep(t *testing.T) {
	t.Parallel()

	triggerID := "t1"
	alert := Alert{ID: "a1", TriggerID: &triggerID}
	clone := alert.Clone()
	*clone.TriggerID = "t2"
	if *alert.TriggerID != "t1" {
		t.Fatalf("clone shares trigger id pointer")
	}
}
