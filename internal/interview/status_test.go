package interview_test

import (
	"testing"

	"github.com/evrhire/cadenza/internal/interview"
)

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	terminal := map[interview.Status]bool{
		interview.StatusConnecting:  false,
		interview.StatusGreeting:    false,
		interview.StatusQuestioning: false,
		interview.StatusListening:   false,
		interview.StatusProcessing:  false,
		interview.StatusCompleted:   true,
		interview.StatusError:       true,
	}
	for st, want := range terminal {
		if got := st.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal: want %v, got %v", st, want, got)
		}
		if !st.IsValid() {
			t.Errorf("%s.IsValid: want true", st)
		}
	}
}

func TestStatus_Invalid(t *testing.T) {
	t.Parallel()

	if interview.Status("paused").IsValid() {
		t.Errorf("unknown status reported valid")
	}
	if interview.Status("").IsValid() {
		t.Errorf("empty status reported valid")
	}
}
