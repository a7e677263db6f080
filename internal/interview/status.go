package interview

// Status is the lifecycle state of an interview session. Sessions move
// strictly forward through the conversational states and end in exactly one
// of the terminal states.
type Status string

const (
	// StatusConnecting covers provider and media initialization, before the
	// interviewer has said anything.
	StatusConnecting Status = "connecting"

	// StatusGreeting is the request for the first interviewer turn, made with
	// an empty conversation history.
	StatusGreeting Status = "greeting"

	// StatusQuestioning means the interviewer is speaking a question.
	StatusQuestioning Status = "questioning"

	// StatusListening means the candidate has the floor: recognition is
	// active and the silence detector is armed.
	StatusListening Status = "listening"

	// StatusProcessing covers answer submission: the candidate's segment is
	// persisted and the next turn is requested.
	StatusProcessing Status = "processing"

	// StatusCompleted is the successful terminal state.
	StatusCompleted Status = "completed"

	// StatusError is the failure terminal state.
	StatusError Status = "error"
)

// IsValid reports whether s is a known session status.
func (s Status) IsValid() bool {
	switch s {
	case StatusConnecting, StatusGreeting, StatusQuestioning,
		StatusListening, StatusProcessing, StatusCompleted, StatusError:
		return true
	}
	return false
}

// IsTerminal reports whether s is one of the two end states. Once a session
// reaches a terminal status it never transitions again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// String returns the status as its wire representation.
func (s Status) String() string {
	return string(s)
}
