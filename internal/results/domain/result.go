package domain

import (
	"errors"
	"fmt"
)

// Result statuses. ok is terminal, error is retried once wait_until has passed.
const (
	StatusWaiting = "waiting"
	StatusOK      = "ok"
	StatusError   = "error"
)

// Status messages stored with a result
const (
	MessageWaiting = "Waiting to be sent to the consumer."
	MessageSent    = "Sent to the remote worker."
)

// DefaultFetchLimit caps how many results one pull fetch hands out
const DefaultFetchLimit = 20

var (
	// ErrDeliveryFailed is returned when the origin callback does not accept a result
	ErrDeliveryFailed = errors.New("result delivery failed")

	// ErrInvalidTransition is returned for a status change the state machine forbids
	ErrInvalidTransition = errors.New("invalid status transition")
)

var transitions = map[string][]string{
	StatusWaiting: {StatusOK, StatusError},
	StatusError:   {StatusOK, StatusError},
}

// CanTransition reports whether a result may move from one status to another
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition when CanTransition is false
func CheckTransition(from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// FetchedMessage is the status message of a result handed out through the pull path
func FetchedMessage(origin string) string {
	return fmt.Sprintf("Fetched by consumer (%s).", origin)
}
