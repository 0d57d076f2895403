package dispatch

import "errors"

var (
	// ErrInvalidTransition is returned for a lifecycle command the current
	// status does not permit (start while running, resume while not
	// paused, anything on a terminal campaign).
	ErrInvalidTransition = errors.New("invalid campaign state transition")

	// ErrNoRecipients means the segment resolved to zero contacts at
	// start; the campaign never leaves its pre-start state.
	ErrNoRecipients = errors.New("segment resolved to zero recipients")

	// ErrNoActiveAccounts means the live account snapshot has nothing
	// able to send at start time.
	ErrNoActiveAccounts = errors.New("no active accounts available")

	// ErrAlreadyRunning guards double Start on the same dispatcher.
	ErrAlreadyRunning = errors.New("dispatcher already running")
)
