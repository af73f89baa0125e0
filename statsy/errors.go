package statsy

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTag    = errors.New("invalid tag")
	ErrNoSavedTag    = errors.New("no saved tag")
	ErrNoClan        = errors.New("player is not in a clan")
	ErrPrivateWarLog = errors.New("war log is private")
	ErrNotInWar      = errors.New("clan is not in war")
	ErrNetwork       = errors.New("clash of clans api request failed")

	// ErrTagNotFound is returned by a TagStore when no tag has been saved
	// for the given user and service.
	ErrTagNotFound = errors.New("tag not found")
)

// CommandError is a failure that should be reported back to the user who
// invoked a command, rather than treated as an internal error.
// Kind is one of the sentinel errors above, Message is the text shown
// to the user, and Err is the underlying cause, if any.
type CommandError struct {
	Kind    error
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CommandError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newCommandError(kind error, message string, cause error) *CommandError {
	return &CommandError{Kind: kind, Message: message, Err: cause}
}

// networkError wraps err as ErrNetwork, so callers can match either.
func networkError(err error) error {
	return newCommandError(
		ErrNetwork,
		fmt.Sprintf("Error communicating with the Clash of Clans API: %s", err),
		err,
	)
}

// userMessage returns the text to send back to the user for the given
// error. Unrecognized errors get fallback.
func userMessage(err error, fallback string) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.Message != "" {
		return cmdErr.Message
	}
	switch {
	case errors.Is(err, ErrPrivateWarLog):
		return warLogPrivateMessage
	case errors.Is(err, ErrNotInWar):
		return notInWarMessage
	}
	return fallback
}

// errorKind returns a short label for err, used when logging command
// outcomes.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidTag):
		return "invalid_tag"
	case errors.Is(err, ErrNoSavedTag):
		return "no_saved_tag"
	case errors.Is(err, ErrNoClan):
		return "no_clan"
	case errors.Is(err, ErrPrivateWarLog):
		return "private_war_log"
	case errors.Is(err, ErrNotInWar):
		return "not_in_war"
	case errors.Is(err, ErrNetwork):
		return "network_failure"
	default:
		return "error"
	}
}
