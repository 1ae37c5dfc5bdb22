package ctap2

import (
	"context"
	"errors"
)

// ErrNoPresence is returned by a UserPresence that has no way to ask.
var ErrNoPresence = errors.New("ctap2: no user presence source")

// A PresenceRequest describes what the user is being asked to approve.
type PresenceRequest struct {
	Command Command
	RPID    string
	User    string
}

// UserPresence asks the user to confirm an operation, typically with a
// button press. Confirm must return when ctx is done.
type UserPresence interface {
	Confirm(ctx context.Context, req PresenceRequest) (bool, error)
}

// PresenceFunc adapts a function to UserPresence.
type PresenceFunc func(ctx context.Context, req PresenceRequest) (bool, error)

func (f PresenceFunc) Confirm(ctx context.Context, req PresenceRequest) (bool, error) {
	return f(ctx, req)
}

// AutoConfirm approves every request immediately. It stands in for the
// button on simulated tokens.
var AutoConfirm = PresenceFunc(func(ctx context.Context, req PresenceRequest) (bool, error) {
	return true, ctx.Err()
})

type noPresence struct{}

func (noPresence) Confirm(context.Context, PresenceRequest) (bool, error) {
	return false, ErrNoPresence
}
