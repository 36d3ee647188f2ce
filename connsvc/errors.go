package connsvc

import "github.com/pkg/errors"

// Error taxonomy: protocol violations are session-fatal, capacity and
// policy errors are locally recoverable and map to a specific
// OPEN_FAILURE reason code.

// ErrTooManyChannels is a capacity error: the service already has
// MaxChannels channels registered.
var ErrTooManyChannels = errors.New("connsvc: too many concurrent channels")

// ErrServiceClosing is a policy error returned once the service has
// begun closing and no longer accepts new channel opens.
var ErrServiceClosing = errors.New("connsvc: service is closing")

// ErrNoMoreSessions is a policy error for refused "session" channel
// opens once AllowMoreSessions has been turned off.
var ErrNoMoreSessions = errors.New("connsvc: no more sessions")

// ErrUnknownChannelType is a policy error for an unregistered channel
// type name.
var ErrUnknownChannelType = errors.New("connsvc: unknown channel type")

// UnknownChannelError is a protocol violation: a channel-scoped message
// referenced a local id with no registered channel. It is session-fatal.
type UnknownChannelError struct {
	ID  uint32
	Cmd uint8
}

func (e *UnknownChannelError) Error() string {
	return errors.Errorf("connsvc: unknown channel %d referenced by message %d", e.ID, e.Cmd).Error()
}

// UnsupportedMessageError is a protocol violation: the dispatcher was
// handed a connection-protocol message number it does not recognize.
type UnsupportedMessageError struct {
	Cmd uint8
}

func (e *UnsupportedMessageError) Error() string {
	return errors.Errorf("connsvc: unsupported message number %d", e.Cmd).Error()
}
