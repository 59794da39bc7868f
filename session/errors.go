package session

import (
	"errors"
	"fmt"

	"github.com/luma/conduit/protocol"
)

var (
	// ErrConnectionClosed is returned to every caller still waiting when the
	// session is torn down, whatever the reason.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrProtocol marks well formed traffic that makes no sense, like a
	// response of the wrong type.
	ErrProtocol = errors.New("protocol error")

	ErrNoResponse = fmt.Errorf("%w: request completed without a response", ErrProtocol)

	ErrAlreadyReplied = errors.New("request has already been answered")
)

// RemoteError is an error reported by the peer's handler. It only concerns
// the request it answers.
type RemoteError struct {
	Code    protocol.ErrorCode
	Tags    []string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// NewRemoteError converts an Error payload.
func NewRemoteError(p *protocol.Error) *RemoteError {
	return &RemoteError{Code: p.Code, Tags: p.Tags, Message: p.Message}
}

// UnexpectedResponseError is returned when a response does not have the
// variant the request expects.
type UnexpectedResponseError struct {
	Request protocol.Kind
	Got     protocol.Kind
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("received a %s response to a %s request", e.Got, e.Request)
}

func (e *UnexpectedResponseError) Is(target error) bool {
	return target == ErrProtocol
}
