package childproc

import "errors"

var (
	// ErrChildDead means the child process is gone (or was never started).
	ErrChildDead = errors.New("childproc: child process not running")
	// ErrTimeout means no response line arrived within the send budget.
	ErrTimeout = errors.New("childproc: timed out waiting for response")
	// ErrChannelClosed means the child closed stdout mid-conversation.
	ErrChannelClosed = errors.New("childproc: child stdout closed")
)
