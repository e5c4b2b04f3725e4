package node

import "errors"

// Node errors
var (
	ErrInvalidMessage     = errors.New("invalid message")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrAlreadyStarted     = errors.New("node already started")
	ErrNotStarted         = errors.New("node not started")
	ErrNotValidator       = errors.New("node is not an active validator")
	ErrBlockMismatch      = errors.New("block payload does not match proposal")
)
