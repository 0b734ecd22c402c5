package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("send queue full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Handshake-related errors
var (
	ErrHandshakeTimeout = errors.New("no auth frame before handshake deadline")
	ErrExpectedAuth     = errors.New("first frame must be an auth event")
)
