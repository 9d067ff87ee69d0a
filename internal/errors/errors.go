package errors

import "errors"

// Connection errors.
var (
	ErrNotConnected       = errors.New("client is not connected")
	ErrTokenExpired       = errors.New("token expired")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Query precondition errors.
var (
	ErrMissingChannelType = errors.New("channel or channel type have to be provided to query a channel")
	ErrMissingChannelID   = errors.New("channel ID or channel members array have to be provided to query a channel")
	ErrThreadMismatch     = errors.New("message does not belong to this thread")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
