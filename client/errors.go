package client

import "errors"

var (
	// ErrNotConnected is returned by send paths while the connection is
	// fully inactive.
	ErrNotConnected = errors.New("client: not connected")
	// ErrActive rejects Connect on an already-active connection.
	ErrActive = errors.New("client: connection already active")
	// ErrHandshake means the broker rejected the connect handshake; the
	// connection stays inactive and is not retried.
	ErrHandshake = errors.New("client: handshake rejected")
	// ErrRemote carries the error header of an inbound frame; it affects
	// only the owning conversation.
	ErrRemote = errors.New("client: remote error")
	// ErrProtocolViolation flags an unsupported control value on an
	// inbound frame; it affects only the owning conversation.
	ErrProtocolViolation = errors.New("client: protocol violation")
	// ErrConnectionLost is fanned out to every pending conversation when
	// the connection dies or is closed.
	ErrConnectionLost = errors.New("client: connection lost")
	// ErrReconnectExhausted is reported once when bounded reconnection
	// gives up.
	ErrReconnectExhausted = errors.New("client: reconnect attempts exhausted")
	// ErrCanceled resolves a conversation the local consumer canceled.
	ErrCanceled = errors.New("client: conversation canceled")
	// ErrSendQueueFull rejects sends queued while reconnecting once the
	// queue bound is hit.
	ErrSendQueueFull = errors.New("client: send queue full")
)
