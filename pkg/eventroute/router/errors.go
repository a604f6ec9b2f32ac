package router

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrArchive wraps every archival failure returned by Route. An event
	// whose archival failed was not accepted.
	ErrArchive = errors.New("router: archive failed")

	// ErrRouterClosed is returned by Route after Close.
	ErrRouterClosed = errors.New("router: closed")

	// ErrNoArchive is returned by New without an archive store.
	ErrNoArchive = errors.New("router: archive store required")

	// ErrNoDeadLetters is returned by New without a router dead-letter sink.
	ErrNoDeadLetters = errors.New("router: dead-letter sink required")

	// ErrUnknownChannel is returned for operations on unregistered channels.
	ErrUnknownChannel = errors.New("router: unknown channel")

	// ErrNilChannel is returned by RegisterChannel(nil).
	ErrNilChannel = errors.New("router: nil channel")
)

// FatalError reports a failure that lost track of a delivery: a
// dead-letter write that did not succeed. It reaches Config.OnFatal and
// Result.Wait.
type FatalError struct {
	EventID   string
	ChannelID string
	Op        string
	Err       error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("event %s channel %s: %s: %v", e.EventID, e.ChannelID, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *FatalError) Unwrap() error {
	return e.Err
}
