package exchange

import (
	"errors"
	"fmt"
)

// ErrInsufficientBalance is returned by the coordinator's balance check when
// the available balance cannot cover a leg.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ConnectivityError indicates the venue could not be reached. It is never
// fatal: the ingestor reconnects and the detector excludes the venue.
type ConnectivityError struct {
	Venue string
	Err   error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: connectivity: %v", e.Venue, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// AuthenticationError indicates a rejected signature or stale timestamp.
// The coordinator resyncs the adapter clock once and retries the leg once.
type AuthenticationError struct {
	Venue  string
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication: %s", e.Venue, e.Reason)
}

// OrderRejectedError indicates a venue-side constraint violation (lot size,
// minimum notional, closed market).
type OrderRejectedError struct {
	Venue  string
	Symbol string
	Reason string
}

func (e *OrderRejectedError) Error() string {
	return fmt.Sprintf("%s: order rejected for %s: %s", e.Venue, e.Symbol, e.Reason)
}

// NotSupportedError indicates an adapter does not implement an operation.
// Callers get an explicit error instead of probing capabilities at runtime.
type NotSupportedError struct {
	Venue string
	Op    string
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("%s: operation %s not supported", e.Venue, e.Op)
}
