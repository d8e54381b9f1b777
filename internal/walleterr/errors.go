// Package walleterr defines the error kinds surfaced across the wallet node.
package walleterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to map it onto their own
// channel (CLI message, FFI exception, JSON-RPC code, ...).
type Kind string

const (
	Unsupported Kind = "unsupported"
	Lock        Kind = "lock"
	Wallet      Kind = "wallet"
	IO          Kind = "io"
	DB          Kind = "db"
	Script      Kind = "script"
	ConfigDecode Kind = "config_decode"
	ChannelRecv Kind = "channel_recv"
)

// Error is a structured error carrying a kind, the failing operation, and
// the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a *Error with the given kind and operation name.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of err if it (or something it wraps) is an *Error,
// and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Caller-visible sentinel conditions (§7: "surfaced to caller").
var (
	ErrWrongPassphrase  = errors.New("wrong passphrase")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotStarted       = errors.New("wallet not started")
	ErrAlreadyStarted   = errors.New("wallet already started")
	ErrConfigMissing    = errors.New("config missing")
	ErrConfigExists     = errors.New("config already exists")
	ErrFeeTooHigh       = errors.New("fee exceeds dust/overpay guard")
)
