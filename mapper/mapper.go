// Package mapper runs the NAT mapping controller: it holds a local socket
// open against a STUN server, discovers the public address the NAT
// assigns to it, and notifies a handler whenever that address changes.
package mapper

import (
	"context"
	"errors"
	"time"

	"github.com/nyat-dev/nyat"
	"github.com/nyat-dev/nyat/stun"
)

// RetryLimit is the number of consecutive recoverable errors a Mapper
// tolerates before giving up and returning the last error to its caller.
const RetryLimit = 5

// Backoff is the pause between retry attempts after a recoverable error.
const Backoff = 5 * time.Second

const (
	defaultTCPInterval  = 30 * time.Second
	defaultUDPInterval  = 5 * time.Second
	defaultCheckPerTick = 5
)

// keepaliveProbe is the UDP keepalive payload, matched against the
// reference implementation's own nudge byte sequence.
var keepaliveProbe = []byte("nya")

// MappingHandler is notified whenever the discovered public address
// changes. Run calls OnChange synchronously, at most once per transition,
// and never concurrently with itself.
type MappingHandler interface {
	OnChange(info nyat.MappingInfo)
}

// HandlerFunc adapts a plain function to a MappingHandler.
type HandlerFunc func(nyat.MappingInfo)

// OnChange implements MappingHandler.
func (f HandlerFunc) OnChange(info nyat.MappingInfo) {
	f(info)
}

// Mapper runs a controller loop until ctx is cancelled or a fatal error
// occurs. TCPMapper and UDPMapper are its only implementations.
type Mapper interface {
	Run(ctx context.Context, handler MappingHandler) error
	isMapper()
}

// retryState tracks the consecutive-recoverable-error count shared by the
// TCP and UDP run loops.
type retryState struct {
	count int
}

// next records a recoverable error and reports whether RetryLimit has been
// reached (in which case the caller should return err).
func (r *retryState) next() bool {
	r.count++
	return r.count >= RetryLimit
}

func (r *retryState) reset() {
	r.count = 0
}

func isFatal(err error) bool {
	var nerr *nyat.Error
	if !errors.As(err, &nerr) {
		return false
	}
	return nerr.Kind.Fatal()
}

// classifyStunErr maps a stun package error to the Kind taxonomy so the
// retry logic can tell a malformed response from a dead connection.
func classifyStunErr(err error) nyat.Kind {
	switch {
	case errors.Is(err, stun.ErrMalformed):
		return nyat.KindStunMalformed
	case errors.Is(err, stun.ErrTransactionMismatch):
		return nyat.KindStunTransactionMismatch
	case errors.Is(err, stun.ErrTooLarge):
		return nyat.KindStunResponseTooLarge
	default:
		return nyat.KindStunNetwork
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
