// Package transport implements the single send-and-receive contract FUSE
// requests travel over (spec §4.2): a stream-socket backend and a VirtIO
// split-virtqueue backend, both satisfying the same RoundTripper contract.
package transport

import "context"

// MaxMessageSize is the VirtIO backend's upper bound on one round trip's
// reply (spec §4.2, §6): "Maximum in-flight message size 128 KiB."  The
// stream backend rejects any reply whose length prefix exceeds the same
// limit, so a protocol session can treat both backends uniformly.
const MaxMessageSize = 128 * 1024

// RoundTripper is the single capability boundary both transports
// implement: request bytes already carry their own length prefix (the
// FUSE header's len field); the implementation must transmit the entire
// request atomically from the peer's perspective and return exactly one
// complete reply.
//
// Per spec §9, this is deliberately a one-method interface, not a class
// hierarchy: "a small interface with one method, never a class
// hierarchy."
type RoundTripper interface {
	RoundTrip(ctx context.Context, req []byte) ([]byte, error)
}

// RoundTripperFunc adapts a plain function to RoundTripper, the way the
// stdlib's http.RoundTripper does — useful for tests and for the in-process
// fake remote in internal/faketest.
type RoundTripperFunc func(ctx context.Context, req []byte) ([]byte, error)

func (f RoundTripperFunc) RoundTrip(ctx context.Context, req []byte) ([]byte, error) {
	return f(ctx, req)
}
