// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transport wraps a UDP datagram socket with the deadline and
// close semantics the transfer state machine needs: a distinct timeout
// outcome, and a socket that is released exactly once regardless of how
// many exit paths close it.
package transport

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultTimeout is the receive deadline applied to a transfer unless an
// Options value overrides it.
const DefaultTimeout = 5 * time.Second

// Endpoint owns one UDP socket for the lifetime of a single transfer (or,
// on the server's listening side, for the lifetime of the dispatcher).
// Grounded on the teacher's Conn, generalized with deadline support and
// an explicit, idempotent Close.
type Endpoint struct {
	pc net.PacketConn

	closeOnce sync.Once
	closeErr  error
}

// New binds a UDP socket at localAddr. Pass "host:0" to let the kernel
// choose an ephemeral port — this is how both the client and the server's
// per-transfer dispatch pick a fresh TID.
func New(localAddr string) (*Endpoint, error) {
	pc, err := net.ListenPacket("udp", localAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: listen on %q", localAddr)
	}
	return &Endpoint{pc: pc}, nil
}

// LocalAddr reports the address the endpoint is bound to, whose port is
// this side's TID.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.pc.LocalAddr()
}

// Send writes b to peer. Sends are not deadlined: a send either succeeds
// immediately at the socket layer or fails outright.
func (e *Endpoint) Send(b []byte, peer net.Addr) error {
	n, err := e.pc.WriteTo(b, peer)
	if err != nil {
		return errors.Wrap(err, "transport: send")
	}
	if n != len(b) {
		return errors.Errorf("transport: short send: wrote %d of %d bytes", n, len(b))
	}
	return nil
}

// Receive blocks for up to timeout for a datagram, writing it into buf and
// reporting its length and source address. A deadline expiry is reported
// as IsTimeout(err) == true and is never collapsed into a generic I/O
// error, so callers can tell "nobody answered" apart from "the socket is
// broken."
func (e *Endpoint) Receive(buf []byte, timeout time.Duration) (int, net.Addr, error) {
	if err := e.pc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, errors.Wrap(err, "transport: set read deadline")
	}
	n, from, err := e.pc.ReadFrom(buf)
	if err != nil {
		if IsTimeout(err) {
			return 0, nil, err
		}
		return 0, nil, errors.Wrap(err, "transport: receive")
	}
	return n, from, nil
}

// IsTimeout reports whether err represents a deadline expiry rather than
// a harder socket failure.
func IsTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// Close releases the underlying socket. It is safe to call more than
// once; only the first call's result is reported.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.pc.Close()
	})
	return e.closeErr
}
