// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transfer drives a single TFTP transfer from initiation to
// termination. It generalizes the teacher's Handler/ResponseWriter/Client
// triad — in benshields-tftp an unfinished net/http-style skeleton with a
// Handler that never loops, a Client that only holds state, and
// RrqResponseWriter/WrqResponseWriter implementations that compute one
// reply but never retry or detect duplicates — into the complete,
// looping, retrying stop-and-wait engine RFC 1350 §4 describes.
//
// Both entry points are strictly sequential and block on the endpoint's
// receive deadline; neither ever has more than one packet in flight.
package transfer

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/srujaniyengar/turbotftp/filestore"
	"github.com/srujaniyengar/turbotftp/internal/tftplog"
	"github.com/srujaniyengar/turbotftp/packet"
	"github.com/srujaniyengar/turbotftp/transport"
)

// Options governs the single timeout unit and retry cap that, per
// spec.md §4.4, apply uniformly to every await in a transfer.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
}

// DefaultOptions returns the 5-second timeout / 5-retry policy spec.md
// §4.4 names as the baseline.
func DefaultOptions() Options {
	return Options{Timeout: transport.DefaultTimeout, MaxRetries: 5}
}

func (o Options) timeout() time.Duration {
	return o.EffectiveTimeout()
}

func (o Options) maxRetries() int {
	return o.EffectiveMaxRetries()
}

// EffectiveTimeout is the timeout RunReader/RunWriter actually apply: the
// configured value, or DefaultOptions' if unset. Exported so callers like
// package server, which hold an Options value but don't run the loop
// themselves, can size their own listen-receive deadline consistently.
func (o Options) EffectiveTimeout() time.Duration {
	if o.Timeout <= 0 {
		return transport.DefaultTimeout
	}
	return o.Timeout
}

// EffectiveMaxRetries mirrors EffectiveTimeout for the retry budget.
func (o Options) EffectiveMaxRetries() int {
	if o.MaxRetries <= 0 {
		return 5
	}
	return o.MaxRetries
}

// ErrRetriesExhausted is returned when an await's retry budget runs out
// without a valid reply ever arriving.
var ErrRetriesExhausted = errors.New("transfer: retries exhausted")

// errBlockNumberExhausted marks the block-number-wraparound decision of
// SPEC_FULL.md §11: a transfer is capped at 65535 blocks rather than
// wrapping back to 0.
var errBlockNumberExhausted = errors.New("transfer: block number exhausted at 65535")

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.String() == b.String()
}

// sendErrorBestEffort answers dst with a wire-level Error packet without
// letting a send failure change the caller's own error. Per spec.md §7,
// "sending an Error to a silent peer is best-effort."
func sendErrorBestEffort(ep *transport.Endpoint, tErr *packet.TFTPError, dst net.Addr, log tftplog.Logger) {
	if dst == nil {
		return
	}
	if err := ep.Send(packet.NewErrorPacketFrom(tErr), dst); err != nil {
		log.Warnf("transfer: best-effort error send to %v failed: %v", dst, err)
	}
}

// RunReader drives the side of a transfer that receives DATA blocks and
// emits ACKs: a client's GET, or the server ingesting a WRQ. peer is the
// address packets must originate from once bound; pass nil when it is
// not yet known (a client's GET, where the server's transfer-time TID is
// learned from the first reply). primed is the last packet already sent
// before this loop started — nil for a GET (nothing sent since the RRQ),
// or an encoded Ack{0} for a WRQ ingest (the dispatcher's opening move,
// which already fixed peer).
//
// RunReader returns the peer address the transfer ended up bound to (so
// callers can log it) and a nil error on a clean, acknowledged short
// block. Any non-nil error means the caller should discard whatever the
// sink received: a truthful TFTPError if the peer sent ERROR, or a local
// failure otherwise.
func RunReader(ctx context.Context, ep *transport.Endpoint, peer net.Addr, primed []byte, sink filestore.Sink, opts Options, log tftplog.Logger) (net.Addr, error) {
	nextExpected := uint16(1)
	lastSent := primed
	retries := opts.maxRetries()
	buf := make([]byte, packet.MaxDatagramSize)

	for {
		if err := ctx.Err(); err != nil {
			return peer, err
		}

		n, from, err := ep.Receive(buf, opts.timeout())
		if err != nil {
			if transport.IsTimeout(err) {
				if lastSent != nil {
					if sendErr := ep.Send(lastSent, peer); sendErr != nil {
						return peer, sendErr
					}
				}
				retries--
				if retries < 0 {
					return peer, ErrRetriesExhausted
				}
				continue
			}
			return peer, err
		}

		if peer == nil {
			peer = from
		} else if !sameAddr(from, peer) {
			sendErrorBestEffort(ep, packet.ErrUnknownTID, from, log)
			continue
		}

		pkt, perr := packet.Parse(buf[:n])
		if perr != nil {
			sendErrorBestEffort(ep, packet.ErrIllegalOperation, peer, log)
			return peer, perr
		}

		switch pkt.Op {
		case packet.OpData:
			block := pkt.Data.Block
			switch {
			case block == nextExpected:
				if werr := sink.Write(pkt.Data.Payload); werr != nil {
					sendErrorBestEffort(ep, packet.ErrDiskFull, peer, log)
					return peer, werr
				}
				ack := packet.NewAck(block)
				if serr := ep.Send(ack, peer); serr != nil {
					return peer, serr
				}
				lastSent = ack
				if len(pkt.Data.Payload) < packet.MaxDataSize {
					return peer, nil
				}
				nextExpected++
				if nextExpected == 0 {
					sendErrorBestEffort(ep, packet.ErrIllegalOperation, peer, log)
					return peer, errBlockNumberExhausted
				}
				retries = opts.maxRetries()
			case block < nextExpected:
				dup := packet.NewAck(block)
				if serr := ep.Send(dup, peer); serr != nil {
					return peer, serr
				}
				lastSent = dup
			default:
				sendErrorBestEffort(ep, packet.ErrIllegalOperation, peer, log)
				return peer, errors.Errorf("transfer: data block %d ahead of expected %d", block, nextExpected)
			}
		case packet.OpError:
			return peer, pkt.Err
		default:
			sendErrorBestEffort(ep, packet.ErrIllegalOperation, peer, log)
			return peer, errors.Errorf("transfer: unexpected opcode %v while awaiting data", pkt.Op)
		}
	}
}

// RunWriter drives the side of a transfer that sends DATA blocks and
// awaits ACKs: a client's PUT, or the server serving an RRQ. peer must
// already be bound — both call sites know it before the loop starts (the
// client locks onto the server's response TID via the Ack{0} to its WRQ;
// the server already has the client's TID from the arriving RRQ).
//
// A reply from any other source is answered with Error(UnknownTransferID)
// and the wait is retried without touching the retry budget or resending
// data — the RFC 1350 §4 behavior spec.md §9 flags the original
// implementation for getting wrong by conflating it with a timeout.
func RunWriter(ctx context.Context, ep *transport.Endpoint, peer net.Addr, source filestore.Source, opts Options, log tftplog.Logger) error {
	block := uint16(1)
	buf := make([]byte, packet.MaxDatagramSize)

blockLoop:
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, short, rerr := source.ReadChunk(packet.MaxDataSize)
		if rerr != nil {
			return errors.Wrap(rerr, "transfer: read source")
		}

		dataPkt := packet.NewData(block, chunk)
		if err := ep.Send(dataPkt, peer); err != nil {
			return err
		}
		lastSent := dataPkt
		retries := opts.maxRetries()

		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			n, from, err := ep.Receive(buf, opts.timeout())
			if err != nil {
				if transport.IsTimeout(err) {
					if sendErr := ep.Send(lastSent, peer); sendErr != nil {
						return sendErr
					}
					retries--
					if retries < 0 {
						return ErrRetriesExhausted
					}
					continue
				}
				return err
			}

			if !sameAddr(from, peer) {
				sendErrorBestEffort(ep, packet.ErrUnknownTID, from, log)
				continue
			}

			pkt, perr := packet.Parse(buf[:n])
			if perr != nil {
				sendErrorBestEffort(ep, packet.ErrIllegalOperation, peer, log)
				return perr
			}

			switch pkt.Op {
			case packet.OpAck:
				switch {
				case pkt.Ack.Block == block:
					if short {
						return nil
					}
					block++
					if block == 0 {
						sendErrorBestEffort(ep, packet.ErrIllegalOperation, peer, log)
						return errBlockNumberExhausted
					}
					continue blockLoop
				case pkt.Ack.Block < block:
					continue
				default:
					sendErrorBestEffort(ep, packet.ErrIllegalOperation, peer, log)
					return errors.Errorf("transfer: ack block %d ahead of sent %d", pkt.Ack.Block, block)
				}
			case packet.OpError:
				return pkt.Err
			default:
				sendErrorBestEffort(ep, packet.ErrIllegalOperation, peer, log)
				return errors.Errorf("transfer: unexpected opcode %v while awaiting ack", pkt.Op)
			}
		}
	}
}
