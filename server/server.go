// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package server implements the TFTP request dispatcher: the process that
// listens on a well-known port for RRQ/WRQ packets and, for each one,
// spins up a fresh transport.Endpoint on an ephemeral port and drives a
// single transfer to completion on it.
//
// This generalizes the teacher's Server (server.go) and Handler/Client
// (handler.go, client.go) triad, which validated nothing, never opened a
// real file, and left its shutdown paths as "/* TODO Implement */" stubs.
package server

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/srujaniyengar/turbotftp/filestore"
	"github.com/srujaniyengar/turbotftp/internal/tftplog"
	"github.com/srujaniyengar/turbotftp/packet"
	"github.com/srujaniyengar/turbotftp/transfer"
	"github.com/srujaniyengar/turbotftp/transport"
)

// Server holds the configuration for a TFTP request dispatcher, following
// the teacher's Server field shape (Root, Addr, a logger).
type Server struct {
	// Root is the base directory every request's filename is resolved
	// against. A resolved path that escapes Root is an access violation.
	Root string

	// Addr is the well-known address to listen on for new requests, e.g.
	// ":69". Defaults to ":69" if empty.
	Addr string

	// Logger receives one structured line per accepted request and per
	// transfer outcome. Defaults to tftplog.Default.
	Logger tftplog.Logger

	// Options governs the per-transfer timeout/retry policy handed to
	// transfer.RunReader/RunWriter. Defaults to transfer.DefaultOptions().
	Options transfer.Options

	// Concurrent, absent from the teacher, dispatches each accepted
	// request on its own goroutine when true. Each transfer owns an
	// independent Endpoint and file handle, so this is safe: spec.md §5's
	// "no shared mutable state between transfers" rule holds either way.
	Concurrent bool
}

func (srv *Server) addr() string {
	if srv.Addr == "" {
		return ":69"
	}
	return srv.Addr
}

func (srv *Server) logger() tftplog.Logger {
	if srv.Logger == nil {
		return tftplog.Default
	}
	return srv.Logger
}

func (srv *Server) options() transfer.Options {
	if srv.Options == (transfer.Options{}) {
		return transfer.DefaultOptions()
	}
	return srv.Options
}

// Listen binds the well-known address without serving it yet, mirroring
// net/http's split between acquiring a listener and running the accept
// loop on it. Tests that need the bound ephemeral address before the
// first request is sent call this directly; ListenAndServe is the
// one-step convenience most callers want.
func (srv *Server) Listen() (*transport.Endpoint, error) {
	listener, err := transport.New(srv.addr())
	if err != nil {
		return nil, errors.Wrap(err, "server: listen")
	}
	return listener, nil
}

// ListenAndServe binds the well-known address and dispatches requests
// until ctx is cancelled. It blocks until then, returning ctx.Err(), or
// earlier with a bind failure or a non-timeout receive error on the
// listener.
func (srv *Server) ListenAndServe(ctx context.Context) error {
	listener, err := srv.Listen()
	if err != nil {
		return err
	}
	return srv.Serve(ctx, listener)
}

// Serve runs the accept/dispatch loop on an already-bound listener until
// ctx is cancelled.
func (srv *Server) Serve(ctx context.Context, listener *transport.Endpoint) error {
	defer listener.Close()

	srv.logger().Infof("server: listening on %v, root %q", listener.LocalAddr(), srv.Root)

	var wg sync.WaitGroup
	defer wg.Wait()

	buf := make([]byte, packet.MaxDatagramSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, from, err := listener.Receive(buf, srv.options().EffectiveTimeout())
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			return errors.Wrap(err, "server: receive")
		}

		req := make([]byte, n)
		copy(req, buf[:n])

		if srv.Concurrent {
			wg.Add(1)
			go func() {
				defer wg.Done()
				srv.dispatch(ctx, req, from)
			}()
		} else {
			srv.dispatch(ctx, req, from)
		}
	}
}

// dispatch validates one request and, if accepted, runs its transfer to
// completion on a fresh ephemeral endpoint. Failures are reported to the
// client with a best-effort wire-level Error and logged; dispatch never
// returns an error to ListenAndServe's loop, matching spec.md §4.5's "one
// bad request must not take down the listener" requirement.
func (srv *Server) dispatch(ctx context.Context, raw []byte, from net.Addr) {
	log := srv.logger()

	pkt, err := packet.Parse(raw)
	if err != nil {
		srv.reject(from, packet.ErrIllegalOperation, err, log)
		return
	}
	if pkt.Op != packet.OpReadRequest && pkt.Op != packet.OpWriteRequest {
		srv.reject(from, packet.NewTFTPError(packet.CodeIllegalOperation, "expected RRQ or WRQ, got %v", pkt.Op), nil, log)
		return
	}
	if !strings.EqualFold(string(pkt.Req.Mode), string(packet.ModeOctet)) {
		srv.reject(from, packet.NewTFTPError(packet.CodeIllegalOperation, "mode %q not supported, use octet", pkt.Req.Mode), nil, log)
		return
	}

	path, err := srv.resolve(pkt.Req.Filename)
	if err != nil {
		srv.reject(from, packet.ErrAccessViolation, err, log)
		return
	}

	ep, err := transport.New(":0")
	if err != nil {
		srv.reject(from, packet.ErrNotDefined, err, log)
		return
	}
	defer ep.Close()

	tlog := tftplog.WithTID(log, ep.LocalAddr().String())
	tlog.Infof("server: %v %s for %v", pkt.Op, pkt.Req.Filename, from)

	switch pkt.Op {
	case packet.OpReadRequest:
		srv.serveRead(ctx, ep, from, path, tlog)
	case packet.OpWriteRequest:
		srv.serveWrite(ctx, ep, from, path, tlog)
	}
}

// serveRead implements spec.md §4.5 step 5: open for read, then drive the
// writer path (the server sends the file).
func (srv *Server) serveRead(ctx context.Context, ep *transport.Endpoint, from net.Addr, path string, log tftplog.Logger) {
	source, err := filestore.OpenSource(path)
	if err != nil {
		srv.sendMappedError(ep, from, err, log)
		return
	}
	defer source.Close()

	if err := transfer.RunWriter(ctx, ep, from, source, srv.options(), log); err != nil {
		log.Warnf("server: RRQ for %q failed: %v", path, err)
	}
}

// serveWrite implements spec.md §4.5 step 6: refuse an existing path,
// otherwise create it, Ack{0} as the opening move, and drive the reader
// path.
func (srv *Server) serveWrite(ctx context.Context, ep *transport.Endpoint, from net.Addr, path string, log tftplog.Logger) {
	sink, err := filestore.OpenSink(path)
	if err != nil {
		srv.sendMappedError(ep, from, err, log)
		return
	}

	ack0 := packet.NewAck(0)
	if err := ep.Send(ack0, from); err != nil {
		log.Warnf("server: WRQ for %q: send Ack(0): %v", path, err)
		_ = sink.Close()
		_ = filestore.Remove(path)
		return
	}

	_, err = transfer.RunReader(ctx, ep, from, ack0, sink, srv.options(), log)
	if err != nil {
		log.Warnf("server: WRQ for %q failed: %v", path, err)
		_ = sink.Close()
		_ = filestore.Remove(path)
		return
	}

	if err := sink.Close(); err != nil {
		log.Warnf("server: WRQ for %q: close: %v", path, err)
		_ = filestore.Remove(path)
	}
}

// resolve implements spec.md §4.5 step 3's path-safety checks: no
// traversal tokens, and the resolved path must stay inside Root.
func (srv *Server) resolve(filename string) (string, error) {
	if filename == "" || strings.Contains(filename, "..") ||
		strings.ContainsAny(filename, `/\`) {
		return "", errors.Errorf("server: filename %q contains a path separator or traversal token", filename)
	}

	root, err := filepath.Abs(srv.Root)
	if err != nil {
		return "", errors.Wrap(err, "server: resolve root")
	}
	joined := filepath.Join(root, filename)

	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("server: %q escapes root %q", filename, root)
	}
	return joined, nil
}

// sendMappedError answers from with the wire code a filestore failure maps
// to, falling back to NotDefined for anything filestore didn't tag.
func (srv *Server) sendMappedError(ep *transport.Endpoint, from net.Addr, err error, log tftplog.Logger) {
	tErr, ok := packet.AsTFTPError(err)
	if !ok {
		tErr = packet.NewTFTPError(packet.CodeNotDefined, "%v", err)
	}
	if sendErr := ep.Send(packet.NewErrorPacketFrom(tErr), from); sendErr != nil {
		log.Warnf("server: send error reply to %v: %v", from, sendErr)
	}
	log.Infof("server: rejected %v: %v", from, tErr)
}

// reject answers from with tErr over a throwaway endpoint on a fresh
// ephemeral port (never the well-known listener), used for failures that
// happen before a per-transfer Endpoint exists.
func (srv *Server) reject(from net.Addr, tErr *packet.TFTPError, cause error, log tftplog.Logger) {
	ep, err := transport.New(":0")
	if err != nil {
		log.Errorf("server: reject %v: could not open reply endpoint: %v", from, err)
		return
	}
	defer ep.Close()

	if sendErr := ep.Send(packet.NewErrorPacketFrom(tErr), from); sendErr != nil {
		log.Warnf("server: send rejection to %v: %v", from, sendErr)
	}
	if cause != nil {
		log.Infof("server: rejected %v: %v (%v)", from, tErr, cause)
	} else {
		log.Infof("server: rejected %v: %v", from, tErr)
	}
}
