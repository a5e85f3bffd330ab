// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package client implements the end-user side of a transfer: Get fetches
// a remote file, Put sends a local one. Both build an Endpoint on an
// arbitrary local port, emit the request, and hand off to the transfer
// state machine.
//
// The teacher's client.go only ever held per-connection state
// (lastPacket, remoteAddr, fileHandler) for the server's own dispatch path
// — it never had a true client driver. This package is grounded instead on
// original_source/src/tftp_client.cpp's receive_file/send_file shape,
// expressed with transport.Endpoint and transfer.RunReader/RunWriter.
package client

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"github.com/srujaniyengar/turbotftp/filestore"
	"github.com/srujaniyengar/turbotftp/internal/tftplog"
	"github.com/srujaniyengar/turbotftp/packet"
	"github.com/srujaniyengar/turbotftp/transfer"
	"github.com/srujaniyengar/turbotftp/transport"
)

// Options bundles the transfer policy and logger a Get/Put call uses.
// Zero value is DefaultOptions with tftplog.Default.
type Options struct {
	Transfer transfer.Options
	Logger   tftplog.Logger
}

func (o Options) transferOptions() transfer.Options {
	if o.Transfer == (transfer.Options{}) {
		return transfer.DefaultOptions()
	}
	return o.Transfer
}

func (o Options) logger() tftplog.Logger {
	if o.Logger == nil {
		return tftplog.Default
	}
	return o.Logger
}

// Get fetches remoteName from serverAddr (host:port) and writes it to
// localName, per spec.md §4.5's client driver description: emit the RRQ,
// then drive the reader path, binding the server's TID from the first
// reply.
func Get(ctx context.Context, serverAddr, remoteName, localName string, opts Options) error {
	ep, err := transport.New(":0")
	if err != nil {
		return errors.Wrap(err, "client: open endpoint")
	}
	defer ep.Close()

	peer, err := resolveAddr(serverAddr)
	if err != nil {
		return err
	}

	sink, err := filestore.OpenSink(localName)
	if err != nil {
		return errors.Wrapf(err, "client: open %q for write", localName)
	}

	rrq := packet.NewReadRequest(remoteName, packet.ModeOctet)
	if err := ep.Send(rrq, peer); err != nil {
		_ = sink.Close()
		_ = filestore.Remove(localName)
		return errors.Wrap(err, "client: send RRQ")
	}

	log := tftplog.WithTID(opts.logger(), ep.LocalAddr().String())
	log.Infof("client: GET %q from %v -> %q", remoteName, peer, localName)

	// The server's TID is not yet known: its first reply's source address
	// binds it, per spec.md §4.4's "TID binding" step.
	if _, err := transfer.RunReader(ctx, ep, nil, nil, sink, opts.transferOptions(), log); err != nil {
		_ = sink.Close()
		_ = filestore.Remove(localName)
		return errors.Wrapf(err, "client: GET %q", remoteName)
	}

	if err := sink.Close(); err != nil {
		_ = filestore.Remove(localName)
		return errors.Wrapf(err, "client: close %q", localName)
	}
	return nil
}

// Put sends localName to serverAddr as remoteName: emit the WRQ, await the
// server's Ack{0} (which binds its TID), then drive the writer path.
func Put(ctx context.Context, serverAddr, localName, remoteName string, opts Options) error {
	ep, err := transport.New(":0")
	if err != nil {
		return errors.Wrap(err, "client: open endpoint")
	}
	defer ep.Close()

	peer, err := resolveAddr(serverAddr)
	if err != nil {
		return err
	}

	source, err := filestore.OpenSource(localName)
	if err != nil {
		return errors.Wrapf(err, "client: open %q for read", localName)
	}
	defer source.Close()

	wrq := packet.NewWriteRequest(remoteName, packet.ModeOctet)
	if err := ep.Send(wrq, peer); err != nil {
		return errors.Wrap(err, "client: send WRQ")
	}

	log := tftplog.WithTID(opts.logger(), ep.LocalAddr().String())
	log.Infof("client: PUT %q -> %q at %v", localName, remoteName, peer)

	tOpts := opts.transferOptions()
	buf := make([]byte, packet.MaxDatagramSize)
	n, from, rerr := ep.Receive(buf, tOpts.EffectiveTimeout())
	if rerr != nil {
		return errors.Wrap(rerr, "client: await WRQ ack")
	}
	ack, perr := packet.Parse(buf[:n])
	if perr != nil {
		return errors.Wrap(perr, "client: parse WRQ ack")
	}
	if ack.Op == packet.OpError {
		return errors.Wrapf(ack.Err, "client: PUT %q rejected", remoteName)
	}
	if ack.Op != packet.OpAck || ack.Ack.Block != 0 {
		return errors.Errorf("client: PUT %q: expected Ack(0), got %v", remoteName, ack.Op)
	}

	if err := transfer.RunWriter(ctx, ep, from, source, tOpts, log); err != nil {
		return errors.Wrapf(err, "client: PUT %q", remoteName)
	}
	return nil
}

func resolveAddr(addr string) (*net.UDPAddr, error) {
	resolved, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "client: resolve %q", addr)
	}
	return resolved, nil
}
