// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package transfer

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/srujaniyengar/turbotftp/filestore"
	"github.com/srujaniyengar/turbotftp/internal/tftplog"
	"github.com/srujaniyengar/turbotftp/packet"
	"github.com/srujaniyengar/turbotftp/transport"
)

func testOptions() Options {
	return Options{Timeout: 200 * time.Millisecond, MaxRetries: 5}
}

func mustEndpoint(t *testing.T) *transport.Endpoint {
	t.Helper()
	ep, err := transport.New("127.0.0.1:0")
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	t.Cleanup(func() { _ = ep.Close() })
	return ep
}

func TestRunWriterAndReaderExactMultiple(t *testing.T) {
	serverEP := mustEndpoint(t)
	clientEP := mustEndpoint(t)

	data := bytes.Repeat([]byte{0xAA}, 1024)
	source := filestore.NewMemorySource(data)
	sink := filestore.NewMemorySink()

	done := make(chan error, 1)
	go func() {
		_, err := RunReader(context.Background(), clientEP, serverEP.LocalAddr(), nil, sink, testOptions(), tftplog.Default)
		done <- err
	}()

	if err := RunWriter(context.Background(), serverEP, clientEP.LocalAddr(), source, testOptions(), tftplog.Default); err != nil {
		t.Fatalf("RunWriter: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("RunReader: %v", err)
	}

	if !bytes.Equal(sink.Bytes(), data) {
		t.Fatalf("want %d bytes got %d", len(data), len(sink.Bytes()))
	}
}

func TestRunWriterAndReaderShortBlock(t *testing.T) {
	serverEP := mustEndpoint(t)
	clientEP := mustEndpoint(t)

	data := bytes.Repeat([]byte{0x01}, 511)
	source := filestore.NewMemorySource(data)
	sink := filestore.NewMemorySink()

	done := make(chan error, 1)
	go func() {
		_, err := RunReader(context.Background(), clientEP, serverEP.LocalAddr(), nil, sink, testOptions(), tftplog.Default)
		done <- err
	}()

	if err := RunWriter(context.Background(), serverEP, clientEP.LocalAddr(), source, testOptions(), tftplog.Default); err != nil {
		t.Fatalf("RunWriter: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("RunReader: %v", err)
	}
	if !bytes.Equal(sink.Bytes(), data) {
		t.Fatalf("mismatch: want %d bytes got %d", len(data), len(sink.Bytes()))
	}
}

func TestRunWriterAndReaderEmptyFile(t *testing.T) {
	serverEP := mustEndpoint(t)
	clientEP := mustEndpoint(t)

	source := filestore.NewMemorySource(nil)
	sink := filestore.NewMemorySink()

	done := make(chan error, 1)
	go func() {
		_, err := RunReader(context.Background(), clientEP, serverEP.LocalAddr(), nil, sink, testOptions(), tftplog.Default)
		done <- err
	}()

	if err := RunWriter(context.Background(), serverEP, clientEP.LocalAddr(), source, testOptions(), tftplog.Default); err != nil {
		t.Fatalf("RunWriter: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("RunReader: %v", err)
	}
	if len(sink.Bytes()) != 0 {
		t.Fatalf("want empty output, got %d bytes", len(sink.Bytes()))
	}
}

// TestReaderHandlesDuplicateData verifies that a duplicated DATA packet
// causes a second ACK on the wire but does not duplicate the written
// bytes, per spec.md §8's duplicate-data property.
func TestReaderHandlesDuplicateData(t *testing.T) {
	serverEP := mustEndpoint(t)
	clientEP := mustEndpoint(t)
	sink := filestore.NewMemorySink()

	done := make(chan error, 1)
	go func() {
		_, err := RunReader(context.Background(), clientEP, serverEP.LocalAddr(), nil, sink, testOptions(), tftplog.Default)
		done <- err
	}()

	fullBlock := bytes.Repeat([]byte{0x7}, packet.MaxDataSize)
	data1 := packet.NewData(1, fullBlock)

	if err := serverEP.Send(data1, clientEP.LocalAddr()); err != nil {
		t.Fatalf("send: %v", err)
	}
	buf := make([]byte, packet.MaxDatagramSize)
	n, from, err := serverEP.Receive(buf, time.Second)
	if err != nil {
		t.Fatalf("receive ack 1: %v", err)
	}
	ack1, err := packet.Parse(buf[:n])
	if err != nil || ack1.Op != packet.OpAck || ack1.Ack.Block != 1 {
		t.Fatalf("expected ack for block 1, got %+v err=%v", ack1, err)
	}

	// The wire duplicates block 1. The reader is still awaiting block 2,
	// so it must resend Ack{1} without writing the payload again.
	if err := serverEP.Send(data1, from); err != nil {
		t.Fatalf("resend duplicate: %v", err)
	}
	n, _, err = serverEP.Receive(buf, time.Second)
	if err != nil {
		t.Fatalf("receive duplicate ack: %v", err)
	}
	ack1Dup, err := packet.Parse(buf[:n])
	if err != nil || ack1Dup.Op != packet.OpAck || ack1Dup.Ack.Block != 1 {
		t.Fatalf("expected duplicate ack for block 1, got %+v err=%v", ack1Dup, err)
	}

	// Now send the short final block to terminate the transfer.
	tail := []byte("tail")
	if err := serverEP.Send(packet.NewData(2, tail), from); err != nil {
		t.Fatalf("send final block: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunReader: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunReader did not terminate after the final block")
	}

	want := append(append([]byte{}, fullBlock...), tail...)
	if !bytes.Equal(sink.Bytes(), want) {
		t.Fatalf("want %d bytes (one copy of block 1 plus tail), got %d", len(want), len(sink.Bytes()))
	}
}

// TestWriterIgnoresForeignSource exercises the REDESIGN FLAG fix: a reply
// from an address other than the bound peer must not be treated as a
// timeout, must not trigger a data resend, and must not consume the
// retry budget.
func TestWriterIgnoresForeignSource(t *testing.T) {
	serverEP := mustEndpoint(t)
	clientEP := mustEndpoint(t)
	foreignEP := mustEndpoint(t)

	source := filestore.NewMemorySource([]byte("hello"))

	writerDone := make(chan error, 1)
	go func() {
		writerDone <- RunWriter(context.Background(), serverEP, clientEP.LocalAddr(), source, testOptions(), tftplog.Default)
	}()

	// Receive the DATA block the writer sends.
	buf := make([]byte, packet.MaxDatagramSize)
	n, from, err := clientEP.Receive(buf, time.Second)
	if err != nil {
		t.Fatalf("receive data: %v", err)
	}
	dataPkt, err := packet.Parse(buf[:n])
	if err != nil || dataPkt.Op != packet.OpData {
		t.Fatalf("expected data packet: %+v err=%v", dataPkt, err)
	}

	// A foreign peer answers first; the writer must send it
	// Error(UnknownTransferID) and keep waiting for the real peer's ack,
	// not resend data or decrement retries.
	if err := foreignEP.Send(packet.NewAck(1), from); err != nil {
		t.Fatalf("foreign send: %v", err)
	}
	fbuf := make([]byte, packet.MaxDatagramSize)
	fn, _, err := foreignEP.Receive(fbuf, time.Second)
	if err != nil {
		t.Fatalf("foreign receive: %v", err)
	}
	errPkt, err := packet.Parse(fbuf[:fn])
	if err != nil || errPkt.Op != packet.OpError || errPkt.Err.Code != packet.CodeUnknownTID {
		t.Fatalf("expected UnknownTransferID error to foreign source, got %+v err=%v", errPkt, err)
	}

	// The real peer now acks, and the transfer finishes cleanly.
	if err := clientEP.Send(packet.NewAck(1), from); err != nil {
		t.Fatalf("real ack send: %v", err)
	}
	select {
	case err := <-writerDone:
		if err != nil {
			t.Fatalf("RunWriter: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunWriter did not finish after the real ack arrived")
	}
}

// TestReaderBindsTIDOnFirstReply exercises a GET where the peer is not
// known up front: the first DATA packet's source becomes the bound TID.
func TestReaderBindsTIDOnFirstReply(t *testing.T) {
	serverEP := mustEndpoint(t)
	clientEP := mustEndpoint(t)
	sink := filestore.NewMemorySink()

	done := make(chan struct {
		peer net.Addr
		err  error
	}, 1)
	go func() {
		peer, err := RunReader(context.Background(), clientEP, nil, nil, sink, testOptions(), tftplog.Default)
		done <- struct {
			peer net.Addr
			err  error
		}{peer, err}
	}()

	payload := []byte("hi")
	if err := serverEP.Send(packet.NewData(1, payload), clientEP.LocalAddr()); err != nil {
		t.Fatalf("send: %v", err)
	}

	result := <-done
	if result.err != nil {
		t.Fatalf("RunReader: %v", result.err)
	}
	if result.peer == nil || result.peer.String() != serverEP.LocalAddr().String() {
		t.Fatalf("expected bound peer %v, got %v", serverEP.LocalAddr(), result.peer)
	}
	if !bytes.Equal(sink.Bytes(), payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestRunWriterRetriesOnLostAck(t *testing.T) {
	serverEP := mustEndpoint(t)
	clientEP := mustEndpoint(t)
	source := filestore.NewMemorySource([]byte("retry me"))

	writerDone := make(chan error, 1)
	go func() {
		writerDone <- RunWriter(context.Background(), serverEP, clientEP.LocalAddr(), source, testOptions(), tftplog.Default)
	}()

	buf := make([]byte, packet.MaxDatagramSize)
	n, from, err := clientEP.Receive(buf, time.Second)
	if err != nil {
		t.Fatalf("first receive: %v", err)
	}
	first, _ := packet.Parse(buf[:n])

	// Drop it: don't ack. Wait for the retransmit instead.
	n, _, err = clientEP.Receive(buf, time.Second)
	if err != nil {
		t.Fatalf("retransmit receive: %v", err)
	}
	second, _ := packet.Parse(buf[:n])
	if !bytes.Equal(second.Data.Payload, first.Data.Payload) || second.Data.Block != first.Data.Block {
		t.Fatalf("retransmit did not match original data packet")
	}

	if err := clientEP.Send(packet.NewAck(1), from); err != nil {
		t.Fatalf("ack: %v", err)
	}

	select {
	case err := <-writerDone:
		if err != nil {
			t.Fatalf("RunWriter: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunWriter did not finish after the delayed ack")
	}
}
