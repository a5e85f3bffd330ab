// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package filestore streams bytes into and out of the filesystem in the
// fixed 512-byte chunks a TFTP transfer moves, and maps the failures it
// can hit to the wire-level reasons the transfer state machine needs.
package filestore

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/srujaniyengar/turbotftp/packet"
)

// Source streams a file's contents out in fixed-size chunks. Grounded on
// the teacher's fileHandler interface (declared in responsewriter.go but
// never implemented), completed here with the short-block signalling
// spec.md §4.3 requires.
type Source interface {
	// ReadChunk returns up to n bytes. A short read (including a
	// zero-length one) signals the final block of the transfer.
	ReadChunk(n int) (chunk []byte, short bool, err error)
	Close() error
}

// Sink streams a file's contents in, appending each chunk in arrival
// order.
type Sink interface {
	Write(chunk []byte) error
	// Close flushes buffered data. A flush failure is reported
	// separately from Write so the caller can respond with DiskFull even
	// when every individual Write call appeared to succeed.
	Close() error
}

// chunkReader implements the shared short-block bookkeeping spec.md §4.3
// requires of any Source: the first read shorter than the chunk size ends
// the transfer, and when the previous chunk was exactly full, one more
// (empty) chunk is still owed so the receiver sees the mandatory
// zero-length terminating block.
type chunkReader struct {
	r             io.Reader
	lastWasFull   bool
	doneAfterZero bool
}

func (c *chunkReader) readChunk(n int) ([]byte, bool, error) {
	if c.doneAfterZero {
		return nil, true, io.EOF
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(c.r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, false, errors.Wrap(err, "filestore: read")
	}
	buf = buf[:read]

	if read == n {
		c.lastWasFull = true
		return buf, false, nil
	}

	if read == 0 && c.lastWasFull {
		c.lastWasFull = false
		c.doneAfterZero = true
		return buf, true, nil
	}

	c.lastWasFull = false
	return buf, true, nil
}

// OpenSource opens name for reading. Failures are mapped to the wire
// codes spec.md §4.3 names: the returned error wraps packet.ErrFileNotFound
// for a missing file and packet.ErrAccessViolation for a permission (or
// any other) failure, recoverable with packet.AsTFTPError.
func OpenSource(name string) (Source, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, mapOpenReadError(err)
	}
	return &fileSource{f: f, chunkReader: chunkReader{r: f}}, nil
}

func mapOpenReadError(err error) error {
	if os.IsPermission(err) {
		return errors.Wrap(packet.ErrAccessViolation, err.Error())
	}
	if os.IsNotExist(err) {
		return errors.Wrap(packet.ErrFileNotFound, err.Error())
	}
	return errors.Wrap(packet.ErrAccessViolation, err.Error())
}

type fileSource struct {
	f *os.File
	chunkReader
}

func (s *fileSource) ReadChunk(n int) ([]byte, bool, error) {
	return s.readChunk(n)
}

func (s *fileSource) Close() error {
	return s.f.Close()
}

// OpenSink creates name for writing. If it already exists, the returned
// error wraps packet.ErrFileAlreadyExist; any other creation failure wraps
// packet.ErrAccessViolation. packet.AsTFTPError recovers either.
func OpenSink(name string) (Sink, error) {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrap(packet.ErrFileAlreadyExist, err.Error())
		}
		return nil, errors.Wrap(packet.ErrAccessViolation, err.Error())
	}
	return &fileSink{f: f}, nil
}

type fileSink struct {
	f *os.File
}

func (s *fileSink) Write(chunk []byte) error {
	n, err := s.f.Write(chunk)
	if err != nil || n != len(chunk) {
		return errors.Wrap(packet.ErrDiskFull, shortWriteMessage(n, len(chunk), err))
	}
	return nil
}

func shortWriteMessage(wrote, want int, err error) string {
	if err != nil {
		return err.Error()
	}
	return errors.Errorf("short write: wrote %d of %d bytes", wrote, want).Error()
}

func (s *fileSink) Close() error {
	if err := s.f.Sync(); err != nil {
		return errors.Wrap(packet.ErrDiskFull, err.Error())
	}
	return s.f.Close()
}

// Remove deletes a partially written sink's backing file. The callers of
// transfer.RunReader (client.Get and the server's WRQ ingest) call this on
// every failing exit so a half-written file never lingers, per spec.md
// §4.4 step 5 and §7 class 3.
func Remove(name string) error {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "filestore: remove partial file")
	}
	return nil
}

// MemorySource and MemorySink back Source/Sink with an in-memory buffer.
// Used by the state machine's tests and by callers that move bytes
// without touching the filesystem (e.g. a server handing out generated
// content rather than a file on disk).

type MemorySource struct {
	chunkReader
}

func NewMemorySource(data []byte) *MemorySource {
	return &MemorySource{chunkReader{r: bytes.NewReader(data)}}
}

func (m *MemorySource) ReadChunk(n int) ([]byte, bool, error) {
	return m.readChunk(n)
}

func (m *MemorySource) Close() error { return nil }

type MemorySink struct {
	buf bytes.Buffer
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Write(chunk []byte) error {
	_, err := m.buf.Write(chunk)
	return err
}

func (m *MemorySink) Close() error { return nil }

func (m *MemorySink) Bytes() []byte { return m.buf.Bytes() }
