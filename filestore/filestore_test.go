// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package filestore

import (
	"bytes"
	"testing"

	"github.com/srujaniyengar/turbotftp/packet"
)

func drain(t *testing.T, src Source, chunkSize int) ([][]byte, error) {
	t.Helper()
	var chunks [][]byte
	for {
		chunk, short, err := src.ReadChunk(chunkSize)
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
		if short {
			return chunks, nil
		}
	}
}

func TestMemorySourceExactMultipleEmitsTrailingEmptyBlock(t *testing.T) {
	data := bytes.Repeat([]byte{0xAA}, 512)
	src := NewMemorySource(data)
	chunks, err := drain(t, src, 512)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("want 2 chunks (full + empty terminator), got %d", len(chunks))
	}
	if len(chunks[1]) != 0 {
		t.Fatalf("final block should be empty, got %d bytes", len(chunks[1]))
	}
}

func TestMemorySourceShortFinalBlock(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, 511)
	src := NewMemorySource(data)
	chunks, err := drain(t, src, 512)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(chunks) != 1 || len(chunks[0]) != 511 {
		t.Fatalf("want a single 511-byte block, got %v", chunks)
	}
}

func TestMemorySourceEmptyFile(t *testing.T) {
	src := NewMemorySource(nil)
	chunks, err := drain(t, src, 512)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(chunks) != 1 || len(chunks[0]) != 0 {
		t.Fatalf("want a single empty block, got %v", chunks)
	}
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	if err := sink.Write([]byte("hello ")); err != nil {
		t.Fatal(err)
	}
	if err := sink.Write([]byte("world")); err != nil {
		t.Fatal(err)
	}
	if got := string(sink.Bytes()); got != "hello world" {
		t.Fatalf("want %q got %q", "hello world", got)
	}
}

func TestOpenSourceMissingFileMapsToFileNotFound(t *testing.T) {
	_, err := OpenSource("/nonexistent/path/definitely-not-there.bin")
	tErr, ok := packet.AsTFTPError(err)
	if !ok {
		t.Fatalf("expected a *packet.TFTPError, got %v", err)
	}
	if tErr.Code != packet.CodeFileNotFound {
		t.Fatalf("want code %d got %d", packet.CodeFileNotFound, tErr.Code)
	}
}

func TestOpenSinkExistingFileMapsToFileAlreadyExist(t *testing.T) {
	dir := t.TempDir()
	name := dir + "/exists.bin"
	sink, err := OpenSink(name)
	if err != nil {
		t.Fatalf("first OpenSink: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = OpenSink(name)
	tErr, ok := packet.AsTFTPError(err)
	if !ok {
		t.Fatalf("expected a *packet.TFTPError, got %v", err)
	}
	if tErr.Code != packet.CodeFileAlreadyExist {
		t.Fatalf("want code %d got %d", packet.CodeFileAlreadyExist, tErr.Code)
	}
}

func TestRemoveMissingFileIsNotAnError(t *testing.T) {
	if err := Remove("/nonexistent/path/definitely-not-there.bin"); err != nil {
		t.Fatalf("Remove of a missing file should be a no-op, got %v", err)
	}
}
