// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package packet

import (
	"fmt"

	"github.com/pkg/errors"
)

// TFTPError is a wire-level error: a numeric code from RFC 1350 §5 plus a
// human-readable message, carried either as a decoded ERROR packet or as
// the typed reason a local operation failed before anything was ever put
// on the wire. The state machine and dispatcher both use the Code field
// to decide what to send the peer.
type TFTPError struct {
	Code    uint16
	Message string
}

// RFC 1350 §5 error codes, in wire order. The teacher's specification.go
// assigns these through an iota that silently skips the 2 (AccessViolation)
// slot; SPEC_FULL.md requires the RFC numbering below.
const (
	CodeNotDefined       uint16 = 0
	CodeFileNotFound     uint16 = 1
	CodeAccessViolation  uint16 = 2
	CodeDiskFull         uint16 = 3
	CodeIllegalOperation uint16 = 4
	CodeUnknownTID       uint16 = 5
	CodeFileAlreadyExist uint16 = 6
	CodeNoSuchUser       uint16 = 7
)

func (e *TFTPError) Error() string {
	return fmt.Sprintf("tftp: %d %s", e.Code, e.Message)
}

// NewTFTPError builds a TFTPError for the given code with a formatted
// message.
func NewTFTPError(code uint16, format string, args ...interface{}) *TFTPError {
	return &TFTPError{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrNotDefined       = &TFTPError{CodeNotDefined, "not defined"}
	ErrFileNotFound     = &TFTPError{CodeFileNotFound, "file not found"}
	ErrAccessViolation  = &TFTPError{CodeAccessViolation, "access violation"}
	ErrDiskFull         = &TFTPError{CodeDiskFull, "disk full or allocation exceeded"}
	ErrIllegalOperation = &TFTPError{CodeIllegalOperation, "illegal TFTP operation"}
	ErrUnknownTID       = &TFTPError{CodeUnknownTID, "unknown transfer ID"}
	ErrFileAlreadyExist = &TFTPError{CodeFileAlreadyExist, "file already exists"}
	ErrNoSuchUser       = &TFTPError{CodeNoSuchUser, "no such user"}
)

// ErrMalformed wraps bad-wire-format failures from Parse. It carries no
// code of its own because a malformed packet never reaches far enough to
// know what the sender intended; callers map it to ErrIllegalOperation
// before answering the peer.
var ErrMalformed = errors.New("packet: malformed")

// AsTFTPError recovers the *TFTPError at the root of err's cause chain, if
// any. The dispatcher uses this to decide which wire code to answer a
// failed file open with, regardless of how many times it was wrapped with
// errors.Wrap along the way.
func AsTFTPError(err error) (*TFTPError, bool) {
	cause := errors.Cause(err)
	tErr, ok := cause.(*TFTPError)
	return tErr, ok
}
