// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tftplog is the structured logger every component in this module
// takes as an injectable dependency, following the shape of the teacher's
// Server.ErrorLog field but backed by logrus so transfer-level fields
// (tid, block, op) are queryable rather than baked into a format string.
package tftplog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the subset of *logrus.Logger this module depends on. Kept
// narrow so *logrus.Logger and *logrus.Entry both satisfy it; because
// WithFields takes logrus.Fields and returns *logrus.Entry, any other
// implementation also imports logrus.
type Logger interface {
	WithFields(fields logrus.Fields) *logrus.Entry
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Default is the package-level fallback used wherever a component isn't
// handed an explicit logger, mirroring the teacher's "if nil, logging is
// done via the log package's standard logger" convention.
var Default = New()

// New builds a logrus.Logger with the text formatter and level this
// module's components expect: timestamps on, level-tagged fields, writing
// to stderr so stdout stays free for a CLI's actual output.
func New() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.InfoLevel)
	return log
}

// WithTID scopes a logger to one transfer's identifier, the (ip, port)
// pair every subsequent log line in that transfer's lifetime should carry.
func WithTID(log Logger, tid string) *logrus.Entry {
	return log.WithFields(logrus.Fields{"tid": tid})
}
