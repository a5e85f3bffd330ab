// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tftpd runs a long-lived TFTP server, serving and accepting
// files rooted at a base directory.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/srujaniyengar/turbotftp/internal/tftplog"
	"github.com/srujaniyengar/turbotftp/server"
)

func main() {
	addr := flag.String("addr", ":69", "address to listen on")
	root := flag.String("root", ".", "base directory to serve files from and write files to")
	concurrent := flag.Bool("concurrent", false, "serve each request on its own goroutine")
	flag.Parse()

	log := tftplog.Default

	srv := &server.Server{
		Root:       *root,
		Addr:       *addr,
		Logger:     log,
		Concurrent: *concurrent,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		log.Errorf("tftpd: %v", err)
		os.Exit(1)
	}
}
