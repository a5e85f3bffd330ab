// Copyright (c) 2019, Benjamin Shields. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command tftp is a one-shot TFTP client: get fetches a remote file, put
// sends a local one.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/srujaniyengar/turbotftp/client"
	"github.com/srujaniyengar/turbotftp/internal/tftplog"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <server_ip:port> get|put <remote_name> <local_name>\n", os.Args[0])
	}
	flag.Parse()
	args := flag.Args()
	if len(args) != 4 {
		flag.Usage()
		os.Exit(1)
	}

	serverAddr, verb, remote, local := args[0], args[1], args[2], args[3]
	log := tftplog.Default
	opts := client.Options{Logger: log}

	var err error
	switch verb {
	case "get":
		err = client.Get(context.Background(), serverAddr, remote, local, opts)
	case "put":
		err = client.Put(context.Background(), serverAddr, local, remote, opts)
	default:
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		log.Errorf("tftp: %v", err)
		os.Exit(1)
	}
}
