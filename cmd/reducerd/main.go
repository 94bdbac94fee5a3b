// Copyright 2022 Sogang University
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main implements the rendezvous server every rank in a training
// job dials to reach agreement on bucket layout and to run its
// collectives. The world size is fixed at startup by the -world-size
// flag and known to every rank ahead of time.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/9rum/reducer/pg"
	"github.com/golang/glog"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"google.golang.org/grpc"
)

func main() {
	port := flag.Int("p", 50051, "The server port")
	worldSize := flag.Int("world-size", 1, "The number of ranks that will join this rendezvous")
	flag.Parse()

	if err := serve(*port, *worldSize); err != nil {
		glog.Fatalf("failed to serve: %v", err)
	}
}

func serve(port, worldSize int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}

	server := newServer(worldSize)
	glog.Infof("server listening at %v, world size %d", lis.Addr(), worldSize)

	return server.Serve(lis)
}

func newServer(worldSize int) *grpc.Server {
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpc_recovery.UnaryServerInterceptor(),
		),
	)
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func(done <-chan os.Signal, server *grpc.Server) {
		<-done
		glog.Flush()
		server.GracefulStop()
	}(done, server)

	pg.RegisterRendezvousServer(server, pg.NewRendezvousServer(worldSize, done))

	return server
}
