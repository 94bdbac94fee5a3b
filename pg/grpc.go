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

package pg

import (
	"context"

	"github.com/9rum/reducer/reducer"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// grpcWork is the reducer.Work handle returned for a collective launched
// over the wire: the RPC runs in its own goroutine so AllReduce/Broadcast
// can return immediately, and Wait blocks for its outcome.
type grpcWork struct {
	done chan error
}

func newGRPCWork() *grpcWork { return &grpcWork{done: make(chan error, 1)} }

func (w *grpcWork) finish(err error) { w.done <- err }

func (w *grpcWork) Wait() error { return <-w.done }

var _ reducer.Work = (*grpcWork)(nil)

// GRPCProcessGroup is a reducer.ProcessGroup that rendezvous with its
// peers through a RendezvousServer, one unary RPC per collective call.
type GRPCProcessGroup struct {
	conn      grpc.ClientConnInterface
	rank      int
	worldSize int
}

var _ reducer.ProcessGroup = (*GRPCProcessGroup)(nil)

// NewGRPCProcessGroup wraps conn as the process group for rank within a
// worldSize-rank job. conn must be dialed against a RendezvousServer
// shared by every rank.
func NewGRPCProcessGroup(conn grpc.ClientConnInterface, rank, worldSize int) *GRPCProcessGroup {
	return &GRPCProcessGroup{conn: conn, rank: rank, worldSize: worldSize}
}

func (g *GRPCProcessGroup) Size() int { return g.worldSize }

func (g *GRPCProcessGroup) AllReduce(tensors []reducer.Tensor) (reducer.Work, error) {
	payload, err := encodeTensors(tensors)
	if err != nil {
		return nil, err
	}
	req := wrapperspb.Bytes(encodeEnvelope(int32(g.rank), payload))

	work := newGRPCWork()
	go func() {
		reply := new(wrapperspb.BytesValue)
		if err := g.conn.Invoke(context.Background(), "/reducer.Rendezvous/AllReduce", req, reply); err != nil {
			work.finish(err)
			return
		}
		work.finish(decodeTensorsInto(reply.GetValue(), tensors))
	}()
	return work, nil
}

// Finalize tells the RendezvousServer this rank is tearing down. Once
// every rank has called it, the server signals its own process to shut
// down gracefully.
func (g *GRPCProcessGroup) Finalize() error {
	req := wrapperspb.Bytes(encodeEnvelope(int32(g.rank), nil))
	reply := new(wrapperspb.BytesValue)
	return g.conn.Invoke(context.Background(), "/reducer.Rendezvous/Finalize", req, reply)
}

func (g *GRPCProcessGroup) Broadcast(tensors []reducer.Tensor) (reducer.Work, error) {
	var payload []byte
	var err error
	if g.rank == 0 {
		payload, err = encodeTensors(tensors)
		if err != nil {
			return nil, err
		}
	}
	req := wrapperspb.Bytes(encodeEnvelope(int32(g.rank), payload))

	work := newGRPCWork()
	go func() {
		reply := new(wrapperspb.BytesValue)
		if err := g.conn.Invoke(context.Background(), "/reducer.Rendezvous/Broadcast", req, reply); err != nil {
			work.finish(err)
			return
		}
		work.finish(decodeTensorsInto(reply.GetValue(), tensors))
	}()
	return work, nil
}
