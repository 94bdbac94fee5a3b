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
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/golang/glog"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// RendezvousServer coordinates one collective round at a time across a
// fixed set of ranks, the same fanin/fanout barrier a plain MPI-style
// broadcast would use: every rank's call blocks until the others have
// all arrived, rank 0 computes the shared result once, and every call
// returns it. It backs the GRPCProcessGroup on the other side of the
// wire.
type RendezvousServer struct {
	worldSize int
	done      chan<- os.Signal

	arMu       sync.Mutex
	arPayloads [][]byte
	arFanin    chan struct{}
	arFanout   []chan []byte

	bcMu      sync.Mutex
	bcPayload []byte
	bcFanin   chan struct{}
	bcFanout  []chan []byte

	finFanin  chan struct{}
	finFanout []chan struct{}
}

// NewRendezvousServer creates a server coordinating worldSize ranks. done,
// if non-nil, is signalled by Finalize once every rank has called it,
// telling the process embedding this server to shut down gracefully.
func NewRendezvousServer(worldSize int, done chan<- os.Signal) *RendezvousServer {
	r := &RendezvousServer{
		worldSize:  worldSize,
		done:       done,
		arPayloads: make([][]byte, worldSize),
		arFanin:    make(chan struct{}),
		arFanout:   make([]chan []byte, worldSize),
		bcFanin:    make(chan struct{}),
		bcFanout:   make([]chan []byte, worldSize),
		finFanin:   make(chan struct{}),
		finFanout:  make([]chan struct{}, worldSize),
	}
	for i := 0; i < worldSize; i++ {
		r.arFanout[i] = make(chan []byte)
		r.bcFanout[i] = make(chan []byte)
		r.finFanout[i] = make(chan struct{})
	}
	return r
}

// AllReduce sums every rank's tensor payload and returns the sum to all
// of them.
func (r *RendezvousServer) AllReduce(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	rank, payload, err := decodeEnvelope(in.GetValue())
	if err != nil {
		return nil, err
	}
	glog.V(2).Infof("AllReduce called from rank %d", rank)

	r.arMu.Lock()
	r.arPayloads[rank] = payload
	r.arMu.Unlock()

	go func() { r.arFanin <- struct{}{} }()

	if rank == 0 {
		go func() {
			for i := 0; i < r.worldSize; i++ {
				<-r.arFanin
			}
			r.arMu.Lock()
			sum, err := sumPayloads(r.arPayloads)
			r.arMu.Unlock()
			if err != nil {
				glog.Errorf("all-reduce failed: %v", err)
				sum = nil
			}
			for _, ch := range r.arFanout {
				ch <- sum
			}
		}()
	}

	result := <-r.arFanout[rank]
	if result == nil {
		return nil, errAllReduceFailed
	}
	return wrapperspb.Bytes(result), nil
}

// Broadcast fans rank 0's tensor payload out to every rank, including
// rank 0 itself.
func (r *RendezvousServer) Broadcast(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	rank, payload, err := decodeEnvelope(in.GetValue())
	if err != nil {
		return nil, err
	}
	glog.V(2).Infof("Broadcast called from rank %d", rank)

	if rank == 0 {
		r.bcMu.Lock()
		r.bcPayload = payload
		r.bcMu.Unlock()
	}

	go func() { r.bcFanin <- struct{}{} }()

	if rank == 0 {
		go func() {
			for i := 0; i < r.worldSize; i++ {
				<-r.bcFanin
			}
			r.bcMu.Lock()
			out := r.bcPayload
			r.bcMu.Unlock()
			for _, ch := range r.bcFanout {
				ch <- out
			}
		}()
	}

	result := <-r.bcFanout[rank]
	return wrapperspb.Bytes(result), nil
}

// Finalize barriers on every rank tearing down, then signals the
// process embedding this server to shut down gracefully once the last
// one arrives.
func (r *RendezvousServer) Finalize(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	rank, _, err := decodeEnvelope(in.GetValue())
	if err != nil {
		return nil, err
	}
	glog.V(2).Infof("Finalize called from rank %d", rank)

	go func() { r.finFanin <- struct{}{} }()

	if rank == 0 {
		go func() {
			for i := 0; i < r.worldSize; i++ {
				<-r.finFanin
			}
			for _, ch := range r.finFanout {
				close(ch)
			}
			if r.done != nil {
				signal.Notify(r.done, syscall.SIGTERM)
				close(r.done)
			}
		}()
	}

	<-r.finFanout[rank]
	return wrapperspb.Bytes(nil), nil
}

var errAllReduceFailed = rendezvousError("pg: all-reduce failed to aggregate every rank's payload")

type rendezvousError string

func (e rendezvousError) Error() string { return string(e) }

// rendezvousServerIface is the interface *RendezvousServer must satisfy;
// grpc.ServiceDesc.HandlerType requires an interface type so that
// (*grpc.Server).RegisterService can verify ss via reflect.Implements.
type rendezvousServerIface interface {
	AllReduce(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Broadcast(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Finalize(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// serviceDesc is a hand-written grpc.ServiceDesc: there is no protoc
// output in this module, so RendezvousServer's three RPCs are dispatched
// the same way generated code would, just without the generator.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "reducer.Rendezvous",
	HandlerType: (*rendezvousServerIface)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AllReduce", Handler: allReduceHandler},
		{MethodName: "Broadcast", Handler: broadcastHandler},
		{MethodName: "Finalize", Handler: finalizeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "reducer/rendezvous",
}

func allReduceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*RendezvousServer).AllReduce(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/reducer.Rendezvous/AllReduce"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*RendezvousServer).AllReduce(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func broadcastHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*RendezvousServer).Broadcast(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/reducer.Rendezvous/Broadcast"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*RendezvousServer).Broadcast(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func finalizeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*RendezvousServer).Finalize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/reducer.Rendezvous/Finalize"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*RendezvousServer).Finalize(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterRendezvousServer registers srv against s the way generated
// code's RegisterXServer function would.
func RegisterRendezvousServer(s grpc.ServiceRegistrar, srv *RendezvousServer) {
	s.RegisterService(&serviceDesc, srv)
}
