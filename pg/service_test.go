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
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/9rum/reducer/reducer"
	"github.com/9rum/reducer/tensor"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func dialRendezvous(t *testing.T, worldSize int) (*grpc.Server, []*GRPCProcessGroup, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	RegisterRendezvousServer(server, NewRendezvousServer(worldSize, nil))

	go server.Serve(lis)

	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}

	groups := make([]*GRPCProcessGroup, worldSize)
	for rank := 0; rank < worldSize; rank++ {
		conn, err := grpc.Dial("bufnet",
			grpc.WithContextDialer(dialer),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		groups[rank] = NewGRPCProcessGroup(conn, rank, worldSize)
	}

	return server, groups, func() { server.Stop() }
}

func TestGRPCProcessGroupAllReduceSumsAcrossRanks(t *testing.T) {
	const worldSize = 3
	_, groups, stop := dialRendezvous(t, worldSize)
	defer stop()

	f32 := reducer.NewDType("float32")
	cpu := reducer.NewDevice("cpu")

	var wg sync.WaitGroup
	results := make([]*tensor.Dense, worldSize)
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			d := tensor.NewDense(f32, cpu, []int64{2})
			copy(d.Floats(), []float64{float64(rank + 1), float64(rank + 1)})

			work, err := groups[rank].AllReduce([]reducer.Tensor{d})
			if err != nil {
				t.Errorf("rank %d: AllReduce: %v", rank, err)
				return
			}
			if err := work.Wait(); err != nil {
				t.Errorf("rank %d: Wait: %v", rank, err)
				return
			}
			results[rank] = d
		}(rank)
	}

	waitOrTimeout(t, &wg, 5*time.Second)

	want := 1 + 2 + 3.0
	for rank, d := range results {
		if d == nil {
			continue
		}
		if got := d.Floats()[0]; got != want {
			t.Fatalf("rank %d: got %v, want %v", rank, got, want)
		}
	}
}

func TestGRPCProcessGroupBroadcastFromRankZero(t *testing.T) {
	const worldSize = 2
	_, groups, stop := dialRendezvous(t, worldSize)
	defer stop()

	f32 := reducer.NewDType("float32")
	cpu := reducer.NewDevice("cpu")

	var wg sync.WaitGroup
	results := make([]*tensor.Dense, worldSize)
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			d := tensor.NewDense(f32, cpu, []int64{1})
			if rank == 0 {
				d.Floats()[0] = 42
			}
			work, err := groups[rank].Broadcast([]reducer.Tensor{d})
			if err != nil {
				t.Errorf("rank %d: Broadcast: %v", rank, err)
				return
			}
			if err := work.Wait(); err != nil {
				t.Errorf("rank %d: Wait: %v", rank, err)
				return
			}
			results[rank] = d
		}(rank)
	}

	waitOrTimeout(t, &wg, 5*time.Second)

	for rank, d := range results {
		if d == nil {
			continue
		}
		if got := d.Floats()[0]; got != 42 {
			t.Fatalf("rank %d: got %v, want 42 (rank 0's value)", rank, got)
		}
	}
}

func TestGRPCProcessGroupFinalizeSignalsDone(t *testing.T) {
	const worldSize = 2
	lis := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	done := make(chan os.Signal, 1)
	RegisterRendezvousServer(server, NewRendezvousServer(worldSize, done))
	go server.Serve(lis)
	defer server.Stop()

	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
	groups := make([]*GRPCProcessGroup, worldSize)
	for rank := 0; rank < worldSize; rank++ {
		conn, err := grpc.Dial("bufnet",
			grpc.WithContextDialer(dialer),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		groups[rank] = NewGRPCProcessGroup(conn, rank, worldSize)
	}

	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			if err := groups[rank].Finalize(); err != nil {
				t.Errorf("rank %d: Finalize: %v", rank, err)
			}
		}(rank)
	}
	waitOrTimeout(t, &wg, 5*time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("done channel was never signalled after every rank finalized")
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for goroutines")
	}
}
