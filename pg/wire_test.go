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
	"testing"

	"github.com/9rum/reducer/reducer"
	"github.com/9rum/reducer/tensor"
)

func TestEncodeDecodeEnvelopeRoundTrip(t *testing.T) {
	env := encodeEnvelope(3, []byte{1, 2, 3})
	rank, payload, err := decodeEnvelope(env)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if rank != 3 {
		t.Fatalf("got rank %d, want 3", rank)
	}
	if len(payload) != 3 || payload[0] != 1 || payload[2] != 3 {
		t.Fatalf("got payload %v, want [1 2 3]", payload)
	}
}

func TestEncodeDecodeTensorsRoundTrip(t *testing.T) {
	f32 := reducer.NewDType("float32")
	cpu := reducer.NewDevice("cpu")
	d := tensor.NewDense(f32, cpu, []int64{3})
	copy(d.Floats(), []float64{1, 2, 3})

	payload, err := encodeTensors([]reducer.Tensor{d})
	if err != nil {
		t.Fatalf("encodeTensors: %v", err)
	}

	dst := tensor.NewDense(f32, cpu, []int64{3})
	if err := decodeTensorsInto(payload, []reducer.Tensor{dst}); err != nil {
		t.Fatalf("decodeTensorsInto: %v", err)
	}
	if got := dst.Floats(); got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("got %v, want [1 2 3]", got)
	}
}

func TestSumPayloadsAddsElementwise(t *testing.T) {
	f32 := reducer.NewDType("float32")
	cpu := reducer.NewDevice("cpu")

	mk := func(vals ...float64) []byte {
		d := tensor.NewDense(f32, cpu, []int64{int64(len(vals))})
		copy(d.Floats(), vals)
		payload, err := encodeTensors([]reducer.Tensor{d})
		if err != nil {
			t.Fatalf("encodeTensors: %v", err)
		}
		return payload
	}

	sum, err := sumPayloads([][]byte{mk(1, 2), mk(3, 4), mk(5, 6)})
	if err != nil {
		t.Fatalf("sumPayloads: %v", err)
	}

	dst := tensor.NewDense(f32, cpu, []int64{2})
	if err := decodeTensorsInto(sum, []reducer.Tensor{dst}); err != nil {
		t.Fatalf("decodeTensorsInto: %v", err)
	}
	if got := dst.Floats(); got[0] != 9 || got[1] != 12 {
		t.Fatalf("got %v, want [9 12]", got)
	}
}
