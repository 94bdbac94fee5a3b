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

// Package pg supplies two reducer.ProcessGroup implementations: an
// in-process one for single-machine use and tests, and a gRPC-backed one
// that rendezvous with peers through a RendezvousServer. Neither package
// depends on any protoc-generated message type; tensors are carried as
// raw bytes inside google.golang.org/protobuf's well-known wrapper
// types, framed by the small codec in this file.
package pg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/9rum/reducer/reducer"
)

// floatCarrier is implemented by concrete Tensor types (tensor.Dense in
// this module) that expose their raw float storage. Only dense gradient
// buffers need it; the int-valued metadata and usage-bitmap tensors the
// reducer package builds are addressed through its own GetInt/SetInt.
type floatCarrier interface {
	Floats() []float64
}

const (
	kindFloat byte = iota
	kindInt
)

// encodeEnvelope frames rank ahead of payload so a single unary call can
// carry both without a custom message type.
func encodeEnvelope(rank int32, payload []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, rank)
	buf.Write(payload)
	return buf.Bytes()
}

func decodeEnvelope(b []byte) (int32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, errors.New("pg: envelope too short")
	}
	rank := int32(binary.BigEndian.Uint32(b[:4]))
	return rank, b[4:], nil
}

// encodeTensors serializes tensors into one flat byte payload, one
// length-prefixed record per tensor.
func encodeTensors(tensors []reducer.Tensor) ([]byte, error) {
	var buf bytes.Buffer
	for _, t := range tensors {
		if fc, ok := t.(floatCarrier); ok {
			data := fc.Floats()
			buf.WriteByte(kindFloat)
			binary.Write(&buf, binary.BigEndian, int64(len(data)))
			if err := binary.Write(&buf, binary.BigEndian, data); err != nil {
				return nil, err
			}
			continue
		}
		n := t.Numel()
		buf.WriteByte(kindInt)
		binary.Write(&buf, binary.BigEndian, n)
		for i := int64(0); i < n; i++ {
			binary.Write(&buf, binary.BigEndian, t.GetInt(i))
		}
	}
	return buf.Bytes(), nil
}

// decodeTensorsInto reads a payload produced by encodeTensors back into
// an existing slice of tensors, in place; it never allocates new
// tensors, since the caller already owns storage of the right shape.
func decodeTensorsInto(payload []byte, tensors []reducer.Tensor) error {
	r := bytes.NewReader(payload)
	for _, t := range tensors {
		var kind byte
		if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
			return fmt.Errorf("pg: decoding tensor kind: %w", err)
		}
		var n int64
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return fmt.Errorf("pg: decoding tensor length: %w", err)
		}

		switch kind {
		case kindFloat:
			fc, ok := t.(floatCarrier)
			if !ok || int64(len(fc.Floats())) != n {
				return fmt.Errorf("pg: float tensor shape mismatch on decode")
			}
			if err := binary.Read(r, binary.BigEndian, fc.Floats()); err != nil {
				return err
			}
		case kindInt:
			if t.Numel() != n {
				return fmt.Errorf("pg: int tensor shape mismatch on decode")
			}
			for i := int64(0); i < n; i++ {
				var v int64
				if err := binary.Read(r, binary.BigEndian, &v); err != nil {
					return err
				}
				t.SetInt(i, v)
			}
		default:
			return fmt.Errorf("pg: unknown tensor kind %d", kind)
		}
	}
	return nil
}

// sumPayloads adds every rank's contribution together element-wise. It
// assumes every rank framed its payload identically, which holds because
// bucket layout is synchronized across processes before any collective
// runs.
func sumPayloads(payloads [][]byte) ([]byte, error) {
	if len(payloads) == 0 {
		return nil, errors.New("pg: no payloads to reduce")
	}

	acc, err := decodeRecords(payloads[0])
	if err != nil {
		return nil, err
	}
	for _, payload := range payloads[1:] {
		records, err := decodeRecords(payload)
		if err != nil {
			return nil, err
		}
		if len(records) != len(acc) {
			return nil, errors.New("pg: mismatched record counts across ranks")
		}
		for i, rec := range records {
			if rec.kind != acc[i].kind || len(rec.floats) != len(acc[i].floats) || len(rec.ints) != len(acc[i].ints) {
				return nil, errors.New("pg: mismatched tensor shapes across ranks")
			}
			for j := range rec.floats {
				acc[i].floats[j] += rec.floats[j]
			}
			for j := range rec.ints {
				acc[i].ints[j] += rec.ints[j]
			}
		}
	}
	return encodeRecords(acc)
}

type wireRecord struct {
	kind   byte
	floats []float64
	ints   []int64
}

func decodeRecords(payload []byte) ([]wireRecord, error) {
	r := bytes.NewReader(payload)
	var records []wireRecord
	for r.Len() > 0 {
		var kind byte
		if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
			return nil, err
		}
		var n int64
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		rec := wireRecord{kind: kind}
		switch kind {
		case kindFloat:
			rec.floats = make([]float64, n)
			if err := binary.Read(r, binary.BigEndian, rec.floats); err != nil {
				return nil, err
			}
		case kindInt:
			rec.ints = make([]int64, n)
			for i := range rec.ints {
				if err := binary.Read(r, binary.BigEndian, &rec.ints[i]); err != nil {
					return nil, err
				}
			}
		default:
			return nil, fmt.Errorf("pg: unknown tensor kind %d", kind)
		}
		records = append(records, rec)
	}
	return records, nil
}

func encodeRecords(records []wireRecord) ([]byte, error) {
	var buf bytes.Buffer
	for _, rec := range records {
		buf.WriteByte(rec.kind)
		switch rec.kind {
		case kindFloat:
			binary.Write(&buf, binary.BigEndian, int64(len(rec.floats)))
			if err := binary.Write(&buf, binary.BigEndian, rec.floats); err != nil {
				return nil, err
			}
		case kindInt:
			binary.Write(&buf, binary.BigEndian, int64(len(rec.ints)))
			for _, v := range rec.ints {
				binary.Write(&buf, binary.BigEndian, v)
			}
		}
	}
	return buf.Bytes(), nil
}
