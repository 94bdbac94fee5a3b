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

// Package reducer implements the core of a distributed data-parallel
// gradient reduction engine. As individual parameter gradients become
// available during a backward pass, the Reducer groups them into
// fixed-capacity byte-bounded buckets, coalesces each bucket into a single
// contiguous buffer, and launches an all-reduce over that buffer at the
// earliest correct moment, all while preserving a deterministic reduction
// order across every participating process.
//
// The Reducer never touches a network socket or a tensor's bytes directly.
// It is written against three small collaborator interfaces - Tensor,
// Variable and ProcessGroup - so that any collective backend and any
// tensor representation can drive it; see the sibling pg and tensor
// packages for the reference implementations used by this module's own
// tests and by cmd/reducerd.
package reducer
