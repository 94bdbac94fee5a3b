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

import "github.com/9rum/reducer/reducer"

// doneWork is an already-resolved reducer.Work.
type doneWork struct{ err error }

func (w doneWork) Wait() error { return w.err }

// LocalProcessGroup is a single-process reducer.ProcessGroup: every
// collective is a no-op, since there is only one rank to agree with. It
// is what a single-GPU caller passes to reducer.New in place of a real
// transport; the reducer package's own tests use an in-package fake.
type LocalProcessGroup struct{}

var _ reducer.ProcessGroup = LocalProcessGroup{}

func (LocalProcessGroup) AllReduce(tensors []reducer.Tensor) (reducer.Work, error) {
	return doneWork{}, nil
}

func (LocalProcessGroup) Broadcast(tensors []reducer.Tensor) (reducer.Work, error) {
	return doneWork{}, nil
}

func (LocalProcessGroup) Size() int { return 1 }
