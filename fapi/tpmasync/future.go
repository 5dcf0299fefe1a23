// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security
//
// Licensed under the Functional Source License, Version 1.1,
// ALv2 Future License, the terms and conditions of which are
// set forth in the "LICENSE" file included in the root directory
// of this code repository (the "License"); you may not use this
// file except in compliance with the License. You may obtain
// a copy of the License at
//
// https://fsl.software/FSL-1.1-ALv2.template.md
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tpmasync gives every TPM round-trip an Async/Finish shape even
// though github.com/google/go-tpm's tpm2 command structures only expose a
// blocking Execute. A Future runs one Execute call on a background
// goroutine and is polled with TryAgain/Done, the same suspend contract
// spec.md describes for the real ESYS async calls. This is the one place
// in the core that spawns a goroutine; every other package only ever sees
// Future.Poll.
package tpmasync

import (
	"sync"

	"github.com/confidentsecurity/tpm2-fapi/fapi/code"
)

// Future represents one in-flight blocking call. Zero value is not usable;
// build with Start.
type Future struct {
	mu     sync.Mutex
	done   bool
	result any
	err    error
}

// Start launches fn on a new goroutine and returns a Future that will
// report its result once fn returns.
func Start(fn func() (any, error)) *Future {
	f := &Future{}
	go func() {
		res, err := fn()
		f.mu.Lock()
		f.result, f.err = res, err
		f.done = true
		f.mu.Unlock()
	}()
	return f
}

// Poll returns (nil, code.ErrTryAgain) while fn is still running, and the
// final (result, err) once it completes. It is safe to call repeatedly;
// calling Poll after completion keeps returning the same result, matching
// the "_Finish is safe to call repeatedly" contract.
func (f *Future) Poll() (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.done {
		return nil, code.ErrTryAgain
	}
	return f.result, f.err
}

// Done reports whether fn has returned.
func (f *Future) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}
