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

// Package fapistore implements the keystore and policy-store adapters
// (spec.md C2/C3): async-shaped load/store of serialized objects and
// policy harnesses, keyed by resolved path.
package fapistore

import (
	"github.com/confidentsecurity/tpm2-fapi/fapi/tpmasync"
)

// Store is the common async contract both the object keystore and the
// policy store implement: load_async/load_finish, store_async/
// store_finish, check_writable, check_overwrite (spec.md #4.1).
type Store interface {
	// LoadAsync begins retrieving the bytes stored at path.
	LoadAsync(path string) *tpmasync.Future
	// StoreAsync begins persisting data at path.
	StoreAsync(path string, data []byte) *tpmasync.Future
	// CheckWritable reports whether path's directory accepts writes
	// without performing one.
	CheckWritable(path string) error
	// CheckOverwrite reports whether an existing object at path may be
	// replaced (spec.md invariant: explicit objects refuse silent
	// overwrite; directories created implicitly during key-chain
	// traversal do not).
	CheckOverwrite(path string, explicit bool) error
}
