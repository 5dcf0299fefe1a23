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

// Package fapiobject implements the FAPI object model (spec.md C4): a
// tagged-variant representation of Key, NV and Hierarchy objects with
// deep-copy, cleanup and name-computation operations.
package fapiobject

import (
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpmutil"

	"github.com/confidentsecurity/tpm2-fapi/fapipolicy/policytree"
)

// Kind tags which variant an Object holds.
type Kind int

const (
	KindKey Kind = iota
	KindNV
	KindHierarchy
)

// AuthState drives the per-object authorization sub-FSM (spec.md #3,
// "authorization_state").
type AuthState int

const (
	AuthInit AuthState = iota
	AuthExecPolicy
)

// Object is the tagged variant over Key/NV/Hierarchy. Exactly one of Key,
// NV, Hierarchy is non-nil, selected by Kind.
type Object struct {
	Kind Kind

	Key       *Key
	NV        *NV
	Hierarchy *Hierarchy

	AuthState AuthState
}

// Key is the Key variant: public area, optional private blob, the
// TPM-serialized handle (present iff persistent), creation data/ticket,
// an optional policy harness, signing scheme, and bookkeeping fields.
type Key struct {
	Public  tpm2.TPMTPublic
	Private tpm2.TPM2BPrivate

	// Serialized is the Esys_TR_Serialize-style opaque handle blob; it is
	// present iff the key is persistent (spec.md #4.3).
	Serialized []byte

	CreationData   *tpm2.TPMSCreationData
	CreationTicket *tpm2.TPMTTKCreation
	CreationHash   []byte

	Policy *policytree.Harness

	Scheme tpm2.TPMTSigScheme

	Description string
	Certificate []byte
	AppData     []byte

	WithAuth bool
	// PersistentHandle is 0 for a transient key.
	PersistentHandle tpmutil.Handle
}

// IsPersistent reports whether the key lives at a fixed persistent handle.
func (k *Key) IsPersistent() bool { return k.PersistentHandle != 0 }

// NV is the NV variant: public area, policy digest, and the optional
// event log a PCR-extend-flagged index accumulates.
type NV struct {
	Public tpm2.TPMSNVPublic

	AuthPolicy []byte

	AppData     []byte
	Description string

	// EventLog is the JSON-array text of appended extend events
	// (spec.md #4.6 Extend).
	EventLog string

	Serialized []byte
}

// TPMA_NV is exposed by go-tpm as a struct of named boolean/enum fields,
// not a bitmask, so the accessors below read straight off
// tpm2.TPMSNVPublic.Attributes (spec.md #6 NV template flags) instead of
// testing bits against a mask.

// PPWrite reports the platform-authorized-write attribute.
func (n *NV) PPWrite() bool { return n.Public.Attributes.PPWrite }

// OwnerWrite reports the owner-authorized-write attribute.
func (n *NV) OwnerWrite() bool { return n.Public.Attributes.OwnerWrite }

// PPRead reports the platform-authorized-read attribute.
func (n *NV) PPRead() bool { return n.Public.Attributes.PPRead }

// OwnerRead reports the owner-authorized-read attribute.
func (n *NV) OwnerRead() bool { return n.Public.Attributes.OwnerRead }

// IsWritten reports the TPMA_NV_WRITTEN bit (spec.md invariant #2).
func (n *NV) IsWritten() bool { return n.Public.Attributes.Written }

// IsExtendable reports whether this index is an extend ("pcr") index,
// where the per-chunk size equals the name-algorithm digest size
// (spec.md invariant #5): TPMA_NV's NT subfield carries this, not a
// separate flag bit.
func (n *NV) IsExtendable() bool { return n.Public.Attributes.NT == tpm2.TPMNTExtend }

// MarkWritten sets the TPMA_NV_WRITTEN attribute after a successful first
// write (spec.md #4.6 Write: WRITE_PREPARE).
func (n *NV) MarkWritten() { n.Public.Attributes.Written = true }

// Hierarchy is the Hierarchy variant.
type Hierarchy struct {
	Handle      tpm2.TPMHandle
	AuthPolicy  []byte
	WithAuth    bool
	Description string
}

// DeepCopy returns an independent copy of o, used by the key-chain loader
// when it pushes an intermediate node onto its load stack (spec.md #4.5).
func (o *Object) DeepCopy() *Object {
	cp := &Object{Kind: o.Kind, AuthState: o.AuthState}
	switch o.Kind {
	case KindKey:
		k := *o.Key
		k.Private = tpm2.TPM2BPrivate{Buffer: append([]byte{}, o.Key.Private.Buffer...)}
		k.Serialized = append([]byte{}, o.Key.Serialized...)
		k.AppData = append([]byte{}, o.Key.AppData...)
		k.Certificate = append([]byte{}, o.Key.Certificate...)
		if o.Key.Policy != nil {
			cpPolicy := o.Key.Policy.DeepCopy()
			k.Policy = cpPolicy
		}
		cp.Key = &k
	case KindNV:
		n := *o.NV
		n.AuthPolicy = append([]byte{}, o.NV.AuthPolicy...)
		n.AppData = append([]byte{}, o.NV.AppData...)
		n.Serialized = append([]byte{}, o.NV.Serialized...)
		cp.NV = &n
	case KindHierarchy:
		h := *o.Hierarchy
		h.AuthPolicy = append([]byte{}, o.Hierarchy.AuthPolicy...)
		cp.Hierarchy = &h
	}
	return cp
}

// Cleanup releases any in-memory-only resources the object owns. It does
// not touch TPM handles; the caller's arena/key-chain loader is
// responsible for flushing those.
func (o *Object) Cleanup() {
	if o.Kind == KindKey && o.Key != nil {
		o.Key.Private = tpm2.TPM2BPrivate{}
		o.Key.Serialized = nil
	}
}
