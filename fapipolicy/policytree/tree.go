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

// Package policytree defines the declarative policy tree shared by the
// policy calculator (fapipolicy.Calculator) and the policy executor
// (fapipolicy.Executor). It is a standalone leaf package so that
// fapiobject can embed a *Harness in a Key without creating an import
// cycle with fapipolicy itself.
package policytree

import "github.com/google/go-tpm/tpm2"

// ElementType enumerates the policy element kinds spec.md #1 lists:
// OR, PCR, signed, authorized, NV, secret, duplication-select, locality,
// command-code, counter-timer, NV-written, auth-value, password,
// physical-presence, name-hash, cp-hash, action, authorize-NV.
type ElementType int

const (
	ElementOR ElementType = iota
	ElementPCR
	ElementSigned
	ElementAuthorize
	ElementNV
	ElementSecret
	ElementDuplicationSelect
	ElementLocality
	ElementCommandCode
	ElementCounterTimer
	ElementNVWritten
	ElementAuthValue
	ElementPassword
	ElementPhysicalPresence
	ElementNameHash
	ElementCpHash
	ElementAction
	ElementAuthorizeNV
)

func (t ElementType) String() string {
	names := [...]string{
		"PolicyOR", "PolicyPCR", "PolicySigned", "PolicyAuthorize", "PolicyNV",
		"PolicySecret", "PolicyDuplicationSelect", "PolicyLocality",
		"PolicyCommandCode", "PolicyCounterTimer", "PolicyNvWritten",
		"PolicyAuthValue", "PolicyPassword", "PolicyPhysicalPresence",
		"PolicyNameHash", "PolicyCpHash", "PolicyAction", "PolicyAuthorizeNV",
	}
	if int(t) < 0 || int(t) >= len(names) {
		return "PolicyUnknown"
	}
	return names[t]
}

// Branch is one arm of a PolicyOR: a name (used by branch-select
// callbacks to describe the choice to a user) and its own element list.
type Branch struct {
	Name     string
	Elements []*Element
}

// Element is one node of the flattened-or-nested policy tree. Exactly
// the field matching Type is meaningful; the others are zero.
type Element struct {
	Type ElementType

	// OR
	Branches []*Branch

	// PCR
	PCRSelection tpm2.TPMLPCRSelection
	PCRDigest    []byte // instantiated by the PCR callback; nil until then

	// Signed / Authorize share a public-key reference, resolved by the
	// name/public callbacks during instantiation.
	KeyPath      string
	KeyPublicPEM []byte
	PolicyRef    []byte

	// NV / Secret / AuthorizeNV reference an NV or key path, resolved by
	// the nv-public/public callbacks during instantiation.
	ObjectPath   string
	ObjectName   []byte
	NVOperandB   []byte
	NVOffset     uint16
	NVOperation  tpm2.TPMEO

	// DuplicationSelect
	NewParentPath string
	IncludeObject bool

	// Locality
	Locality byte

	// CommandCode
	CommandCode tpm2.TPMCC

	// CounterTimer
	CTOperandB  []byte
	CTOffset    uint16
	CTOperation tpm2.TPMEO

	// NameHash / CpHash
	NameHashAlg tpm2.TPMAlgID
	HashValue   []byte

	// Action
	Action string

	// Authorize references an approved-policy callback result.
	ApprovedPolicyRef []byte
}

// DeepCopy returns an independent copy of e (and its branches).
func (e *Element) DeepCopy() *Element {
	cp := *e
	cp.Branches = nil
	for _, b := range e.Branches {
		nb := &Branch{Name: b.Name}
		for _, el := range b.Elements {
			nb.Elements = append(nb.Elements, el.DeepCopy())
		}
		cp.Branches = append(cp.Branches, nb)
	}
	return &cp
}

// Harness is a policy description plus its root element list and the
// calculator's memoization table (spec.md C9/§3).
type Harness struct {
	Description string
	Policy      []*Element

	// PolicyDigests maps a TPM hash algorithm to the digest computed for
	// it; spec.md invariant #7 requires no duplicate entry per algorithm.
	PolicyDigests map[tpm2.TPMAlgID][]byte

	// PolicyAuthorizations holds authorization blobs (e.g. PolicySigned
	// tickets) persisted alongside the harness (spec.md #4.10). The
	// executor in this module does not append to it.
	PolicyAuthorizations [][]byte
}

// NewHarness builds an empty harness around the given root element list.
func NewHarness(description string, policy []*Element) *Harness {
	return &Harness{
		Description:   description,
		Policy:        policy,
		PolicyDigests: make(map[tpm2.TPMAlgID][]byte),
	}
}

// Digest returns the memoized digest for alg, if any (spec.md invariant #7).
func (h *Harness) Digest(alg tpm2.TPMAlgID) ([]byte, bool) {
	d, ok := h.PolicyDigests[alg]
	return d, ok
}

// SetDigest stores the digest computed for alg, overwriting any previous
// entry for the same algorithm (never duplicating).
func (h *Harness) SetDigest(alg tpm2.TPMAlgID, digest []byte) {
	if h.PolicyDigests == nil {
		h.PolicyDigests = make(map[tpm2.TPMAlgID][]byte)
	}
	h.PolicyDigests[alg] = digest
}

// DeepCopy returns an independent copy of h.
func (h *Harness) DeepCopy() *Harness {
	cp := &Harness{
		Description:   h.Description,
		PolicyDigests: make(map[tpm2.TPMAlgID][]byte, len(h.PolicyDigests)),
	}
	for _, e := range h.Policy {
		cp.Policy = append(cp.Policy, e.DeepCopy())
	}
	for k, v := range h.PolicyDigests {
		cp.PolicyDigests[k] = append([]byte{}, v...)
	}
	for _, a := range h.PolicyAuthorizations {
		cp.PolicyAuthorizations = append(cp.PolicyAuthorizations, append([]byte{}, a...))
	}
	return cp
}
