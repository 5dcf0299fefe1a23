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

// Package fapipolicy implements the policy calculator (spec.md C9) and
// policy executor (spec.md C10): computing the expected policy digest of
// a declarative policy tree offline, and walking a live TPM policy
// session through the same tree online.
package fapipolicy

import (
	"fmt"

	"github.com/google/go-tpm/tpm2"

	"github.com/confidentsecurity/tpm2-fapi/fapi/code"
	"github.com/confidentsecurity/tpm2-fapi/fapipolicy/policytree"
)

// CommandCodes used by the digest update formulas. google/go-tpm's tpm2
// package exposes these as typed constants on the command structs
// themselves; the calculator needs them standalone so it is grounded on
// TPM 2.0 Part 3's registered values directly.
const (
	ccPolicyPCR               tpm2.TPMCC = 0x0000017f
	ccPolicySigned            tpm2.TPMCC = 0x00000160
	ccPolicySecret            tpm2.TPMCC = 0x00000151
	ccPolicyLocality          tpm2.TPMCC = 0x0000016f
	ccPolicyCounterTimer      tpm2.TPMCC = 0x0000016d
	ccPolicyCpHash            tpm2.TPMCC = 0x0000016e
	ccPolicyNameHash          tpm2.TPMCC = 0x00000170
	ccPolicyOR                tpm2.TPMCC = 0x00000171
	ccPolicyCommandCode       tpm2.TPMCC = 0x0000016c
	ccPolicyAuthorize         tpm2.TPMCC = 0x0000016a
	ccPolicyAuthValue         tpm2.TPMCC = 0x0000016b
	ccPolicyPassword          tpm2.TPMCC = 0x0000018c
	ccPolicyNV                tpm2.TPMCC = 0x00000149
	ccPolicyDuplicationSelect tpm2.TPMCC = 0x00000188
	ccPolicyNvWritten         tpm2.TPMCC = 0x0000018f
	ccPolicyAuthorizeNV       tpm2.TPMCC = 0x00000192
)

// Calculator computes the policy digest a declarative tree yields for a
// given hash algorithm, memoizing results on the tree's Harness
// (spec.md invariant #7: never more than one digest entry per algorithm).
type Calculator struct{}

// NewCalculator returns a ready-to-use Calculator. It carries no state of
// its own; every computation is pure over its arguments plus the
// Harness's memo table.
func NewCalculator() *Calculator { return &Calculator{} }

// Calculate returns the policy digest h.Policy yields under alg, using
// (and populating) the Harness's memoization table.
func (c *Calculator) Calculate(h *policytree.Harness, alg tpm2.TPMAlgID) ([]byte, error) {
	if d, ok := h.Digest(alg); ok {
		return d, nil
	}
	digest, err := zeroDigest(alg)
	if err != nil {
		return nil, code.Wrap(code.BadValue, "fapipolicy.Calculate", err)
	}
	for _, el := range h.Policy {
		digest, err = c.apply(digest, el, alg)
		if err != nil {
			return nil, err
		}
	}
	h.SetDigest(alg, digest)
	return digest, nil
}

// apply folds one policy element into the running digest.
func (c *Calculator) apply(digest []byte, el *policytree.Element, alg tpm2.TPMAlgID) ([]byte, error) {
	switch el.Type {
	case policytree.ElementOR:
		return c.applyOR(digest, el, alg)
	case policytree.ElementPCR:
		return extend(alg, digest, ccBytes(ccPolicyPCR), el.PCRDigest)
	case policytree.ElementSigned:
		return extend(alg, digest, ccBytes(ccPolicySigned), el.ObjectName, el.PolicyRef)
	case policytree.ElementAuthorize:
		return c.applyAuthorize(digest, el, alg)
	case policytree.ElementNV:
		return extend(alg, digest, ccBytes(ccPolicyNV), el.ObjectName)
	case policytree.ElementSecret:
		return extend(alg, digest, ccBytes(ccPolicySecret), el.ObjectName, el.PolicyRef)
	case policytree.ElementDuplicationSelect:
		return extend(alg, digest, ccBytes(ccPolicyDuplicationSelect), el.ObjectName)
	case policytree.ElementLocality:
		return extend(alg, digest, ccBytes(ccPolicyLocality), []byte{el.Locality})
	case policytree.ElementCommandCode:
		return extend(alg, digest, ccBytes(ccPolicyCommandCode), ccBytes(el.CommandCode))
	case policytree.ElementCounterTimer:
		return extend(alg, digest, ccBytes(ccPolicyCounterTimer), el.CTOperandB, u16(el.CTOffset))
	case policytree.ElementNVWritten:
		flag := byte(0)
		if el.IncludeObject {
			flag = 1
		}
		return extend(alg, digest, ccBytes(ccPolicyNvWritten), []byte{flag})
	case policytree.ElementAuthValue:
		return extend(alg, digest, ccBytes(ccPolicyAuthValue))
	case policytree.ElementPassword:
		// PolicyPassword updates the digest exactly like PolicyAuthValue
		// (TPM 2.0 Part 3 §23.18.2); only the session auth type differs
		// at execution time.
		return extend(alg, digest, ccBytes(ccPolicyAuthValue))
	case policytree.ElementPhysicalPresence:
		// No TPM 2.0 Part 3 command backs this element (legacy vendor
		// carryover); it is parsed but cannot contribute a digest.
		return nil, code.New(code.NotImplemented, "fapipolicy.apply", "PolicyPhysicalPresence has no TPM 2.0 digest formula")
	case policytree.ElementNameHash:
		return extend(alg, digest, ccBytes(ccPolicyNameHash), el.HashValue)
	case policytree.ElementCpHash:
		return extend(alg, digest, ccBytes(ccPolicyCpHash), el.HashValue)
	case policytree.ElementAction:
		// PolicyAction contributes no digest bytes; it is a pure
		// execution-time callback trigger (spec.md §C.2).
		return digest, nil
	case policytree.ElementAuthorizeNV:
		return extend(alg, digest, ccBytes(ccPolicyAuthorizeNV), el.ObjectName)
	default:
		return nil, code.New(code.PolicyUnknown, "fapipolicy.apply", fmt.Sprintf("unknown policy element type %v", el.Type))
	}
}

// applyOR computes each branch's own digest from a fresh zero digest,
// then updates the running digest with H(0 || CC_PolicyOR || branch1 ||
// branch2 || ...), per TPM 2.0 Part 3 §23.4.2.
func (c *Calculator) applyOR(digest []byte, el *policytree.Element, alg tpm2.TPMAlgID) ([]byte, error) {
	if len(el.Branches) < 2 {
		return nil, code.New(code.BadValue, "fapipolicy.applyOR", "PolicyOR requires at least two branches")
	}
	zero, err := zeroDigest(alg)
	if err != nil {
		return nil, err
	}
	branchDigests := make([][]byte, 0, len(el.Branches))
	for _, b := range el.Branches {
		d := append([]byte{}, zero...)
		for _, sub := range b.Elements {
			d, err = c.apply(d, sub, alg)
			if err != nil {
				return nil, err
			}
		}
		branchDigests = append(branchDigests, d)
	}
	args := append([][]byte{ccBytes(ccPolicyOR)}, branchDigests...)
	return extend(alg, digest, args...)
}

// BranchDigest computes the digest a single PolicyOR branch yields on
// its own, starting from a fresh zero digest. The executor uses this to
// tell the TPM the full branch digest list PolicyOR expects, having
// already executed only the caller-selected branch.
func (c *Calculator) BranchDigest(b *policytree.Branch, alg tpm2.TPMAlgID) ([]byte, error) {
	digest, err := zeroDigest(alg)
	if err != nil {
		return nil, err
	}
	for _, el := range b.Elements {
		digest, err = c.apply(digest, el, alg)
		if err != nil {
			return nil, err
		}
	}
	return digest, nil
}

// applyAuthorize folds a PolicyAuthorize element the same way PolicyNV /
// PolicySigned fold their key name, per TPM 2.0 Part 3 §23.16.2: the
// resulting digest depends only on the authorizing key's name and the
// policy ref, not on whatever policy the ticket actually approved.
func (c *Calculator) applyAuthorize(digest []byte, el *policytree.Element, alg tpm2.TPMAlgID) ([]byte, error) {
	return extend(alg, digest, ccBytes(ccPolicyAuthorize), el.ObjectName, el.PolicyRef)
}
