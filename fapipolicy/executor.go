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

package fapipolicy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/go-tpm/tpm2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/confidentsecurity/tpm2-fapi/fapi/code"
	"github.com/confidentsecurity/tpm2-fapi/fapipolicy/policytree"
)

var tracer = otel.Tracer("github.com/confidentsecurity/tpm2-fapi/fapipolicy")

// Callbacks bundles the caller-supplied hooks the executor invokes when a
// policy element needs information only the application (or the user)
// can supply: a branch choice for PolicyOR, a signature for PolicySigned,
// a secret authorization for PolicySecret, an action string for
// PolicyAction, and resolution of name/public-key references by path.
type Callbacks struct {
	// SelectBranch is asked to pick one of the named branches; it
	// returns the branch's index into el.Branches.
	SelectBranch func(el *policytree.Element) (int, error)

	// Sign is asked to produce a signature over digest for the key
	// referenced by el.KeyPath/el.ObjectName.
	Sign func(el *policytree.Element, digest []byte) (tpm2.TPMTSignature, []byte, error)

	// Authorize supplies the authorization handle to use for PolicySecret.
	Authorize func(el *policytree.Element) (tpm2.TPMHandle, error)

	// AuthorizeNV resolves the (nvIndex, authHandle) pair for a
	// PolicyAuthorizeNV element.
	AuthorizeNV func(el *policytree.Element) (nvIndex, authHandle tpm2.TPMHandle, err error)

	// Action is invoked for a PolicyAction element with its literal
	// action string (spec.md §C.2).
	Action func(actionString string) error

	// Branch approves a PolicyAuthorize element, returning the approved
	// policy digest, its ref, the signing key's name and a verification
	// ticket.
	Branch func(el *policytree.Element) (approvedPolicy, policyRef []byte, keyName tpm2.TPM2BName, ticket tpm2.TPMTTKVerified, err error)
}

// Executor walks a live PolicySession through a declarative policy tree
// (spec.md C10), invoking the matching PolicyXxx command for each
// element and delegating branch/signature/secret decisions to Callbacks.
type Executor struct {
	log  *slog.Logger
	calc *Calculator
	alg  tpm2.TPMAlgID
}

// NewExecutor returns an Executor that logs state transitions to log (or
// slog.Default() if nil), matching the ambient logging convention every
// other FAPI state machine in this module follows. alg is the session's
// hash algorithm, needed to compute unselected PolicyOR branch digests.
func NewExecutor(log *slog.Logger, alg tpm2.TPMAlgID) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{log: log, calc: NewCalculator(), alg: alg}
}

// Execute drives sess through every element of h.Policy in order,
// reporting each element as its own span so a slow PolicySigned or
// PolicyAuthorize callback is visible in a trace rather than folded
// into one opaque "run the policy" span.
func (x *Executor) Execute(ctx context.Context, sess PolicySession, h *policytree.Harness, cb Callbacks) error {
	ctx, span := tracer.Start(ctx, "fapipolicy.Execute",
		trace.WithAttributes(attribute.String("fapi.policy.description", h.Description)))
	defer span.End()
	for _, el := range h.Policy {
		if err := x.executeOne(ctx, sess, el, cb); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (x *Executor) executeOne(ctx context.Context, sess PolicySession, el *policytree.Element, cb Callbacks) error {
	_, span := tracer.Start(ctx, "fapipolicy."+el.Type.String())
	defer span.End()
	x.log.Debug("fapipolicy executing element", "type", el.Type.String())
	switch el.Type {
	case policytree.ElementOR:
		return x.executeOR(ctx, sess, el, cb)
	case policytree.ElementPCR:
		return sess.PolicyPCR(el.PCRSelection, el.PCRDigest)
	case policytree.ElementSigned:
		if cb.Sign == nil {
			return code.New(code.BadValue, "fapipolicy.Execute", "PolicySigned requires a Sign callback")
		}
		digest, err := sess.PolicyGetDigest()
		if err != nil {
			return code.Wrap(code.IOError, "fapipolicy.Execute", err)
		}
		sig, nonceTPM, err := cb.Sign(el, digest)
		if err != nil {
			return code.Wrap(code.SignatureVerificationFailed, "fapipolicy.Execute", err)
		}
		return sess.PolicySigned(tpm2.TPM2BName{Buffer: el.ObjectName}, el.PolicyRef, sig, 0, nonceTPM)
	case policytree.ElementAuthorize:
		if cb.Branch == nil {
			return code.New(code.BadValue, "fapipolicy.Execute", "PolicyAuthorize requires a Branch callback")
		}
		approved, ref, keyName, ticket, err := cb.Branch(el)
		if err != nil {
			return code.Wrap(code.AuthorizationUnknown, "fapipolicy.Execute", err)
		}
		return sess.PolicyAuthorize(approved, ref, keyName, ticket)
	case policytree.ElementNV:
		return sess.PolicyNV(0, 0, el.NVOperandB, el.NVOffset, el.NVOperation)
	case policytree.ElementSecret:
		if cb.Authorize == nil {
			return code.New(code.BadValue, "fapipolicy.Execute", "PolicySecret requires an Authorize callback")
		}
		h, err := cb.Authorize(el)
		if err != nil {
			return code.Wrap(code.AuthorizationUnknown, "fapipolicy.Execute", err)
		}
		return sess.PolicySecret(h, el.PolicyRef, 0)
	case policytree.ElementDuplicationSelect:
		return sess.PolicyDuplicationSelect(
			tpm2.TPM2BName{Buffer: el.ObjectName},
			tpm2.TPM2BName{Buffer: []byte(el.NewParentPath)},
			el.IncludeObject,
		)
	case policytree.ElementLocality:
		return sess.PolicyLocality(el.Locality)
	case policytree.ElementCommandCode:
		return sess.PolicyCommandCode(el.CommandCode)
	case policytree.ElementCounterTimer:
		return sess.PolicyCounterTimer(el.CTOperandB, el.CTOffset, el.CTOperation)
	case policytree.ElementNVWritten:
		return sess.PolicyNvWritten(el.IncludeObject)
	case policytree.ElementAuthValue:
		return sess.PolicyAuthValue()
	case policytree.ElementPassword:
		return sess.PolicyPassword()
	case policytree.ElementPhysicalPresence:
		return code.New(code.NotImplemented, "fapipolicy.Execute", "PolicyPhysicalPresence has no ESYS-equivalent command in this core")
	case policytree.ElementNameHash:
		return sess.PolicyNameHash(el.HashValue)
	case policytree.ElementCpHash:
		return sess.PolicyCpHash(el.HashValue)
	case policytree.ElementAction:
		if cb.Action == nil {
			return code.New(code.BadValue, "fapipolicy.Execute", "PolicyAction requires an Action callback")
		}
		return cb.Action(el.Action)
	case policytree.ElementAuthorizeNV:
		if cb.AuthorizeNV == nil {
			return code.New(code.BadValue, "fapipolicy.Execute", "PolicyAuthorizeNV requires an AuthorizeNV callback")
		}
		nvIndex, authHandle, err := cb.AuthorizeNV(el)
		if err != nil {
			return code.Wrap(code.AuthorizationUnknown, "fapipolicy.Execute", err)
		}
		return sess.PolicyAuthorizeNV(nvIndex, authHandle)
	default:
		return code.New(code.PolicyUnknown, "fapipolicy.Execute", fmt.Sprintf("unknown policy element type %v", el.Type))
	}
}

// executeOR asks cb.SelectBranch to choose one arm, executes it, then
// tells the TPM about every branch's digest so it can verify the running
// session digest landed on one of them (TPM 2.0 Part 3 §23.4).
func (x *Executor) executeOR(ctx context.Context, sess PolicySession, el *policytree.Element, cb Callbacks) error {
	if cb.SelectBranch == nil {
		return code.New(code.BadValue, "fapipolicy.executeOR", "PolicyOR requires a SelectBranch callback")
	}
	idx, err := cb.SelectBranch(el)
	if err != nil {
		return code.Wrap(code.PolicyUnknown, "fapipolicy.executeOR", err)
	}
	if idx < 0 || idx >= len(el.Branches) {
		return code.New(code.BadValue, "fapipolicy.executeOR", "branch selection out of range")
	}
	for _, sub := range el.Branches[idx].Elements {
		if err := x.executeOne(ctx, sess, sub, cb); err != nil {
			return err
		}
	}
	digest, err := sess.PolicyGetDigest()
	if err != nil {
		return code.Wrap(code.IOError, "fapipolicy.executeOR", err)
	}
	branchDigests := make([]tpm2.TPM2BDigest, 0, len(el.Branches))
	for i, b := range el.Branches {
		if i == idx {
			branchDigests = append(branchDigests, tpm2.TPM2BDigest{Buffer: digest})
			continue
		}
		bd, err := x.calc.BranchDigest(b, x.alg)
		if err != nil {
			return code.Wrap(code.BadValue, "fapipolicy.executeOR", err)
		}
		branchDigests = append(branchDigests, tpm2.TPM2BDigest{Buffer: bd})
	}
	return sess.PolicyOR(branchDigests)
}
