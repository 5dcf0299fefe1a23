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

package fapisession

import (
	"github.com/google/go-tpm/tpm2"

	"github.com/confidentsecurity/tpm2-fapi/fapi/code"
)

// TPMPolicySession drives a live TPM policy-session handle through one
// TPM2_PolicyXxx command per call, satisfying fapipolicy.PolicySession so
// the policy executor (spec.md C10) can walk a declarative policy tree
// against a real TPM instead of the test suite's recording double.
type TPMPolicySession struct {
	tpm    tpm2.TPM
	handle tpm2.TPMHandle
}

// NewTPMPolicySession wraps handle, a session handle already returned by
// the session manager's policy-session acquisition path.
func NewTPMPolicySession(tpm tpm2.TPM, handle tpm2.TPMHandle) *TPMPolicySession {
	return &TPMPolicySession{tpm: tpm, handle: handle}
}

func (s *TPMPolicySession) Handle() tpm2.TPMHandle { return s.handle }

func wrapPolicyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return code.Wrap(code.NoTPM, "fapisession."+op, err)
}

func (s *TPMPolicySession) PolicyOR(digests []tpm2.TPM2BDigest) error {
	_, err := tpm2.PolicyOR{
		PolicySession: s.handle,
		PHashList:     tpm2.TPMLDigest{Digests: digests},
	}.Execute(s.tpm)
	return wrapPolicyErr("PolicyOR", err)
}

func (s *TPMPolicySession) PolicyPCR(selection tpm2.TPMLPCRSelection, expectedDigest []byte) error {
	_, err := tpm2.PolicyPCR{
		PolicySession: s.handle,
		PcrDigest:     tpm2.TPM2BDigest{Buffer: expectedDigest},
		Pcrs:          selection,
	}.Execute(s.tpm)
	return wrapPolicyErr("PolicyPCR", err)
}

func (s *TPMPolicySession) PolicySigned(authObjectName tpm2.TPM2BName, policyRef []byte, sig tpm2.TPMTSignature, expiration int32, nonceTPM []byte) error {
	_, err := tpm2.PolicySigned{
		AuthObject:    tpm2.NamedHandle{Name: authObjectName},
		PolicySession: s.handle,
		NonceTPM:      tpm2.TPM2BNonce{Buffer: nonceTPM},
		PolicyRef:     tpm2.TPM2BNonce{Buffer: policyRef},
		Expiration:    expiration,
		Auth:          sig,
	}.Execute(s.tpm)
	return wrapPolicyErr("PolicySigned", err)
}

func (s *TPMPolicySession) PolicySecret(authHandle tpm2.TPMHandle, policyRef []byte, expiration int32) error {
	_, err := tpm2.PolicySecret{
		AuthHandle:    tpm2.AuthHandle{Handle: authHandle, Auth: tpm2.PasswordAuth(nil)},
		PolicySession: s.handle,
		PolicyRef:     tpm2.TPM2BNonce{Buffer: policyRef},
		Expiration:    expiration,
	}.Execute(s.tpm)
	return wrapPolicyErr("PolicySecret", err)
}

func (s *TPMPolicySession) PolicyAuthorize(approvedPolicy, policyRef []byte, keySign tpm2.TPM2BName, checkTicket tpm2.TPMTTKVerified) error {
	_, err := tpm2.PolicyAuthorize{
		PolicySession:  s.handle,
		ApprovedPolicy: tpm2.TPM2BDigest{Buffer: approvedPolicy},
		PolicyRef:      tpm2.TPM2BNonce{Buffer: policyRef},
		KeySign:        keySign,
		CheckTicket:    checkTicket,
	}.Execute(s.tpm)
	return wrapPolicyErr("PolicyAuthorize", err)
}

func (s *TPMPolicySession) PolicyAuthValue() error {
	_, err := tpm2.PolicyAuthValue{PolicySession: s.handle}.Execute(s.tpm)
	return wrapPolicyErr("PolicyAuthValue", err)
}

func (s *TPMPolicySession) PolicyPassword() error {
	_, err := tpm2.PolicyPassword{PolicySession: s.handle}.Execute(s.tpm)
	return wrapPolicyErr("PolicyPassword", err)
}

func (s *TPMPolicySession) PolicyCommandCode(cc tpm2.TPMCC) error {
	_, err := tpm2.PolicyCommandCode{PolicySession: s.handle, Code: cc}.Execute(s.tpm)
	return wrapPolicyErr("PolicyCommandCode", err)
}

func (s *TPMPolicySession) PolicyCounterTimer(operandB []byte, offset uint16, operation tpm2.TPMEO) error {
	_, err := tpm2.PolicyCounterTimer{
		PolicySession: s.handle,
		OperandB:      tpm2.TPM2BOperand{Buffer: operandB},
		Offset:        offset,
		Operation:     operation,
	}.Execute(s.tpm)
	return wrapPolicyErr("PolicyCounterTimer", err)
}

func (s *TPMPolicySession) PolicyCpHash(cpHashA []byte) error {
	_, err := tpm2.PolicyCpHash{PolicySession: s.handle, CpHashA: tpm2.TPM2BDigest{Buffer: cpHashA}}.Execute(s.tpm)
	return wrapPolicyErr("PolicyCpHash", err)
}

func (s *TPMPolicySession) PolicyNameHash(nameHash []byte) error {
	_, err := tpm2.PolicyNameHash{PolicySession: s.handle, NameHash: tpm2.TPM2BDigest{Buffer: nameHash}}.Execute(s.tpm)
	return wrapPolicyErr("PolicyNameHash", err)
}

func (s *TPMPolicySession) PolicyNV(nvIndex, authHandle tpm2.TPMHandle, operandB []byte, offset uint16, operation tpm2.TPMEO) error {
	_, err := tpm2.PolicyNV{
		AuthHandle:    tpm2.AuthHandle{Handle: authHandle, Auth: tpm2.PasswordAuth(nil)},
		NvIndex:       tpm2.NamedHandle{Handle: nvIndex},
		PolicySession: s.handle,
		OperandB:      tpm2.TPM2BOperand{Buffer: operandB},
		Offset:        offset,
		Operation:     operation,
	}.Execute(s.tpm)
	return wrapPolicyErr("PolicyNV", err)
}

func (s *TPMPolicySession) PolicyAuthorizeNV(nvIndex, authHandle tpm2.TPMHandle) error {
	_, err := tpm2.PolicyAuthorizeNV{
		AuthHandle:    tpm2.AuthHandle{Handle: authHandle, Auth: tpm2.PasswordAuth(nil)},
		NvIndex:       tpm2.NamedHandle{Handle: nvIndex},
		PolicySession: s.handle,
	}.Execute(s.tpm)
	return wrapPolicyErr("PolicyAuthorizeNV", err)
}

func (s *TPMPolicySession) PolicyDuplicationSelect(objectName, newParentName tpm2.TPM2BName, includeObject bool) error {
	_, err := tpm2.PolicyDuplicationSelect{
		PolicySession: s.handle,
		ObjectName:    objectName,
		NewParentName: newParentName,
		IncludeObject: includeObject,
	}.Execute(s.tpm)
	return wrapPolicyErr("PolicyDuplicationSelect", err)
}

func (s *TPMPolicySession) PolicyLocality(locality byte) error {
	_, err := tpm2.PolicyLocality{
		PolicySession: s.handle,
		Locality:      tpm2.TPMALocality(locality),
	}.Execute(s.tpm)
	return wrapPolicyErr("PolicyLocality", err)
}

func (s *TPMPolicySession) PolicyNvWritten(writtenSet bool) error {
	_, err := tpm2.PolicyNVWritten{
		PolicySession: s.handle,
		WrittenSet:    writtenSet,
	}.Execute(s.tpm)
	return wrapPolicyErr("PolicyNvWritten", err)
}

func (s *TPMPolicySession) PolicyGetDigest() ([]byte, error) {
	resp, err := tpm2.PolicyGetDigest{PolicySession: s.handle}.Execute(s.tpm)
	if err != nil {
		return nil, wrapPolicyErr("PolicyGetDigest", err)
	}
	return resp.PolicyDigest.Buffer, nil
}
