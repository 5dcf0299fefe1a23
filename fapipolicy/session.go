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
	"github.com/google/go-tpm/tpm2"
)

// PolicySession is the minimal command surface the executor drives
// against a live TPM policy session. It wraps google/go-tpm's command
// structs so call sites never fabricate field names directly; its shape
// mirrors the policy command set the canonical go-tpm2 fork's
// policyutil.policySession interface enumerates.
type PolicySession interface {
	Handle() tpm2.TPMHandle

	PolicyOR(digests []tpm2.TPM2BDigest) error
	PolicyPCR(selection tpm2.TPMLPCRSelection, expectedDigest []byte) error
	PolicySigned(authObjectName tpm2.TPM2BName, policyRef []byte, sig tpm2.TPMTSignature, expiration int32, nonceTPM []byte) error
	PolicySecret(authHandle tpm2.TPMHandle, policyRef []byte, expiration int32) error
	PolicyAuthorize(approvedPolicy []byte, policyRef []byte, keySign tpm2.TPM2BName, checkTicket tpm2.TPMTTKVerified) error
	PolicyAuthValue() error
	PolicyPassword() error
	PolicyCommandCode(cc tpm2.TPMCC) error
	PolicyCounterTimer(operandB []byte, offset uint16, operation tpm2.TPMEO) error
	PolicyCpHash(cpHashA []byte) error
	PolicyNameHash(nameHash []byte) error
	PolicyNV(nvIndex, authHandle tpm2.TPMHandle, operandB []byte, offset uint16, operation tpm2.TPMEO) error
	PolicyAuthorizeNV(nvIndex, authHandle tpm2.TPMHandle) error
	PolicyDuplicationSelect(objectName, newParentName tpm2.TPM2BName, includeObject bool) error
	PolicyLocality(locality byte) error
	PolicyNvWritten(writtenSet bool) error

	PolicyGetDigest() ([]byte, error)
}
