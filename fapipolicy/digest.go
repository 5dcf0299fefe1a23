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
	"crypto"
	"encoding/binary"
	"fmt"

	"github.com/google/go-tpm/tpm2"

	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
)

// hashFunc maps a TPM hash algorithm id onto the standard library hash it
// corresponds to, mirroring what go-tpm's internal tpm2b package does for
// name computation.
func hashFunc(alg tpm2.TPMAlgID) (crypto.Hash, error) {
	switch alg {
	case tpm2.TPMAlgSHA1:
		return crypto.SHA1, nil
	case tpm2.TPMAlgSHA256:
		return crypto.SHA256, nil
	case tpm2.TPMAlgSHA384:
		return crypto.SHA384, nil
	case tpm2.TPMAlgSHA512:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("unsupported hash algorithm %v", alg)
	}
}

// digestSize returns the output size in bytes of alg.
func digestSize(alg tpm2.TPMAlgID) (int, error) {
	h, err := hashFunc(alg)
	if err != nil {
		return 0, err
	}
	return h.Size(), nil
}

// extend computes the TPM policy-digest update formula:
//
//	new = H(old || args...)
//
// where H is the hash named by alg. Every PolicyXxx update in this package
// reduces to a call to this helper with the command-specific argument
// encoding appended after the command code.
func extend(alg tpm2.TPMAlgID, old []byte, args ...[]byte) ([]byte, error) {
	h, err := hashFunc(alg)
	if err != nil {
		return nil, err
	}
	hh := h.New()
	hh.Write(old)
	for _, a := range args {
		hh.Write(a)
	}
	return hh.Sum(nil), nil
}

// zeroDigest returns an all-zero digest of the size alg produces, the
// starting point of every fresh policy session per TPM 2.0 Part 3 §23.3.
func zeroDigest(alg tpm2.TPMAlgID) ([]byte, error) {
	n, err := digestSize(alg)
	if err != nil {
		return nil, err
	}
	return make([]byte, n), nil
}

// ccBytes renders a TPM_CC as its 4-byte big-endian wire encoding, the
// form every PolicyXxx digest update mixes in.
func ccBytes(cc tpm2.TPMCC) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(cc))
	return b[:]
}

// u16 renders a uint16 as its 2-byte big-endian wire encoding.
func u16(v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return b[:]
}
