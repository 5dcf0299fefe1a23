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

// Package fapiattest implements the quote/attestation helper (spec.md
// C13): replaying an event log against a set of PCR banks and checking
// it reproduces the digest a TPM2_Quote actually signed.
package fapiattest

import (
	"bytes"
	"crypto"
	"encoding/hex"
	"fmt"

	"github.com/google/go-tpm/tpm2"

	"github.com/confidentsecurity/tpm2-fapi/fapi/code"
	"github.com/confidentsecurity/tpm2-fapi/fapinv"

	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
)

// PCRBank is one hash algorithm's worth of PCR register contents, as
// recorded independently of the event log (e.g. read back from the TPM
// or supplied by a relying party from its own record).
type PCRBank struct {
	Alg    tpm2.TPMAlgID
	Values map[uint32][]byte // pcr index -> current value
}

// ReplayEventLog folds each event in log against a zeroed register per
// the TPM extend formula (new = H(old || digest)), using alg to select
// which digest entry in an event to fold when it carries more than one
// bank.
func ReplayEventLog(log []fapinv.Event, alg tpm2.TPMAlgID, size int) (map[uint32][]byte, error) {
	h, err := hashByAlg(alg)
	if err != nil {
		return nil, code.Wrap(code.BadValue, "fapiattest.ReplayEventLog", err)
	}
	regs := make(map[uint32][]byte)
	for _, ev := range log {
		var digest []byte
		for _, d := range ev.Digest {
			if d.HashAlg == alg {
				raw, err := hex.DecodeString(d.Digest)
				if err != nil {
					return nil, code.Wrap(code.BadValue, "fapiattest.ReplayEventLog", err)
				}
				digest = raw
				break
			}
		}
		if digest == nil {
			continue
		}
		old, ok := regs[ev.PCR]
		if !ok {
			old = make([]byte, size)
		}
		hh := h.New()
		hh.Write(old)
		hh.Write(digest)
		regs[ev.PCR] = hh.Sum(nil)
	}
	return regs, nil
}

// VerifyQuote checks that replaying log against alg reproduces exactly
// the PCR values recorded in bank, the check a relying party performs
// before trusting a quote's signature (spec.md #4.13: "the signature
// proves the TPM signed *some* digest; replay proves it's *this* one").
func VerifyQuote(log []fapinv.Event, bank PCRBank) error {
	h, err := hashByAlg(bank.Alg)
	if err != nil {
		return code.Wrap(code.BadValue, "fapiattest.VerifyQuote", err)
	}
	replayed, err := ReplayEventLog(log, bank.Alg, h.Size())
	if err != nil {
		return err
	}
	for idx, want := range bank.Values {
		got, ok := replayed[idx]
		if !ok {
			return code.New(code.GeneralFailure, "fapiattest.VerifyQuote", fmt.Sprintf("event log never touches pcr %d", idx))
		}
		if !bytes.Equal(got, want) {
			return code.New(code.SignatureVerificationFailed, "fapiattest.VerifyQuote", fmt.Sprintf("pcr %d: replay mismatch", idx))
		}
	}
	return nil
}

func hashByAlg(alg tpm2.TPMAlgID) (crypto.Hash, error) {
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
