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

// Package fapicrypto bridges PEM/DER-encoded host keys and signatures
// to the TPM wire types google/go-tpm's tpm2 package works with. No other
// package in this module imports it.
package fapicrypto

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"math/big"

	"github.com/google/go-tpm/tpm2"

	"github.com/confidentsecurity/tpm2-fapi/fapi/code"
)

// ParsePublicKeyPEM decodes a PEM block holding an RSA or ECDSA public
// key, the form policy authorization keys and CA roots are distributed
// in throughout this core.
func ParsePublicKeyPEM(pemBytes []byte) (any, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, code.New(code.BadValue, "fapicrypto.ParsePublicKeyPEM", "no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, code.Wrap(code.BadValue, "fapicrypto.ParsePublicKeyPEM", err)
	}
	switch key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return key, nil
	default:
		return nil, code.New(code.BadValue, "fapicrypto.ParsePublicKeyPEM", "unsupported public key type")
	}
}

// ToTPMTPublic converts a host RSA/ECDSA public key into the TPMT_PUBLIC
// template PolicySigned/PolicyAuthorize name computation needs, using
// scheme as the key's advertised signing scheme.
func ToTPMTPublic(key any, nameAlg tpm2.TPMAlgID, scheme tpm2.TPMTSigScheme) (tpm2.TPMTPublic, error) {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgRSA,
			NameAlg: nameAlg,
			Parameters: tpm2.NewTPMUPublicParms(tpm2.TPMAlgRSA, &tpm2.TPMSRSAParms{
				Scheme:  tpm2.TPMTRSAScheme{Scheme: scheme.Scheme},
				KeyBits: tpm2.TPMKeyBits(k.N.BitLen()),
			}),
			Unique: tpm2.NewTPMUPublicID(tpm2.TPMAlgRSA, &tpm2.TPM2BPublicKeyRSA{
				Buffer: k.N.Bytes(),
			}),
		}, nil
	case *ecdsa.PublicKey:
		return tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgECC,
			NameAlg: nameAlg,
			Parameters: tpm2.NewTPMUPublicParms(tpm2.TPMAlgECC, &tpm2.TPMSECCParms{
				Scheme: tpm2.TPMTECCScheme{Scheme: scheme.Scheme},
			}),
			Unique: tpm2.NewTPMUPublicID(tpm2.TPMAlgECC, &tpm2.TPMSECCPoint{
				X: tpm2.TPM2BECCParameter{Buffer: k.X.Bytes()},
				Y: tpm2.TPM2BECCParameter{Buffer: k.Y.Bytes()},
			}),
		}, nil
	default:
		return tpm2.TPMTPublic{}, code.New(code.BadValue, "fapicrypto.ToTPMTPublic", "unsupported key type")
	}
}

// DecodeECDSASignatureDER splits a DER ECDSA signature (the form
// crypto/ecdsa.Sign's callers typically store) into its raw r/s pair,
// for use building a TPMT_SIGNATURE.
func DecodeECDSASignatureDER(der []byte) (r, s *big.Int, err error) {
	var sig struct{ R, S *big.Int }
	rest, derErr := asn1.Unmarshal(der, &sig)
	if derErr != nil {
		return nil, nil, code.Wrap(code.BadValue, "fapicrypto.DecodeECDSASignatureDER", derErr)
	}
	if len(rest) != 0 {
		return nil, nil, code.New(code.BadValue, "fapicrypto.DecodeECDSASignatureDER", "trailing bytes after signature")
	}
	return sig.R, sig.S, nil
}
