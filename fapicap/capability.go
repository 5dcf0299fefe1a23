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

// Package fapicap implements the capability and certificate retrieval
// helper (spec.md C12): paginated TPM2_GetCapability accumulation and
// EK-certificate NV-index discovery.
package fapicap

import (
	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-tpm/tpm2"

	"github.com/confidentsecurity/tpm2-fapi/fapi/code"
	"github.com/confidentsecurity/tpm2-fapi/fapipath"
)

// GetAll issues TPM2_GetCapability repeatedly, following the "more data"
// flag until the TPM reports it has nothing further, concatenating every
// page's TPML into a single accumulated result (spec.md invariant:
// "never lose a page, never loop forever").
func GetAll(tpm tpm2.TPM, capability tpm2.TPMCap, property uint32) ([]tpm2.TPMSTaggedProperty, error) {
	var all []tpm2.TPMSTaggedProperty
	prop := property
	for {
		resp, err := tpm2.GetCapability{
			Capability:    capability,
			Property:      prop,
			PropertyCount: 0x7fffffff,
		}.Execute(tpm)
		if err != nil {
			return nil, code.Wrap(code.NoTPM, "fapicap.GetAll", err)
		}
		props, err := resp.CapabilityData.Data.TPMProperties()
		if err != nil {
			return nil, code.Wrap(code.NoTPM, "fapicap.GetAll", err)
		}
		all = append(all, props.TPMProperty...)
		if !resp.MoreData || len(props.TPMProperty) == 0 {
			return all, nil
		}
		prop = uint32(props.TPMProperty[len(props.TPMProperty)-1].Property) + 1
	}
}

// EKCertNVIndices lists the well-known NV index offsets under the
// EK-Cert category where RSA/ECC EK certificates are conventionally
// provisioned (TCG EK Credential Profile §3.2), expressed as raw TPM NV
// index handles.
var EKCertNVIndices = []uint32{0x01c00002, 0x01c0000a, 0x01c00012}

// DiscoverEKCertificates probes each well-known index with bounded
// retry (a freshly reset TPM may still be running Startup self-tests),
// returning the raw DER certificate bytes found at indices that exist.
func DiscoverEKCertificates(tpm tpm2.TPM, category fapipath.NVCategory) ([][]byte, error) {
	base, ok := fapipath.NVBase(category)
	if !ok {
		return nil, code.New(code.BadPath, "fapicap.DiscoverEKCertificates", "unknown NV category")
	}
	_ = base

	var out [][]byte
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	for _, idx := range EKCertNVIndices {
		var data []byte
		err := backoff.Retry(func() error {
			resp, err := tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(idx)}.Execute(tpm)
			if err != nil {
				return err
			}
			size := resp.NVPublic.NVPublic.DataSize
			read, err := tpm2.NVRead{
				AuthHandle: tpm2.AuthHandle{Handle: tpm2.TPMHandle(idx)},
				NVIndex:    tpm2.NamedHandle{Handle: tpm2.TPMHandle(idx)},
				Size:       size,
			}.Execute(tpm)
			if err != nil {
				return backoff.Permanent(err)
			}
			data = read.Data.Buffer
			return nil
		}, backoff.WithMaxRetries(b, 2))
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out, nil
}
