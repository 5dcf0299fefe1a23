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
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/confidentsecurity/tpm2-fapi/fapi/code"
	"github.com/confidentsecurity/tpm2-fapi/fapi/tpmasync"
)

// PrimaryManager loads or creates the EK/SRK primary a hierarchy's key
// chain is rooted at (spec.md C6). A primary may already sit at a fixed
// persistent handle (the common case for a provisioned SRK); otherwise
// it is created transiently under its hierarchy template. Nothing here
// makes a created primary persistent; no TPM2_EvictControl is issued.
type PrimaryManager struct {
	tpm transport.TPM
}

// NewPrimaryManager returns a PrimaryManager bound to transport.
func NewPrimaryManager(t transport.TPM) *PrimaryManager {
	return &PrimaryManager{tpm: t}
}

// LoadOrCreateAsync begins loading persistentHandle if non-zero,
// otherwise creating a fresh primary under hierarchy using template.
func (m *PrimaryManager) LoadOrCreateAsync(hierarchy tpm2.TPMHandle, persistentHandle tpm2.TPMHandle, template tpm2.TPM2BPublic) *tpmasync.Future {
	return tpmasync.Start(func() (any, error) {
		if persistentHandle != 0 {
			return &PrimaryResult{Handle: persistentHandle, Persistent: true}, nil
		}
		resp, err := tpm2.CreatePrimary{
			PrimaryHandle: tpm2.TPMIRHHierarchy(hierarchy),
			InPublic:      template,
		}.Execute(m.tpm)
		if err != nil {
			return nil, code.Wrap(code.NoTPM, "fapisession.LoadOrCreate", err)
		}
		return &PrimaryResult{
			Handle:     resp.ObjectHandle.HandleValue(),
			Persistent: false,
			Public:     resp.OutPublic,
			Name:       resp.Name,
		}, nil
	})
}

// PrimaryResult is what the primary-key manager hands back: which
// variant (transient vs persistent) it resolved to, the object's public
// area and name if it was freshly created.
type PrimaryResult struct {
	Handle     tpm2.TPMHandle
	Persistent bool
	Public     tpm2.TPM2BPublic
	Name       tpm2.TPM2BName
}
