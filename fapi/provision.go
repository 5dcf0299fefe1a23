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

package fapi

import (
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpmutil"

	"github.com/confidentsecurity/tpm2-fapi/fapi/tpmasync"
	"github.com/confidentsecurity/tpm2-fapi/fapiobject"
	"github.com/confidentsecurity/tpm2-fapi/fapisession"
)

// ProvisionResult reports the EK and SRK handles Provision resolved to,
// and whether each was freshly created or already present.
type ProvisionResult struct {
	EK  *fapisession.PrimaryResult
	SRK *fapisession.PrimaryResult
}

type provisionScratch struct {
	future *tpmasync.Future
}

// ProvisionAsync begins loading or creating the profile's EK and SRK
// primaries (spec.md #4.1 "Provision"), the one operation every other
// command implicitly depends on having already run.
func (c *Context) ProvisionAsync(ekTemplate, srkTemplate tpm2.TPM2BPublic) error {
	s := &provisionScratch{}
	if err := c.begin(CommandProvision, s); err != nil {
		return err
	}
	pm := fapisession.NewPrimaryManager(c.tpm)
	s.future = tpmasync.Start(func() (any, error) {
		ekF := pm.LoadOrCreateAsync(tpm2.TPMRHEndorsement, 0, ekTemplate)
		ek, err := ekF.Poll()
		for err == ErrTryAgain {
			ek, err = ekF.Poll()
		}
		if err != nil {
			return nil, err
		}
		srkF := pm.LoadOrCreateAsync(tpm2.TPMRHOwner, 0, srkTemplate)
		srk, err := srkF.Poll()
		for err == ErrTryAgain {
			srk, err = srkF.Poll()
		}
		if err != nil {
			return nil, err
		}
		return &ProvisionResult{
			EK:  ek.(*fapisession.PrimaryResult),
			SRK: srk.(*fapisession.PrimaryResult),
		}, nil
	})
	return nil
}

// ProvisionFinish returns ErrTryAgain until both primaries are ready, then
// persists EK/SRK placeholder records to the keystore at their canonical
// hierarchy-root paths so the key-chain loader (spec.md #4.5) has a
// primary node to read when resolving any path beneath /HE or /HS.
func (c *Context) ProvisionFinish() (*ProvisionResult, error) {
	if err := c.requireCommand(CommandProvision); err != nil {
		return nil, err
	}
	s := c.scratch.(*provisionScratch)
	v, err := s.future.Poll()
	if err == ErrTryAgain {
		return nil, err
	}
	defer c.end()
	if err != nil {
		return nil, err
	}
	res := v.(*ProvisionResult)
	if err := c.persistPrimary("/HE/EK", res.EK); err != nil {
		return nil, err
	}
	if err := c.persistPrimary("/HS/SRK", res.SRK); err != nil {
		return nil, err
	}
	return res, nil
}

// persistPrimary stores r as the primary node at path: an empty private
// blob and, when r.Persistent, a recorded persistent handle — exactly the
// shape fapikeychain's isPrimaryNode/Loader.startPrimary expect to find.
func (c *Context) persistPrimary(path string, r *fapisession.PrimaryResult) error {
	p, err := c.resolvePath(path)
	if err != nil {
		return err
	}
	pub, err := r.Public.Contents()
	if err != nil {
		return Wrap(BadValue, "fapi.persistPrimary", err)
	}
	obj := &fapiobject.Object{
		Kind: fapiobject.KindKey,
		Key: &fapiobject.Key{
			Public: *pub,
		},
	}
	if r.Persistent {
		obj.Key.PersistentHandle = tpmutil.Handle(r.Handle)
	}
	rec, err := recordFromObject(obj)
	if err != nil {
		return err
	}
	out, err := marshalObject(rec)
	if err != nil {
		return err
	}
	return pollVoid(c.keystore.StoreAsync(p.String(), out))
}

// Provision is the synchronous convenience wrapper.
func (c *Context) Provision(ekTemplate, srkTemplate tpm2.TPM2BPublic) (*ProvisionResult, error) {
	if err := c.ProvisionAsync(ekTemplate, srkTemplate); err != nil {
		return nil, err
	}
	for {
		v, err := c.ProvisionFinish()
		if err == ErrTryAgain {
			continue
		}
		return v, err
	}
}
