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
	"context"
	"crypto"
	"encoding/hex"
	"encoding/json"
	"fmt"

	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/google/go-tpm/tpm2"

	"github.com/confidentsecurity/tpm2-fapi/fapi/tpmasync"
	"github.com/confidentsecurity/tpm2-fapi/fapiconfig"
	"github.com/confidentsecurity/tpm2-fapi/fapinv"
	"github.com/confidentsecurity/tpm2-fapi/fapiobject"
	"github.com/confidentsecurity/tpm2-fapi/fapipolicy"
	"github.com/confidentsecurity/tpm2-fapi/fapipolicy/policytree"
	"github.com/confidentsecurity/tpm2-fapi/fapisession"
)

// extendDigest hashes data under alg, mirroring the event digest a real
// TPM2_NV_Extend would fold into the index (spec.md #4.6 Extend): the
// algorithm always comes from the NV index's own name algorithm, never a
// hardcoded choice.
func extendDigest(alg tpm2.TPMAlgID, data []byte) ([]byte, error) {
	var h crypto.Hash
	switch alg {
	case tpm2.TPMAlgSHA1:
		h = crypto.SHA1
	case tpm2.TPMAlgSHA256:
		h = crypto.SHA256
	case tpm2.TPMAlgSHA384:
		h = crypto.SHA384
	case tpm2.TPMAlgSHA512:
		h = crypto.SHA512
	default:
		return nil, New(BadValue, "fapi.extendDigest", fmt.Sprintf("unsupported hash algorithm %v", alg))
	}
	sum := h.New()
	sum.Write(data)
	return sum.Sum(nil), nil
}

type nvScratch struct {
	path   string
	data   []byte
	offset uint16
	future *tpmasync.Future
}

// loadNVObject loads and unmarshals the keystore record at path, failing
// with BAD_PATH unless it resolves to an NV object (spec.md #4.6 READ).
func (c *Context) loadNVObject(path string) (*fapiobject.NV, error) {
	raw, err := pollBytes(c.keystore.LoadAsync(path))
	if err != nil {
		return nil, err
	}
	rec, err := unmarshalObject(raw)
	if err != nil {
		return nil, err
	}
	if rec.Kind != fapiobject.KindNV || rec.NV == nil {
		return nil, New(BadPath, "fapi.loadNVObject", "path does not resolve to an NV object")
	}
	obj, err := objectFromRecord(rec)
	if err != nil {
		return nil, err
	}
	return obj.NV, nil
}

// nvHandleOf returns the TPM NV index handle for nv's own public area.
func nvHandleOf(nv *fapiobject.NV) tpm2.TPMHandle {
	return nv.Public.NVIndex
}

// nvPrincipal resolves which hierarchy (or the index itself) authorizes
// write/read access to nv, per spec.md #4.6's PPWRITE/OWNERWRITE/self
// (and PPREAD/OWNERREAD/self) precedence.
func nvPrincipal(nv *fapiobject.NV, nvHandle tpm2.TPMHandle, write bool) tpm2.TPMHandle {
	if write {
		switch {
		case nv.PPWrite():
			return tpm2.TPMRHPlatform
		case nv.OwnerWrite():
			return tpm2.TPMRHOwner
		default:
			return nvHandle
		}
	}
	switch {
	case nv.PPRead():
		return tpm2.TPMRHPlatform
	case nv.OwnerRead():
		return tpm2.TPMRHOwner
	default:
		return nvHandle
	}
}

// loadPolicyHarness reads the policy tree stored at path's policy-store
// entry, returning (nil, nil) when none was ever written there (an
// auth-value or authorize-NV object with no separately authored tree).
func (c *Context) loadPolicyHarness(path string) (*policytree.Harness, error) {
	raw, err := pollBytes(c.policystore.LoadAsync(path))
	if err != nil {
		if Is(err, PolicyPathNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var h policytree.Harness
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, Wrap(BadValue, "fapi.loadPolicyHarness", err)
	}
	return &h, nil
}

// authorizeNV runs the authorization FSM (spec.md #4.7) for nv: AUTHORIZE
// acquires a plain HMAC session when nv carries no policy digest, or a
// policy session driven by the policy executor against nv's stored policy
// tree (spec.md C9/C10) otherwise.
func (c *Context) authorizeNV(path string, nv *fapiobject.NV, primary tpm2.TPMHandle) (tpm2.Session, error) {
	needsPolicy := len(nv.AuthPolicy) > 0
	mgr := fapisession.NewManager(c.tpm, needsPolicy, c.log)

	hashAlg := fapiconfig.NameAlgDefaultChain(nv.Public.NameAlg, c.profile)
	symAlg := tpm2.TPMTSymDef{Algorithm: tpm2.TPMAlgNull}
	mgr.GetSessionsAsync(primary, symAlg, hashAlg)

	var handles []fapisession.Handle
	for {
		hs, err := mgr.GetSessionsFinish()
		if err == ErrTryAgain {
			continue
		}
		if err != nil {
			return nil, err
		}
		handles = hs
		break
	}
	if !needsPolicy {
		return handles[0].Session, nil
	}

	policySession := handles[1].Session
	harness, herr := c.loadPolicyHarness(path)
	if herr != nil {
		return nil, herr
	}
	if harness != nil {
		tpmSess := fapisession.NewTPMPolicySession(c.tpmHandle(), policySession.Handle())
		executor := fapipolicy.NewExecutor(c.log, hashAlg)
		if err := executor.Execute(context.Background(), tpmSess, harness, fapipolicy.Callbacks{}); err != nil {
			return nil, err
		}
	}
	return policySession, nil
}

// NvReadAsync begins reading size bytes from offset at the NV object
// resolved at path.
func (c *Context) NvReadAsync(path string, size, offset uint16) error {
	p, err := c.resolvePath(path)
	if err != nil {
		return err
	}
	if !p.IsNV {
		return New(BadPath, "fapi.NvReadAsync", "path does not resolve to an NV object")
	}
	s := &nvScratch{path: p.String(), offset: offset}
	if err := c.begin(CommandNvRead, s); err != nil {
		return err
	}
	bufMax := uint16(1024)
	if c.profile != nil && c.profile.NVBufferMax != 0 {
		bufMax = c.profile.NVBufferMax
	}
	s.future = tpmasync.Start(func() (any, error) {
		nv, err := c.loadNVObject(s.path)
		if err != nil {
			return nil, err
		}
		nvHandle := nvHandleOf(nv)
		principal := nvPrincipal(nv, nvHandle, false)
		session, err := c.authorizeNV(s.path, nv, principal)
		if err != nil {
			return nil, err
		}
		return fapinv.ReadChunks(c.tpmHandle(), nvHandle, principal, session, size, offset, bufMax)
	})
	return nil
}

// NvReadFinish returns ErrTryAgain until the read completes.
func (c *Context) NvReadFinish() ([]byte, error) {
	if err := c.requireCommand(CommandNvRead); err != nil {
		return nil, err
	}
	s := c.scratch.(*nvScratch)
	v, err := s.future.Poll()
	if err == ErrTryAgain {
		return nil, err
	}
	defer c.end()
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// NvRead is the synchronous convenience wrapper.
func (c *Context) NvRead(path string, size, offset uint16) ([]byte, error) {
	if err := c.NvReadAsync(path, size, offset); err != nil {
		return nil, err
	}
	for {
		v, err := c.NvReadFinish()
		if err == ErrTryAgain {
			continue
		}
		return v, err
	}
}

// NvWriteAsync begins writing data at offset into the NV object at path
// (spec.md #4.6 Write): READ loads and type-checks the keystore record,
// AUTHORIZE selects and acquires the write principal's session, the
// buffer is zero-padded to the NV object's declared size and bound
// against NV_EXCEEDED, then WRITE_PREPARE/WRITE set TPMA_NV_WRITTEN and
// persist the updated record once the chunked TPM2_NV_Write loop
// completes.
func (c *Context) NvWriteAsync(path string, data []byte, offset uint16) error {
	p, err := c.resolvePath(path)
	if err != nil {
		return err
	}
	if !p.IsNV {
		return New(BadPath, "fapi.NvWriteAsync", "path does not resolve to an NV object")
	}
	s := &nvScratch{path: p.String(), data: data, offset: offset}
	if err := c.begin(CommandNvWrite, s); err != nil {
		return err
	}
	bufMax := uint16(1024)
	if c.profile != nil && c.profile.NVBufferMax != 0 {
		bufMax = c.profile.NVBufferMax
	}
	s.future = tpmasync.Start(func() (any, error) {
		nv, err := c.loadNVObject(s.path)
		if err != nil {
			return nil, err
		}
		if int(offset)+len(data) > int(nv.Public.DataSize) {
			return nil, New(NVExceeded, "fapi.NvWriteAsync", "write exceeds the NV index's declared data size")
		}
		buf := make([]byte, nv.Public.DataSize)
		copy(buf[offset:], data)

		nvHandle := nvHandleOf(nv)
		principal := nvPrincipal(nv, nvHandle, true)
		session, err := c.authorizeNV(s.path, nv, principal)
		if err != nil {
			return nil, err
		}
		if err := fapinv.WriteChunks(c.tpmHandle(), nvHandle, principal, session, buf, 0, bufMax); err != nil {
			return nil, err
		}

		nv.MarkWritten()
		rec, rerr := recordFromObject(&fapiobject.Object{Kind: fapiobject.KindNV, NV: nv})
		if rerr != nil {
			return nil, rerr
		}
		out, merr := marshalObject(rec)
		if merr != nil {
			return nil, merr
		}
		return nil, pollVoid(c.keystore.StoreAsync(s.path, out))
	})
	return nil
}

// NvWriteFinish returns ErrTryAgain until the write completes.
func (c *Context) NvWriteFinish() error {
	if err := c.requireCommand(CommandNvWrite); err != nil {
		return err
	}
	s := c.scratch.(*nvScratch)
	_, err := s.future.Poll()
	if err == ErrTryAgain {
		return err
	}
	c.end()
	return err
}

// NvWrite is the synchronous convenience wrapper.
func (c *Context) NvWrite(path string, data []byte, offset uint16) error {
	if err := c.NvWriteAsync(path, data, offset); err != nil {
		return err
	}
	for {
		err := c.NvWriteFinish()
		if err == ErrTryAgain {
			continue
		}
		return err
	}
}

// NvExtendAsync begins folding data into the extend-flagged NV index at
// path (spec.md #4.6 Extend), appending an Event to its JSON event log.
// data must be under 1024 bytes (spec.md Bounds); the digest is computed
// under the NV index's own name algorithm, never a hardcoded one.
func (c *Context) NvExtendAsync(path string, data []byte, eventData string) error {
	p, err := c.resolvePath(path)
	if err != nil {
		return err
	}
	if !p.IsNV {
		return New(BadPath, "fapi.NvExtendAsync", "path does not resolve to an NV object")
	}
	if len(data) >= 1024 {
		return New(BadValue, "fapi.NvExtendAsync", "extend data must be smaller than 1024 bytes")
	}
	s := &nvScratch{path: p.String(), data: data}
	if err := c.begin(CommandNvExtend, s); err != nil {
		return err
	}
	s.future = tpmasync.Start(func() (any, error) {
		nv, err := c.loadNVObject(s.path)
		if err != nil {
			return nil, err
		}
		nvHandle := nvHandleOf(nv)
		hashAlg := fapiconfig.NameAlgDefaultChain(nv.Public.NameAlg, c.profile)
		digest, err := extendDigest(hashAlg, data)
		if err != nil {
			return nil, err
		}
		digestHex := hex.EncodeToString(digest)

		principal := nvPrincipal(nv, nvHandle, true)
		session, err := c.authorizeNV(s.path, nv, principal)
		if err != nil {
			return nil, err
		}

		newLog, err := fapinv.AppendEvent(nv.EventLog, uint32(nvHandle), hashAlg, digestHex, eventData)
		if err != nil {
			return nil, err
		}
		_, err = tpm2.NVExtend{
			AuthHandle: tpm2.AuthHandle{Handle: principal, Auth: session},
			NVIndex:    tpm2.NamedHandle{Handle: nvHandle},
			Data:       tpm2.TPM2BMaxNVBuffer{Buffer: data},
		}.Execute(c.tpmHandle())
		if err != nil {
			return nil, Wrap(IOError, "fapi.NvExtend", err)
		}

		nv.EventLog = newLog
		rec, rerr := recordFromObject(&fapiobject.Object{Kind: fapiobject.KindNV, NV: nv})
		if rerr != nil {
			return nil, rerr
		}
		out, merr := marshalObject(rec)
		if merr != nil {
			return nil, merr
		}
		if serr := pollVoid(c.keystore.StoreAsync(s.path, out)); serr != nil {
			return nil, serr
		}
		return newLog, nil
	})
	return nil
}

// NvExtendFinish returns ErrTryAgain until the extend completes, then
// yields the updated JSON event log text.
func (c *Context) NvExtendFinish() (string, error) {
	if err := c.requireCommand(CommandNvExtend); err != nil {
		return "", err
	}
	s := c.scratch.(*nvScratch)
	v, err := s.future.Poll()
	if err == ErrTryAgain {
		return "", err
	}
	defer c.end()
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// NvExtend is the synchronous convenience wrapper.
func (c *Context) NvExtend(path string, data []byte, eventData string) (string, error) {
	if err := c.NvExtendAsync(path, data, eventData); err != nil {
		return "", err
	}
	for {
		v, err := c.NvExtendFinish()
		if err == ErrTryAgain {
			continue
		}
		return v, err
	}
}

type writeAuthorizeNvScratch struct {
	path   string
	future *tpmasync.Future
}

// WriteAuthorizeNvAsync begins persisting the authorized-write policy
// digest for the NV index at path, calculating it from the policy tree
// stored at policyPath via the policy calculator (spec.md C9) rather than
// trusting a caller-supplied digest, then encoding it on disk exactly as
// nameAlg||digest (spec.md §C.5).
func (c *Context) WriteAuthorizeNvAsync(path, policyPath string, nameAlg tpm2.TPMAlgID) error {
	p, err := c.resolvePath(path)
	if err != nil {
		return err
	}
	pp, err := c.resolvePath(policyPath)
	if err != nil {
		return err
	}
	s := &writeAuthorizeNvScratch{path: p.String()}
	if err := c.begin(CommandWriteAuthorizeNv, s); err != nil {
		return err
	}
	s.future = tpmasync.Start(func() (any, error) {
		raw, err := pollBytes(c.policystore.LoadAsync(pp.String()))
		if err != nil {
			return nil, err
		}
		var harness policytree.Harness
		if err := json.Unmarshal(raw, &harness); err != nil {
			return nil, Wrap(BadValue, "fapi.WriteAuthorizeNv", err)
		}
		digest, err := c.calculator.Calculate(&harness, nameAlg)
		if err != nil {
			return nil, err
		}
		payload := fapinv.EncodeAuthorizeNV(nameAlg, digest)
		return nil, pollVoid(c.keystore.StoreAsync(s.path+".authnv", payload))
	})
	return nil
}

// WriteAuthorizeNvFinish returns ErrTryAgain until the store completes.
func (c *Context) WriteAuthorizeNvFinish() error {
	if err := c.requireCommand(CommandWriteAuthorizeNv); err != nil {
		return err
	}
	s := c.scratch.(*writeAuthorizeNvScratch)
	_, err := s.future.Poll()
	if err == ErrTryAgain {
		return err
	}
	c.end()
	return err
}

// WriteAuthorizeNv is the synchronous convenience wrapper.
func (c *Context) WriteAuthorizeNv(path, policyPath string, nameAlg tpm2.TPMAlgID) error {
	if err := c.WriteAuthorizeNvAsync(path, policyPath, nameAlg); err != nil {
		return err
	}
	for {
		err := c.WriteAuthorizeNvFinish()
		if err == ErrTryAgain {
			continue
		}
		return err
	}
}
