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

	"github.com/confidentsecurity/tpm2-fapi/fapi/tpmasync"
	"github.com/confidentsecurity/tpm2-fapi/fapikeychain"
	"github.com/confidentsecurity/tpm2-fapi/fapiobject"
	"github.com/confidentsecurity/tpm2-fapi/fapipath"
)

type keyScratch struct {
	path   string
	future *tpmasync.Future
}

// keystoreReader adapts Context's keystore to fapikeychain.ObjectReader,
// unmarshaling each ancestor's on-disk record back into a live Object.
type keystoreReader struct{ c *Context }

func (r *keystoreReader) ReadObject(path string) (*fapiobject.Object, error) {
	raw, err := pollBytes(r.c.keystore.LoadAsync(path))
	if err != nil {
		return nil, err
	}
	rec, err := unmarshalObject(raw)
	if err != nil {
		return nil, err
	}
	return objectFromRecord(rec)
}

// loadChain walks and loads every ancestor named by p (inclusive of its
// last segment), returning the resulting leaf handle. It busy-polls the
// key-chain loader's FSM the same way ProvisionAsync busy-polls the
// primary manager: the caller's own Async/Finish pair is the real
// suspend point callers see.
func (c *Context) loadChain(p *fapipath.Path) (tpm2.TPMHandle, error) {
	loader := fapikeychain.NewLoader(&keystoreReader{c: c}, c.tpmHandle(), c.log, nil)
	loader.StartAsync(p, nil)
	for {
		h, err := loader.Finish()
		if err == ErrTryAgain {
			continue
		}
		return h, err
	}
}

// parentHandle resolves the TPM handle a key created or loaded at p
// should use as its parent: the loaded handle of every segment but the
// last, or p's bare hierarchy permanent handle when p names the
// hierarchy's own primary (spec.md #4.5).
func (c *Context) parentHandle(p *fapipath.Path) (tpm2.TPMHandle, error) {
	if p.Length() <= 1 {
		return fapikeychain.HierarchyHandle(p.Hierarchy), nil
	}
	parent := *p
	parent.Segments = p.Segments[:p.Length()-1]
	return c.loadChain(&parent)
}

// CreateKeyAsync begins creating a key under the parent named by path's
// directory prefix, using template for its public area. The parent chain
// is walked and loaded (creating the hierarchy's primary if needed) via
// the key-chain loader before TPM2_CreateLoaded is issued.
func (c *Context) CreateKeyAsync(path string, template tpm2.TPM2BPublic) error {
	p, err := c.resolvePath(path)
	if err != nil {
		return err
	}
	s := &keyScratch{path: p.String()}
	if err := c.begin(CommandCreateKey, s); err != nil {
		return err
	}
	s.future = tpmasync.Start(func() (any, error) {
		parent, err := c.parentHandle(p)
		if err != nil {
			return nil, err
		}
		resp, err := tpm2.CreateLoaded{
			ParentHandle: tpm2.AuthHandle{Handle: parent},
			InPublic:     tpm2.New2BTemplate(&template),
		}.Execute(c.tpmHandle())
		if err != nil {
			return nil, Wrap(NoTPM, "fapi.CreateKey", err)
		}
		return resp, nil
	})
	return nil
}

// CreateKeyFinish returns ErrTryAgain until the key is created, then
// persists its public/private areas to the keystore and returns its
// handle.
func (c *Context) CreateKeyFinish() (tpm2.TPMHandle, error) {
	if err := c.requireCommand(CommandCreateKey); err != nil {
		return 0, err
	}
	s := c.scratch.(*keyScratch)
	v, err := s.future.Poll()
	if err == ErrTryAgain {
		return 0, err
	}
	defer c.end()
	if err != nil {
		return 0, err
	}
	resp := v.(*tpm2.CreateLoadedResponse)
	pub, perr := resp.OutPublic.Contents()
	if perr != nil {
		return 0, Wrap(BadValue, "fapi.CreateKeyFinish", perr)
	}
	obj := &fapiobject.Object{
		Kind: fapiobject.KindKey,
		Key: &fapiobject.Key{
			Public:  *pub,
			Private: resp.OutPrivate,
		},
	}
	rec, rerr := recordFromObject(obj)
	if rerr != nil {
		return 0, rerr
	}
	out, merr := marshalObject(rec)
	if merr != nil {
		return 0, merr
	}
	if serr := pollVoid(c.keystore.StoreAsync(s.path, out)); serr != nil {
		return 0, serr
	}
	return resp.ObjectHandle.HandleValue(), nil
}

// CreateKey is the synchronous convenience wrapper.
func (c *Context) CreateKey(path string, template tpm2.TPM2BPublic) (tpm2.TPMHandle, error) {
	if err := c.CreateKeyAsync(path, template); err != nil {
		return 0, err
	}
	for {
		v, err := c.CreateKeyFinish()
		if err == ErrTryAgain {
			continue
		}
		return v, err
	}
}

type signScratch struct {
	future *tpmasync.Future
}

// SignAsync begins signing digest under the key at path, walking and
// loading path's full ancestor chain via the key-chain loader before
// issuing TPM2_Sign.
func (c *Context) SignAsync(path string, digest []byte, scheme tpm2.TPMTSigScheme) error {
	p, err := c.resolvePath(path)
	if err != nil {
		return err
	}
	s := &signScratch{}
	if err := c.begin(CommandSign, s); err != nil {
		return err
	}
	s.future = tpmasync.Start(func() (any, error) {
		handle, err := c.loadChain(p)
		if err != nil {
			return nil, err
		}
		resp, err := tpm2.Sign{
			KeyHandle: tpm2.NamedHandle{Handle: handle},
			Digest:    tpm2.TPM2BDigest{Buffer: digest},
			InScheme:  scheme,
			Validation: tpm2.TPMTTKHashCheck{
				Tag: tpm2.TPMSTHashCheck,
			},
		}.Execute(c.tpmHandle())
		if err != nil {
			return nil, Wrap(SignatureVerificationFailed, "fapi.Sign", err)
		}
		return resp.Signature, nil
	})
	return nil
}

// SignFinish returns ErrTryAgain until the signature is ready.
func (c *Context) SignFinish() (tpm2.TPMTSignature, error) {
	var zero tpm2.TPMTSignature
	if err := c.requireCommand(CommandSign); err != nil {
		return zero, err
	}
	s := c.scratch.(*signScratch)
	v, err := s.future.Poll()
	if err == ErrTryAgain {
		return zero, err
	}
	defer c.end()
	if err != nil {
		return zero, err
	}
	return v.(tpm2.TPMTSignature), nil
}

// Sign is the synchronous convenience wrapper.
func (c *Context) Sign(path string, digest []byte, scheme tpm2.TPMTSigScheme) (tpm2.TPMTSignature, error) {
	if err := c.SignAsync(path, digest, scheme); err != nil {
		var zero tpm2.TPMTSignature
		return zero, err
	}
	for {
		v, err := c.SignFinish()
		if err == ErrTryAgain {
			continue
		}
		return v, err
	}
}

type cryptScratch struct {
	future *tpmasync.Future
}

// EncryptAsync begins RSA-OAEP-encrypting plaintext under the key at
// handle (a decrypt-capable RSA key's public half); ECC keys are not
// supported.
func (c *Context) EncryptAsync(handle tpm2.TPMHandle, plaintext []byte) error {
	s := &cryptScratch{}
	if err := c.begin(CommandEncrypt, s); err != nil {
		return err
	}
	s.future = tpmasync.Start(func() (any, error) {
		resp, err := tpm2.RSAEncrypt{
			KeyHandle: tpm2.NamedHandle{Handle: handle},
			Message:   tpm2.TPM2BPublicKeyRSA{Buffer: plaintext},
			InScheme:  tpm2.TPMTRSADecrypt{Scheme: tpm2.TPMAlgOAEP},
		}.Execute(c.tpmHandle())
		if err != nil {
			return nil, Wrap(GeneralFailure, "fapi.Encrypt", err)
		}
		return resp.OutData.Buffer, nil
	})
	return nil
}

// EncryptFinish returns ErrTryAgain until the ciphertext is ready.
func (c *Context) EncryptFinish() ([]byte, error) {
	if err := c.requireCommand(CommandEncrypt); err != nil {
		return nil, err
	}
	s := c.scratch.(*cryptScratch)
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

// Encrypt is the synchronous convenience wrapper.
func (c *Context) Encrypt(handle tpm2.TPMHandle, plaintext []byte) ([]byte, error) {
	if err := c.EncryptAsync(handle, plaintext); err != nil {
		return nil, err
	}
	for {
		v, err := c.EncryptFinish()
		if err == ErrTryAgain {
			continue
		}
		return v, err
	}
}

// DecryptAsync begins RSA-OAEP-decrypting ciphertext under the RSA key at
// handle; ECC keys are not supported. The key is authorized with go-tpm's
// default empty-password session; no HMAC or policy session is attached.
func (c *Context) DecryptAsync(handle tpm2.TPMHandle, ciphertext []byte) error {
	s := &cryptScratch{}
	if err := c.begin(CommandDecrypt, s); err != nil {
		return err
	}
	s.future = tpmasync.Start(func() (any, error) {
		resp, err := tpm2.RSADecrypt{
			KeyHandle:  tpm2.AuthHandle{Handle: handle},
			CipherText: tpm2.TPM2BPublicKeyRSA{Buffer: ciphertext},
			InScheme:   tpm2.TPMTRSADecrypt{Scheme: tpm2.TPMAlgOAEP},
		}.Execute(c.tpmHandle())
		if err != nil {
			return nil, Wrap(GeneralFailure, "fapi.Decrypt", err)
		}
		return resp.Message.Buffer, nil
	})
	return nil
}

// DecryptFinish returns ErrTryAgain until the plaintext is ready.
func (c *Context) DecryptFinish() ([]byte, error) {
	if err := c.requireCommand(CommandDecrypt); err != nil {
		return nil, err
	}
	s := c.scratch.(*cryptScratch)
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

// Decrypt is the synchronous convenience wrapper.
func (c *Context) Decrypt(handle tpm2.TPMHandle, ciphertext []byte) ([]byte, error) {
	if err := c.DecryptAsync(handle, ciphertext); err != nil {
		return nil, err
	}
	for {
		v, err := c.DecryptFinish()
		if err == ErrTryAgain {
			continue
		}
		return v, err
	}
}
