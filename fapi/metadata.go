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
	"encoding/json"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpmutil"

	"github.com/confidentsecurity/tpm2-fapi/fapi/tpmasync"
	"github.com/confidentsecurity/tpm2-fapi/fapiobject"
	"github.com/confidentsecurity/tpm2-fapi/fapipolicy/policytree"
)

type metadataScratch struct {
	path    string
	value   string
	future  *tpmasync.Future
}

// GetDescriptionAsync begins reading the description stored on the
// object at path.
func (c *Context) GetDescriptionAsync(path string) error {
	p, err := c.resolvePath(path)
	if err != nil {
		return err
	}
	s := &metadataScratch{path: p.String()}
	if err := c.begin(CommandGetDescription, s); err != nil {
		return err
	}
	s.future = tpmasync.Start(func() (any, error) {
		data, err := pollBytes(c.keystore.LoadAsync(s.path))
		if err != nil {
			return nil, err
		}
		obj, err := unmarshalObject(data)
		if err != nil {
			return nil, err
		}
		return description(obj), nil
	})
	return nil
}

// GetDescriptionFinish returns ErrTryAgain until the load completes.
func (c *Context) GetDescriptionFinish() (string, error) {
	if err := c.requireCommand(CommandGetDescription); err != nil {
		return "", err
	}
	s := c.scratch.(*metadataScratch)
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

// GetDescription is the synchronous convenience wrapper.
func (c *Context) GetDescription(path string) (string, error) {
	if err := c.GetDescriptionAsync(path); err != nil {
		return "", err
	}
	for {
		v, err := c.GetDescriptionFinish()
		if err == ErrTryAgain {
			continue
		}
		return v, err
	}
}

// SetDescriptionAsync begins writing description onto the object at path.
func (c *Context) SetDescriptionAsync(path, description string) error {
	p, err := c.resolvePath(path)
	if err != nil {
		return err
	}
	s := &metadataScratch{path: p.String(), value: description}
	if err := c.begin(CommandSetDescription, s); err != nil {
		return err
	}
	s.future = tpmasync.Start(func() (any, error) {
		raw, err := pollBytes(c.keystore.LoadAsync(s.path))
		if err != nil {
			return nil, err
		}
		obj, err := unmarshalObject(raw)
		if err != nil {
			return nil, err
		}
		setDescription(obj, s.value)
		out, err := marshalObject(obj)
		if err != nil {
			return nil, err
		}
		if err := pollVoid(c.keystore.StoreAsync(s.path, out)); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return nil
}

// SetDescriptionFinish returns ErrTryAgain until the store completes.
func (c *Context) SetDescriptionFinish() error {
	if err := c.requireCommand(CommandSetDescription); err != nil {
		return err
	}
	s := c.scratch.(*metadataScratch)
	_, err := s.future.Poll()
	if err == ErrTryAgain {
		return err
	}
	c.end()
	return err
}

// SetDescription is the synchronous convenience wrapper.
func (c *Context) SetDescription(path, description string) error {
	if err := c.SetDescriptionAsync(path, description); err != nil {
		return err
	}
	for {
		err := c.SetDescriptionFinish()
		if err == ErrTryAgain {
			continue
		}
		return err
	}
}

// GetAppDataAsync begins reading the application data blob on path.
func (c *Context) GetAppDataAsync(path string) error {
	p, err := c.resolvePath(path)
	if err != nil {
		return err
	}
	s := &metadataScratch{path: p.String()}
	if err := c.begin(CommandGetAppData, s); err != nil {
		return err
	}
	s.future = tpmasync.Start(func() (any, error) {
		raw, err := pollBytes(c.keystore.LoadAsync(s.path))
		if err != nil {
			return nil, err
		}
		obj, err := unmarshalObject(raw)
		if err != nil {
			return nil, err
		}
		return appData(obj), nil
	})
	return nil
}

// GetAppDataFinish returns ErrTryAgain until the load completes.
func (c *Context) GetAppDataFinish() ([]byte, error) {
	if err := c.requireCommand(CommandGetAppData); err != nil {
		return nil, err
	}
	s := c.scratch.(*metadataScratch)
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

// GetAppData is the synchronous convenience wrapper.
func (c *Context) GetAppData(path string) ([]byte, error) {
	if err := c.GetAppDataAsync(path); err != nil {
		return nil, err
	}
	for {
		v, err := c.GetAppDataFinish()
		if err == ErrTryAgain {
			continue
		}
		return v, err
	}
}

// SetAppDataAsync begins writing data as the application data blob on path.
func (c *Context) SetAppDataAsync(path string, data []byte) error {
	p, err := c.resolvePath(path)
	if err != nil {
		return err
	}
	s := &metadataScratch{path: p.String()}
	if err := c.begin(CommandSetAppData, s); err != nil {
		return err
	}
	s.future = tpmasync.Start(func() (any, error) {
		raw, err := pollBytes(c.keystore.LoadAsync(s.path))
		if err != nil {
			return nil, err
		}
		obj, err := unmarshalObject(raw)
		if err != nil {
			return nil, err
		}
		setAppData(obj, data)
		out, err := marshalObject(obj)
		if err != nil {
			return nil, err
		}
		return nil, pollVoid(c.keystore.StoreAsync(s.path, out))
	})
	return nil
}

// SetAppDataFinish returns ErrTryAgain until the store completes.
func (c *Context) SetAppDataFinish() error {
	if err := c.requireCommand(CommandSetAppData); err != nil {
		return err
	}
	s := c.scratch.(*metadataScratch)
	_, err := s.future.Poll()
	if err == ErrTryAgain {
		return err
	}
	c.end()
	return err
}

// SetAppData is the synchronous convenience wrapper.
func (c *Context) SetAppData(path string, data []byte) error {
	if err := c.SetAppDataAsync(path, data); err != nil {
		return err
	}
	for {
		err := c.SetAppDataFinish()
		if err == ErrTryAgain {
			continue
		}
		return err
	}
}

// objectRecord is the on-disk JSON envelope every keystore entry uses. The
// Key and NV fields carry the wire-marshaled public/private areas a real
// object needs to reload (key-chain loading, NV read/write/extend);
// at most one of them is populated (neither, for a hierarchy record),
// mirroring fapiobject.Object's Kind tag.
type objectRecord struct {
	Kind        fapiobject.Kind `json:"kind"`
	Description string          `json:"description"`
	AppData     []byte          `json:"app_data"`

	Key *keyRecord `json:"key,omitempty"`
	NV  *nvRecord  `json:"nv,omitempty"`

	Raw json.RawMessage `json:"raw,omitempty"`
}

// keyRecord is the persisted form of fapiobject.Key: TPM2B-wire-encoded
// public/private areas plus the bookkeeping a reload needs to rebuild the
// in-memory Key without a TPM round trip.
type keyRecord struct {
	PublicBytes      []byte              `json:"public"`
	PrivateBytes     []byte              `json:"private,omitempty"`
	PersistentHandle uint32              `json:"persistent_handle,omitempty"`
	SchemeBytes      []byte              `json:"scheme,omitempty"`
	CreationHash     []byte              `json:"creation_hash,omitempty"`
	Policy           *policytree.Harness `json:"policy,omitempty"`
	Certificate      []byte              `json:"certificate,omitempty"`
	WithAuth         bool                `json:"with_auth,omitempty"`
}

// nvRecord is the persisted form of fapiobject.NV: the TPM2B-wire-encoded
// public area (carrying name algorithm, size and attribute bits, including
// TPMA_NV_WRITTEN once set) plus the authorization policy and event log.
type nvRecord struct {
	PublicBytes []byte `json:"public"`
	AuthPolicy  []byte `json:"auth_policy,omitempty"`
	EventLog    string `json:"event_log,omitempty"`
}

func unmarshalObject(data []byte) (*objectRecord, error) {
	var r objectRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, Wrap(BadValue, "fapi.unmarshalObject", err)
	}
	return &r, nil
}

func marshalObject(r *objectRecord) ([]byte, error) {
	out, err := json.Marshal(r)
	if err != nil {
		return nil, Wrap(BadValue, "fapi.marshalObject", err)
	}
	return out, nil
}

func description(r *objectRecord) string       { return r.Description }
func appData(r *objectRecord) []byte           { return r.AppData }
func setDescription(r *objectRecord, d string) { r.Description = d }
func setAppData(r *objectRecord, d []byte)     { r.AppData = d }

// recordFromObject renders o into its on-disk envelope, wire-marshaling
// whichever variant (Key or NV) o carries. path is stored nowhere in the
// record itself; callers key the keystore entry by it.
func recordFromObject(o *fapiobject.Object) (*objectRecord, error) {
	r := &objectRecord{Kind: o.Kind}
	switch o.Kind {
	case fapiobject.KindKey:
		k := o.Key
		r.Description = k.Description
		r.AppData = k.AppData
		kr := &keyRecord{
			PublicBytes:      tpm2.Marshal(tpm2.New2B(k.Public)),
			PrivateBytes:     tpm2.Marshal(k.Private),
			PersistentHandle: uint32(k.PersistentHandle),
			SchemeBytes:      tpm2.Marshal(k.Scheme),
			CreationHash:     k.CreationHash,
			Policy:           k.Policy,
			Certificate:      k.Certificate,
			WithAuth:         k.WithAuth,
		}
		r.Key = kr
	case fapiobject.KindNV:
		n := o.NV
		r.Description = n.Description
		r.AppData = n.AppData
		r.NV = &nvRecord{
			PublicBytes: tpm2.Marshal(tpm2.New2B(n.Public)),
			AuthPolicy:  n.AuthPolicy,
			EventLog:    n.EventLog,
		}
	case fapiobject.KindHierarchy:
		h := o.Hierarchy
		r.Description = h.Description
	}
	return r, nil
}

// objectFromRecord rebuilds an in-memory fapiobject.Object from its
// on-disk envelope, unmarshaling the TPM2B wire encodings back into their
// TPMTPublic/TPMSNVPublic contents.
func objectFromRecord(r *objectRecord) (*fapiobject.Object, error) {
	o := &fapiobject.Object{Kind: r.Kind}
	switch r.Kind {
	case fapiobject.KindKey:
		if r.Key == nil {
			return nil, New(BadValue, "fapi.objectFromRecord", "key record missing Key payload")
		}
		pub2b, err := tpm2.Unmarshal[tpm2.TPM2BPublic](r.Key.PublicBytes)
		if err != nil {
			return nil, Wrap(BadValue, "fapi.objectFromRecord", err)
		}
		pub, err := pub2b.Contents()
		if err != nil {
			return nil, Wrap(BadValue, "fapi.objectFromRecord", err)
		}
		var priv tpm2.TPM2BPrivate
		if len(r.Key.PrivateBytes) > 0 {
			p, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](r.Key.PrivateBytes)
			if err != nil {
				return nil, Wrap(BadValue, "fapi.objectFromRecord", err)
			}
			priv = *p
		}
		var scheme tpm2.TPMTSigScheme
		if len(r.Key.SchemeBytes) > 0 {
			s, err := tpm2.Unmarshal[tpm2.TPMTSigScheme](r.Key.SchemeBytes)
			if err != nil {
				return nil, Wrap(BadValue, "fapi.objectFromRecord", err)
			}
			scheme = *s
		}
		o.Key = &fapiobject.Key{
			Public:           *pub,
			Private:          priv,
			PersistentHandle: tpmutil.Handle(r.Key.PersistentHandle),
			Scheme:           scheme,
			CreationHash:     r.Key.CreationHash,
			Policy:           r.Key.Policy,
			Description:      r.Description,
			Certificate:      r.Key.Certificate,
			AppData:          r.AppData,
			WithAuth:         r.Key.WithAuth,
		}
	case fapiobject.KindNV:
		if r.NV == nil {
			return nil, New(BadValue, "fapi.objectFromRecord", "NV record missing NV payload")
		}
		pub2b, err := tpm2.Unmarshal[tpm2.TPM2BNVPublic](r.NV.PublicBytes)
		if err != nil {
			return nil, Wrap(BadValue, "fapi.objectFromRecord", err)
		}
		o.NV = &fapiobject.NV{
			Public:      pub2b.NVPublic,
			AuthPolicy:  r.NV.AuthPolicy,
			AppData:     r.AppData,
			Description: r.Description,
			EventLog:    r.NV.EventLog,
		}
	case fapiobject.KindHierarchy:
		o.Hierarchy = &fapiobject.Hierarchy{Description: r.Description}
	}
	return o, nil
}

// pollBytes blocks (busy-polling the Future) until it resolves to a
// []byte or fails; this keeps the metadata operations' internal future
// bodies simple without re-deriving their own suspend points, since the
// outer operation already exposes the real Async/Finish suspend point to
// callers.
func pollBytes(f *tpmasync.Future) ([]byte, error) {
	for {
		v, err := f.Poll()
		if err == ErrTryAgain {
			continue
		}
		if err != nil {
			return nil, err
		}
		return v.([]byte), nil
	}
}

func pollVoid(f *tpmasync.Future) error {
	for {
		_, err := f.Poll()
		if err == ErrTryAgain {
			continue
		}
		return err
	}
}
