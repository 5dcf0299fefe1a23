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

// Package fapikeychain implements the key-chain loader (spec.md C7): it
// walks a path from its profile root down to the requested leaf key,
// loading every ancestor; a node absent on disk ends the walk with the
// reader's error. TPM2_Load is issued against the parent handle with no
// authorization session; a node carrying a policy is only marked as
// needing policy execution once loaded.
package fapikeychain

import (
	"log/slog"

	"github.com/google/go-tpm/tpm2"

	"github.com/confidentsecurity/tpm2-fapi/fapi/code"
	"github.com/confidentsecurity/tpm2-fapi/fapi/tpmasync"
	"github.com/confidentsecurity/tpm2-fapi/fapiobject"
	"github.com/confidentsecurity/tpm2-fapi/fapipath"
	"github.com/confidentsecurity/tpm2-fapi/fapisession"
)

// State is the per-ancestor load sub-FSM (spec.md #3):
// GET_PATH -> READ_KEY -> {LOAD_KEY -> AUTHORIZE | WAIT_FOR_PRIMARY} -> AUTH.
type State int

const (
	StateGetPath State = iota
	StateReadKey
	StateLoadKey
	StateAuthorize
	StateAuth
	StateWaitForPrimary
	StateDone
)

// ObjectReader loads a stored, already-unmarshaled Object given a
// resolved path.
type ObjectReader interface {
	ReadObject(path string) (*fapiobject.Object, error)
}

// Loader walks a *fapipath.Path from its profile root to its leaf,
// loading every ancestor node under the TPM handle its parent produced,
// and flushing each parent once its child is loaded unless the caller
// pinned it (spec.md invariant: "flush parent unless pinned").
type Loader struct {
	reader    ObjectReader
	tpm       tpm2.TPM
	log       *slog.Logger
	primaries *fapisession.PrimaryManager

	state   State
	path    *fapipath.Path
	depth   int
	stack   []*loadedNode
	pinned  map[int]bool
	pending *tpmasync.Future
}

type loadedNode struct {
	Path   string
	Object *fapiobject.Object
	Handle tpm2.TPMHandle
}

// NewLoader returns a Loader reading ancestor objects via reader and
// issuing TPM2_Load calls over tpm. primaries resolves the hierarchy
// root itself (spec.md #4.5 "the path's first segment is a primary, not
// a loadable key") whenever that root has no persistent handle recorded
// and must be recreated with TPM2_CreatePrimary.
func NewLoader(reader ObjectReader, tpm tpm2.TPM, log *slog.Logger, primaries *fapisession.PrimaryManager) *Loader {
	if log == nil {
		log = slog.Default()
	}
	if primaries == nil {
		primaries = fapisession.NewPrimaryManager(tpm.Transport)
	}
	return &Loader{reader: reader, tpm: tpm, log: log, primaries: primaries, pinned: map[int]bool{}}
}

// StartAsync begins loading path, pinning (not flushing) the ancestors
// named in keepLoaded (by prefix depth).
func (l *Loader) StartAsync(path *fapipath.Path, keepLoaded []int) {
	l.path = path
	l.depth = 0
	l.stack = nil
	l.state = StateGetPath
	for _, d := range keepLoaded {
		l.pinned[d] = true
	}
}

// isPrimaryNode reports whether node is the hierarchy's primary root:
// the first path segment, carrying no private blob and no persistent
// handle (spec.md #4.5's "empty private blob" signal). A persistent
// primary is handled by the ordinary LOAD_KEY branch below, since
// resolving it needs no TPM2_CreatePrimary round trip.
func isPrimaryNode(depth int, obj *fapiobject.Object) bool {
	if depth != 0 || obj.Kind != fapiobject.KindKey || obj.Key == nil {
		return false
	}
	return !obj.Key.IsPersistent() && len(obj.Key.Private.Buffer) == 0
}

// Finish advances the load FSM one step, returning ErrTryAgain until the
// leaf handle is ready.
func (l *Loader) Finish() (tpm2.TPMHandle, error) {
	switch l.state {
	case StateGetPath:
		l.state = StateReadKey
		return 0, code.ErrTryAgain
	case StateReadKey:
		prefix := l.path.Prefix(l.depth + 1)
		obj, err := l.reader.ReadObject(prefix)
		if err != nil {
			return 0, err
		}
		node := &loadedNode{Path: prefix, Object: obj}
		l.stack = append(l.stack, node)
		if isPrimaryNode(l.depth, obj) {
			l.pending = l.startPrimary(node)
			l.state = StateWaitForPrimary
		} else {
			l.state = StateLoadKey
		}
		return 0, code.ErrTryAgain
	case StateLoadKey:
		node := l.stack[len(l.stack)-1]
		var parent tpm2.TPMHandle
		if len(l.stack) > 1 {
			parent = l.stack[len(l.stack)-2].Handle
		}
		l.pending = tpmasync.Start(func() (any, error) {
			if node.Object.Key.IsPersistent() {
				return tpm2.TPMHandle(node.Object.Key.PersistentHandle), nil
			}
			resp, err := tpm2.Load{
				ParentHandle: tpm2.TPMIDHParent(parent),
				InPrivate:    node.Object.Key.Private,
				InPublic:     tpm2.New2B(node.Object.Key.Public),
			}.Execute(l.tpm)
			if err != nil {
				return nil, code.Wrap(code.NoTPM, "fapikeychain.Load", err)
			}
			return resp.ObjectHandle.HandleValue(), nil
		})
		l.state = StateAuthorize
		return 0, code.ErrTryAgain
	case StateWaitForPrimary:
		v, err := l.pending.Poll()
		if err != nil {
			return 0, err
		}
		l.stack[len(l.stack)-1].Handle = v.(tpm2.TPMHandle)
		l.state = StateAuth
		return 0, code.ErrTryAgain
	case StateAuthorize:
		v, err := l.pending.Poll()
		if err != nil {
			return 0, err
		}
		l.stack[len(l.stack)-1].Handle = v.(tpm2.TPMHandle)
		l.state = StateAuth
		return 0, code.ErrTryAgain
	case StateAuth:
		node := l.stack[len(l.stack)-1]
		if node.Object.Key.Policy != nil {
			node.Object.AuthState = fapiobject.AuthExecPolicy
		}
		// flush the parent unless the caller asked to keep it loaded
		if len(l.stack) > 1 {
			parentDepth := l.depth
			if !l.pinned[parentDepth] {
				l.flushParent()
			}
		}
		if l.depth+1 >= l.path.Length() {
			l.state = StateDone
			return node.Handle, nil
		}
		l.depth++
		l.state = StateReadKey
		return 0, code.ErrTryAgain
	case StateDone:
		return l.stack[len(l.stack)-1].Handle, nil
	default:
		return 0, code.New(code.BadSequence, "fapikeychain.Finish", "invalid key-chain FSM state")
	}
}

// startPrimary kicks off loading or recreating node's hierarchy primary:
// a persistent handle recorded on the object resolves instantly, an
// ephemeral one is recreated from the object's stored public template
// under the path's own hierarchy (spec.md #4.5).
func (l *Loader) startPrimary(node *loadedNode) *tpmasync.Future {
	hierarchy := HierarchyHandle(l.path.Hierarchy)
	persistent := node.Object.Key.PersistentHandle
	template := tpm2.New2B(node.Object.Key.Public)
	return tpmasync.Start(func() (any, error) {
		f := l.primaries.LoadOrCreateAsync(hierarchy, tpm2.TPMHandle(persistent), template)
		v, err := f.Poll()
		for err == code.ErrTryAgain {
			v, err = f.Poll()
		}
		if err != nil {
			return nil, err
		}
		return v.(*fapisession.PrimaryResult).Handle, nil
	})
}

// HierarchyHandle maps a resolved path's hierarchy tag onto the TPM
// permanent handle TPM2_CreatePrimary/TPM2_CreateLoaded expect as their
// PrimaryHandle/ParentHandle (TPM 2.0 Part 2 §6.9.2).
func HierarchyHandle(h fapipath.Hierarchy) tpm2.TPMHandle {
	switch h {
	case fapipath.HierarchyEndorsement:
		return tpm2.TPMRHEndorsement
	case fapipath.HierarchyPlatform:
		return tpm2.TPMRHPlatform
	case fapipath.HierarchyNull:
		return tpm2.TPMRHNull
	case fapipath.HierarchyLockout:
		return tpm2.TPMRHLockout
	default:
		return tpm2.TPMRHOwner
	}
}

// flushParent issues TPM2_FlushContext against the second-to-last stack
// entry; the entry itself stays on the stack, so transient intermediates
// are unloaded from the TPM once their child has loaded.
func (l *Loader) flushParent() {
	if len(l.stack) < 2 {
		return
	}
	parent := l.stack[len(l.stack)-2]
	_, _ = tpm2.FlushContext{FlushHandle: tpm2.TPMIDHContext(parent.Handle)}.Execute(l.tpm)
}
