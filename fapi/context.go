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

// Package fapi is the root of the FAPI core: a cooperative,
// single-threaded Context that exposes every public operation as an
// Async/Finish/synchronous-wrapper triad (spec.md #2/#3), composed from
// the leaf packages that implement path resolution, storage, the object
// model, sessions, key chains, NV I/O, policy, capability retrieval and
// attestation.
package fapi

import (
	"log/slog"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/confidentsecurity/tpm2-fapi/fapiconfig"
	"github.com/confidentsecurity/tpm2-fapi/fapipath"
	"github.com/confidentsecurity/tpm2-fapi/fapipolicy"
	"github.com/confidentsecurity/tpm2-fapi/fapistore"
)

// Command identifies which public operation currently owns the Context's
// single in-flight scratch state (spec.md invariant: "exactly one
// command in flight at a time").
type Command int

const (
	CommandNone Command = iota
	CommandGetDescription
	CommandSetDescription
	CommandGetAppData
	CommandSetAppData
	CommandNvRead
	CommandNvWrite
	CommandNvExtend
	CommandWriteAuthorizeNv
	CommandCreateKey
	CommandSign
	CommandEncrypt
	CommandDecrypt
	CommandGetInfo
	CommandGetCertificates
	CommandProvision
)

// Context is the FAPI session handle: one per logical caller, never
// shared across goroutines (spec.md #2 "single-threaded, cooperative").
// Its scratch fields form a tagged union keyed by Command; only the
// fields belonging to the in-flight command are valid at any time.
type Context struct {
	mu sync.Mutex

	log     *slog.Logger
	tpm     transport.TPM
	profile *fapiconfig.Profile
	cfg     *fapiconfig.ProcessConfig

	keystore     fapistore.Store
	policystore  fapistore.Store
	calculator   *fapipolicy.Calculator

	current Command

	scratch any
}

// New returns a Context bound to transport and the given profile/store
// configuration. It performs no TPM I/O; callers must call an _Async
// operation before polling.
func New(t transport.TPM, profile *fapiconfig.Profile, cfg *fapiconfig.ProcessConfig, keystore, policystore fapistore.Store, log *slog.Logger) *Context {
	if log == nil {
		log = slog.Default()
	}
	return &Context{
		log:         log,
		tpm:         t,
		profile:     profile,
		cfg:         cfg,
		keystore:    keystore,
		policystore: policystore,
		calculator:  fapipolicy.NewCalculator(),
		current:     CommandNone,
	}
}

// begin claims the Context for cmd, returning BadSequence if another
// command is already in flight (spec.md invariant #1).
func (c *Context) begin(cmd Command, scratch any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != CommandNone {
		return New(BadSequence, "fapi.begin", "a command is already in flight on this context")
	}
	c.current = cmd
	c.scratch = scratch
	c.log.Debug("fapi command started", "command", cmd)
	return nil
}

// end releases the Context back to CommandNone, whatever the outcome.
func (c *Context) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Debug("fapi command finished", "command", c.current)
	c.current = CommandNone
	c.scratch = nil
}

// requireCommand checks that cmd is the one currently in flight, the
// guard every _Finish call opens with (spec.md invariant: "Finish
// called for a command other than the one Async started is BadSequence").
func (c *Context) requireCommand(cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != cmd {
		return New(BadSequence, "fapi.requireCommand", "no matching command in flight")
	}
	return nil
}

// resolvePath resolves raw against the Context's default profile.
func (c *Context) resolvePath(raw string) (*fapipath.Path, error) {
	profile := ""
	if c.profile != nil {
		profile = c.profile.Name
	}
	if c.cfg != nil && c.cfg.DefaultProfile != "" {
		profile = c.cfg.DefaultProfile
	}
	return fapipath.Resolve(raw, profile)
}

// tpmHandle returns the raw TPM transport, for leaf packages (session
// manager, key-chain loader, NV engine) that take a tpm2.TPM directly.
func (c *Context) tpmHandle() tpm2.TPM { return tpm2.TPM{Transport: c.tpm} }
