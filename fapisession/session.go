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

// Package fapisession implements the session manager (spec.md C5) and
// primary-key manager (spec.md C6): acquiring the HMAC/policy sessions a
// command needs, and loading or creating the EK/SRK primary keys
// sessions and key chains authenticate against.
package fapisession

import (
	"log/slog"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/confidentsecurity/tpm2-fapi/fapi/code"
	"github.com/confidentsecurity/tpm2-fapi/fapi/tpmasync"
)

// State is the session-acquisition sub-FSM (spec.md #3):
// WAIT_FOR_PRIMARY -> CREATE_SESSION -> WAIT_FOR_SESSION1 ->
// [CREATE_SESSION2 -> WAIT_FOR_SESSION2] -> done.
type State int

const (
	StateWaitForPrimary State = iota
	StateCreateSession
	StateWaitForSession1
	StateCreateSession2
	StateWaitForSession2
	StateDone
)

// Manager drives session acquisition against a transport.TPM, substituting
// for ESYS's Esys_StartAuthSession_Async/_Finish pair via the tpmasync
// shim every TPM call in this core goes through.
type Manager struct {
	tpm tpm2.TPM
	log *slog.Logger

	state   State
	primary *tpmasync.Future
	sess1   *tpmasync.Future
	sess2   *tpmasync.Future

	symAlg  tpm2.TPMTSymDef
	hashAlg tpm2.TPMIAlgHash

	needsPolicy bool
	result      []Handle
}

// Handle pairs a live session handle with its close function.
type Handle struct {
	Handle  tpm2.AuthHandle
	Session tpm2.Session
	Close   func() error
}

// NewManager returns a Manager bound to transport, ready to acquire a
// single HMAC session, or an HMAC+policy pair when needsPolicy is true.
func NewManager(transport transport.TPM, needsPolicy bool, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		tpm:         tpm2.TPM{Transport: transport},
		log:         log,
		needsPolicy: needsPolicy,
	}
}

// GetSessionsAsync begins the acquisition FSM. primaryHandle is accepted
// but not used: the sessions started in GetSessionsFinish are neither
// bound nor salted to any key. symAlg and hashAlg
// are the profile's chosen session encryption and policy-digest algorithms
// (spec.md #4.7), carried through to the session constructors in
// GetSessionsFinish rather than hardcoded.
func (m *Manager) GetSessionsAsync(primaryHandle tpm2.TPMHandle, symAlg tpm2.TPMTSymDef, hashAlg tpm2.TPMIAlgHash) {
	m.state = StateWaitForPrimary
	m.symAlg = symAlg
	m.hashAlg = hashAlg
	m.primary = tpmasync.Start(func() (any, error) {
		return primaryHandle, nil
	})
}

// sessionOptions derives the AuthOptions a new session should carry from
// the profile's chosen symmetric algorithm: parameter encryption when the
// profile asks for AES, nothing beyond the bare HMAC/policy auth otherwise.
func sessionOptions(symAlg tpm2.TPMTSymDef) []tpm2.AuthOption {
	if symAlg.Algorithm == tpm2.TPMAlgAES {
		return []tpm2.AuthOption{tpm2.AESEncryption(128, tpm2.EncryptInOut)}
	}
	return nil
}

// GetSessionsFinish advances the FSM one step, returning ErrTryAgain
// until every required session is live.
func (m *Manager) GetSessionsFinish() ([]Handle, error) {
	switch m.state {
	case StateWaitForPrimary:
		if _, err := m.primary.Poll(); err != nil {
			return nil, err
		}
		m.state = StateCreateSession
		return nil, code.ErrTryAgain
	case StateCreateSession:
		hashAlg, opts := m.hashAlg, sessionOptions(m.symAlg)
		m.sess1 = tpmasync.Start(func() (any, error) {
			s := tpm2.HMAC(hashAlg, 16, opts...)
			return s, nil
		})
		m.state = StateWaitForSession1
		return nil, code.ErrTryAgain
	case StateWaitForSession1:
		v, err := m.sess1.Poll()
		if err != nil {
			return nil, err
		}
		sess := v.(tpm2.Session)
		h := Handle{Session: sess}
		m.result = append(m.result, h)
		if !m.needsPolicy {
			m.state = StateDone
			return m.result, nil
		}
		m.state = StateCreateSession2
		return nil, code.ErrTryAgain
	case StateCreateSession2:
		hashAlg := m.hashAlg
		m.sess2 = tpmasync.Start(func() (any, error) {
			s := tpm2.Policy(hashAlg, 16, nil)
			return s, nil
		})
		m.state = StateWaitForSession2
		return nil, code.ErrTryAgain
	case StateWaitForSession2:
		v, err := m.sess2.Poll()
		if err != nil {
			return nil, err
		}
		sess := v.(tpm2.Session)
		m.result = append(m.result, Handle{Session: sess})
		m.state = StateDone
		return m.result, nil
	case StateDone:
		return m.result, nil
	default:
		return nil, code.New(code.BadSequence, "fapisession.GetSessionsFinish", "invalid session FSM state")
	}
}
