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

package fapipolicy_test

import (
	"context"
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/stretchr/testify/require"

	"github.com/confidentsecurity/tpm2-fapi/fapipolicy"
	"github.com/confidentsecurity/tpm2-fapi/fapipolicy/policytree"
)

// fakeSession is a recording PolicySession double: it just appends the
// name of whichever method was called, so tests can assert which
// PolicyXxx commands the executor issued without a real TPM.
type fakeSession struct {
	calls []string
}

func (f *fakeSession) record(name string) { f.calls = append(f.calls, name) }

func (f *fakeSession) Handle() tpm2.TPMHandle { return 0x03000000 }
func (f *fakeSession) PolicyOR(digests []tpm2.TPM2BDigest) error {
	f.record("PolicyOR")
	return nil
}
func (f *fakeSession) PolicyPCR(tpm2.TPMLPCRSelection, []byte) error {
	f.record("PolicyPCR")
	return nil
}
func (f *fakeSession) PolicySigned(tpm2.TPM2BName, []byte, tpm2.TPMTSignature, int32, []byte) error {
	f.record("PolicySigned")
	return nil
}
func (f *fakeSession) PolicySecret(tpm2.TPMHandle, []byte, int32) error {
	f.record("PolicySecret")
	return nil
}
func (f *fakeSession) PolicyAuthorize(_, _ []byte, _ tpm2.TPM2BName, _ tpm2.TPMTTKVerified) error {
	f.record("PolicyAuthorize")
	return nil
}
func (f *fakeSession) PolicyAuthValue() error { f.record("PolicyAuthValue"); return nil }
func (f *fakeSession) PolicyPassword() error  { f.record("PolicyPassword"); return nil }
func (f *fakeSession) PolicyCommandCode(tpm2.TPMCC) error {
	f.record("PolicyCommandCode")
	return nil
}
func (f *fakeSession) PolicyCounterTimer([]byte, uint16, tpm2.TPMEO) error {
	f.record("PolicyCounterTimer")
	return nil
}
func (f *fakeSession) PolicyCpHash([]byte) error   { f.record("PolicyCpHash"); return nil }
func (f *fakeSession) PolicyNameHash([]byte) error { f.record("PolicyNameHash"); return nil }
func (f *fakeSession) PolicyNV(tpm2.TPMHandle, tpm2.TPMHandle, []byte, uint16, tpm2.TPMEO) error {
	f.record("PolicyNV")
	return nil
}
func (f *fakeSession) PolicyAuthorizeNV(tpm2.TPMHandle, tpm2.TPMHandle) error {
	f.record("PolicyAuthorizeNV")
	return nil
}
func (f *fakeSession) PolicyDuplicationSelect(tpm2.TPM2BName, tpm2.TPM2BName, bool) error {
	f.record("PolicyDuplicationSelect")
	return nil
}
func (f *fakeSession) PolicyLocality(byte) error { f.record("PolicyLocality"); return nil }
func (f *fakeSession) PolicyNvWritten(bool) error {
	f.record("PolicyNvWritten")
	return nil
}
func (f *fakeSession) PolicyGetDigest() ([]byte, error) {
	f.record("PolicyGetDigest")
	return make([]byte, 32), nil
}

func TestExecutorRunsAuthValueElement(t *testing.T) {
	h := policytree.NewHarness("password policy", []*policytree.Element{
		{Type: policytree.ElementAuthValue},
	})
	sess := &fakeSession{}
	x := fapipolicy.NewExecutor(nil, tpm2.TPMAlgSHA256)

	err := x.Execute(context.Background(), sess, h, fapipolicy.Callbacks{})
	require.NoError(t, err)
	require.Equal(t, []string{"PolicyAuthValue"}, sess.calls)
}

func TestExecutorPolicyORSelectsBranchAndFoldsDigests(t *testing.T) {
	branchA := &policytree.Branch{Name: "password", Elements: []*policytree.Element{
		{Type: policytree.ElementAuthValue},
	}}
	branchB := &policytree.Branch{Name: "signed", Elements: []*policytree.Element{
		{Type: policytree.ElementPassword},
	}}
	h := policytree.NewHarness("or policy", []*policytree.Element{
		{Type: policytree.ElementOR, Branches: []*policytree.Branch{branchA, branchB}},
	})
	sess := &fakeSession{}
	x := fapipolicy.NewExecutor(nil, tpm2.TPMAlgSHA256)

	cb := fapipolicy.Callbacks{
		SelectBranch: func(*policytree.Element) (int, error) { return 0, nil },
	}
	err := x.Execute(context.Background(), sess, h, cb)
	require.NoError(t, err)
	require.Equal(t, []string{"PolicyAuthValue", "PolicyGetDigest", "PolicyOR"}, sess.calls)
}

func TestExecutorPolicySignedRequiresCallback(t *testing.T) {
	h := policytree.NewHarness("signed policy", []*policytree.Element{
		{Type: policytree.ElementSigned},
	})
	sess := &fakeSession{}
	x := fapipolicy.NewExecutor(nil, tpm2.TPMAlgSHA256)

	err := x.Execute(context.Background(), sess, h, fapipolicy.Callbacks{})
	require.Error(t, err)
}
