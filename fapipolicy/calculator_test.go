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
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/stretchr/testify/require"

	"github.com/confidentsecurity/tpm2-fapi/fapipolicy"
	"github.com/confidentsecurity/tpm2-fapi/fapipolicy/policytree"
)

func TestCalculateIsMemoized(t *testing.T) {
	h := policytree.NewHarness("", []*policytree.Element{
		{Type: policytree.ElementAuthValue},
	})
	c := fapipolicy.NewCalculator()

	d1, err := c.Calculate(h, tpm2.TPMAlgSHA256)
	require.NoError(t, err)
	require.Len(t, d1, 32)

	stored, ok := h.Digest(tpm2.TPMAlgSHA256)
	require.True(t, ok)
	require.Equal(t, d1, stored)

	d2, err := c.Calculate(h, tpm2.TPMAlgSHA256)
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestCalculatePolicyORRequiresTwoBranches(t *testing.T) {
	h := policytree.NewHarness("", []*policytree.Element{
		{Type: policytree.ElementOR, Branches: []*policytree.Branch{
			{Name: "only", Elements: []*policytree.Element{{Type: policytree.ElementAuthValue}}},
		}},
	})
	c := fapipolicy.NewCalculator()
	_, err := c.Calculate(h, tpm2.TPMAlgSHA256)
	require.Error(t, err)
}

func TestCalculatePolicyORDiffersByBranch(t *testing.T) {
	branchA := &policytree.Element{Type: policytree.ElementCommandCode, CommandCode: tpm2.TPMCC(0x15e)}
	branchB := &policytree.Element{Type: policytree.ElementCommandCode, CommandCode: tpm2.TPMCC(0x157)}

	h := policytree.NewHarness("", []*policytree.Element{
		{Type: policytree.ElementOR, Branches: []*policytree.Branch{
			{Name: "a", Elements: []*policytree.Element{branchA}},
			{Name: "b", Elements: []*policytree.Element{branchB}},
		}},
	})
	c := fapipolicy.NewCalculator()
	d, err := c.Calculate(h, tpm2.TPMAlgSHA256)
	require.NoError(t, err)
	require.Len(t, d, 32)

	h2 := policytree.NewHarness("", []*policytree.Element{
		{Type: policytree.ElementOR, Branches: []*policytree.Branch{
			{Name: "a", Elements: []*policytree.Element{branchA}},
			{Name: "a2", Elements: []*policytree.Element{branchA}},
		}},
	})
	d2, err := c.Calculate(h2, tpm2.TPMAlgSHA256)
	require.NoError(t, err)
	require.NotEqual(t, d, d2)
}

func TestCalculatePhysicalPresenceNotImplemented(t *testing.T) {
	h := policytree.NewHarness("", []*policytree.Element{
		{Type: policytree.ElementPhysicalPresence},
	})
	c := fapipolicy.NewCalculator()
	_, err := c.Calculate(h, tpm2.TPMAlgSHA256)
	require.Error(t, err)
}
