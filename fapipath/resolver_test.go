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

package fapipath_test

import (
	"testing"

	"github.com/confidentsecurity/tpm2-fapi/fapipath"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeIsIdempotent(t *testing.T) {
	cases := []string{"/HS/SRK/mykey", "HS//SRK///mykey", "/nv/Owner/note/"}
	for _, c := range cases {
		once := fapipath.Canonicalize(c)
		twice := fapipath.Canonicalize(once)
		require.Equal(t, once, twice, "case %q", c)
	}
}

func TestResolveHierarchyAliases(t *testing.T) {
	p, err := fapipath.Resolve("/SRK/mykey", "P_default")
	require.NoError(t, err)
	require.Equal(t, fapipath.HierarchyStorage, p.Hierarchy)
	require.Equal(t, []string{"mykey"}, p.Segments)

	p, err = fapipath.Resolve("/EK", "P_default")
	require.NoError(t, err)
	require.Equal(t, fapipath.HierarchyEndorsement, p.Hierarchy)
	require.Empty(t, p.Segments)
}

func TestResolveRejectsUnknownHierarchy(t *testing.T) {
	_, err := fapipath.Resolve("/HX/foo", "P_default")
	require.Error(t, err)
}

func TestResolveNVPath(t *testing.T) {
	p, err := fapipath.Resolve("/nv/Owner/note", "P_default")
	require.NoError(t, err)
	require.True(t, p.IsNV)
	require.Equal(t, fapipath.NVCategoryOwner, p.Category)
	require.Equal(t, []string{"note"}, p.Segments)

	base, ok := fapipath.NVBase(p.Category)
	require.True(t, ok)
	require.Equal(t, uint32(0x01800000), base)
}

func TestResolveExplicitProfile(t *testing.T) {
	p, err := fapipath.Resolve("/P_other/HS/SRK/key", "P_default")
	require.NoError(t, err)
	require.Equal(t, "P_other", p.Profile)
}

func TestPrefix(t *testing.T) {
	p, err := fapipath.Resolve("/HS/SRK/a/b/c", "P_default")
	require.NoError(t, err)
	require.Equal(t, "P_default/HS/SRK", p.Prefix(1))
}
