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
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/stretchr/testify/require"

	"github.com/confidentsecurity/tpm2-fapi/fapiobject"
)

func TestNvPrincipalPrefersPlatformThenOwnerThenSelf(t *testing.T) {
	self := tpm2.TPMHandle(0x01000001)

	pp := &fapiobject.NV{Public: tpm2.TPMSNVPublic{Attributes: tpm2.TPMANV{PPWrite: true, OwnerWrite: true}}}
	require.Equal(t, tpm2.TPMRHPlatform, nvPrincipal(pp, self, true))

	owner := &fapiobject.NV{Public: tpm2.TPMSNVPublic{Attributes: tpm2.TPMANV{OwnerWrite: true}}}
	require.Equal(t, tpm2.TPMRHOwner, nvPrincipal(owner, self, true))

	auth := &fapiobject.NV{}
	require.Equal(t, self, nvPrincipal(auth, self, true))

	ppRead := &fapiobject.NV{Public: tpm2.TPMSNVPublic{Attributes: tpm2.TPMANV{PPRead: true}}}
	require.Equal(t, tpm2.TPMRHPlatform, nvPrincipal(ppRead, self, false))
}

func TestExtendDigestDerivesFromNameAlg(t *testing.T) {
	sha256Digest, err := extendDigest(tpm2.TPMAlgSHA256, []byte("hello"))
	require.NoError(t, err)
	require.Len(t, sha256Digest, 32)

	sha1Digest, err := extendDigest(tpm2.TPMAlgSHA1, []byte("hello"))
	require.NoError(t, err)
	require.Len(t, sha1Digest, 20)

	require.NotEqual(t, sha256Digest, sha1Digest)
}

func TestExtendDigestRejectsUnknownAlgorithm(t *testing.T) {
	_, err := extendDigest(tpm2.TPMAlgNull, []byte("hello"))
	require.Error(t, err)
}
