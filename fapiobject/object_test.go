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

package fapiobject_test

import (
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/stretchr/testify/require"

	"github.com/confidentsecurity/tpm2-fapi/fapiobject"
)

func TestNVAttributeAccessorsReadTheRealStruct(t *testing.T) {
	nv := &fapiobject.NV{Public: tpm2.TPMSNVPublic{
		Attributes: tpm2.TPMANV{
			PPWrite:    true,
			OwnerRead:  true,
			NT:         tpm2.TPMNTExtend,
		},
	}}
	require.True(t, nv.PPWrite())
	require.False(t, nv.OwnerWrite())
	require.True(t, nv.OwnerRead())
	require.False(t, nv.PPRead())
	require.True(t, nv.IsExtendable())
	require.False(t, nv.IsWritten())
}

func TestMarkWrittenSetsAttribute(t *testing.T) {
	nv := &fapiobject.NV{}
	require.False(t, nv.IsWritten())
	nv.MarkWritten()
	require.True(t, nv.IsWritten())
}

func TestDeepCopyClonesKeyPrivateIndependently(t *testing.T) {
	o := &fapiobject.Object{
		Kind: fapiobject.KindKey,
		Key: &fapiobject.Key{
			Private: tpm2.TPM2BPrivate{Buffer: []byte{1, 2, 3}},
		},
	}
	cp := o.DeepCopy()
	cp.Key.Private.Buffer[0] = 9
	require.Equal(t, byte(1), o.Key.Private.Buffer[0])
}

func TestCleanupClearsPrivateMaterial(t *testing.T) {
	o := &fapiobject.Object{
		Kind: fapiobject.KindKey,
		Key: &fapiobject.Key{
			Private:    tpm2.TPM2BPrivate{Buffer: []byte{1, 2, 3}},
			Serialized: []byte{4, 5, 6},
		},
	}
	o.Cleanup()
	require.Empty(t, o.Key.Private.Buffer)
	require.Nil(t, o.Key.Serialized)
}
