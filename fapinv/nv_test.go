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

package fapinv_test

import (
	"encoding/json"
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/stretchr/testify/require"

	"github.com/confidentsecurity/tpm2-fapi/fapinv"
)

func TestAppendEventNumbersRecordsSequentially(t *testing.T) {
	log, err := fapinv.AppendEvent("", 0x01000001, tpm2.TPMAlgSHA256, "aa", "first")
	require.NoError(t, err)

	log, err = fapinv.AppendEvent(log, 0x01000001, tpm2.TPMAlgSHA256, "bb", "second")
	require.NoError(t, err)

	var events []fapinv.Event
	require.NoError(t, json.Unmarshal([]byte(log), &events))
	require.Len(t, events, 2)
	require.Equal(t, 1, events[0].Recnum)
	require.Equal(t, 2, events[1].Recnum)
	require.Equal(t, "bb", events[1].Digest[0].Digest)
}

func TestAppendEventRejectsMalformedExisting(t *testing.T) {
	_, err := fapinv.AppendEvent("not json", 0, tpm2.TPMAlgSHA256, "aa", "")
	require.Error(t, err)
}

func TestEncodeDecodeAuthorizeNVRoundTrips(t *testing.T) {
	digest := []byte{1, 2, 3, 4, 5}
	payload := fapinv.EncodeAuthorizeNV(tpm2.TPMAlgSHA256, digest)

	alg, decoded, err := fapinv.DecodeAuthorizeNV(payload)
	require.NoError(t, err)
	require.Equal(t, tpm2.TPMAlgSHA256, alg)
	require.Equal(t, digest, decoded)
}

func TestDecodeAuthorizeNVRejectsShortPayload(t *testing.T) {
	_, _, err := fapinv.DecodeAuthorizeNV([]byte{0x00})
	require.Error(t, err)
}
