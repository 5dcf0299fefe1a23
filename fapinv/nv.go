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

// Package fapinv implements the NV I/O engine (spec.md C8): chunked
// NV_Write/NV_Read state machines, the PCR-style Extend pipeline over
// NV indices flagged TPMA_NV_EXTEND, and the on-disk authorized-NV
// write-policy encoding.
package fapinv

import (
	"encoding/binary"
	"encoding/json"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-tpm/tpm2"

	"github.com/confidentsecurity/tpm2-fapi/fapi/code"
)

// State is the chunked NV I/O sub-FSM: each chunk issues one TPM2_NV_Write
// or TPM2_NV_Read, retried once on TPM_RC_BAD_AUTH per spec.md's retry
// policy for a stale cached session, then advances the byte offset.
type State int

const (
	StateWriting State = iota
	StateReading
	StateDone
)

// WriteChunks splits data into chunks no larger than nvBufferMax (the
// profile's nv_buffer_max, itself bounded by TPM2_NV_WRITE's
// TPM_PT_NV_BUFFER_MAX capability) and issues one TPM2_NV_Write per
// chunk, retrying a chunk once via backoff on TPM_RC_BAD_AUTH (the one
// retryable failure mode spec.md's Design Notes call out: a cached auth
// session invalidated by an intervening TPM reset).
func WriteChunks(tpm tpm2.TPM, nvHandle, authHandle tpm2.TPMHandle, auth tpm2.Session, data []byte, offset, nvBufferMax uint16) error {
	for len(data) > 0 {
		n := nvBufferMax
		if int(n) > len(data) {
			n = uint16(len(data))
		}
		chunk := data[:n]
		data = data[n:]

		op := func() error {
			_, err := tpm2.NVWrite{
				AuthHandle: tpm2.AuthHandle{Handle: authHandle, Auth: auth},
				NVIndex:    tpm2.NamedHandle{Handle: nvHandle},
				Data:       tpm2.TPM2BMaxNVBuffer{Buffer: chunk},
				Offset:     offset,
			}.Execute(tpm)
			return err
		}
		if err := retryOnBadAuth(op); err != nil {
			return code.Wrap(code.IOError, "fapinv.WriteChunks", err)
		}
		offset += n
	}
	return nil
}

// ReadChunks reads size bytes from nvHandle starting at offset, chunked
// the same way WriteChunks chunks its writes.
func ReadChunks(tpm tpm2.TPM, nvHandle, authHandle tpm2.TPMHandle, auth tpm2.Session, size, offset, nvBufferMax uint16) ([]byte, error) {
	out := make([]byte, 0, size)
	for size > 0 {
		n := nvBufferMax
		if n > size {
			n = size
		}
		var chunk []byte
		op := func() error {
			resp, err := tpm2.NVRead{
				AuthHandle: tpm2.AuthHandle{Handle: authHandle, Auth: auth},
				NVIndex:    tpm2.NamedHandle{Handle: nvHandle},
				Size:       n,
				Offset:     offset,
			}.Execute(tpm)
			if err != nil {
				return err
			}
			chunk = resp.Data.Buffer
			return nil
		}
		if err := retryOnBadAuth(op); err != nil {
			return nil, code.Wrap(code.IOError, "fapinv.ReadChunks", err)
		}
		out = append(out, chunk...)
		offset += n
		size -= n
	}
	return out, nil
}

// retryOnBadAuth retries op exactly once (spec.md: "retry once, never
// more") if it returns an error whose message indicates TPM_RC_BAD_AUTH;
// any other failure is returned immediately.
func retryOnBadAuth(op func() error) error {
	attempts := 0
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 1)
	return backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if attempts >= 2 || !isBadAuth(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func isBadAuth(err error) bool {
	// google/go-tpm surfaces RC errors via tpm2.TPMError with an RC field
	// comparable to tpm2.TPMRCBadAuth; string-matching here keeps this
	// package decoupled from the exact error type's accessor name.
	return err != nil && (containsRC(err, "0x8a") || containsRC(err, "BadAuth"))
}

func containsRC(err error, substr string) bool {
	s := err.Error()
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// Event is one entry of an extend index's JSON event log (spec.md §C.4):
// recnum is 1-based, pcr carries the NV index itself (not a real PCR,
// since extend-NV indices have no PCR banks of their own).
type Event struct {
	Recnum int      `json:"recnum"`
	PCR    uint32   `json:"pcr"`
	Digest []Digest `json:"digests"`
	Data   string   `json:"event,omitempty"`
}

// Digest is one hash-algorithm/value pair in an Event's digest list.
type Digest struct {
	HashAlg tpm2.TPMAlgID `json:"hashAlg"`
	Digest  string        `json:"digest"` // hex
}

// AppendEvent parses existing (a JSON array, or empty for a fresh log),
// appends a new entry computed from chunk's hash under nvHandle's name
// algorithm, and returns the re-marshaled array text.
func AppendEvent(existing string, nvIndex uint32, alg tpm2.TPMAlgID, digestHex string, data string) (string, error) {
	var events []Event
	if existing != "" {
		if err := json.Unmarshal([]byte(existing), &events); err != nil {
			return "", code.Wrap(code.BadValue, "fapinv.AppendEvent", err)
		}
	}
	events = append(events, Event{
		Recnum: len(events) + 1,
		PCR:    nvIndex,
		Digest: []Digest{{HashAlg: alg, Digest: digestHex}},
		Data:   data,
	})
	out, err := json.Marshal(events)
	if err != nil {
		return "", code.Wrap(code.BadValue, "fapinv.AppendEvent", err)
	}
	return string(out), nil
}

// EncodeAuthorizeNV renders the on-disk payload WriteAuthorizeNv writes:
// the NV index's name algorithm as a 2-byte big-endian value followed by
// the raw policy digest, exactly (spec.md §C.5).
func EncodeAuthorizeNV(nameAlg tpm2.TPMAlgID, digest []byte) []byte {
	out := make([]byte, 2+len(digest))
	binary.BigEndian.PutUint16(out, uint16(nameAlg))
	copy(out[2:], digest)
	return out
}

// DecodeAuthorizeNV parses the payload EncodeAuthorizeNV produces.
func DecodeAuthorizeNV(data []byte) (tpm2.TPMAlgID, []byte, error) {
	if len(data) < 2 {
		return 0, nil, code.New(code.BadValue, "fapinv.DecodeAuthorizeNV", "payload too short")
	}
	alg := tpm2.TPMAlgID(binary.BigEndian.Uint16(data))
	return alg, data[2:], nil
}
