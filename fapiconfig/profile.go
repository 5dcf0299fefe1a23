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

// Package fapiconfig loads the YAML profile bundles that parameterize
// key templates, the default name algorithm, session symmetric
// parameters and NV chunk size, plus the process-level flags every FAPI
// binary in cmd/ parses at startup.
package fapiconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/go-tpm/tpm2"
	"gopkg.in/yaml.v3"
)

// KeyType is the default asymmetric key type a profile requests for
// freshly created keys absent an explicit template override.
type KeyType int

const (
	KeyTypeRSA KeyType = iota
	KeyTypeECC
)

// UnmarshalYAML accepts "rsa" or "ecc" (case-insensitive), mirroring the
// way the teacher's TPMConfig decodes algorithm-name strings into typed
// constants rather than leaving them as bare strings on the struct.
func (k *KeyType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "rsa":
		*k = KeyTypeRSA
	case "ecc":
		*k = KeyTypeECC
	default:
		return fmt.Errorf("fapiconfig: unknown key type %q", s)
	}
	return nil
}

func (k KeyType) MarshalYAML() (any, error) {
	if k == KeyTypeECC {
		return "ecc", nil
	}
	return "rsa", nil
}

// Profile is one P_<name> profile bundle (spec.md #4.9 / #6): default key
// parameters, the session symmetric algorithm, the name algorithm, and
// the EK/SRK policy templates new installs provision under this profile.
type Profile struct {
	Name string `yaml:"-"`

	KeyType    KeyType       `yaml:"key_type"`
	KeyBits    int           `yaml:"rsa_bits,omitempty"`
	ECCCurve   string        `yaml:"ecc_curve,omitempty"`
	SignScheme string        `yaml:"signing_scheme"`
	NameAlg    tpm2.TPMAlgID `yaml:"-"`
	NameAlgStr string        `yaml:"name_algorithm"`

	SessionSymAlg string `yaml:"session_symmetric_algorithm"`

	EKPolicy  []byte `yaml:"-"`
	SRKPolicy []byte `yaml:"-"`

	// NVBufferMax bounds each NV_Write/NV_Read chunk (spec.md C8); it
	// defaults to 1024 bytes when zero. The TPM's own
	// TPM_PT_NV_BUFFER_MAX capability value is not queried.
	NVBufferMax uint16 `yaml:"nv_buffer_max"`
}

// algByName resolves the small set of name-algorithm strings profiles
// are expected to use.
func algByName(s string) (tpm2.TPMAlgID, error) {
	switch strings.ToLower(s) {
	case "", "sha256":
		return tpm2.TPMAlgSHA256, nil
	case "sha1":
		return tpm2.TPMAlgSHA1, nil
	case "sha384":
		return tpm2.TPMAlgSHA384, nil
	case "sha512":
		return tpm2.TPMAlgSHA512, nil
	default:
		return 0, fmt.Errorf("fapiconfig: unknown name algorithm %q", s)
	}
}

// LoadProfile reads and parses a single profile bundle from path.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fapiconfig.LoadProfile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("fapiconfig.LoadProfile: %w", err)
	}
	alg, err := algByName(p.NameAlgStr)
	if err != nil {
		return nil, fmt.Errorf("fapiconfig.LoadProfile: %w", err)
	}
	p.NameAlg = alg
	if p.NVBufferMax == 0 {
		p.NVBufferMax = 1024
	}
	return &p, nil
}

// NameAlgDefaultChain resolves the effective name algorithm for a new
// object: an explicit per-call override, else the profile default, else
// SHA-256 (the fallback the original implementation applies when a
// legacy profile bundle predates the name_algorithm key entirely).
func NameAlgDefaultChain(explicit tpm2.TPMAlgID, profile *Profile) tpm2.TPMAlgID {
	if explicit != 0 {
		return explicit
	}
	if profile != nil && profile.NameAlg != 0 {
		return profile.NameAlg
	}
	return tpm2.TPMAlgSHA256
}
