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

package fapiconfig

import (
	"errors"
	"flag"
	"fmt"
)

// ProcessConfig is what every cmd/fapi-* binary parses from its flags:
// where the profile bundles and keystore/policy-store roots live, which
// TPM transport to dial, and the default profile name to resolve
// profile-less paths against.
type ProcessConfig struct {
	TPMDevice               string
	TPMSimulate             bool
	TPMSimulatorCmdAddress  string
	TPMSimulatorPlatAddress string
	ProfileDir              string
	KeystoreDir             string
	PolicyStoreDir          string
	DefaultProfile          string
}

var (
	tpmDevicePtr      *string
	tpmSimulatePtr    *bool
	tpmSimCmdAddrPtr  *string
	tpmSimPlatAddrPtr *string
	profileDirPtr     *string
	keystoreDirPtr    *string
	policyStoreDirPtr *string
	defaultProfilePtr *string
)

func init() {
	tpmDevicePtr = flag.String("tpm_device", "/dev/tpmrm0", "path to the TPM character device")
	tpmSimulatePtr = flag.Bool("tpm_simulate", false, "use an mssim TPM simulator reached over TCP instead of a real device")
	tpmSimCmdAddrPtr = flag.String("tpm_simulator_command_address", "127.0.0.1:2321", "mssim command-channel address when tpm_simulate is set")
	tpmSimPlatAddrPtr = flag.String("tpm_simulator_platform_address", "127.0.0.1:2322", "mssim platform-channel address when tpm_simulate is set")
	profileDirPtr = flag.String("profile_dir", "/etc/tpm2-fapi/profiles", "directory of P_<profile>.yaml bundles")
	keystoreDirPtr = flag.String("keystore_dir", "", "root of the object keystore (no default)")
	policyStoreDirPtr = flag.String("policystore_dir", "", "root of the policy store (no default)")
	defaultProfilePtr = flag.String("default_profile", "P_default", "profile used to resolve profile-less paths")
}

// ParseProcessConfigFromFlags parses os.Args (via flag.Parse) into a
// ProcessConfig, matching the teacher's flag-driven config style rather
// than a viper/cobra config tree.
func ParseProcessConfigFromFlags() (*ProcessConfig, error) {
	flag.Parse()

	if *defaultProfilePtr == "" {
		return nil, errors.New("fapiconfig: default_profile must not be empty")
	}

	return &ProcessConfig{
		TPMDevice:               *tpmDevicePtr,
		TPMSimulate:             *tpmSimulatePtr,
		TPMSimulatorCmdAddress:  *tpmSimCmdAddrPtr,
		TPMSimulatorPlatAddress: *tpmSimPlatAddrPtr,
		ProfileDir:              *profileDirPtr,
		KeystoreDir:             *keystoreDirPtr,
		PolicyStoreDir:          *policyStoreDirPtr,
		DefaultProfile:          *defaultProfilePtr,
	}, nil
}

// String renders a ProcessConfig for debug logging without leaking
// anything sensitive (there's nothing secret in this struct today, but
// the Stringer keeps log lines stable if that changes).
func (c *ProcessConfig) String() string {
	return fmt.Sprintf("ProcessConfig{device=%q simulate=%v profileDir=%q defaultProfile=%q}",
		c.TPMDevice, c.TPMSimulate, c.ProfileDir, c.DefaultProfile)
}
