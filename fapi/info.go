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
	"github.com/google/go-tpm/tpm2"

	"github.com/confidentsecurity/tpm2-fapi/fapi/tpmasync"
	"github.com/confidentsecurity/tpm2-fapi/fapicap"
)

// Info summarizes the TPM's fixed capability properties a caller can
// inspect without touching any object (spec.md #4.12).
type Info struct {
	Manufacturer string `json:"manufacturer"`
	FirmwareRaw  uint32 `json:"firmware_version"`
}

type infoScratch struct {
	future *tpmasync.Future
}

// GetInfoAsync begins retrieving TPM_PT_MANUFACTURER and
// TPM_PT_FIRMWARE_VERSION_1 via paginated GetCapability.
func (c *Context) GetInfoAsync() error {
	s := &infoScratch{}
	if err := c.begin(CommandGetInfo, s); err != nil {
		return err
	}
	s.future = tpmasync.Start(func() (any, error) {
		props, err := fapicap.GetAll(c.tpmHandle(), tpm2.TPMCapTPMProperties, uint32(tpm2.TPMPTManufacturer))
		if err != nil {
			return nil, err
		}
		info := &Info{}
		for _, p := range props {
			switch tpm2.TPMPT(p.Property) {
			case tpm2.TPMPTManufacturer:
				info.Manufacturer = manufacturerString(p.Value)
			case tpm2.TPMPTFirmwareVersion1:
				info.FirmwareRaw = p.Value
			}
		}
		return info, nil
	})
	return nil
}

// GetInfoFinish returns ErrTryAgain until the capability round trip completes.
func (c *Context) GetInfoFinish() (*Info, error) {
	if err := c.requireCommand(CommandGetInfo); err != nil {
		return nil, err
	}
	s := c.scratch.(*infoScratch)
	v, err := s.future.Poll()
	if err == ErrTryAgain {
		return nil, err
	}
	defer c.end()
	if err != nil {
		return nil, err
	}
	return v.(*Info), nil
}

// GetInfo is the synchronous convenience wrapper.
func (c *Context) GetInfo() (*Info, error) {
	if err := c.GetInfoAsync(); err != nil {
		return nil, err
	}
	for {
		v, err := c.GetInfoFinish()
		if err == ErrTryAgain {
			continue
		}
		return v, err
	}
}

func manufacturerString(v uint32) string {
	b := []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	out := make([]byte, 0, 4)
	for _, c := range b {
		if c != 0 {
			out = append(out, c)
		}
	}
	return string(out)
}

type certScratch struct {
	future *tpmasync.Future
}

// GetCertificatesAsync begins scanning the registered EK-certificate NV
// indices for installed DER certificates (spec.md #4.12).
func (c *Context) GetCertificatesAsync() error {
	s := &certScratch{}
	if err := c.begin(CommandGetCertificates, s); err != nil {
		return err
	}
	s.future = tpmasync.Start(func() (any, error) {
		return fapicap.DiscoverEKCertificates(c.tpmHandle(), "EK-Cert")
	})
	return nil
}

// GetCertificatesFinish returns ErrTryAgain until the scan completes.
func (c *Context) GetCertificatesFinish() ([][]byte, error) {
	if err := c.requireCommand(CommandGetCertificates); err != nil {
		return nil, err
	}
	s := c.scratch.(*certScratch)
	v, err := s.future.Poll()
	if err == ErrTryAgain {
		return nil, err
	}
	defer c.end()
	if err != nil {
		return nil, err
	}
	return v.([][]byte), nil
}

// GetCertificates is the synchronous convenience wrapper.
func (c *Context) GetCertificates() ([][]byte, error) {
	if err := c.GetCertificatesAsync(); err != nil {
		return nil, err
	}
	for {
		v, err := c.GetCertificatesFinish()
		if err == ErrTryAgain {
			continue
		}
		return v, err
	}
}
