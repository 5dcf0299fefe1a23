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

// Command fapi-cli is the one-shot convenience tool: each invocation
// opens its own Context, runs a single operation to completion, and
// exits, the way tpm2_* tools wrap tpm2-tss.
package main

import (
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpmutil"
	"github.com/google/go-tpm/tpmutil/mssim"

	"github.com/confidentsecurity/tpm2-fapi/fapi"
	"github.com/confidentsecurity/tpm2-fapi/fapiconfig"
	"github.com/confidentsecurity/tpm2-fapi/fapilog"
	"github.com/confidentsecurity/tpm2-fapi/fapistore"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fapilog.SetupForCLI("fapi-cli", slog.LevelInfo)

	if len(args) == 0 {
		usage()
		return 2
	}
	sub, rest := args[0], args[1:]

	cfg, err := fapiconfig.ParseProcessConfigFromFlags()
	if err != nil {
		slog.Error("failed to parse config", "error", err)
		return 1
	}

	t, err := openTPM(cfg)
	if err != nil {
		slog.Error("failed to open TPM transport", "error", err)
		return 1
	}
	defer t.Close()

	ks, err := fapistore.NewFilesystemStore(cfg.KeystoreDir)
	if err != nil {
		slog.Error("failed to open keystore", "error", err)
		return 1
	}
	ps, err := fapistore.NewFilesystemStore(cfg.PolicyStoreDir)
	if err != nil {
		slog.Error("failed to open policy store", "error", err)
		return 1
	}

	var profile *fapiconfig.Profile
	if cfg.DefaultProfile != "" {
		if p, perr := fapiconfig.LoadProfile(cfg.ProfileDir + "/" + cfg.DefaultProfile + ".yaml"); perr == nil {
			profile = p
		}
	}

	c := fapi.New(t, profile, cfg, ks, ps, slog.Default())

	switch sub {
	case "provision":
		return cmdProvision(c, rest)
	case "getinfo":
		return cmdGetInfo(c, rest)
	case "getcertificates":
		return cmdGetCertificates(c, rest)
	case "nvwrite":
		return cmdNVWrite(c, rest)
	case "nvread":
		return cmdNVRead(c, rest)
	default:
		fmt.Fprintf(os.Stderr, "fapi-cli: unknown subcommand %q\n", sub)
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: fapi-cli <provision|getinfo|getcertificates|nvwrite|nvread> [flags]")
}

func openTPM(cfg *fapiconfig.ProcessConfig) (transport.TPMCloser, error) {
	if !cfg.TPMSimulate {
		rwc, err := tpmutil.OpenTPM(cfg.TPMDevice)
		if err != nil {
			return nil, fmt.Errorf("failed to open tpm: %w", err)
		}
		return transport.FromReadWriteCloser(rwc), nil
	}
	sim, err := mssim.Open(mssim.Config{
		CommandAddress:  cfg.TPMSimulatorCmdAddress,
		PlatformAddress: cfg.TPMSimulatorPlatAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open tpm simulator: %w", err)
	}
	t := transport.FromReadWriteCloser(sim)
	if _, err := (tpm2.Startup{StartupType: tpm2.TPMSUClear}.Execute(t)); err != nil {
		if !strings.Contains(err.Error(), "TPM_RC_INITIALIZE") {
			return nil, fmt.Errorf("tpm startup: %w", err)
		}
	}
	return t, nil
}

func cmdProvision(c *fapi.Context, args []string) int {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	fs.Parse(args)

	res, err := c.Provision(tpm2.New2B(tpm2.RSAEKTemplate), tpm2.New2B(tpm2.ECCSRKTemplate))
	if err != nil {
		slog.Error("provision failed", "error", err)
		return 1
	}
	fmt.Printf("EK: handle=0x%x persistent=%v\nSRK: handle=0x%x persistent=%v\n",
		res.EK.Handle, res.EK.Persistent, res.SRK.Handle, res.SRK.Persistent)
	return 0
}

func cmdGetInfo(c *fapi.Context, args []string) int {
	fs := flag.NewFlagSet("getinfo", flag.ExitOnError)
	fs.Parse(args)

	info, err := c.GetInfo()
	if err != nil {
		slog.Error("getinfo failed", "error", err)
		return 1
	}
	fmt.Printf("manufacturer: %s\nfirmware: 0x%08x\n", info.Manufacturer, info.FirmwareRaw)
	return 0
}

func cmdGetCertificates(c *fapi.Context, args []string) int {
	fs := flag.NewFlagSet("getcertificates", flag.ExitOnError)
	fs.Parse(args)

	certs, err := c.GetCertificates()
	if err != nil {
		slog.Error("getcertificates failed", "error", err)
		return 1
	}
	for i, der := range certs {
		fmt.Printf("cert[%d]: %s\n", i, base64.StdEncoding.EncodeToString(der))
	}
	return 0
}

func cmdNVWrite(c *fapi.Context, args []string) int {
	fs := flag.NewFlagSet("nvwrite", flag.ExitOnError)
	path := fs.String("path", "", "NV object path, e.g. /nv/Owner/mydata")
	data := fs.String("data", "", "hex-encoded data to write")
	fs.Parse(args)

	if *path == "" || *data == "" {
		fmt.Fprintln(os.Stderr, "nvwrite: -path and -data are required")
		return 2
	}
	raw, err := hex.DecodeString(*data)
	if err != nil {
		slog.Error("invalid -data", "error", err)
		return 2
	}
	if err := c.NvWrite(*path, raw, 0); err != nil {
		slog.Error("nvwrite failed", "error", err)
		return 1
	}
	return 0
}

func cmdNVRead(c *fapi.Context, args []string) int {
	fs := flag.NewFlagSet("nvread", flag.ExitOnError)
	path := fs.String("path", "", "NV object path, e.g. /nv/Owner/mydata")
	size := fs.Uint("size", 64, "number of bytes to read")
	fs.Parse(args)

	if *path == "" {
		fmt.Fprintln(os.Stderr, "nvread: -path is required")
		return 2
	}
	out, err := c.NvRead(*path, uint16(*size), 0)
	if err != nil {
		slog.Error("nvread failed", "error", err)
		return 1
	}
	fmt.Println(hex.EncodeToString(out))
	return 0
}
