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

// Command fapi-agentd is the long-running FAPI daemon: it holds one
// Context open across many callers (over a future RPC surface), reports
// readiness to systemd, and serves an opt-in profiling endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	sdnotify "github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpmutil"
	"github.com/google/go-tpm/tpmutil/mssim"

	"github.com/confidentsecurity/tpm2-fapi/fapi"
	"github.com/confidentsecurity/tpm2-fapi/fapi/profiling"
	"github.com/confidentsecurity/tpm2-fapi/fapiconfig"
	"github.com/confidentsecurity/tpm2-fapi/fapilog"
	"github.com/confidentsecurity/tpm2-fapi/fapistore"
)

func main() {
	fapilog.Setup("fapi-agentd")
	profiling.Agentd.InitIfEnabled()

	cfg, err := fapiconfig.ParseProcessConfigFromFlags()
	if err != nil {
		slog.Error("failed to parse config", "error", err)
		os.Exit(1)
	}
	slog.Info("starting fapi-agentd", "config", cfg.String())

	t, err := openTPM(cfg)
	if err != nil {
		slog.Error("failed to open TPM transport", "error", err)
		os.Exit(1)
	}
	defer t.Close()

	ks, err := fapistore.NewFilesystemStore(cfg.KeystoreDir)
	if err != nil {
		slog.Error("failed to open keystore", "error", err)
		os.Exit(1)
	}
	ps, err := fapistore.NewFilesystemStore(cfg.PolicyStoreDir)
	if err != nil {
		slog.Error("failed to open policy store", "error", err)
		os.Exit(1)
	}

	// The RPC surface this daemon will eventually serve dispatches onto
	// this Context. Constructing it performs no TPM I/O; the EK/SRK
	// primaries are only created when Provision runs.
	_ = fapi.New(t, nil, cfg, ks, ps, slog.Default())

	if ok, err := sdnotify.SdNotify(false, sdnotify.SdNotifyReady); err != nil {
		slog.Warn("systemd readiness notification failed", "error", err)
	} else if !ok {
		slog.Debug("not running under systemd, skipping readiness notification")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	slog.Info("fapi-agentd shutting down")
}

func openTPM(cfg *fapiconfig.ProcessConfig) (transport.TPMCloser, error) {
	if !cfg.TPMSimulate {
		slog.Info("opening real TPM", "device", cfg.TPMDevice)
		rwc, err := tpmutil.OpenTPM(cfg.TPMDevice)
		if err != nil {
			return nil, fmt.Errorf("failed to open tpm: %w", err)
		}
		return transport.FromReadWriteCloser(rwc), nil
	}

	slog.Info("using simulated TPM", "commandAddress", cfg.TPMSimulatorCmdAddress, "platformAddress", cfg.TPMSimulatorPlatAddress)
	sim, err := mssim.Open(mssim.Config{
		CommandAddress:  cfg.TPMSimulatorCmdAddress,
		PlatformAddress: cfg.TPMSimulatorPlatAddress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open tpm simulator: %w", err)
	}
	t := transport.FromReadWriteCloser(sim)
	if _, err := (tpm2.Startup{StartupType: tpm2.TPMSUClear}.Execute(t)); err != nil {
		// The simulator returns this when it's already past startup,
		// which happens if another process (or a prior run) got there
		// first; safe to continue and use it.
		if !strings.Contains(err.Error(), "TPM_RC_INITIALIZE") {
			return nil, fmt.Errorf("tpm startup: %w", err)
		}
		slog.Warn("tpm simulator already initialized", "error", err)
	}
	return t, nil
}
