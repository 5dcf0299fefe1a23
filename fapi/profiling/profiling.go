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

// Package profiling exposes an opt-in pprof/fgprof endpoint for the
// fapi-cli and fapi-agentd binaries, gated behind an environment
// variable so it never runs in a default deployment.
package profiling

import (
	"log"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- profiling endpoint intentionally exposed for debugging
	"os"
	"time"

	"github.com/felixge/fgprof"
)

// Binary names the process requesting profiling, each with its own port
// so fapi-cli and fapi-agentd can run side by side on a dev box.
type Binary string

const (
	CLI    Binary = "fapi_cli"
	Agentd Binary = "fapi_agentd"
)

func (b Binary) envVar() string {
	switch b {
	case CLI:
		return "PROFILE_FAPI_CLI"
	case Agentd:
		return "PROFILE_FAPI_AGENTD"
	default:
		return "PROFILE_FAPI"
	}
}

func (b Binary) port() string {
	switch b {
	case CLI:
		return "6070"
	case Agentd:
		return "6071"
	default:
		return "6072"
	}
}

// InitIfEnabled starts the fgprof/pprof HTTP endpoint for b if its
// environment variable is set to "1" or "true".
func (b Binary) InitIfEnabled() {
	v := os.Getenv(b.envVar())
	if v != "1" && v != "true" {
		return
	}
	http.DefaultServeMux.Handle("/debug/fgprof", fgprof.Handler())
	go func() {
		server := &http.Server{
			Addr:         "localhost:" + b.port(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		log.Println(server.ListenAndServe())
	}()
}
