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

// Package fapilog configures the process-wide slog logger used by every
// fapi* package and command.
package fapilog

import (
	"log/slog"
	"os"
	"strings"
	"time"

	slogenv "github.com/cbrewster/slog-env"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// Setup configures the default logger for a long-running FAPI process,
// falling back to the INFO level if GO_LOG is unset.
func Setup(cmdID string, globalAttrs ...any) {
	setup(cmdID, slog.LevelInfo, "json", true, globalAttrs...)
}

// SetupForCLI configures the default logger for a one-shot CLI invocation,
// falling back to the supplied level if GO_LOG is unset.
func SetupForCLI(cmdID string, defaultLevel slog.Level, globalAttrs ...any) {
	setup(cmdID, defaultLevel, "text", false, globalAttrs...)
}

func setup(cmdID string, defaultLevel slog.Level, defaultFormat string, defaultSource bool, globalAttrs ...any) {
	replacer := func(_ []string, a slog.Attr) slog.Attr {
		if err, ok := a.Value.Any().(error); ok {
			aErr := tint.Err(err)
			aErr.Key = a.Key
			return aErr
		}
		return a
	}

	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = defaultFormat
	}

	addSource := defaultSource
	if v := strings.ToLower(os.Getenv("LOG_SOURCE")); v == "true" || v == "1" {
		addSource = true
	}

	opts := slog.HandlerOptions{AddSource: addSource, ReplaceAttr: replacer}
	slogenvOpts := []slogenv.Opt{slogenv.WithDefaultLevel(defaultLevel)}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slogenv.NewHandler(tint.NewHandler(os.Stderr, &tint.Options{
			TimeFormat:  time.TimeOnly,
			ReplaceAttr: opts.ReplaceAttr,
			AddSource:   opts.AddSource,
			NoColor:     !isatty.IsTerminal(os.Stderr.Fd()),
		}), slogenvOpts...)
	case "json":
		handler = slogenv.NewHandler(slog.NewJSONHandler(os.Stderr, &opts), slogenvOpts...)
	default:
		handler = slogenv.NewHandler(slog.NewTextHandler(os.Stderr, &opts), slogenvOpts...)
	}

	logger := slog.New(handler).With("cmd_id", cmdID).With(globalAttrs...)
	slog.SetDefault(logger)
	slog.Debug("logger initialized", "format", format)
}
