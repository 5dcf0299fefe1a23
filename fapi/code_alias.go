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

import "github.com/confidentsecurity/tpm2-fapi/fapi/code"

// Code, Error and friends live in fapi/code so that every leaf package
// (tpmasync, fapistore, fapipath, fapinv, fapipolicy, fapisession,
// fapikeychain...) can return typed FAPI errors without importing this
// root package, which would create an import cycle since this package
// imports all of them. These aliases keep the public spelling as fapi.Code
// for callers of the top-level API.
type Code = code.Code

type Error = code.Error

const (
	Success                     = code.Success
	TryAgain                    = code.TryAgain
	BadReference                = code.BadReference
	BadContext                  = code.BadContext
	BadPath                     = code.BadPath
	BadValue                    = code.BadValue
	BadSequence                 = code.BadSequence
	NoTPM                       = code.NoTPM
	NVWrongType                 = code.NVWrongType
	NVExceeded                  = code.NVExceeded
	NVNotWriteable              = code.NVNotWriteable
	NVTooSmall                  = code.NVTooSmall
	PolicyUnknown               = code.PolicyUnknown
	PolicyPathNotFound          = code.PolicyPathNotFound
	BadTemplate                 = code.BadTemplate
	AuthorizationUnknown        = code.AuthorizationUnknown
	SignatureVerificationFailed = code.SignatureVerificationFailed
	StorageError                = code.StorageError
	IOError                     = code.IOError
	Memory                      = code.Memory
	GeneralFailure              = code.GeneralFailure
	NotImplemented              = code.NotImplemented
)

var (
	ErrTryAgain = code.ErrTryAgain
	Wrap        = code.Wrap
	New         = code.New
	Is          = code.Is
	CodeOf      = code.CodeOf
)
