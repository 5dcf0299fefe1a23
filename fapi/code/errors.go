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

package code

import (
	"errors"
	"fmt"
)

// Code is the symbolic error taxonomy of the FAPI core (spec.md #6).
type Code int

const (
	Success Code = iota
	TryAgain
	BadReference
	BadContext
	BadPath
	BadValue
	BadSequence
	NoTPM
	NVWrongType
	NVExceeded
	NVNotWriteable
	NVTooSmall
	PolicyUnknown
	PolicyPathNotFound
	BadTemplate
	AuthorizationUnknown
	SignatureVerificationFailed
	StorageError
	IOError
	Memory
	GeneralFailure
	NotImplemented
)

func (c Code) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case TryAgain:
		return "TRY_AGAIN"
	case BadReference:
		return "BAD_REFERENCE"
	case BadContext:
		return "BAD_CONTEXT"
	case BadPath:
		return "BAD_PATH"
	case BadValue:
		return "BAD_VALUE"
	case BadSequence:
		return "BAD_SEQUENCE"
	case NoTPM:
		return "NO_TPM"
	case NVWrongType:
		return "NV_WRONG_TYPE"
	case NVExceeded:
		return "NV_EXCEEDED"
	case NVNotWriteable:
		return "NV_NOT_WRITEABLE"
	case NVTooSmall:
		return "NV_TOO_SMALL"
	case PolicyUnknown:
		return "POLICY_UNKNOWN"
	case PolicyPathNotFound:
		return "POLICY_PATH_NOT_FOUND"
	case BadTemplate:
		return "BAD_TEMPLATE"
	case AuthorizationUnknown:
		return "AUTHORIZATION_UNKNOWN"
	case SignatureVerificationFailed:
		return "SIGNATURE_VERIFICATION_FAILED"
	case StorageError:
		return "STORAGE_ERROR"
	case IOError:
		return "IO_ERROR"
	case Memory:
		return "MEMORY"
	case GeneralFailure:
		return "GENERAL_FAILURE"
	case NotImplemented:
		return "NOT_IMPLEMENTED"
	default:
		return fmt.Sprintf("CODE(%d)", int(c))
	}
}

// Error wraps a Code with the operation that produced it and, optionally,
// an underlying cause. Callers inspect it with errors.As, or with Is below
// for the common "did this fail with code X" check.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error for op, chaining cause with %w so errors.Is/As see
// through it.
func Wrap(code Code, op string, cause error) *Error {
	return &Error{Code: code, Op: op, Err: cause}
}

// New builds an *Error with no wrapped cause.
func New(code Code, op, msg string) *Error {
	if msg == "" {
		return &Error{Code: code, Op: op}
	}
	return &Error{Code: code, Op: op, Err: errors.New(msg)}
}

// ErrTryAgain is the sentinel suspension signal. It is never wrapped with
// %w by producers; state machines return it directly so that
// errors.Is(err, ErrTryAgain) is a cheap identity check.
var ErrTryAgain = &Error{Code: TryAgain, Op: "try_again"}

// Is reports whether err is a *Error carrying the given code, including
// through a %w-wrapped chain.
func Is(err error, code Code) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// CodeOf extracts the Code from err, defaulting to GeneralFailure for
// errors the core did not originate.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return GeneralFailure
}
