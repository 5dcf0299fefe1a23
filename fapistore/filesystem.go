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

package fapistore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/confidentsecurity/tpm2-fapi/fapi/code"
	"github.com/confidentsecurity/tpm2-fapi/fapi/tpmasync"
)

// FilesystemStore is the on-disk Store implementation: each path maps to
// a file under root, directories created on demand, matching the
// reference implementation's ~/.local/share/tpm2-tss/<profile>/ layout.
type FilesystemStore struct {
	root string
	// UserDir/SystemDir are the two directory roots fapipath.StripRoot
	// strips when rendering a path back from an absolute filename. The
	// load/store methods here do not consult them; filenames are built
	// from root alone.
	UserDir   string
	SystemDir string
}

// NewFilesystemStore returns a Store rooted at root, creating it if
// necessary.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, code.Wrap(code.IOError, "fapistore.NewFilesystemStore", err)
	}
	return &FilesystemStore{root: root}, nil
}

func (s *FilesystemStore) filename(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

// LoadAsync reads the file at path in a goroutine via tpmasync.Future,
// the same suspend/resume shape every TPM round trip in this core uses.
func (s *FilesystemStore) LoadAsync(path string) *tpmasync.Future {
	fn := s.filename(path)
	return tpmasync.Start(func() (any, error) {
		data, err := os.ReadFile(fn)
		if errors.Is(err, os.ErrNotExist) {
			return nil, code.New(code.PolicyPathNotFound, "fapistore.Load", fmt.Sprintf("no object at %q", path))
		}
		if err != nil {
			return nil, code.Wrap(code.IOError, "fapistore.Load", err)
		}
		return data, nil
	})
}

// StoreAsync writes data to path, creating parent directories as needed.
func (s *FilesystemStore) StoreAsync(path string, data []byte) *tpmasync.Future {
	fn := s.filename(path)
	return tpmasync.Start(func() (any, error) {
		if err := os.MkdirAll(filepath.Dir(fn), 0o700); err != nil {
			return nil, code.Wrap(code.IOError, "fapistore.Store", err)
		}
		if err := os.WriteFile(fn, data, 0o600); err != nil {
			return nil, code.Wrap(code.IOError, "fapistore.Store", err)
		}
		return nil, nil
	})
}

// CheckWritable reports whether path's parent directory is writable,
// creating it if it doesn't exist yet (mirrors ifapi_io's check before a
// key-chain Create call commits anything to the TPM).
func (s *FilesystemStore) CheckWritable(path string) error {
	dir := filepath.Dir(s.filename(path))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return code.Wrap(code.IOError, "fapistore.CheckWritable", err)
	}
	return nil
}

// CheckOverwrite refuses to replace an existing explicit object; it is a
// no-op for paths materialized implicitly while walking a key chain.
func (s *FilesystemStore) CheckOverwrite(path string, explicit bool) error {
	if !explicit {
		return nil
	}
	if _, err := os.Stat(s.filename(path)); err == nil {
		return code.New(code.BadPath, "fapistore.CheckOverwrite", fmt.Sprintf("object already exists at %q", path))
	}
	return nil
}
