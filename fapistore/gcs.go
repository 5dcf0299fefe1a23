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
	"bytes"
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"

	"github.com/confidentsecurity/tpm2-fapi/fapi/code"
	"github.com/confidentsecurity/tpm2-fapi/fapi/tpmasync"
)

// GCSStore is an alternate Store backing fleet deployments that keep
// keystore/policy-store state in a shared bucket rather than on local
// disk, so objects created by one host are visible to another.
type GCSStore struct {
	bucket *storage.BucketHandle
	ctx    context.Context
}

// NewGCSStore returns a Store backed by bucket.
func NewGCSStore(ctx context.Context, bucket string, client *storage.Client) *GCSStore {
	return &GCSStore{bucket: client.Bucket(bucket), ctx: ctx}
}

func (s *GCSStore) LoadAsync(path string) *tpmasync.Future {
	return tpmasync.Start(func() (any, error) {
		reader, err := s.bucket.Object(path).NewReader(s.ctx)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, code.New(code.PolicyPathNotFound, "fapistore.Load", "no object at "+path)
		}
		if err != nil {
			return nil, code.Wrap(code.IOError, "fapistore.Load", err)
		}
		defer reader.Close()
		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, code.Wrap(code.IOError, "fapistore.Load", err)
		}
		return data, nil
	})
}

func (s *GCSStore) StoreAsync(path string, data []byte) *tpmasync.Future {
	return tpmasync.Start(func() (any, error) {
		w := s.bucket.Object(path).NewWriter(s.ctx)
		if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
			return nil, code.Wrap(code.IOError, "fapistore.Store", err)
		}
		if err := w.Close(); err != nil {
			return nil, code.Wrap(code.IOError, "fapistore.Store", err)
		}
		return nil, nil
	})
}

// CheckWritable always succeeds; GCS buckets don't require directories
// to be created ahead of a write.
func (s *GCSStore) CheckWritable(path string) error { return nil }

// CheckOverwrite refuses to replace an existing explicit object.
func (s *GCSStore) CheckOverwrite(path string, explicit bool) error {
	if !explicit {
		return nil
	}
	_, err := s.bucket.Object(path).Attrs(s.ctx)
	if err == nil {
		return code.New(code.BadPath, "fapistore.CheckOverwrite", "object already exists at "+path)
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return code.Wrap(code.IOError, "fapistore.CheckOverwrite", err)
}
