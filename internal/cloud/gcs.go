// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	credentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/iam/credentials/apiv1/credentialspb"
	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/jaycherian/gcp-go-media-analysis/internal/blob"
)

// GCSBlobStore keeps every blob key as an object name in one bucket.
type GCSBlobStore struct {
	client      *storage.Client
	bucket      string
	iamClient   *credentials.IamCredentialsClient // Signs URLs when the runtime credentials hold no private key.
	signerEmail string
}

var (
	_ blob.Store  = (*GCSBlobStore)(nil)
	_ blob.Signer = (*GCSBlobStore)(nil)
)

// NewGCSBlobStore is the constructor for GCSBlobStore.
//
// Inputs:
//   - client: An initialized Cloud Storage client.
//   - bucket: The bucket every key lives in.
//   - iamClient: Signs URLs through the IAM credentials API. May be nil.
//   - signerEmail: The service account the IAM client signs as. Used only with iamClient.
//
// Outputs:
//   - *GCSBlobStore: A blob store over the bucket.
func NewGCSBlobStore(client *storage.Client, bucket string, iamClient *credentials.IamCredentialsClient, signerEmail string) *GCSBlobStore {
	return &GCSBlobStore{client: client, bucket: bucket, iamClient: iamClient, signerEmail: signerEmail}
}

func (s *GCSBlobStore) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(key)
}

// Put uploads r as the object key.
func (s *GCSBlobStore) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	w := s.object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gs://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// Get opens the object key. A missing object returns blob.ErrNotExist.
func (s *GCSBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, blob.ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", s.bucket, key, err)
	}
	return r, nil
}

// Delete removes the object key. Deleting a missing object succeeds.
func (s *GCSBlobStore) Delete(ctx context.Context, key string) error {
	err := s.object(key).Delete(ctx)
	if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return fmt.Errorf("delete gs://%s/%s: %w", s.bucket, key, err)
}

// List returns the keys under prefix.
func (s *GCSBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", s.bucket, prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// SignedURL returns a V4 GET URL for key valid for ttl.
func (s *GCSBlobStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	}
	if s.iamClient != nil && s.signerEmail != "" {
		opts.GoogleAccessID = s.signerEmail
		opts.SignBytes = func(b []byte) ([]byte, error) {
			resp, err := s.iamClient.SignBlob(ctx, &credentialspb.SignBlobRequest{
				Name:    fmt.Sprintf("projects/-/serviceAccounts/%s", s.signerEmail),
				Payload: b,
			})
			if err != nil {
				return nil, err
			}
			return resp.SignedBlob, nil
		}
	}
	u, err := s.client.Bucket(s.bucket).SignedURL(key, opts)
	if err != nil {
		return "", fmt.Errorf("Bucket(%q).SignedURL(%q): %w", s.bucket, key, err)
	}
	return u, nil
}
