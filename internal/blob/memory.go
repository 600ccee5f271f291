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

package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

type object struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in process. FailPut and FailDelete, when set, are
// consulted before each write or delete so tests can inject storage faults.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]object

	FailPut    func(key string) error
	FailDelete func(key string) error
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Signer = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]object)}
}

func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	if m.FailPut != nil {
		if err := m.FailPut(key); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = object{data: data, contentType: contentType}
	return nil
}

// Get returns a reader over the blob, or ErrNotExist.
func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// Delete removes the blob. Deleting a missing blob succeeds.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if m.FailDelete != nil {
		if err := m.FailDelete(key); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists reports whether key holds an object.
func (m *MemoryStore) Exists(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// SignedURL returns a memory:// URL carrying the expiry. It fails for
// missing keys so callers see the same behavior as a real bucket lookup.
func (m *MemoryStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	if !m.Exists(key) {
		return "", ErrNotExist
	}
	q := url.Values{"expires": {time.Now().Add(ttl).UTC().Format(time.RFC3339)}}
	return fmt.Sprintf("memory://%s?%s", key, q.Encode()), nil
}
