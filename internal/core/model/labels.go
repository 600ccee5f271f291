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

package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Label is one entry of the classifier's class index.
type Label struct {
	Index int    `json:"id"`
	Name  string `json:"label"`
}

// LabelCatalog maps a classifier class index to a human-readable label. It is
// built once when a classification stage starts and never mutated afterwards,
// so it is safe to share between workers.
type LabelCatalog struct {
	labels []Label
	byID   map[int]string
}

// NewLabelCatalog builds a catalog ordered by class index. Duplicate indexes
// are rejected.
func NewLabelCatalog(labels []Label) (*LabelCatalog, error) {
	sorted := make([]Label, len(labels))
	copy(sorted, labels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	byID := make(map[int]string, len(sorted))
	for _, l := range sorted {
		if _, dup := byID[l.Index]; dup {
			return nil, fmt.Errorf("duplicate label index %d", l.Index)
		}
		byID[l.Index] = l.Name
	}
	return &LabelCatalog{labels: sorted, byID: byID}, nil
}

// ParseLabelFile reads the {"0": "tench", "1": "goldfish"} layout used by
// ImageNet style label files.
func ParseLabelFile(data []byte) ([]Label, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse label file: %w", err)
	}
	out := make([]Label, 0, len(raw))
	for k, v := range raw {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("label key %q is not an integer: %w", k, err)
		}
		out = append(out, Label{Index: idx, Name: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// Lookup returns the label stored for a class index.
func (c *LabelCatalog) Lookup(index int) (string, bool) {
	if c == nil {
		return "", false
	}
	name, ok := c.byID[index]
	return name, ok
}

// Resolve picks the label to persist: the catalog entry when the confidence is
// strictly above the threshold and the index is known, UnknownLabel otherwise.
func (c *LabelCatalog) Resolve(index int, confidence, threshold float64) string {
	if confidence <= threshold {
		return UnknownLabel
	}
	if name, ok := c.Lookup(index); ok {
		return name
	}
	return UnknownLabel
}

// Labels returns the entries in class index order.
func (c *LabelCatalog) Labels() []Label {
	if c == nil {
		return nil
	}
	out := make([]Label, len(c.labels))
	copy(out, c.labels)
	return out
}

// Len returns the number of labels.
func (c *LabelCatalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.labels)
}
