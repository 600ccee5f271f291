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

package test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
)

// Sample file headers recognised by content sniffing.
var (
	SampleJPEG = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01, 0x01, 0x00, 0x00, 0x01}
	SampleMP4  = []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00, 'i', 's', 'o', 'm'}
)

// ErrFake is the error returned by fakes configured to fail.
var ErrFake = errors.New("fake failure")

// FakeSceneDetector returns a fixed list of scenes and a fixed duration.
type FakeSceneDetector struct {
	Scenes      []model.TimeRange
	Length      float64
	Err         error
	DurationErr error

	mu    sync.Mutex
	Calls int
}

func (f *FakeSceneDetector) DetectScenes(_ context.Context, video string) ([]model.TimeRange, error) {
	f.mu.Lock()
	f.Calls++
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if _, err := os.Stat(video); err != nil {
		return nil, err
	}
	return f.Scenes, nil
}

func (f *FakeSceneDetector) Duration(_ context.Context, video string) (float64, error) {
	if f.DurationErr != nil {
		return 0, f.DurationErr
	}
	if _, err := os.Stat(video); err != nil {
		return 0, err
	}
	return f.Length, nil
}

// FakeFrameExtractor writes a small JPEG for every requested instant. Instants
// listed in FailAt fail instead.
type FakeFrameExtractor struct {
	FailAt map[float64]bool

	mu        sync.Mutex
	Instants  []float64
	ClipCalls int
}

func (f *FakeFrameExtractor) ExtractFrame(_ context.Context, _ string, at float64, out string) error {
	f.mu.Lock()
	f.Instants = append(f.Instants, at)
	f.mu.Unlock()
	if f.FailAt[at] {
		return fmt.Errorf("%w: frame at %.3f", ErrFake, at)
	}
	frame := append([]byte{}, SampleJPEG...)
	frame = append(frame, []byte(fmt.Sprintf("frame@%.3f", at))...)
	return os.WriteFile(out, frame, 0o600)
}

func (f *FakeFrameExtractor) ExtractClip(_ context.Context, _ string, span model.TimeRange, out string) error {
	f.mu.Lock()
	f.ClipCalls++
	f.mu.Unlock()
	clip := append([]byte{}, SampleMP4...)
	clip = append(clip, []byte(fmt.Sprintf("clip@%.3f-%.3f", span.Start, span.End))...)
	return os.WriteFile(out, clip, 0o600)
}

// FakeClassifier answers with Result, or with Func when it is set.
type FakeClassifier struct {
	Result model.Classification
	Err    error
	Func   func(image []byte) (*model.Classification, error)

	mu    sync.Mutex
	Calls int
}

func (f *FakeClassifier) Classify(_ context.Context, image []byte, _ string, _ *model.LabelCatalog) (*model.Classification, error) {
	f.mu.Lock()
	f.Calls++
	f.mu.Unlock()
	if f.Func != nil {
		return f.Func(image)
	}
	if f.Err != nil {
		return nil, f.Err
	}
	out := f.Result
	return &out, nil
}

// CallCount returns the number of Classify calls so far.
func (f *FakeClassifier) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}

// FakeAnnotator copies the image and appends the overlay text.
type FakeAnnotator struct {
	Err error

	mu    sync.Mutex
	Texts []string
}

func (f *FakeAnnotator) Annotate(_ context.Context, image, text, out string) error {
	f.mu.Lock()
	f.Texts = append(f.Texts, text)
	f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	data, err := os.ReadFile(image)
	if err != nil {
		return err
	}
	return os.WriteFile(out, append(data, []byte(text)...), 0o600)
}

// TestLabels is a three entry catalog.
func TestLabels() *model.LabelCatalog {
	catalog, err := model.NewLabelCatalog([]model.Label{
		{Index: 0, Name: "tench"},
		{Index: 1, Name: "goldfish"},
		{Index: 2, Name: "great white shark"},
	})
	if err != nil {
		panic(err)
	}
	return catalog
}
