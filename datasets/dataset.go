// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets implements the image classification datasets of the robustness tasks, and the
// loaders that yield batches of (rotated) views of the examples as tensors.
package datasets

import (
	"image"
	"math/rand"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/robustness/augment"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Split of a dataset.
type Split int

const (
	Train Split = iota
	Val
)

// String implements fmt.Stringer. It is also the name of the split directory.
func (s Split) String() string {
	if s == Val {
		return "val"
	}
	return "train"
}

// source of examples of one split.
type source interface {
	Len() int
	Example(idx int) (img image.Image, label int, err error)
}

// Dataset is a labeled image classification dataset.
//
// Images are yielded with values in [0, 1]. Mean and Std (one value per channel) are the normalization
// statistics applied by the model.
type Dataset struct {
	Name       string
	DataPath   string
	NumClasses int
	Channels   int
	Mean, Std  []float32

	sources [2]source
}

// NumExamples in the split.
func (ds *Dataset) NumExamples(split Split) int {
	if ds.sources[split] == nil {
		return 0
	}
	return ds.sources[split].Len()
}

// Example returns the untransformed image and label of one example.
func (ds *Dataset) Example(split Split, idx int) (image.Image, int, error) {
	src := ds.sources[split]
	if src == nil || idx < 0 || idx >= src.Len() {
		return nil, 0, errors.Errorf("dataset %q has no example #%d in split %s", ds.Name, idx, split)
	}
	return src.Example(idx)
}

// LoaderConfig configures Dataset.MakeLoaders.
type LoaderConfig struct {
	// Workers is the number of goroutines preparing batches. If 0 batches are prepared synchronously.
	Workers int

	BatchSize int

	// DataAug enables the training transform. If false the validation transform is used for training too.
	DataAug bool

	TrainTransform, ValTransform *augment.Transform

	// Seed for shuffling and random transforms. If 0 a time based seed is used.
	Seed int64
}

// MakeLoaders creates the training (shuffled) and validation loaders, implementing train.Dataset.
//
// Each yield returns inputs=[images, labels] and labels=[labels], where images are shaped
// [batch_size, num_views, height, width, channels] (float32) and labels are [batch_size, 1] (int32).
// The last batch of an epoch may be smaller.
func (ds *Dataset) MakeLoaders(cfg LoaderConfig) (trainLoader, valLoader train.Dataset, err error) {
	if cfg.BatchSize <= 0 {
		return nil, nil, errors.Errorf("invalid batch size %d", cfg.BatchSize)
	}
	if cfg.TrainTransform == nil || cfg.ValTransform == nil {
		return nil, nil, errors.New("MakeLoaders requires both train and validation transforms")
	}
	for _, split := range []Split{Train, Val} {
		if ds.NumExamples(split) == 0 {
			return nil, nil, errors.Errorf("dataset %q has no %s examples in %q", ds.Name, split, ds.DataPath)
		}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UTC().UnixNano()
	}
	trainTransform := cfg.TrainTransform
	if !cfg.DataAug {
		trainTransform = cfg.ValTransform
	}
	trainLoader = ds.wrap(newLoader(ds, Train, trainTransform, cfg.BatchSize, rand.New(rand.NewSource(seed))), cfg.Workers)
	valLoader = ds.wrap(newLoader(ds, Val, cfg.ValTransform, cfg.BatchSize, rand.New(rand.NewSource(seed+1))), cfg.Workers)
	klog.V(1).Infof("%s loaders: %d train and %d validation examples, batch size %d, %d workers",
		ds.Name, ds.NumExamples(Train), ds.NumExamples(Val), cfg.BatchSize, cfg.Workers)
	return
}

func (ds *Dataset) wrap(l *Loader, workers int) train.Dataset {
	if workers <= 0 {
		return l
	}
	return datasets.CustomParallel(l).Parallelism(workers).Buffer(workers).Start()
}
