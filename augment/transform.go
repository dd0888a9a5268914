// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package augment implements the image transforms of the rotation robustness tasks: dataset specific
// preprocessing followed by the generation of rotated views of each example.
package augment

import (
	"image"
	"math/rand"

	"github.com/gomlx/robustness/defaults"
	"github.com/gomlx/robustness/helpers"
	"github.com/pkg/errors"
)

// Breeds image sizes.
const (
	BreedsImageSize  = 224
	BreedsResizeSize = 256
)

// Transform converts one image into NumViews() views: the image is preprocessed and then rotated
// by each of the view angles.
//
// It is safe for concurrent use, as long as each goroutine uses its own rng.
type Transform struct {
	// Preprocess steps applied in order, before the rotations.
	Preprocess []Op

	// FixedAngles, in degrees, generate one view each.
	FixedAngles []float64

	// RandomRotations is the number of extra views rotated by an angle sampled uniformly from [0, 360).
	RandomRotations int

	Resample Resample

	// MakeCirc zeroes the pixels outside the circle inscribed in the image, in every view.
	MakeCirc bool
}

// NumViews returns the number of views generated per image.
func (t *Transform) NumViews() int {
	return len(t.FixedAngles) + t.RandomRotations
}

// Angles returns the angles of the views, in degrees.
func (t *Transform) Angles(rng *rand.Rand) []float64 {
	angles := make([]float64, 0, t.NumViews())
	angles = append(angles, t.FixedAngles...)
	for range t.RandomRotations {
		angles = append(angles, rng.Float64()*360)
	}
	return angles
}

// Apply the transform to img, returning NumViews() views.
func (t *Transform) Apply(img image.Image, rng *rand.Rand) []image.Image {
	for _, op := range t.Preprocess {
		img = op(img, rng)
	}
	angles := t.Angles(rng)
	views := make([]image.Image, len(angles))
	for ii, angle := range angles {
		view := Rotate(img, angle, t.Resample)
		if t.MakeCirc {
			view = helpers.CircularMask(view)
		}
		views[ii] = view
	}
	return views
}

// TrainAngles returns the fixed angles of a training transform: only the original image.
func TrainAngles() []float64 {
	return []float64{0}
}

// ValAngles returns numValRots evenly spaced angles, or only 0 if numValRots <= 1.
func ValAngles(numValRots int) []float64 {
	if numValRots <= 1 {
		return []float64{0}
	}
	angles := make([]float64, numValRots)
	for k := range angles {
		angles[k] = float64(k) * 360 / float64(numValRots)
	}
	return angles
}

// GetRotTransforms returns the (train, validation) transforms of the task.
//
// Training views are the original image plus numRots random rotations. Validation views are numValRots
// evenly spaced rotations. The "breeds" task also preprocesses the images as for ImageNet.
func GetRotTransforms(numRots, numValRots int, resample Resample, makeCirc bool, task string) (train, val *Transform, err error) {
	if numRots < 0 || numValRots < 0 {
		return nil, nil, errors.Errorf("number of rotations must be non-negative, got num_rots=%d and num_val_rots=%d", numRots, numValRots)
	}
	train = &Transform{FixedAngles: TrainAngles(), RandomRotations: numRots, Resample: resample, MakeCirc: makeCirc}
	val = &Transform{FixedAngles: ValAngles(numValRots), Resample: resample, MakeCirc: makeCirc}
	switch task {
	case defaults.TaskBreeds:
		train.Preprocess = []Op{
			RandomResizedCrop(BreedsImageSize, 0.08, 1, 3.0/4.0, 4.0/3.0),
			RandomHorizontalFlip(),
			ColorJitter(0.1, 0.1, 0.1),
			Lighting(0.05),
		}
		val.Preprocess = []Op{ResizeShorter(BreedsResizeSize), CenterCrop(BreedsImageSize)}
	case defaults.TaskBinaryMNIST:
		// Rotations only.
	default:
		return nil, nil, errors.Errorf("no transforms for task %q", task)
	}
	return train, val, nil
}
