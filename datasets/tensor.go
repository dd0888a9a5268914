// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"image"
	"image/color"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ImagesToTensor converts views[example][view] to a float32 tensor shaped
// [num_examples, num_views, height, width, channels], with values in [0, 1].
//
// channels must be 1 (grayscale) or 3 (RGB). All images must have the same size.
func ImagesToTensor(views [][]image.Image, channels int) (*tensors.Tensor, error) {
	if len(views) == 0 || len(views[0]) == 0 {
		return nil, errors.New("ImagesToTensor requires at least one example with one view")
	}
	if channels != 1 && channels != 3 {
		return nil, errors.Errorf("ImagesToTensor supports 1 or 3 channels, got %d", channels)
	}
	numExamples, numViews := len(views), len(views[0])
	size := views[0][0].Bounds().Size()
	for ii, exampleViews := range views {
		if len(exampleViews) != numViews {
			return nil, errors.Errorf("example #%d has %d views, expected %d", ii, len(exampleViews), numViews)
		}
		for jj, img := range exampleViews {
			if img.Bounds().Size() != size {
				return nil, errors.Errorf("view #%d of example #%d has size %v, expected %v", jj, ii, img.Bounds().Size(), size)
			}
		}
	}

	t := tensors.FromShape(shapes.Make(dtypes.Float32, numExamples, numViews, size.Y, size.X, channels))
	err := tensors.MutableFlatData[float32](t, func(flat []float32) {
		pos := 0
		for _, exampleViews := range views {
			for _, img := range exampleViews {
				pos = copyPixels(flat, pos, img, channels)
			}
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "filling images tensor")
	}
	return t, nil
}

// copyPixels writes img into flat starting at pos, and returns the position after it.
func copyPixels(flat []float32, pos int, img image.Image, channels int) int {
	const scale = 1.0 / 0xFF
	bounds := img.Bounds()
	if gray, ok := img.(*image.Gray); ok {
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				v := float32(gray.GrayAt(x, y).Y) * scale
				for range channels {
					flat[pos] = v
					pos++
				}
			}
		}
		return pos
	}
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.At(x, y)
			if channels == 1 {
				flat[pos] = float32(color.GrayModel.Convert(c).(color.Gray).Y) * scale
				pos++
				continue
			}
			nrgba := color.NRGBAModel.Convert(c).(color.NRGBA)
			flat[pos] = float32(nrgba.R) * scale
			flat[pos+1] = float32(nrgba.G) * scale
			flat[pos+2] = float32(nrgba.B) * scale
			pos += 3
		}
	}
	return pos
}
