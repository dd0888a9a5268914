// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(width, height int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestRotate(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.SetGray(3, 1, color.Gray{Y: 255})

	for _, angle := range []float64{0, 360} {
		rotated := Rotate(img, angle, Bilinear)
		require.IsType(t, &image.Gray{}, rotated)
		assert.Equal(t, img.Pix, rotated.(*image.Gray).Pix)
	}

	for _, resample := range []Resample{Bilinear, Bicubic} {
		rotated := Rotate(img, 90, resample).(*image.Gray)
		assert.Equal(t, img.Bounds(), rotated.Bounds())
		// Counter-clockwise: the pixel right of the center moves above the center.
		assert.Greaterf(t, rotated.GrayAt(1, 0).Y, uint8(200), "resample=%s", resample)
		assert.Lessf(t, rotated.GrayAt(3, 1).Y, uint8(50), "resample=%s", resample)
	}

	// Corners of a rotated solid image are filled with zeros.
	rotated := Rotate(solidImage(20, 20, color.NRGBA{R: 255, G: 255, B: 255, A: 255}), 45, Bilinear).(*image.NRGBA)
	assert.Equal(t, color.NRGBA{}, rotated.NRGBAAt(0, 0))
	assert.InDelta(t, 255, rotated.NRGBAAt(10, 10).R, 2)
}

func TestValAngles(t *testing.T) {
	assert.Equal(t, []float64{0, 90, 180, 270}, ValAngles(4))
	assert.Equal(t, []float64{0}, ValAngles(1))
	assert.Equal(t, []float64{0}, ValAngles(0))
}

func TestGetRotTransforms(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	t.Run("BinaryMNIST", func(t *testing.T) {
		train, val, err := GetRotTransforms(2, 4, Bicubic, true, "binary_mnist")
		require.NoError(t, err)
		assert.Equal(t, 3, train.NumViews())
		assert.Equal(t, 4, val.NumViews())
		assert.Empty(t, train.Preprocess)

		angles := train.Angles(rng)
		require.Len(t, angles, 3)
		assert.Equal(t, 0.0, angles[0])
		for _, angle := range angles[1:] {
			assert.GreaterOrEqual(t, angle, 0.0)
			assert.Less(t, angle, 360.0)
		}

		digit := image.NewGray(image.Rect(0, 0, 28, 28))
		for y := 0; y < 28; y++ {
			for x := 0; x < 28; x++ {
				digit.SetGray(x, y, color.Gray{Y: 255})
			}
		}
		views := val.Apply(digit, rng)
		require.Len(t, views, 4)
		for _, view := range views {
			gray, ok := view.(*image.Gray)
			require.True(t, ok)
			assert.Equal(t, 28, gray.Bounds().Dx())
			assert.Equal(t, uint8(0), gray.GrayAt(0, 0).Y, "circular mask")
			assert.InDelta(t, 255, gray.GrayAt(14, 14).Y, 2)
		}
	})

	t.Run("Breeds", func(t *testing.T) {
		train, val, err := GetRotTransforms(0, 10, Bilinear, false, "breeds")
		require.NoError(t, err)
		assert.Equal(t, 1, train.NumViews())
		assert.Equal(t, 10, val.NumViews())

		img := solidImage(300, 400, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
		views := train.Apply(img, rng)
		require.Len(t, views, 1)
		assert.Equal(t, image.Rect(0, 0, BreedsImageSize, BreedsImageSize), views[0].Bounds())
		views = val.Apply(img, rng)
		require.Len(t, views, 10)
		for _, view := range views {
			assert.Equal(t, image.Rect(0, 0, BreedsImageSize, BreedsImageSize), view.Bounds())
		}
	})

	t.Run("Errors", func(t *testing.T) {
		_, _, err := GetRotTransforms(0, 10, Bilinear, false, "cifar")
		require.Error(t, err)
		_, _, err = GetRotTransforms(-1, 10, Bilinear, false, "breeds")
		require.Error(t, err)
	})
}

func TestRandomResizedCropFallback(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	// No crop with the allowed aspect ratios covers 8% of such a thin image.
	img := solidImage(1000, 10, color.NRGBA{R: 1, A: 255})
	out := RandomResizedCrop(32, 0.08, 1, 3.0/4.0, 4.0/3.0)(img, rng)
	assert.Equal(t, image.Rect(0, 0, 32, 32), out.Bounds())
}

func TestColorJitterAndLighting(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	img := solidImage(8, 8, color.NRGBA{R: 128, G: 128, B: 128, A: 255})
	out := ColorJitter(0.1, 0.1, 0.1)(img, rng)
	assert.Equal(t, img.Bounds(), out.Bounds())
	r, _, _, _ := out.At(4, 4).RGBA()
	assert.InDelta(t, 128, r>>8, 40)

	out = Lighting(0.05)(img, rng)
	r, _, _, _ = out.At(4, 4).RGBA()
	assert.InDelta(t, 128, r>>8, 20)
	assert.Equal(t, img, Lighting(0)(img, rng))
}
