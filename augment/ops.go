// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"image"
	"image/color"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
)

// Op is one image preprocessing step. Random steps take their randomness from rng.
type Op func(img image.Image, rng *rand.Rand) image.Image

// RandomResizedCrop crops a random area of the image, with random aspect ratio, and resizes it to size x size.
//
// The crop area is a fraction in [minScale, maxScale] of the original area, and the aspect ratio is
// log-uniform in [minRatio, maxRatio]. If no valid crop is found after 10 attempts, it falls back to a
// center crop with the aspect ratio clamped to the valid range.
func RandomResizedCrop(size int, minScale, maxScale, minRatio, maxRatio float64) Op {
	return func(img image.Image, rng *rand.Rand) image.Image {
		bounds := img.Bounds()
		width, height := bounds.Dx(), bounds.Dy()
		area := float64(width * height)
		logMinRatio, logMaxRatio := math.Log(minRatio), math.Log(maxRatio)
		for range 10 {
			targetArea := area * (minScale + rng.Float64()*(maxScale-minScale))
			aspect := math.Exp(logMinRatio + rng.Float64()*(logMaxRatio-logMinRatio))
			w := int(math.Round(math.Sqrt(targetArea * aspect)))
			h := int(math.Round(math.Sqrt(targetArea / aspect)))
			if w <= 0 || h <= 0 || w > width || h > height {
				continue
			}
			x0 := bounds.Min.X + rng.Intn(width-w+1)
			y0 := bounds.Min.Y + rng.Intn(height-h+1)
			cropped := imaging.Crop(img, image.Rect(x0, y0, x0+w, y0+h))
			return imaging.Resize(cropped, size, size, imaging.Linear)
		}

		// Fallback to center crop.
		w, h := width, height
		inRatio := float64(width) / float64(height)
		if inRatio < minRatio {
			h = int(math.Round(float64(w) / minRatio))
		} else if inRatio > maxRatio {
			w = int(math.Round(float64(h) * maxRatio))
		}
		return imaging.Resize(imaging.CropCenter(img, w, h), size, size, imaging.Linear)
	}
}

// RandomHorizontalFlip flips the image horizontally with probability 0.5.
func RandomHorizontalFlip() Op {
	return func(img image.Image, rng *rand.Rand) image.Image {
		if rng.Intn(2) == 1 {
			return imaging.FlipH(img)
		}
		return img
	}
}

// ColorJitter randomly changes brightness, contrast and saturation, each by a factor uniformly
// sampled from [1-x, 1+x], applied in random order.
func ColorJitter(brightness, contrast, saturation float64) Op {
	return func(img image.Image, rng *rand.Rand) image.Image {
		sample := func(x float64) float64 {
			// Percentage change, as used by imaging.
			return (2*rng.Float64() - 1) * x * 100
		}
		for _, adjustment := range rng.Perm(3) {
			switch adjustment {
			case 0:
				if brightness > 0 {
					img = imaging.AdjustBrightness(img, sample(brightness))
				}
			case 1:
				if contrast > 0 {
					img = imaging.AdjustContrast(img, sample(contrast))
				}
			case 2:
				if saturation > 0 {
					img = imaging.AdjustSaturation(img, sample(saturation))
				}
			}
		}
		return img
	}
}

// ImageNet principal components of the RGB pixel values, used by Lighting.
var (
	imageNetPCAEigVals = [3]float64{0.2175, 0.0188, 0.0045}
	imageNetPCAEigVecs = [3][3]float64{
		{-0.5675, 0.7192, 0.4009},
		{-0.5808, -0.0045, -0.8140},
		{-0.5836, -0.6948, 0.4203},
	}
)

// Lighting adds AlexNet style PCA noise: a random combination of the principal components of the
// ImageNet colors, with weights sampled from a normal distribution with standard deviation alphaStd.
func Lighting(alphaStd float64) Op {
	return func(img image.Image, rng *rand.Rand) image.Image {
		if alphaStd == 0 {
			return img
		}
		var offset [3]float64
		var alpha [3]float64
		for j := range alpha {
			alpha[j] = rng.NormFloat64() * alphaStd * imageNetPCAEigVals[j]
		}
		for i := range offset {
			for j := range alpha {
				offset[i] += imageNetPCAEigVecs[i][j] * alpha[j]
			}
		}
		return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
			shift := func(v uint8, delta float64) uint8 {
				return uint8(math.Round(255 * min(1, max(0, float64(v)/255+delta))))
			}
			return color.NRGBA{R: shift(c.R, offset[0]), G: shift(c.G, offset[1]), B: shift(c.B, offset[2]), A: c.A}
		})
	}
}

// ResizeShorter resizes the image so its shorter side is size, keeping the aspect ratio.
func ResizeShorter(size int) Op {
	return func(img image.Image, _ *rand.Rand) image.Image {
		bounds := img.Bounds()
		if bounds.Dx() <= bounds.Dy() {
			return imaging.Resize(img, size, 0, imaging.Linear)
		}
		return imaging.Resize(img, 0, size, imaging.Linear)
	}
}

// CenterCrop crops the center size x size square of the image.
func CenterCrop(size int) Op {
	return func(img image.Image, _ *rand.Rand) image.Image {
		return imaging.CropCenter(img, size, size)
	}
}
