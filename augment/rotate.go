// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package augment

import (
	"image"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Resample selects the interpolation used for rotations.
type Resample int

const (
	Bilinear Resample = iota
	Bicubic
)

// String implements fmt.Stringer.
func (r Resample) String() string {
	if r == Bicubic {
		return "bicubic"
	}
	return "bilinear"
}

// Interpolator returns the x/image/draw kernel for the resampling.
func (r Resample) Interpolator() draw.Interpolator {
	if r == Bicubic {
		return draw.CatmullRom
	}
	return draw.BiLinear
}

// Rotate img counter-clockwise by degrees around its center, keeping its size.
// Areas outside the source image are filled with zeros (black).
//
// Grayscale images are rotated into an *image.Gray, everything else into an *image.NRGBA.
func Rotate(img image.Image, degrees float64, resample Resample) image.Image {
	bounds := img.Bounds()
	dstRect := image.Rect(0, 0, bounds.Dx(), bounds.Dy())
	var dst draw.Image
	if _, isGray := img.(*image.Gray); isGray {
		dst = image.NewGray(dstRect)
	} else {
		dst = image.NewNRGBA(dstRect)
	}
	if math.Mod(degrees, 360) == 0 {
		draw.Draw(dst, dstRect, img, bounds.Min, draw.Src)
		return dst
	}

	// Source to destination transform: translate the source center to the origin, rotate, and translate
	// back to the destination center.
	rad := degrees * math.Pi / 180
	sin, cos := math.Sincos(rad)
	sx, sy := float64(bounds.Min.X)+float64(bounds.Dx())/2, float64(bounds.Min.Y)+float64(bounds.Dy())/2
	dx, dy := float64(bounds.Dx())/2, float64(bounds.Dy())/2
	s2d := f64.Aff3{
		cos, sin, dx - cos*sx - sin*sy,
		-sin, cos, dy + sin*sx - cos*sy,
	}
	resample.Interpolator().Transform(dst, s2d, img, bounds, draw.Src, nil)
	return dst
}
