// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package helpers

import (
	"image"
	"image/color"
	"image/draw"
)

// CircularMask returns a copy of img with the pixels outside the circle inscribed in the image set to zero.
//
// Pixels whose center is at distance at most min(width, height)/2 from the image center are kept.
// Grayscale images are returned as *image.Gray, everything else as *image.NRGBA.
func CircularMask(img image.Image) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	rect := image.Rect(0, 0, width, height)
	var dst draw.Image
	if _, isGray := img.(*image.Gray); isGray {
		dst = image.NewGray(rect)
	} else {
		dst = image.NewNRGBA(rect)
	}
	cx, cy := float64(width)/2, float64(height)/2
	radius := float64(min(width, height)) / 2
	radius2 := radius * radius
	zero := color.NRGBA{}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			px, py := float64(x)+0.5-cx, float64(y)+0.5-cy
			if px*px+py*py > radius2 {
				dst.Set(x, y, zero)
				continue
			}
			dst.Set(x, y, img.At(bounds.Min.X+x, bounds.Min.Y+y))
		}
	}
	return dst
}
