// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/robustness/augment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeMNISTFixture writes numTrain training and numVal validation digits, where image i has all its pixels
// set to 10*i and digit i%10.
func writeMNISTFixture(t *testing.T, numTrain, numVal int) string {
	dir := t.TempDir()
	for split, n := range map[Split]int{Train: numTrain, Val: numVal} {
		images := make([]*image.Gray, n)
		digits := make([]uint8, n)
		for ii := range images {
			img := image.NewGray(image.Rect(0, 0, 28, 28))
			for jj := range img.Pix {
				img.Pix[jj] = uint8(10 * ii)
			}
			images[ii] = img
			digits[ii] = uint8(ii % 10)
		}
		require.NoError(t, WriteMNIST(dir, split, images, digits))
	}
	return dir
}

// drain yields from ds until io.EOF, and returns the number of examples and the labels seen.
func drain(t *testing.T, ds train.Dataset, wantViews int) (count int, labels []int32) {
	for {
		_, inputs, batchLabels, err := ds.Yield()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		require.Len(t, inputs, 2)
		require.Len(t, batchLabels, 1)
		dims := inputs[0].Shape().Dimensions
		require.Len(t, dims, 5)
		assert.Equal(t, wantViews, dims[1])
		assert.Equal(t, []int{dims[0], 1}, batchLabels[0].Shape().Dimensions)
		tensors.MustConstFlatData[int32](batchLabels[0], func(flat []int32) {
			labels = append(labels, flat...)
		})
		count += dims[0]
	}
}

func TestBinaryMNIST(t *testing.T) {
	dir := writeMNISTFixture(t, 10, 4)
	ds, err := BinaryMNIST(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.NumClasses)
	assert.Equal(t, 1, ds.Channels)
	assert.Equal(t, 10, ds.NumExamples(Train))
	assert.Equal(t, 4, ds.NumExamples(Val))

	img, label, err := ds.Example(Train, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, label)
	assert.Equal(t, uint8(70), img.(*image.Gray).GrayAt(3, 3).Y)
	_, label, err = ds.Example(Val, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, label)
	_, _, err = ds.Example(Val, 4)
	require.Error(t, err)

	_, err = BinaryMNIST(t.TempDir())
	require.Error(t, err)
}

func TestBinaryLabel(t *testing.T) {
	for digit := uint8(0); digit < 10; digit++ {
		want := 0
		if digit >= 5 {
			want = 1
		}
		assert.Equal(t, want, BinaryLabel(digit))
	}
}

func TestMakeLoaders(t *testing.T) {
	ds, err := BinaryMNIST(writeMNISTFixture(t, 10, 4))
	require.NoError(t, err)
	trainTransform, valTransform, err := augment.GetRotTransforms(1, 3, augment.Bilinear, false, "binary_mnist")
	require.NoError(t, err)

	t.Run("Sequential", func(t *testing.T) {
		trainLoader, valLoader, err := ds.MakeLoaders(LoaderConfig{
			BatchSize: 4, DataAug: true, TrainTransform: trainTransform, ValTransform: valTransform, Seed: 1})
		require.NoError(t, err)
		assert.Equal(t, "trn", trainLoader.(train.HasShortName).ShortName())

		count, labels := drain(t, trainLoader, 2)
		assert.Equal(t, 10, count)
		assert.ElementsMatch(t, []int32{0, 0, 0, 0, 0, 1, 1, 1, 1, 1}, labels)
		// After EOF it keeps returning EOF, until reset.
		_, _, _, err = trainLoader.Yield()
		assert.Equal(t, io.EOF, err)
		trainLoader.Reset()
		count, _ = drain(t, trainLoader, 2)
		assert.Equal(t, 10, count)

		count, labels = drain(t, valLoader, 3)
		assert.Equal(t, 4, count)
		assert.Equal(t, []int32{0, 0, 0, 0}, labels, "validation is not shuffled")
	})

	t.Run("NoDataAug", func(t *testing.T) {
		trainLoader, _, err := ds.MakeLoaders(LoaderConfig{
			BatchSize: 3, DataAug: false, TrainTransform: trainTransform, ValTransform: valTransform, Seed: 1})
		require.NoError(t, err)
		count, _ := drain(t, trainLoader, 3)
		assert.Equal(t, 10, count)
	})

	t.Run("Parallel", func(t *testing.T) {
		trainLoader, valLoader, err := ds.MakeLoaders(LoaderConfig{
			Workers: 3, BatchSize: 2, DataAug: true, TrainTransform: trainTransform, ValTransform: valTransform})
		require.NoError(t, err)
		for range 2 {
			count, _ := drain(t, trainLoader, 2)
			assert.Equal(t, 10, count)
			trainLoader.Reset()
		}
		count, _ := drain(t, valLoader, 3)
		assert.Equal(t, 4, count)
	})

	t.Run("Errors", func(t *testing.T) {
		_, _, err := ds.MakeLoaders(LoaderConfig{BatchSize: 0, TrainTransform: trainTransform, ValTransform: valTransform})
		require.Error(t, err)
		_, _, err = ds.MakeLoaders(LoaderConfig{BatchSize: 2})
		require.Error(t, err)
	})
}

func TestCustomImageNet(t *testing.T) {
	dir := t.TempDir()
	wnids := []string{"n01", "n02", "n03"}
	for _, split := range []string{"train", "val"} {
		for classIdx, wnid := range wnids {
			classDir := filepath.Join(dir, split, wnid)
			require.NoError(t, os.MkdirAll(classDir, 0o755))
			for ii := range 2 {
				img := imaging.New(32, 24, color.NRGBA{R: uint8(100 * classIdx), A: 255})
				require.NoError(t, imaging.Save(img, filepath.Join(classDir, string(rune('a'+ii))+".png")))
			}
		}
	}

	mean, std := []float32{0.5, 0.5, 0.5}, []float32{0.2, 0.2, 0.2}
	ds, err := CustomImageNet(dir, [][]int{{0, 2}, {1}}, mean, std)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.NumClasses)
	assert.Equal(t, 6, ds.NumExamples(Train))
	assert.Equal(t, 6, ds.NumExamples(Val))
	img, label, err := ds.Example(Val, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, label)
	r, _, _, _ := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(100), r>>8)

	ds, err = CustomImageNet(dir, [][]int{{2}}, mean, std)
	require.NoError(t, err)
	assert.Equal(t, 1, ds.NumClasses)
	assert.Equal(t, 2, ds.NumExamples(Train))

	ds, err = CustomImageNet(dir, nil, mean, std)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.NumClasses)

	_, err = CustomImageNet(dir, [][]int{{3}}, mean, std)
	require.Error(t, err)
	_, err = CustomImageNet(filepath.Join(dir, "missing"), nil, mean, std)
	require.Error(t, err)
	_, err = CustomImageNet(dir, nil, mean[:1], std)
	require.Error(t, err)
}

func TestImagesToTensor(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 2, 2))
	gray.SetGray(1, 0, color.Gray{Y: 255})
	rgb := imaging.New(2, 2, color.NRGBA{R: 255, G: 0, B: 51, A: 255})

	tensor, err := ImagesToTensor([][]image.Image{{gray, rgb}}, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2, 2, 3}, tensor.Shape().Dimensions)
	tensors.MustConstFlatData[float32](tensor, func(flat []float32) {
		assert.Equal(t, []float32{0, 0, 0, 1, 1, 1}, flat[:6])
		assert.InDelta(t, 1.0, flat[12], 1e-6)
		assert.InDelta(t, 0.2, flat[14], 1e-6)
	})

	tensor, err = ImagesToTensor([][]image.Image{{gray}, {gray}}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 2, 2, 1}, tensor.Shape().Dimensions)

	_, err = ImagesToTensor([][]image.Image{{gray}, {rgb, rgb}}, 1)
	require.Error(t, err)
	_, err = ImagesToTensor([][]image.Image{{gray, image.NewGray(image.Rect(0, 0, 3, 3))}}, 1)
	require.Error(t, err)
	_, err = ImagesToTensor(nil, 1)
	require.Error(t, err)
	_, err = ImagesToTensor([][]image.Image{{gray}}, 4)
	require.Error(t, err)
}
