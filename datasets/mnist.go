// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"compress/gzip"
	"encoding/binary"
	"image"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"
)

// BinaryMNISTName is the name of the dataset created by BinaryMNIST.
const BinaryMNISTName = "binary_mnist"

// MNIST IDX file format.
const (
	mnistWidth  = 28
	mnistHeight = 28

	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// MNIST file names, by split.
var mnistFiles = map[Split][2]string{
	Train: {"train-images-idx3-ubyte.gz", "train-labels-idx1-ubyte.gz"},
	Val:   {"t10k-images-idx3-ubyte.gz", "t10k-labels-idx1-ubyte.gz"},
}

type imageFileHeader struct {
	Magic     int32
	NumImages int32
	Height    int32
	Width     int32
}

type labelFileHeader struct {
	Magic     int32
	NumLabels int32
}

// imagesSource holds all images in memory.
type imagesSource struct {
	images []image.Image
	labels []int
}

func (s *imagesSource) Len() int { return len(s.images) }

func (s *imagesSource) Example(idx int) (image.Image, int, error) {
	return s.images[idx], s.labels[idx], nil
}

// BinaryMNIST creates the MNIST dataset with binary labels: 0 for digits 0 to 4, and 1 for digits 5 to 9.
//
// It reads the gzipped IDX files (train-* for training, t10k-* for validation) from dataPath.
func BinaryMNIST(dataPath string) (*Dataset, error) {
	ds := &Dataset{
		Name:       BinaryMNISTName,
		DataPath:   dataPath,
		NumClasses: 2,
		Channels:   1,
		Mean:       []float32{0.1307},
		Std:        []float32{0.3081},
	}
	for _, split := range []Split{Train, Val} {
		files := mnistFiles[split]
		images, err := loadImageFile(filepath.Join(dataPath, files[0]))
		if err != nil {
			return nil, err
		}
		digits, err := loadLabelFile(filepath.Join(dataPath, files[1]))
		if err != nil {
			return nil, err
		}
		if len(images) != len(digits) {
			return nil, errors.Errorf("MNIST %s split in %q has %d images but %d labels", split, dataPath, len(images), len(digits))
		}
		src := &imagesSource{images: images, labels: make([]int, len(digits))}
		for ii, digit := range digits {
			src.labels[ii] = BinaryLabel(digit)
		}
		ds.sources[split] = src
	}
	klog.V(1).Infof("%s: %d train and %d val images in %q", ds.Name, ds.NumExamples(Train), ds.NumExamples(Val), dataPath)
	return ds, nil
}

// BinaryLabel maps a digit to its binary label: 1 if digit >= 5, 0 otherwise.
func BinaryLabel[T constraints.Integer](digit T) int {
	if digit >= 5 {
		return 1
	}
	return 0
}

// loadImageFile opens the gzipped IDX image file and returns its images in order.
func loadImageFile(filename string) ([]image.Image, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening MNIST images")
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "gzip reader for %q", filename)
	}
	defer func() { _ = reader.Close() }()

	header := imageFileHeader{}
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "reading header of %q", filename)
	}
	if header.Magic != imageMagic || header.Width != mnistWidth || header.Height != mnistHeight || header.NumImages < 0 {
		return nil, errors.Errorf("%q: invalid MNIST images file header %+v", filename, header)
	}

	images := make([]image.Image, header.NumImages)
	for ii := range images {
		img := image.NewGray(image.Rect(0, 0, mnistWidth, mnistHeight))
		if err := binary.Read(reader, binary.BigEndian, img.Pix); err != nil {
			return nil, errors.Wrapf(err, "reading image #%d of %q", ii, filename)
		}
		images[ii] = img
	}
	return images, nil
}

// loadLabelFile opens the gzipped IDX label file and returns its digits in order.
func loadLabelFile(filename string) ([]uint8, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "opening MNIST labels")
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "gzip reader for %q", filename)
	}
	defer func() { _ = reader.Close() }()

	header := labelFileHeader{}
	if err = binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "reading header of %q", filename)
	}
	if header.Magic != labelMagic || header.NumLabels < 0 {
		return nil, errors.Errorf("%q: invalid MNIST labels file header %+v", filename, header)
	}
	labels := make([]uint8, header.NumLabels)
	if err = binary.Read(reader, binary.BigEndian, labels); err != nil {
		return nil, errors.Wrapf(err, "reading labels of %q", filename)
	}
	return labels, nil
}

// WriteMNIST writes images (28x28 grayscale) and digits as gzipped IDX files of the split in dir,
// in the format read by BinaryMNIST. It can be used to create small subsets of MNIST.
func WriteMNIST(dir string, split Split, images []*image.Gray, digits []uint8) error {
	if len(images) != len(digits) {
		return errors.Errorf("WriteMNIST got %d images but %d digits", len(images), len(digits))
	}
	files := mnistFiles[split]
	err := writeGzip(filepath.Join(dir, files[0]), func(w *gzip.Writer) error {
		header := imageFileHeader{Magic: imageMagic, NumImages: int32(len(images)), Height: mnistHeight, Width: mnistWidth}
		if err := binary.Write(w, binary.BigEndian, header); err != nil {
			return err
		}
		for ii, img := range images {
			if img.Bounds().Dx() != mnistWidth || img.Bounds().Dy() != mnistHeight {
				return errors.Errorf("image #%d has size %v, MNIST images are 28x28", ii, img.Bounds().Size())
			}
			for y := 0; y < mnistHeight; y++ {
				row := img.Pix[y*img.Stride : y*img.Stride+mnistWidth]
				if _, err := w.Write(row); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return writeGzip(filepath.Join(dir, files[1]), func(w *gzip.Writer) error {
		header := labelFileHeader{Magic: labelMagic, NumLabels: int32(len(digits))}
		if err := binary.Write(w, binary.BigEndian, header); err != nil {
			return err
		}
		_, err := w.Write(digits)
		return err
	})
}

func writeGzip(filename string, fn func(w *gzip.Writer) error) error {
	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "creating %q", filename)
	}
	w := gzip.NewWriter(f)
	if err = fn(w); err != nil {
		_ = w.Close()
		_ = f.Close()
		return errors.Wrapf(err, "writing %q", filename)
	}
	if err = w.Close(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "closing gzip writer of %q", filename)
	}
	return errors.Wrapf(f.Close(), "closing %q", filename)
}
