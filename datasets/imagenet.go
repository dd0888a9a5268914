// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"image"
	"os"
	"path/filepath"
	"slices"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CustomImageNetName is the name of the dataset created by CustomImageNet.
const CustomImageNetName = "custom_imagenet"

// fileExample is an image stored in a file.
type fileExample struct {
	path  string
	label int
}

// filesSource loads images from files.
type filesSource []fileExample

func (s filesSource) Len() int { return len(s) }

func (s filesSource) Example(idx int) (image.Image, int, error) {
	img, err := imaging.Open(s[idx].path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, 0, errors.Wrapf(err, "opening image %q", s[idx].path)
	}
	return img, s[idx].label, nil
}

// ListClasses returns the sorted names of the class sub-directories of dir.
func ListClasses(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing classes")
	}
	var classes []string
	for _, entry := range entries {
		if entry.IsDir() {
			classes = append(classes, entry.Name())
		}
	}
	slices.Sort(classes)
	return classes, nil
}

// CustomImageNet creates an ImageNet subset whose classes are regrouped into superclasses.
//
// Images are read from dataPath/{train,val}/<wnid>/, and the class number of each wnid is its position in the
// sorted list of training directories. Superclass i is made of the classes in grouping[i], and classes in no
// group are dropped. If grouping is nil every class is its own label.
//
// mean and std are the per-channel (RGB) normalization statistics.
func CustomImageNet(dataPath string, grouping [][]int, mean, std []float32) (*Dataset, error) {
	if len(mean) != 3 || len(std) != 3 {
		return nil, errors.Errorf("custom ImageNet requires 3 channel mean and std, got %v and %v", mean, std)
	}
	classes, err := ListClasses(filepath.Join(dataPath, Train.String()))
	if err != nil {
		return nil, err
	}
	if len(classes) == 0 {
		return nil, errors.Errorf("no class directories in %q", filepath.Join(dataPath, Train.String()))
	}
	if grouping == nil {
		for ii := range classes {
			grouping = append(grouping, []int{ii})
		}
	}
	ds := &Dataset{
		Name:       CustomImageNetName,
		DataPath:   dataPath,
		NumClasses: len(grouping),
		Channels:   3,
		Mean:       slices.Clone(mean),
		Std:        slices.Clone(std),
	}
	for _, split := range []Split{Train, Val} {
		var src filesSource
		for label, group := range grouping {
			for _, classIdx := range group {
				if classIdx < 0 || classIdx >= len(classes) {
					return nil, errors.Errorf("class #%d of group #%d out of range, %q has %d classes",
						classIdx, label, dataPath, len(classes))
				}
				classDir := filepath.Join(dataPath, split.String(), classes[classIdx])
				entries, err := os.ReadDir(classDir)
				if err != nil {
					return nil, errors.Wrapf(err, "listing %s images of class %q", split, classes[classIdx])
				}
				for _, entry := range entries {
					if entry.Type().IsRegular() {
						src = append(src, fileExample{path: filepath.Join(classDir, entry.Name()), label: label})
					}
				}
			}
		}
		ds.sources[split] = src
	}
	klog.V(1).Infof("%s: %d superclasses, %d train and %d val images in %q",
		ds.Name, ds.NumClasses, ds.NumExamples(Train), ds.NumExamples(Val), dataPath)
	return ds, nil
}
