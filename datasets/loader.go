// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"image"
	"io"
	"math/rand"
	"slices"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/robustness/augment"
	"github.com/pkg/errors"
)

// Loader yields batches of transformed views of one split of a Dataset. It implements train.Dataset,
// and it is safe for concurrent calls to Yield, so it can be wrapped by datasets.CustomParallel.
type Loader struct {
	ds        *Dataset
	split     Split
	transform *augment.Transform
	batchSize int

	mu       sync.Mutex
	rng      *rand.Rand
	order    []int
	position int
}

var (
	_ train.Dataset      = (*Loader)(nil)
	_ train.HasShortName = (*Loader)(nil)
)

func newLoader(ds *Dataset, split Split, transform *augment.Transform, batchSize int, rng *rand.Rand) *Loader {
	l := &Loader{ds: ds, split: split, transform: transform, batchSize: batchSize, rng: rng}
	l.Reset()
	return l
}

// Name implements train.Dataset.
func (l *Loader) Name() string { return fmt.Sprintf("%s-%s", l.ds.Name, l.split) }

// ShortName implements train.HasShortName.
func (l *Loader) ShortName() string {
	if l.split == Val {
		return "val"
	}
	return "trn"
}

// NumViews returns the number of views per example in each batch.
func (l *Loader) NumViews() int { return l.transform.NumViews() }

// Reset implements train.Dataset. The training split is reshuffled.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.position = 0
	n := l.ds.NumExamples(l.split)
	if l.split == Train {
		l.order = l.rng.Perm(n)
		return
	}
	if len(l.order) != n {
		l.order = make([]int, n)
		for ii := range l.order {
			l.order[ii] = ii
		}
	}
}

// next reserves the indices of the next batch and a seed for its random transforms.
func (l *Loader) next() (indices []int, seed int64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.position >= len(l.order) {
		return nil, 0, io.EOF
	}
	end := min(l.position+l.batchSize, len(l.order))
	indices = slices.Clone(l.order[l.position:end])
	l.position = end
	return indices, l.rng.Int63(), nil
}

// Yield implements train.Dataset. It returns:
//
//   - spec: nil.
//   - inputs: the images shaped [batch_size, num_views, height, width, channels] and the labels shaped [batch_size, 1].
//   - labels: the labels shaped [batch_size, 1].
func (l *Loader) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	var indices []int
	var seed int64
	indices, seed, err = l.next()
	if err != nil {
		return
	}
	rng := rand.New(rand.NewSource(seed))
	views := make([][]image.Image, len(indices))
	batchLabels := make([]int32, len(indices))
	for ii, idx := range indices {
		var img image.Image
		var label int
		img, label, err = l.ds.sources[l.split].Example(idx)
		if err != nil {
			err = errors.WithMessagef(err, "loading %s example #%d of %q", l.split, idx, l.ds.Name)
			return
		}
		views[ii] = l.transform.Apply(img, rng)
		batchLabels[ii] = int32(label)
	}
	imagesT, err := ImagesToTensor(views, l.ds.Channels)
	if err != nil {
		err = errors.WithMessagef(err, "batch of %q", l.Name())
		return
	}
	inputs = []*tensors.Tensor{imagesT, tensors.FromFlatDataAndDimensions(batchLabels, len(indices), 1)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(slices.Clone(batchLabels), len(indices), 1)}
	return
}
