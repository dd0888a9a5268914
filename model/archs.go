// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// ArchFn builds the logits, shaped [N, numClasses], of a batch of normalized images shaped [N, H, W, C].
type ArchFn func(ctx *context.Context, images *graph.Node, numClasses int) *graph.Node

// Archs lists the supported architectures by name, as given to --arch.
var Archs = map[string]ArchFn{
	"linear":   LinearGraph,
	"cnn":      ConvolutionGraph,
	"resnet18": ResNet18Graph,
}

// ArchNames returns the sorted names of the supported architectures.
func ArchNames() []string {
	return slices.Sorted(maps.Keys(Archs))
}

// ArchByName returns the architecture builder for name.
func ArchByName(name string) (ArchFn, error) {
	fn, found := Archs[name]
	if !found {
		return nil, errors.Errorf("unknown architecture %q, valid values are %v", name, ArchNames())
	}
	return fn, nil
}

// LinearGraph is a linear classifier over the flattened pixels.
func LinearGraph(ctx *context.Context, images *graph.Node, numClasses int) *graph.Node {
	batchSize := images.Shape().Dimensions[0]
	logits := graph.Reshape(images, batchSize, -1)
	return layers.Dense(ctx, logits, true, numClasses)
}

// ConvolutionGraph is a small CNN: two convolution blocks with batch normalization and max-pooling,
// global average pooling and a dense head.
func ConvolutionGraph(ctx *context.Context, images *graph.Node, numClasses int) *graph.Node {
	batchSize := images.Shape().Dimensions[0]
	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	logits := images
	for _, channels := range []int{32, 64} {
		logits = layers.Convolution(nextCtx("conv"), logits).Channels(channels).KernelSize(3).PadSame().Done()
		logits = batchnorm.New(nextCtx("batchnorm"), logits, -1).Done()
		logits = activations.Relu(logits)
		logits = graph.MaxPool(logits).Window(2).Done()
	}
	logits = graph.ReduceMean(logits, 1, 2)
	logits.AssertDims(batchSize, 64)
	logits = layers.Dense(nextCtx("dense"), logits, true, 128)
	logits = activations.Relu(logits)
	return layers.Dense(nextCtx("dense"), logits, true, numClasses)
}

// smallImageSize is the largest image size for which ResNet18Graph uses the CIFAR-style stem
// (3x3 convolution, no max-pooling) instead of the ImageNet one.
const smallImageSize = 64

// ResNet18Graph is the 18 layers residual network, with batch normalization.
func ResNet18Graph(ctx *context.Context, images *graph.Node, numClasses int) *graph.Node {
	logits := images
	stem := ctx.In("stem")
	if images.Shape().Dimensions[1] <= smallImageSize {
		logits = layers.Convolution(stem.In("conv"), logits).Channels(64).KernelSize(3).PadSame().UseBias(false).Done()
		logits = activations.Relu(batchnorm.New(stem.In("batchnorm"), logits, -1).Done())
	} else {
		logits = layers.Convolution(stem.In("conv"), logits).
			Channels(64).KernelSize(7).Strides(2).PadSame().UseBias(false).Done()
		logits = activations.Relu(batchnorm.New(stem.In("batchnorm"), logits, -1).Done())
		logits = graph.MaxPool(logits).Window(3).Strides(2).PadSame().Done()
	}
	for stage, channels := range []int{64, 128, 256, 512} {
		for block := range 2 {
			strides := 1
			if stage > 0 && block == 0 {
				strides = 2
			}
			logits = basicBlock(ctx.Inf("stage_%d_block_%d", stage, block), logits, channels, strides)
		}
	}
	logits = graph.ReduceMean(logits, 1, 2)
	return layers.Dense(ctx.In("fc"), logits, true, numClasses)
}

// basicBlock is the two 3x3 convolutions residual block of ResNet18, with a 1x1 projection of the
// shortcut when the shape changes.
func basicBlock(ctx *context.Context, x *graph.Node, channels, strides int) *graph.Node {
	residual := layers.Convolution(ctx.In("conv1"), x).
		Channels(channels).KernelSize(3).Strides(strides).PadSame().UseBias(false).Done()
	residual = activations.Relu(batchnorm.New(ctx.In("bn1"), residual, -1).Done())
	residual = layers.Convolution(ctx.In("conv2"), residual).
		Channels(channels).KernelSize(3).PadSame().UseBias(false).Done()
	residual = batchnorm.New(ctx.In("bn2"), residual, -1).Done()

	shortcut := x
	if strides != 1 || x.Shape().Dimensions[x.Rank()-1] != channels {
		shortcut = layers.Convolution(ctx.In("shortcut"), x).
			Channels(channels).KernelSize(1).Strides(strides).PadSame().UseBias(false).Done()
		shortcut = batchnorm.New(ctx.In("shortcut_bn"), shortcut, -1).Done()
	}
	return activations.Relu(graph.Add(residual, shortcut))
}
