// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/robustness/model"
)

const (
	// AccuracyShortName and LossShortName identify the train metrics read at the end of each epoch.
	AccuracyShortName = "#acc"
	LossShortName     = "#loss"
)

// firstView returns the logits of view 0, [B, K], out of the logits of all views [B, V, K].
func firstView(logits *Node) *Node {
	return Squeeze(Slice(logits, AxisRange(), AxisElem(0)), 1)
}

// firstViewAccuracyGraph is the accuracy of view 0, which during training is the unrotated example.
func firstViewAccuracyGraph(ctx *context.Context, labels, predictions []*Node) *Node {
	return metrics.SparseCategoricalAccuracyGraph(ctx, labels[:1], []*Node{firstView(predictions[0])})
}

// TrainMetrics returns the epoch mean accuracy and loss metrics used during training.
func TrainMetrics(loss LossConfig) []metrics.Interface {
	return []metrics.Interface{
		metrics.NewMeanMetric("Mean Accuracy", AccuracyShortName, metrics.AccuracyMetricType,
			firstViewAccuracyGraph, nil),
		metrics.NewMeanMetric("Mean Loss", LossShortName, metrics.LossMetricType,
			func(_ *context.Context, labels, predictions []*Node) *Node {
				return loss.LossFn(labels, predictions)
			}, nil),
	}
}

// evalSums indexes the per-batch sums computed by evalGraph.
const (
	sumExamples = iota
	sumNatCorrect
	sumNatLoss
	sumRotCorrect
	sumWorstRotCorrect
	sumAdvCorrect
	sumAdvLoss
	numEvalSums
)

// viewsCorrect returns, for logits [B, V, K] and labels [B, 1], whether each view is correct as a float32 [B, V].
func viewsCorrect(logits, labels *Node) *Node {
	dims := logits.Shape().Dimensions
	batchSize, numViews, numClasses := dims[0], dims[1], dims[2]
	correct := model.Correct(Reshape(logits, batchSize*numViews, numClasses), viewLabels(labels, batchSize, numViews))
	return Reshape(ConvertDType(correct, dtypes.Float32), batchSize, numViews)
}

// evalGraph returns the sums over a batch of the evaluation metrics, shaped [numEvalSums], as float32.
//
// View 0 of the validation views is the unrotated example: nat and adv metrics are computed on it.
// The rotation accuracy is the mean over all views and the worst rotation accuracy counts the examples
// correct in every view.
func evalGraph(m *model.AttackerModel, adversarial bool, ctx *context.Context, images, labels *Node) *Node {
	g := images.Graph()
	batchSize := images.Shape().Dimensions[0]
	natLogits := ConvertDType(m.Forward(ctx, images, labels, false), dtypes.Float32)
	correct := viewsCorrect(natLogits, labels)
	ce := ViewsCrossEntropy(natLogits, labels)

	sums := make([]*Node, numEvalSums)
	sums[sumExamples] = Scalar(g, dtypes.Float32, float64(batchSize))
	sums[sumNatCorrect] = ReduceAllSum(Slice(correct, AxisRange(), AxisElem(0)))
	sums[sumNatLoss] = ReduceAllSum(Slice(ce, AxisRange(), AxisElem(0)))
	sums[sumRotCorrect] = ReduceAllSum(ReduceMean(correct, 1))
	sums[sumWorstRotCorrect] = ReduceAllSum(ReduceMin(correct, 1))
	if adversarial {
		// Only view 0 is attacked.
		natImages := Slice(images, AxisRange(), AxisElem(0))
		advLogits := ConvertDType(m.Forward(ctx, natImages, labels, true), dtypes.Float32)
		sums[sumAdvCorrect] = ReduceAllSum(viewsCorrect(advLogits, labels))
		sums[sumAdvLoss] = ReduceAllSum(ViewsCrossEntropy(advLogits, labels))
	} else {
		sums[sumAdvCorrect] = ScalarZero(g, dtypes.Float32)
		sums[sumAdvLoss] = ScalarZero(g, dtypes.Float32)
	}
	return Stack(sums, 0)
}
