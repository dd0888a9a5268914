// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package training

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/nn"
	"github.com/gomlx/robustness/defaults"
	"github.com/gomlx/robustness/model"
	"github.com/pkg/errors"
)

// Aggregation of the losses of the views of an example.
type Aggregation string

const (
	AggregateMean    Aggregation = "mean"
	AggregateMax     Aggregation = "max"
	AggregateSoftmax Aggregation = "softmax"
	AggregateLp      Aggregation = "lp"
)

// Aggregations lists the valid values of --aggregation.
var Aggregations = []Aggregation{AggregateMean, AggregateMax, AggregateSoftmax, AggregateLp}

// lpEpsilon keeps the lp aggregation differentiable when all losses are 0.
const lpEpsilon = 1e-12

// LossConfig configures the rotation-aware loss.
type LossConfig struct {
	Aggregation Aggregation

	// PNorm is the exponent of the lp aggregation.
	PNorm float64

	// DirectRegularizer replaces the aggregated loss of the views by the loss of view 0
	// plus RegAlpha times the aggregated divergence of the other views from view 0.
	DirectRegularizer bool
	RegAlpha          float64
}

// LossConfigFromArgs reads aggregation, p_norm, direct_regularizer and reg_alpha.
func LossConfigFromArgs(args *defaults.Args) (LossConfig, error) {
	cfg := LossConfig{
		Aggregation:       Aggregation(args.String("aggregation")),
		PNorm:             args.Float("p_norm"),
		DirectRegularizer: args.Bool("direct_regularizer"),
		RegAlpha:          args.Float("reg_alpha"),
	}
	if cfg.Aggregation == "" {
		cfg.Aggregation = AggregateMean
	}
	return cfg, cfg.Validate()
}

// Validate the configuration.
func (c LossConfig) Validate() error {
	if !slices.Contains(Aggregations, c.Aggregation) {
		return errors.Errorf("invalid aggregation %q, valid values are %v", c.Aggregation, Aggregations)
	}
	if c.Aggregation == AggregateLp && c.PNorm <= 0 {
		return errors.Errorf("lp aggregation requires p_norm > 0, got %g", c.PNorm)
	}
	return nil
}

// Aggregate reduces values shaped [B, V] over the views axis, returning [B].
func (c LossConfig) Aggregate(values *Node) *Node {
	switch c.Aggregation {
	case AggregateMax:
		return ReduceMax(values, 1)
	case AggregateSoftmax:
		weights := StopGradient(nn.Softmax(values, 1))
		return ReduceSum(Mul(weights, values), 1)
	case AggregateLp:
		g := values.Graph()
		mean := ReduceMean(Pow(values, Scalar(g, values.DType(), c.PNorm)), 1)
		return Pow(AddScalar(mean, lpEpsilon), Scalar(g, values.DType(), 1/c.PNorm))
	case AggregateMean:
		return ReduceMean(values, 1)
	}
	exceptions.Panicf("invalid aggregation %q", c.Aggregation)
	return nil
}

// viewLabels broadcasts labels [B, 1] to [B*V].
func viewLabels(labels *Node, batchSize, numViews int) *Node {
	return Reshape(BroadcastToDims(Reshape(labels, batchSize, 1), batchSize, numViews), batchSize*numViews)
}

// ViewsCrossEntropy returns the cross-entropy of each view, shaped [B, V], of logits [B, V, K] and labels [B, 1].
func ViewsCrossEntropy(logits, labels *Node) *Node {
	dims := logits.Shape().Dimensions
	batchSize, numViews, numClasses := dims[0], dims[1], dims[2]
	ce := model.CrossEntropy(Reshape(logits, batchSize*numViews, numClasses), viewLabels(labels, batchSize, numViews))
	return Reshape(ce, batchSize, numViews)
}

// KLFromFirstView returns KL(p_v || p_0) for each view v >= 1, shaped [B, V-1], where p_v is the predicted
// distribution of view v. Gradients flow through both distributions.
func KLFromFirstView(logits *Node) *Node {
	logProbs := nn.LogSoftmax(logits, -1)
	first := Slice(logProbs, AxisRange(), AxisElem(0))
	others := Slice(logProbs, AxisRange(), AxisRangeToEnd(1))
	return ReduceSum(Mul(Exp(others), Sub(others, first)), -1)
}

// ExamplesLoss returns the loss of each example, shaped [B], given the logits of its views [B, V, K] and
// labels [B, 1].
func (c LossConfig) ExamplesLoss(logits, labels *Node) *Node {
	ce := ViewsCrossEntropy(logits, labels)
	numViews := logits.Shape().Dimensions[1]
	if !c.DirectRegularizer {
		return c.Aggregate(ce)
	}
	loss := Reshape(Slice(ce, AxisRange(), AxisElem(0)), -1)
	if numViews == 1 {
		return loss
	}
	reg := c.Aggregate(KLFromFirstView(logits))
	return Add(loss, MulScalar(reg, c.RegAlpha))
}

// LossFn implements train.LossFn: predictions[0] are the logits [B, V, K] and labels[0] the labels [B, 1].
// It returns the mean loss over the batch.
func (c LossConfig) LossFn(labels, predictions []*Node) *Node {
	return ReduceAllMean(c.ExamplesLoss(predictions[0], labels[0]))
}
