// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package defaults defines the command-line/configuration options of the robustness harness, their default
// values (some of which depend on the dataset), and the Args object holding the resolved values.
//
// Options are organized in groups (ConfigArgs, ModelLoaderArgs, TrainingArgs, PGDArgs and TaskArgs), so that
// only the groups relevant to a run are validated and filled with defaults, see CheckAndFillArgs.
package defaults

import (
	"fmt"
	"strings"
)

// Kind is the value type of an option.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Option describes one argument.
//
// At most one of Required, ByDataset or Default should be set. An option with none of them
// is left unset (nil) if not given.
type Option struct {
	Name    string
	Kind    Kind
	Help    string
	Choices []string

	// Required options must be given, there is no default.
	Required bool

	// ByDataset options take their default from DatasetDefaults.
	ByDataset bool

	// Default value, if not nil.
	Default any
}

// Usage returns the help message with the default value annotation.
func (opt Option) Usage() string {
	parts := []string{opt.Help}
	if len(opt.Choices) > 0 {
		parts = append(parts, fmt.Sprintf("[choices: %s]", strings.Join(opt.Choices, ", ")))
	}
	switch {
	case opt.Required:
		parts = append(parts, "(required)")
	case opt.ByDataset:
		parts = append(parts, "(default depends on dataset)")
	case opt.Default != nil:
		parts = append(parts, fmt.Sprintf("(default: %v)", opt.Default))
	}
	return strings.Join(parts, " ")
}

// Dataset names known by the dataset-specific defaults.
const (
	DatasetCustomImageNet = "custom_imagenet"
	DatasetBinaryMNIST    = "binary_mnist"
)

// Task names.
const (
	TaskBreeds      = "breeds"
	TaskBinaryMNIST = "binary_mnist"
)

var (
	// DatasetNames lists the datasets with known defaults.
	DatasetNames = []string{DatasetCustomImageNet, DatasetBinaryMNIST}

	// TaskNames lists the tasks accepted by --task.
	TaskNames = []string{TaskBreeds, TaskBinaryMNIST}

	// TaskDatasets maps each task to the dataset it trains on.
	TaskDatasets = map[string]string{
		TaskBreeds:      DatasetCustomImageNet,
		TaskBinaryMNIST: DatasetBinaryMNIST,
	}

	// DatasetDefaults holds the values used by options marked ByDataset.
	DatasetDefaults = map[string]map[string]any{
		DatasetCustomImageNet: {
			"epochs":       200,
			"batch_size":   256,
			"weight_decay": 5e-4,
			"step_lr":      50,
		},
		DatasetBinaryMNIST: {
			"epochs":       20,
			"batch_size":   128,
			"weight_decay": 5e-4,
			"step_lr":      10,
		},
	}
)

// ConfigArgs are the general configuration options.
var ConfigArgs = []Option{
	{Name: "config_path", Kind: KindString,
		Help: "JSON (or YAML) file whose values override arguments not given in the command line."},
	{Name: "eval_only", Kind: KindBool, Default: false,
		Help: "Only evaluate the model restored with --resume."},
	{Name: "exp_name", Kind: KindString,
		Help: "Name of the experiment in the store, a random UUID if not given."},
	{Name: "out_dir", Kind: KindString, Required: true,
		Help: "Where to keep the experiment store and checkpoints."},
}

// ModelLoaderArgs are the options to build the dataset loaders and the model.
var ModelLoaderArgs = []Option{
	{Name: "dataset", Kind: KindString, Required: true, Choices: DatasetNames,
		Help: "Dataset, it selects the dataset-specific defaults. If not given it is derived from --task."},
	{Name: "data", Kind: KindString, Default: "/tmp/",
		Help: "Path to the dataset, environment variables are expanded."},
	{Name: "arch", Kind: KindString, Required: true,
		Help: "Model architecture."},
	{Name: "batch_size", Kind: KindInt, ByDataset: true,
		Help: "Batch size for training and evaluation."},
	{Name: "workers", Kind: KindInt, Default: 30,
		Help: "Number of goroutines loading and augmenting examples."},
	{Name: "resume", Kind: KindString,
		Help: "Checkpoint directory to restore the model from."},
	{Name: "resume_optimizer", Kind: KindBool, Default: false,
		Help: "Also restore the optimizer state and epoch from the checkpoint."},
	{Name: "data_aug", Kind: KindBool, Default: true,
		Help: "Use data augmentation on the training set."},
	{Name: "mixed_precision", Kind: KindBool, Default: false,
		Help: "Train with mixed precision (currently only recorded)."},
}

// TrainingArgs are the options of the training loop.
var TrainingArgs = []Option{
	{Name: "epochs", Kind: KindInt, ByDataset: true,
		Help: "Number of training epochs."},
	{Name: "lr", Kind: KindFloat, Default: 0.1,
		Help: "Initial learning rate."},
	{Name: "weight_decay", Kind: KindFloat, ByDataset: true,
		Help: "L2 regularization of the model weights."},
	{Name: "momentum", Kind: KindFloat, Default: 0.9,
		Help: "SGD momentum."},
	{Name: "step_lr", Kind: KindInt, ByDataset: true,
		Help: "Decay the learning rate by --step_lr_gamma every this many epochs."},
	{Name: "step_lr_gamma", Kind: KindFloat, Default: 0.1,
		Help: "Learning rate decay factor of --step_lr."},
	{Name: "custom_lr_multiplier", Kind: KindString,
		Help: `Learning rate multiplier schedule, formatted as "[(epoch, multiplier), ...]".`},
	{Name: "lr_interpolation", Kind: KindString, Default: "step", Choices: []string{"linear", "step"},
		Help: "How to interpolate --custom_lr_multiplier between epochs."},
	{Name: "adv_train", Kind: KindBool, Required: true,
		Help: "Train adversarially."},
	{Name: "adv_eval", Kind: KindBool,
		Help: "Evaluate adversarial accuracy."},
	{Name: "log_iters", Kind: KindInt, Default: 5,
		Help: "Evaluate and log every this many epochs."},
	{Name: "save_ckpt_iters", Kind: KindInt, Default: -1,
		Help: "Save a separate checkpoint every this many epochs, -1 to only keep the latest and best."},
}

// PGDArgs are the options of the adversarial attack.
var PGDArgs = []Option{
	{Name: "attack_steps", Kind: KindInt, Default: 7,
		Help: "Number of PGD steps."},
	{Name: "constraint", Kind: KindString, Required: true, Choices: []string{"inf", "2", "unconstrained", "fourier"},
		Help: "Norm constraint of the adversarial perturbation."},
	{Name: "eps", Kind: KindString, Required: true,
		Help: `Radius of the perturbation, fractions like "8/255" are accepted.`},
	{Name: "attack_lr", Kind: KindString, Required: true,
		Help: "PGD step size, fractions are accepted."},
	{Name: "use_best", Kind: KindBool, Default: true,
		Help: "Use the perturbation with the highest loss instead of the last one."},
	{Name: "random_restarts", Kind: KindInt, Default: 0,
		Help: "Number of random restarts of the attack."},
	{Name: "random_start", Kind: KindBool, Default: false,
		Help: "Start the attack from a random point in the constraint set."},
	{Name: "custom_eps_multiplier", Kind: KindString,
		Help: `Schedule of the attack radius during training, formatted as "[(epoch, multiplier), ...]".`},
}

// TaskArgs are the options specific to the rotation robustness tasks.
var TaskArgs = []Option{
	{Name: "num_rots", Kind: KindInt, Default: 0,
		Help: "Number of random rotations of each training example, in addition to the original."},
	{Name: "num_val_rots", Kind: KindInt, Default: 10,
		Help: "Number of evenly spaced rotations of each validation example."},
	{Name: "make_circ", Kind: KindBool, Default: false,
		Help: "Mask out the pixels outside the inscribed circle."},
	{Name: "bicubic", Kind: KindBool, Default: false,
		Help: "Rotate with bicubic instead of bilinear interpolation."},
	{Name: "direct_regularizer", Kind: KindBool, Default: false,
		Help: "Regularize the divergence between rotated and original predictions instead of the rotated losses."},
	{Name: "reg_alpha", Kind: KindFloat, Default: 0.05,
		Help: "Weight of the rotation regularizer."},
	{Name: "aggregation", Kind: KindString, Default: "mean", Choices: []string{"mean", "max", "softmax", "lp"},
		Help: "How to aggregate the losses over rotations."},
	{Name: "p_norm", Kind: KindFloat, Default: 2.0,
		Help: "Exponent of the lp aggregation."},
	{Name: "task", Kind: KindString, Default: TaskBreeds, Choices: TaskNames,
		Help: "Task to train or evaluate."},
	{Name: "info_dir", Kind: KindString,
		Help: "Directory with the BREEDS hierarchy files, defaults to <data>/imagenet_class_hierarchy/modified."},
}

// AllGroups returns all option groups, in the order they are registered as flags.
func AllGroups() [][]Option {
	return [][]Option{ConfigArgs, ModelLoaderArgs, TrainingArgs, PGDArgs, TaskArgs}
}
