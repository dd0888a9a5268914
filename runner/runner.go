// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runner resolves the arguments of a run, records them in the experiment store and dispatches
// the training or evaluation of the selected task.
package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/robustness/attack"
	"github.com/gomlx/robustness/augment"
	"github.com/gomlx/robustness/breeds"
	"github.com/gomlx/robustness/datasets"
	"github.com/gomlx/robustness/defaults"
	"github.com/gomlx/robustness/helpers"
	"github.com/gomlx/robustness/model"
	"github.com/gomlx/robustness/store"
	"github.com/gomlx/robustness/training"
	"github.com/gomlx/robustness/version"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrUsage is returned when the tool cannot start, typically because no backend is available.
	ErrUsage = errors.New("usage: robustness --task={breeds|binary_mnist} --arch=<arch> --dataset=<dataset> " +
		"--data=<path> --out_dir=<dir> [--eval_only --resume=<checkpoint>] [flags], see --help")

	// ErrTaskNotImplemented is returned for an unknown --task.
	ErrTaskNotImplemented = errors.New("task not implemented")
)

// MetadataTable is the store table with one row of arguments per run.
const MetadataTable = "metadata"

// BREEDS superclasses configuration and normalization statistics, computed for level 3.
var (
	BreedsLevel = 3
	BreedsMean  = []float32{0.486, 0.455, 0.398}
	BreedsStd   = []float32{0.221, 0.217, 0.215}
)

// EvalFn evaluates a model on the validation loader, see training.EvalModel.
type EvalFn func(backend backends.Backend, args *defaults.Args, m *model.AttackerModel, valLoader train.Dataset,
	st *store.Store) (map[string]any, error)

// TrainFn trains a model, see training.TrainModel.
type TrainFn func(backend backends.Backend, args *defaults.Args, m *model.AttackerModel, trainLoader, valLoader train.Dataset,
	st *store.Store, ckpt *model.Checkpoint) (*model.AttackerModel, error)

// Runner holds the collaborators used by Main. The zero value is not usable, use New.
type Runner struct {
	// NewBackend creates the backend. It may panic on failure, which is reported as ErrUsage.
	NewBackend func() backends.Backend

	Eval  EvalFn
	Train TrainFn

	// Seed of the loaders shuffling and augmentation, 0 for a time based seed.
	Seed int64
}

// New creates a Runner with the default backend and the training package routines.
func New() *Runner {
	return &Runner{
		NewBackend: backends.New,
		Eval:       training.EvalModel,
		Train:      training.TrainModel,
	}
}

// SetupArgs fills the arguments not given with their defaults, returning a new Args.
//
// Values from the config_path file are used for arguments not set. The dataset, if not given, is the one of
// the task. The groups filled are ConfigArgs, TrainingArgs (unless eval_only), PGDArgs (only if adv_train
// or adv_eval), ModelLoaderArgs and TaskArgs. Explicitly set arguments are never overwritten.
func SetupArgs(args *defaults.Args) (*defaults.Args, error) {
	args = args.Clone()
	if configPath := args.String("config_path"); configPath != "" {
		if err := defaults.OverrideFromFile(args, configPath); err != nil {
			return nil, err
		}
	}
	task := args.String("task")
	if task == "" {
		task = defaults.TaskBreeds
	}
	if !slices.Contains(defaults.TaskNames, task) {
		return nil, errors.Wrapf(ErrTaskNotImplemented, "no task %q, valid tasks are %q", task, defaults.TaskNames)
	}
	if !args.IsSet("dataset") {
		args.Set("dataset", defaults.TaskDatasets[task])
	}
	dataset := args.String("dataset")

	if err := defaults.CheckAndFillArgs(args, defaults.ConfigArgs, dataset); err != nil {
		return nil, err
	}
	if !args.Bool("eval_only") {
		if err := defaults.CheckAndFillArgs(args, defaults.TrainingArgs, dataset); err != nil {
			return nil, err
		}
	}
	if args.Bool("adv_train") || args.Bool("adv_eval") {
		if err := defaults.CheckAndFillArgs(args, defaults.PGDArgs, dataset); err != nil {
			return nil, err
		}
	}
	if err := defaults.CheckAndFillArgs(args, defaults.ModelLoaderArgs, dataset); err != nil {
		return nil, err
	}
	if err := defaults.CheckAndFillArgs(args, defaults.TaskArgs, dataset); err != nil {
		return nil, err
	}
	if args.Bool("eval_only") && !args.IsSet("resume") {
		return nil, errors.WithStack(defaults.ErrResumeRequired)
	}
	if args.String("task") == defaults.TaskBreeds && !args.IsSet("info_dir") {
		args.Set("info_dir", filepath.Join(args.String("data"), "imagenet_class_hierarchy", "modified"))
	}
	return args, nil
}

// SetupStoreWithMetadata creates the store for the experiment exp_name under out_dir, and appends the
// arguments, plus the "version" of the source, to its MetadataTable.
func SetupStoreWithMetadata(args *defaults.Args) (*store.Store, error) {
	args = args.Clone()
	args.Set("version", version.Revision())

	st, err := store.New(args.String("out_dir"), args.String("exp_name"))
	if err != nil {
		return nil, err
	}
	row := args.Map()
	table, err := st.GetOrAddTable(MetadataTable, store.SchemaFromMap(row))
	if err == nil {
		err = table.AppendRow(row)
	}
	if err != nil {
		_ = st.Close()
		return nil, errors.WithMessage(err, "recording the run metadata")
	}
	return st, nil
}

// Main runs the task of the arguments resolved by SetupArgs with the default Runner.
func Main(args *defaults.Args, st *store.Store) (any, error) {
	return New().Main(args, st)
}

// Main builds the dataset of the task, its loaders and the model, and then evaluates the model
// (if eval_only) or trains it.
//
// It returns the evaluation results (map[string]any) or the trained *model.AttackerModel.
func (r *Runner) Main(args *defaults.Args, st *store.Store) (any, error) {
	task := args.String("task")
	if task != defaults.TaskBreeds && task != defaults.TaskBinaryMNIST {
		return nil, errors.Wrapf(ErrTaskNotImplemented, "no task %q", task)
	}
	backend, err := r.backend()
	if err != nil {
		return nil, err
	}

	dataPath := os.ExpandEnv(args.String("data"))
	resample := augment.Bilinear
	if args.Bool("bicubic") {
		resample = augment.Bicubic
	}
	trainTransform, valTransform, err := augment.GetRotTransforms(args.Int("num_rots"), args.Int("num_val_rots"),
		resample, args.Bool("make_circ"), task)
	if err != nil {
		return nil, err
	}

	var ds *datasets.Dataset
	switch task {
	case defaults.TaskBreeds:
		infoDir := os.ExpandEnv(args.String("info_dir"))
		if infoDir == "" {
			infoDir = filepath.Join(dataPath, "imagenet_class_hierarchy", "modified")
		}
		gen, err := breeds.NewGenerator(infoDir)
		if err != nil {
			return nil, err
		}
		superclasses, split, _, err := gen.GetSuperclasses(breeds.SuperclassOptions{
			Level:    BreedsLevel,
			Split:    breeds.SplitNone,
			Balanced: true,
		})
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("BREEDS: %d superclasses at level %d", len(superclasses), BreedsLevel)
		ds, err = datasets.CustomImageNet(dataPath, split[0], BreedsMean, BreedsStd)
		if err != nil {
			return nil, err
		}
	case defaults.TaskBinaryMNIST:
		ds, err = datasets.BinaryMNIST(dataPath)
		if err != nil {
			return nil, err
		}
	}

	trainLoader, valLoader, err := ds.MakeLoaders(datasets.LoaderConfig{
		Workers:        args.Int("workers"),
		BatchSize:      args.Int("batch_size"),
		DataAug:        args.Bool("data_aug"),
		TrainTransform: trainTransform,
		ValTransform:   valTransform,
		Seed:           r.Seed,
	})
	if err != nil {
		return nil, err
	}
	trainPrefetcher := helpers.NewDataPrefetcher(trainLoader, backend)
	valPrefetcher := helpers.NewDataPrefetcher(valLoader, backend)

	m, ckpt, err := model.MakeAndRestoreModel(args.String("arch"), ds, args.String("resume"))
	if err != nil {
		return nil, err
	}
	if args.Bool("adv_train") || args.Bool("adv_eval") {
		m.Attack, err = attack.FromArgs(args)
		if err != nil {
			return nil, err
		}
	}
	m.AdvTrain = args.Bool("adv_train")
	fmt.Println(args.Render())

	if args.Bool("eval_only") {
		return r.Eval(backend, args, m, valPrefetcher, st)
	}
	if !args.Bool("resume_optimizer") {
		ckpt = nil
	}
	return r.Train(backend, args, m, trainPrefetcher, valPrefetcher, st, ckpt)
}

// backend creates the backend, converting a panic into ErrUsage.
func (r *Runner) backend() (backend backends.Backend, err error) {
	err = exceptions.TryCatch[error](func() { backend = r.NewBackend() })
	if err != nil {
		klog.Errorf("failed to create backend: %+v", err)
		return nil, errors.Wrap(ErrUsage, err.Error())
	}
	return backend, nil
}
