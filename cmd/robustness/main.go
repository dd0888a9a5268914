// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// robustness trains and evaluates image classifiers for robustness to rotations and adversarial examples.
//
// Example:
//
//	robustness --task=binary_mnist --arch=cnn --data=$HOME/data/mnist --out_dir=/tmp/robustness \
//	    --num_rots=3 --aggregation=max
//
// See "robustness --help" for all flags, and "robustness inspect" to look into the saved checkpoints.
package main

import (
	goflag "flag"
	"fmt"
	"os"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/robustness/defaults"
	"github.com/gomlx/robustness/runner"
	"github.com/gomlx/robustness/version"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "robustness",
		Short:         "Train and evaluate rotation and adversarially robust image classifiers",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			args, err := defaults.FromFlagSet(cmd.Flags(), defaults.AllGroups()...)
			if err != nil {
				return err
			}
			return run(args)
		},
	}
	defaults.AddFlags(rootCmd.Flags(), defaults.AllGroups()...)

	klogFlags := goflag.NewFlagSet("klog", goflag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)

	rootCmd.AddCommand(newInspectCmd(), newLogsCmd(), &cobra.Command{
		Use:   "version",
		Short: "Print the source revision of the binary",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(version.Revision())
		},
	})
	return rootCmd
}

func run(args *defaults.Args) error {
	args, err := runner.SetupArgs(args)
	if err != nil {
		return err
	}
	st, err := runner.SetupStoreWithMetadata(args)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			klog.Errorf("closing experiment store: %+v", err)
		}
	}()
	_, err = runner.Main(args, st)
	return err
}

func main() {
	rootCmd := newRootCmd()
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	if errors.Is(err, runner.ErrUsage) {
		fmt.Fprintln(os.Stderr, runner.ErrUsage)
		klog.V(1).Infof("%+v", err)
		os.Exit(2)
	}
	klog.Errorf("%+v", err)
	os.Exit(1)
}
