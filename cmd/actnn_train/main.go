// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// actnn_train trains an image classifier with compressed activations.
//
// It takes the same arguments as the distributed launcher of each worker: the dataset directory as the
// positional argument, and the hyperparameters as flags (optionally from a --config YAML file). Distributed
// settings are derived from the WORLD_SIZE, RANK and LOCAL_RANK environment variables.
//
// Example:
//
//	actnn_train --dataset=cifar10 --arch=resnet56 --actnn-level=L3 --workspace=~/work/actnn/run1 ~/work/cifar
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/actnn/pkg/config"
	"github.com/gomlx/actnn/pkg/training"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

func main() {
	klog.InitFlags(nil)
	args, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		klog.Exitf("Failed to parse arguments: %+v", err)
	}
	if err = training.Run(args); err != nil {
		klog.Exit(failureMessage(err))
	}
}

// failureMessage returns what is logged before exiting with status 1. The --fp16/--amp conflict
// is a usage error and is reported without the stack trace.
func failureMessage(err error) string {
	if errors.Is(err, config.ErrPrecisionFlags) {
		return config.ErrPrecisionFlags.Error()
	}
	return fmt.Sprintf("Training failed: %+v", err)
}
