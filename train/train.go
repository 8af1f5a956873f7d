// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package train measures losses and gradients of a layer over a data set.
//
// # Basic Usage
//
//	t, err := train.NewArrayTrainable(net, rows, train.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer t.FreeRef()
//
//	for range epochs {
//	    sample, err := t.Measure(ctx, train.NewLogMonitor(slog.Default()))
//	    if err != nil {
//	        return err
//	    }
//	    if err := opt.Step(sample.Deltas); err != nil {
//	        return err
//	    }
//	}
package train

import (
	"log/slog"

	"github.com/born-ml/deltagraph/internal/autodiff"
	"github.com/born-ml/deltagraph/internal/tensor"
	"github.com/born-ml/deltagraph/internal/train"
)

// PointSample is the result of one measurement.
type PointSample = train.PointSample

// Trainable is anything that can be measured.
type Trainable = train.Trainable

// Config configures an ArrayTrainable.
type Config = train.Config

// ArrayTrainable measures a layer over in-memory rows.
type ArrayTrainable = train.ArrayTrainable

// Monitor receives measurement progress.
type Monitor = train.Monitor

// BatchStats describes one measured batch.
type BatchStats = train.BatchStats

// LogMonitor reports progress through slog.
type LogMonitor = train.LogMonitor

// DefaultConfig returns a single batch measured on the host.
func DefaultConfig() Config {
	return train.DefaultConfig()
}

// NewArrayTrainable measures layer over data, one row per sample with one
// tensor per layer input. The rows are retained.
func NewArrayTrainable(layer autodiff.Layer, data [][]*tensor.Tensor, cfg Config) (*ArrayTrainable, error) {
	return train.NewArrayTrainable(layer, data, cfg)
}

// NewLogMonitor creates a monitor writing to logger.
func NewLogMonitor(logger *slog.Logger) *LogMonitor {
	return train.NewLogMonitor(logger)
}
