// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package errs exposes the error taxonomy of deltagraph.
//
// Failures are reported as errors wrapping one of the sentinels below, so
// callers test them with errors.Is. Lifecycle violations (use after free,
// double free, accumulating a result twice) are programming defects and
// panic with a *LifecycleError instead.
package errs

import "github.com/born-ml/deltagraph/internal/errs"

// Sentinel errors.
var (
	ErrLifecycle       = errs.ErrLifecycle
	ErrInvalidArgument = errs.ErrInvalidArgument
	ErrOutOfResources  = errs.ErrOutOfResources
	ErrIllegalState    = errs.ErrIllegalState
)

// LifecycleError is the panic value of a lifecycle violation.
type LifecycleError = errs.LifecycleError

// AsLifecycle extracts a *LifecycleError from a recovered panic value.
func AsLifecycle(r any) (*LifecycleError, bool) {
	return errs.AsLifecycle(r)
}
