// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package heatersim

import (
	"context"
	"testing"
)

// testContext returns a context canceled when the test finishes, matching
// testing.T.Context (Go 1.24+) for older toolchains.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
