// Copyright 2024 The Relier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package worker contains helpers for working with long-running goroutines
// that need to be initialized, run, and destroyed cleanly.
package worker

import (
	"context"
	"sync"

	"github.com/relier-rpki/relier/pkg/private/serrors"
)

// Base provides basic operations for objects designed to run as goroutines
// with the following properties:
//
//   - Run starts the worker's task and blocks until the worker has finished
//     or it has been shut down.
//   - Close stops an already running worker or prevents a future worker from
//     starting.
//
// Base ensures that calling Run multiple times returns an error, and that
// calling Close prior to Run prevents the worker from starting.
type Base struct {
	mtx         sync.Mutex
	runCalled   bool
	closeCalled bool
	doneChan    chan struct{}
}

// RunWrapper runs the worker logic. It ensures that the worker can only be
// run once, and guarantees that setupF has finished executing when runF is
// invoked. Both setupF and runF may be nil.
func (wb *Base) RunWrapper(ctx context.Context,
	setupF func(ctx context.Context) error, runF func(ctx context.Context) error) error {

	wb.mtx.Lock()
	if wb.runCalled {
		wb.mtx.Unlock()
		return serrors.New("run called more than once")
	}
	wb.runCalled = true
	if wb.closeCalled {
		wb.mtx.Unlock()
		return nil
	}
	wb.ensureDoneChanLocked()
	wb.mtx.Unlock()

	if setupF != nil {
		if err := setupF(ctx); err != nil {
			return err
		}
	}
	if runF == nil {
		return nil
	}
	return runF(ctx)
}

// CloseWrapper closes the worker, unblocking any in-progress run. If the
// worker was never run, a future run is prevented from starting. It is safe
// to call CloseWrapper multiple times; closeF is executed at most once.
func (wb *Base) CloseWrapper(ctx context.Context,
	closeF func(ctx context.Context) error) error {

	wb.mtx.Lock()
	if wb.closeCalled {
		wb.mtx.Unlock()
		return nil
	}
	wb.closeCalled = true
	wb.ensureDoneChanLocked()
	close(wb.doneChan)
	wb.mtx.Unlock()

	if closeF != nil {
		return closeF(ctx)
	}
	return nil
}

// GetDoneChan returns a channel that is closed once CloseWrapper is invoked.
// Worker run implementations can select on it to know when to shut down.
func (wb *Base) GetDoneChan() <-chan struct{} {
	wb.mtx.Lock()
	defer wb.mtx.Unlock()
	wb.ensureDoneChanLocked()
	return wb.doneChan
}

func (wb *Base) ensureDoneChanLocked() {
	if wb.doneChan == nil {
		wb.doneChan = make(chan struct{})
	}
}
