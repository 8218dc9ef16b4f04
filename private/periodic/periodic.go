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

// Package periodic provides a mechanism to run tasks periodically.
package periodic

import (
	"context"
	"time"

	"github.com/relier-rpki/relier/pkg/log"
)

// A Task that has to be periodically executed.
type Task interface {
	// Run executes the task once, it should return within the context's
	// timeout.
	Run(context.Context)
	// Name returns the tasks name, each successive call must return the same
	// value.
	Name() string
}

// Func is a convenience wrapper to implement a Task.
type Func struct {
	Task     func(context.Context)
	TaskName string
}

// Run executes the task.
func (f Func) Run(ctx context.Context) { f.Task(ctx) }

// Name returns the task name.
func (f Func) Name() string { return f.TaskName }

// Runner runs a task periodically.
type Runner struct {
	task         Task
	ticker       *time.Ticker
	timeout      time.Duration
	stop         chan struct{}
	loopFinished chan struct{}
	ctx          context.Context
	cancelF      context.CancelFunc
	trigger      chan struct{}
}

// Start creates and starts a new Runner to run the given task periodically.
// The timeout is used for the context timeout of the task. The timeout can be
// larger than the period. That means if a task takes a long time it will be
// immediately retriggered.
func Start(task Task, period, timeout time.Duration) *Runner {
	ctx, cancelF := context.WithCancel(context.Background())
	logger := log.New("task", task.Name())
	runner := &Runner{
		task:         task,
		ticker:       time.NewTicker(period),
		timeout:      timeout,
		stop:         make(chan struct{}),
		loopFinished: make(chan struct{}),
		ctx:          log.CtxWith(ctx, logger),
		cancelF:      cancelF,
		trigger:      make(chan struct{}),
	}
	go func() {
		defer log.HandlePanic()
		runner.runLoop()
	}()
	return runner
}

// Stop stops the periodic execution of the Runner. If the task is currently
// running this method will block until it is done.
func (r *Runner) Stop() {
	if r == nil {
		return
	}
	r.ticker.Stop()
	close(r.stop)
	<-r.loopFinished
}

// Kill is like Stop but it also cancels the context of the current running
// task.
func (r *Runner) Kill() {
	if r == nil {
		return
	}
	r.ticker.Stop()
	close(r.stop)
	r.cancelF()
	<-r.loopFinished
}

// TriggerRun triggers the task to run now. This does not impact the normal
// periodicity of this task. That means if the period is 5m and TriggerRun is
// called after 2 minutes, the next regular execution is in 3 minutes.
//
// The method blocks until either the triggered run was started or the runner
// was stopped, in which case the triggered run will not be executed.
func (r *Runner) TriggerRun() {
	select {
	// Either we were stopped or we can put something in the trigger channel.
	case <-r.stop:
	case r.trigger <- struct{}{}:
	}
}

func (r *Runner) runLoop() {
	defer close(r.loopFinished)
	defer r.cancelF()
	for {
		select {
		case <-r.stop:
			return
		case <-r.ticker.C:
			r.onTick()
		case <-r.trigger:
			r.onTick()
		}
	}
}

func (r *Runner) onTick() {
	select {
	// Make sure that the stop case is evaluated first, so that when we kill
	// and both channels are ready we always go into stop first.
	case <-r.stop:
		return
	default:
		ctx, cancelF := context.WithTimeout(r.ctx, r.timeout)
		defer cancelF()
		r.task.Run(ctx)
	}
}
