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

package periodic_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relier-rpki/relier/private/periodic"
)

type countingTask struct {
	count atomic.Int32
}

func (t *countingTask) Run(context.Context) { t.count.Add(1) }

func (t *countingTask) Name() string { return "counting_task" }

func TestTriggerRun(t *testing.T) {
	t.Parallel()
	task := &countingTask{}
	r := periodic.Start(task, time.Hour, time.Hour)
	defer r.Stop()

	r.TriggerRun()
	assert.Eventually(t, func() bool { return task.count.Load() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestPeriodicRun(t *testing.T) {
	t.Parallel()
	task := &countingTask{}
	r := periodic.Start(task, 20*time.Millisecond, time.Hour)
	defer r.Stop()

	assert.Eventually(t, func() bool { return task.count.Load() >= 3 },
		time.Second, 10*time.Millisecond)
}

func TestStopPreventsFurtherRuns(t *testing.T) {
	t.Parallel()
	task := &countingTask{}
	r := periodic.Start(task, 20*time.Millisecond, time.Hour)
	r.Stop()

	count := task.count.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, count, task.count.Load())
}
