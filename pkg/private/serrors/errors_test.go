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

package serrors_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relier-rpki/relier/pkg/private/serrors"
)

func TestWrapIs(t *testing.T) {
	t.Parallel()
	sentinel := errors.New("sentinel")
	err := serrors.Wrap("wrapping", sentinel, "key", "value")
	assert.True(t, errors.Is(err, sentinel))
	assert.Contains(t, err.Error(), "wrapping")
	assert.Contains(t, err.Error(), "key=value")
	assert.Contains(t, err.Error(), "sentinel")
}

func TestJoinIs(t *testing.T) {
	t.Parallel()
	base := errors.New("base")
	cause := errors.New("cause")
	err := serrors.Join(base, cause, "ctx", 42)
	assert.True(t, errors.Is(err, base))
	assert.True(t, errors.Is(err, cause))

	assert.Nil(t, serrors.Join(nil, nil))
}

func TestNewIsSelf(t *testing.T) {
	t.Parallel()
	err := serrors.New("some error", "k", "v")
	assert.True(t, errors.Is(err, err))
	other := serrors.New("some error", "k", "v")
	assert.False(t, errors.Is(err, other))
}

func TestList(t *testing.T) {
	t.Parallel()
	var l serrors.List
	assert.NoError(t, l.ToError())
	l = append(l, errors.New("one"), errors.New("two"))
	err := l.ToError()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "one")
	assert.Contains(t, err.Error(), "two")
}
