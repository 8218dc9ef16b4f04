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

// Package fetch maintains the local mirror of the rsync repository
// namespace. It maps rsync URIs to local paths under a configured root and
// ensures each repository module is synchronized at most once per validation
// cycle, deduplicating concurrent requests and bounding the number of
// rsync processes that run at a time.
package fetch

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/relier-rpki/relier/pkg/log"
	"github.com/relier-rpki/relier/pkg/private/serrors"
)

// ErrFetch indicates a repository synchronization failure.
var ErrFetch = serrors.New("repository fetch failed")

// Syncer runs one synchronization of a remote rsync module into a local
// directory.
type Syncer interface {
	Sync(ctx context.Context, remote, local string) error
}

// CommandSyncer synchronizes by invoking an external rsync program.
type CommandSyncer struct {
	// Command is the rsync program to run.
	Command string
	// Args are passed before the remote and local paths.
	Args []string
}

// Sync implements Syncer.
func (s CommandSyncer) Sync(ctx context.Context, remote, local string) error {
	args := append(append([]string(nil), s.Args...), remote, local)
	cmd := exec.CommandContext(ctx, s.Command, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return serrors.JoinNoStack(ErrFetch, err,
			"remote", remote, "output", strings.TrimSpace(string(output)))
	}
	return nil
}

// Config configures a Fetcher.
type Config struct {
	// Root is the local mirror root directory.
	Root string
	// Syncer performs the actual synchronization.
	Syncer Syncer
	// Concurrency bounds the number of in-flight synchronizations.
	Concurrency int
}

// Fetcher maps rsync URIs to local mirror paths and keeps the per-cycle
// synced set. The validation driver resets the set at cycle start; fetch
// workers for the same module are collapsed into one synchronization.
type Fetcher struct {
	root   string
	syncer Syncer
	sem    *semaphore.Weighted
	group  singleflight.Group

	mtx    sync.Mutex
	synced map[string]error
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Fetcher{
		root:   cfg.Root,
		syncer: cfg.Syncer,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		synced: map[string]error{},
	}
}

// Reset clears the synced set. It is called at the start of each validation
// cycle, so every module is synchronized again at most once in the new
// cycle.
func (f *Fetcher) Reset() {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.synced = map[string]error{}
}

// Path maps an rsync URI to its local mirror path without synchronizing.
func (f *Fetcher) Path(uri string) (string, error) {
	_, rest, err := splitURI(uri)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.root, filepath.FromSlash(rest)), nil
}

// Fetch ensures the repository module containing uri has been synchronized
// this cycle and returns the local path of the named object. A module whose
// synchronization failed stays failed for the rest of the cycle.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (string, error) {
	host, rest, err := splitURI(uri)
	if err != nil {
		return "", err
	}
	module := moduleOf(host, rest)

	f.mtx.Lock()
	result, done := f.synced[module]
	f.mtx.Unlock()
	if !done {
		_, result, _ = f.group.Do(module, func() (any, error) {
			return nil, f.syncModule(ctx, module)
		})
		f.mtx.Lock()
		f.synced[module] = result
		f.mtx.Unlock()
	}
	if result != nil {
		return "", result
	}
	return filepath.Join(f.root, filepath.FromSlash(rest)), nil
}

func (f *Fetcher) syncModule(ctx context.Context, module string) error {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return serrors.JoinNoStack(ErrFetch, err, "module", module)
	}
	defer f.sem.Release(1)

	remote := "rsync://" + module + "/"
	local := filepath.Join(f.root, filepath.FromSlash(module))
	log.FromCtx(ctx).Debug("Synchronizing repository", "module", module)
	if err := f.syncer.Sync(ctx, remote, local); err != nil {
		return err
	}
	return nil
}

// splitURI splits an rsync URI into host and host-relative path.
func splitURI(uri string) (string, string, error) {
	trimmed, ok := strings.CutPrefix(uri, "rsync://")
	if !ok {
		return "", "", serrors.New("unsupported URI scheme", "uri", uri)
	}
	if strings.Contains(trimmed, "..") {
		return "", "", serrors.New("URI with relative component", "uri", uri)
	}
	host, _, found := strings.Cut(trimmed, "/")
	if !found || host == "" {
		return "", "", serrors.New("URI without path", "uri", uri)
	}
	return host, trimmed, nil
}

// moduleOf determines the rsync module a URI belongs to: the host plus the
// first path segment.
func moduleOf(host, rest string) string {
	relative := strings.TrimPrefix(rest, host+"/")
	seg, _, _ := strings.Cut(relative, "/")
	return host + "/" + seg
}
