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

package engine_test

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relier-rpki/relier/pkg/rpki/obj"
	"github.com/relier-rpki/relier/pkg/rpki/obj/objtest"
	"github.com/relier-rpki/relier/pkg/rpki/resources"
	"github.com/relier-rpki/relier/private/engine"
	"github.com/relier-rpki/relier/private/vrpdb"
)

type nopResetter struct{}

func (nopResetter) Reset() {}

// driverFixture builds a repository with two ROAs under the trust anchor and
// a driver committing into a fresh database. Fixture validity windows are
// anchored to the wall clock because the driver stamps each cycle with
// time.Now.
func driverFixture(t *testing.T, slurmPath string) (*engine.Driver, *vrpdb.DB) {
	t.Helper()
	now := time.Now()
	repo := objtest.Repo{Root: t.TempDir()}
	res := resources.Resources{
		IPv4: resources.NewIPBlocks([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}),
		AS:   resources.SingleAS(64500),
	}
	ta := objtest.NewTA("ta", res, "rsync://example.org/repo/ta", now)
	repo.Write("rsync://example.org/repo/ta.cer", ta.Cert.Raw)
	tal, err := obj.ParseTAL("ta", ta.TAL("rsync://example.org/repo/ta.cer"))
	require.NoError(t, err)

	roa1 := ta.SignROA(64501, "one.roa", []objtest.ROASpec{
		{Prefix: netip.MustParsePrefix("10.0.0.0/24"), MaxLength: 24},
	})
	roa2 := ta.SignROA(64502, "two.roa", []objtest.ROASpec{
		{Prefix: netip.MustParsePrefix("10.0.1.0/24"), MaxLength: 24},
	})
	publish(ta, repo, nil, [2]time.Time{now.Add(-time.Hour), now.Add(24 * time.Hour)},
		map[string][]byte{"one.roa": roa1, "two.roa": roa2})

	db := vrpdb.New(vrpdb.Config{Retain: 4, SessionID: 1})
	driver := &engine.Driver{
		TALs: []*obj.TAL{tal},
		Walker: &engine.Walker{
			Fetcher: pathFetcher{repo: repo},
			Policy: engine.Policy{
				StaleManifest: engine.StaleReject,
				GBR:           engine.GBRIgnore,
			},
		},
		DB:           db,
		FetcherReset: nopResetter{},
		SLURMPath:    slurmPath,
	}
	return driver, db
}

func TestDriverCommitsCycle(t *testing.T) {
	t.Parallel()
	driver, db := driverFixture(t, "")

	driver.Run(context.Background())
	serial, ok := db.CurrentSerial()
	require.True(t, ok)
	assert.Equal(t, uint32(1), serial)
	assert.Len(t, db.CurrentSnapshot().VRPs(), 2)

	// Idempotence: an unchanged repository produces no new serial.
	driver.Run(context.Background())
	serial, ok = db.CurrentSerial()
	require.True(t, ok)
	assert.Equal(t, uint32(1), serial)
}

func TestDriverAppliesSLURM(t *testing.T) {
	t.Parallel()
	slurmPath := filepath.Join(t.TempDir(), "slurm.json")
	doc := `{
		"slurmVersion": 1,
		"validationOutputFilters": {
			"prefixFilters": [{"asn": 64501}]
		},
		"locallyAddedAssertions": {
			"prefixAssertions": [
				{"asn": 64999, "prefix": "198.51.100.0/24"}
			]
		}
	}`
	require.NoError(t, os.WriteFile(slurmPath, []byte(doc), 0o644))
	driver, db := driverFixture(t, slurmPath)

	driver.Run(context.Background())
	snap := db.CurrentSnapshot()
	require.NotNil(t, snap)
	vrps := snap.VRPs()
	require.Len(t, vrps, 2)
	asns := []uint32{vrps[0].ASN, vrps[1].ASN}
	assert.Contains(t, asns, uint32(64502))
	assert.Contains(t, asns, uint32(64999))
	assert.NotContains(t, asns, uint32(64501))
}

func TestDriverFailedCyclePreservesSnapshot(t *testing.T) {
	t.Parallel()
	driver, db := driverFixture(t, "")
	driver.Run(context.Background())
	serial, ok := db.CurrentSerial()
	require.True(t, ok)

	// A canceled cycle commits nothing.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	driver.Run(ctx)
	got, ok := db.CurrentSerial()
	require.True(t, ok)
	assert.Equal(t, serial, got)
}
