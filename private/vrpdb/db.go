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

// Package vrpdb is the versioned store of validated payloads. Each
// successful validation cycle commits a result; a changed result is
// installed as a new immutable snapshot with a monotonically increasing
// serial and a forward delta from its predecessor. A bounded history of
// snapshots and deltas allows RTR clients to catch up incrementally; serials
// that have fallen out of the window force a cache reset.
//
// Deltas and snapshot equality are computed on the served view, which
// deduplicates payloads emitted by multiple trust anchors; provenance is
// retained internally.
package vrpdb

import (
	"sort"
	"sync"

	"github.com/relier-rpki/relier/pkg/rpki/payload"
)

// SerialLess compares two RTR serials per RFC 1982 (serial number
// arithmetic, mod 2^32).
func SerialLess(a, b uint32) bool {
	return a != b && ((a < b && b-a < 1<<31) || (a > b && a-b > 1<<31))
}

// Snapshot is an immutable validated data set at one serial.
type Snapshot struct {
	serial uint32

	vrps map[payload.ServedKey]payload.VRP
	keys map[payload.ServedRouterKeyKey]payload.RouterKey

	// provenance keeps the full payload lists including trust anchor
	// attribution.
	provVRPs []payload.VRP
	provKeys []payload.RouterKey
}

// Serial returns the snapshot's serial.
func (s *Snapshot) Serial() uint32 { return s.serial }

// VRPs returns the served VRP set, deduplicated across trust anchors and
// sorted for deterministic iteration.
func (s *Snapshot) VRPs() []payload.VRP {
	out := make([]payload.VRP, 0, len(s.vrps))
	for _, v := range s.vrps {
		out = append(out, v)
	}
	sortVRPs(out)
	return out
}

// RouterKeys returns the served router key set.
func (s *Snapshot) RouterKeys() []payload.RouterKey {
	out := make([]payload.RouterKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	sortRouterKeys(out)
	return out
}

// Provenance returns the full payload lists with trust anchor attribution.
func (s *Snapshot) Provenance() ([]payload.VRP, []payload.RouterKey) {
	return s.provVRPs, s.provKeys
}

func sortVRPs(vrps []payload.VRP) {
	sort.Slice(vrps, func(i, j int) bool {
		a, b := vrps[i], vrps[j]
		if c := a.Prefix.Addr().Compare(b.Prefix.Addr()); c != 0 {
			return c < 0
		}
		if a.Prefix.Bits() != b.Prefix.Bits() {
			return a.Prefix.Bits() < b.Prefix.Bits()
		}
		if a.ASN != b.ASN {
			return a.ASN < b.ASN
		}
		return a.MaxLength < b.MaxLength
	})
}

func sortRouterKeys(keys []payload.RouterKey) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.ASN != b.ASN {
			return a.ASN < b.ASN
		}
		if a.SKI != b.SKI {
			return string(a.SKI[:]) < string(b.SKI[:])
		}
		return string(a.SPKI) < string(b.SPKI)
	})
}

// Delta is the forward difference between two consecutive snapshots.
// Applying the withdrawals then the additions of delta n+1 to snapshot n
// yields snapshot n+1.
type Delta struct {
	Serial uint32

	AddedVRPs     []payload.VRP
	WithdrawnVRPs []payload.VRP
	AddedKeys     []payload.RouterKey
	WithdrawnKeys []payload.RouterKey
}

// Empty reports whether the delta changes nothing.
func (d *Delta) Empty() bool {
	return len(d.AddedVRPs) == 0 && len(d.WithdrawnVRPs) == 0 &&
		len(d.AddedKeys) == 0 && len(d.WithdrawnKeys) == 0
}

// Config configures the database.
type Config struct {
	// Retain is the number of snapshots kept in history (K). Serials below
	// the retained window are answered with a cache reset.
	Retain int
	// SessionID is the RTR session identifier served alongside serials.
	SessionID uint16
	// OnCommit, if set, is invoked after a new serial is installed. It runs
	// on the committing goroutine, outside the database lock.
	OnCommit func(serial uint32)
}

// DB is the versioned snapshot store. Many readers (RTR sessions) may hold
// consistent views concurrently; the validation driver is the sole writer.
type DB struct {
	retain    int
	sessionID uint16
	onCommit  func(uint32)

	mtx     sync.RWMutex
	current *Snapshot
	history []*Snapshot
	deltas  []*Delta
}

// New creates an empty database.
func New(cfg Config) *DB {
	retain := cfg.Retain
	if retain < 1 {
		retain = 1
	}
	return &DB{
		retain:    retain,
		sessionID: cfg.SessionID,
		onCommit:  cfg.OnCommit,
	}
}

// SessionID returns the RTR session identifier.
func (db *DB) SessionID() uint16 { return db.sessionID }

func buildSnapshot(serial uint32, vrps []payload.VRP, keys []payload.RouterKey) *Snapshot {
	s := &Snapshot{
		serial:   serial,
		vrps:     make(map[payload.ServedKey]payload.VRP, len(vrps)),
		keys:     make(map[payload.ServedRouterKeyKey]payload.RouterKey, len(keys)),
		provVRPs: append([]payload.VRP(nil), vrps...),
		provKeys: append([]payload.RouterKey(nil), keys...),
	}
	for _, v := range vrps {
		served := v
		served.TrustAnchor = ""
		s.vrps[v.ServedKey()] = served
	}
	for _, k := range keys {
		served := k
		served.TrustAnchor = ""
		s.keys[k.ServedKey()] = served
	}
	return s
}

func diff(prev, next *Snapshot) *Delta {
	d := &Delta{Serial: next.serial}
	for key, v := range next.vrps {
		if _, ok := prev.vrps[key]; !ok {
			d.AddedVRPs = append(d.AddedVRPs, v)
		}
	}
	for key, v := range prev.vrps {
		if _, ok := next.vrps[key]; !ok {
			d.WithdrawnVRPs = append(d.WithdrawnVRPs, v)
		}
	}
	for key, k := range next.keys {
		if _, ok := prev.keys[key]; !ok {
			d.AddedKeys = append(d.AddedKeys, k)
		}
	}
	for key, k := range prev.keys {
		if _, ok := next.keys[key]; !ok {
			d.WithdrawnKeys = append(d.WithdrawnKeys, k)
		}
	}
	sortVRPs(d.AddedVRPs)
	sortVRPs(d.WithdrawnVRPs)
	sortRouterKeys(d.AddedKeys)
	sortRouterKeys(d.WithdrawnKeys)
	return d
}

// Commit installs a validation result. If the served view is unchanged, the
// current serial is reused and no delta is produced; the stored provenance
// is still refreshed. Otherwise the next serial is allocated, the snapshot
// and its delta are appended, and history beyond the retention bound is
// evicted. The returned bool indicates whether a new serial was installed.
func (db *DB) Commit(vrps []payload.VRP, keys []payload.RouterKey) (uint32, bool) {
	db.mtx.Lock()
	prev := db.current

	var base uint32
	if prev != nil {
		base = prev.serial
	}
	next := buildSnapshot(base+1, vrps, keys)

	if prev != nil {
		d := diff(prev, next)
		if d.Empty() {
			// Same served content: keep the serial, refresh provenance.
			next.serial = prev.serial
			db.current = next
			db.history[len(db.history)-1] = next
			serial := next.serial
			db.mtx.Unlock()
			return serial, false
		}
		db.deltas = append(db.deltas, d)
	}
	db.current = next
	db.history = append(db.history, next)
	if len(db.history) > db.retain {
		db.history = db.history[len(db.history)-db.retain:]
	}
	// Deltas older than the retained window are unreachable: a client at the
	// evicted serial gets a cache reset anyway.
	oldest := db.history[0].serial
	for len(db.deltas) > 0 && SerialLess(db.deltas[0].Serial, oldest+1) {
		db.deltas = db.deltas[1:]
	}
	serial := next.serial
	db.mtx.Unlock()

	if db.onCommit != nil {
		db.onCommit(serial)
	}
	return serial, true
}

// CurrentSerial returns the current serial. The bool is false while no
// cycle has committed yet.
func (db *DB) CurrentSerial() (uint32, bool) {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	if db.current == nil {
		return 0, false
	}
	return db.current.serial, true
}

// CurrentSnapshot returns the current snapshot, or nil while no cycle has
// committed yet.
func (db *DB) CurrentSnapshot() *Snapshot {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	return db.current
}

// DeltasFrom returns the deltas that advance a client from the given serial
// to the current one, along with the current serial. The bool is false if
// the serial is outside the retained window (or unknown), in which case the
// client needs a cache reset.
func (db *DB) DeltasFrom(serial uint32) ([]*Delta, uint32, bool) {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	if db.current == nil {
		return nil, 0, false
	}
	if serial == db.current.serial {
		return nil, serial, true
	}
	known := false
	for _, s := range db.history {
		if s.serial == serial {
			known = true
			break
		}
	}
	if !known {
		return nil, 0, false
	}
	var out []*Delta
	for _, d := range db.deltas {
		if SerialLess(serial, d.Serial) {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, 0, false
	}
	return out, db.current.serial, true
}
