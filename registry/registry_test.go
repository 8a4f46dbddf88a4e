/*
 * meshbard - low-bandwidth bundle synchronisation daemon.
 * Copyright (C) 2026-present the meshbard authors.
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

package registry

import (
	"testing"
	"time"
)

type fakeBARHolder struct {
	present map[[4]byte]bool
	bard    map[[4]byte]map[[8]byte]uint64
}

func newFakeBARHolder() *fakeBARHolder {
	return &fakeBARHolder{
		present: map[[4]byte]bool{},
		bard:    map[[4]byte]map[[8]byte]uint64{},
	}
}

func (f *fakeBARHolder) Present(prefix [4]byte) bool { return f.present[prefix] }

func (f *fakeBARHolder) HasBARd(prefix [4]byte, bid [8]byte, version uint64) bool {
	m, ok := f.bard[prefix]
	if !ok {
		return false
	}
	v, ok := m[bid]
	return ok && v == version
}

func (f *fakeBARHolder) setPresent(prefix [4]byte) { f.present[prefix] = true }

func (f *fakeBARHolder) setBARd(prefix [4]byte, bid [8]byte, version uint64) {
	m, ok := f.bard[prefix]
	if !ok {
		m = map[[8]byte]uint64{}
		f.bard[prefix] = m
	}
	m[bid] = version
}

func TestFindHighestPriorityMeshMSBeatsEverything(t *testing.T) {
	r := New()
	now := time.Now()

	recipient := [4]byte{1, 2, 3, 4}
	peers := newFakeBARHolder()
	peers.setPresent(recipient)

	ordinary := &Bundle{BID: [32]byte{1}, RecipientPrefix: recipient, LastAnnouncedTime: now}
	meshms := &Bundle{BID: [32]byte{2}, RecipientPrefix: recipient, IsMeshMS: true, LastAnnouncedTime: now}
	r.Add(ordinary)
	r.Add(meshms)

	idx := r.FindHighestPriorityBundle(peers, now, 0)
	if idx != 1 {
		t.Fatalf("expected MeshMS bundle (index 1) to win, got %d", idx)
	}
}

func TestFindHighestPriorityFallsBackToAntiStarvation(t *testing.T) {
	r := New()
	now := time.Now()
	peers := newFakeBARHolder()

	stale := &Bundle{BID: [32]byte{1}, LastAnnouncedTime: now.Add(-time.Hour)}
	fresh := &Bundle{BID: [32]byte{2}, LastAnnouncedTime: now}
	r.Add(fresh)
	r.Add(stale)

	idx := r.FindHighestPriorityBundle(peers, now, DefaultAntiStarvationInterval)
	if idx != 1 {
		t.Fatalf("expected stale bundle (index 1) to win on anti-starvation, got %d", idx)
	}
}

func TestFindHighestPriorityRoundRobinTiesBrokenByOldest(t *testing.T) {
	r := New()
	now := time.Now()
	peers := newFakeBARHolder()

	older := &Bundle{BID: [32]byte{1}, LastAnnouncedTime: now.Add(-time.Second)}
	newer := &Bundle{BID: [32]byte{2}, LastAnnouncedTime: now}
	r.Add(newer)
	r.Add(older)

	idx := r.FindHighestPriorityBundle(peers, now, time.Hour)
	if idx != 1 {
		t.Fatalf("expected least-recently-announced bundle (index 1) to win tie, got %d", idx)
	}
}

func TestFindHighestPriorityEmptyRegistry(t *testing.T) {
	r := New()
	if idx := r.FindHighestPriorityBundle(nil, time.Now(), 0); idx != -1 {
		t.Fatalf("expected -1 for empty registry, got %d", idx)
	}
}

func TestNextBARCursorRoundRobinsAndWraps(t *testing.T) {
	r := New()
	a := &Bundle{BID: [32]byte{1}}
	b := &Bundle{BID: [32]byte{2}}
	r.Add(a)
	r.Add(b)

	first, ok := r.NextBARCursor()
	if !ok || first != a {
		t.Fatalf("expected a first")
	}
	second, ok := r.NextBARCursor()
	if !ok || second != b {
		t.Fatalf("expected b second")
	}
	third, ok := r.NextBARCursor()
	if !ok || third != a {
		t.Fatalf("expected cursor to wrap back to a")
	}
}

// S6: wrap-around resets both cursors and re-stamps announcement time.
func TestResetCursorsWrapAround(t *testing.T) {
	b := &Bundle{
		BID:                         [32]byte{1},
		Version:                     42,
		BodyLength:                  1000,
		LastManifestOffsetAnnounced: 50,
		LastOffsetAnnounced:         1000,
	}
	now := time.Now()
	b.ResetCursors(now)

	if b.LastManifestOffsetAnnounced != 0 || b.LastOffsetAnnounced != 0 {
		t.Fatalf("expected both cursors reset to 0, got manifest=%d body=%d",
			b.LastManifestOffsetAnnounced, b.LastOffsetAnnounced)
	}
	if !b.LastAnnouncedTime.Equal(now) {
		t.Fatalf("expected LastAnnouncedTime stamped to now")
	}
	if b.LastVersionOfManifestAnnounced != 42 {
		t.Fatalf("expected LastVersionOfManifestAnnounced = 42, got %d", b.LastVersionOfManifestAnnounced)
	}
}

func TestJournalledVersionBoundary(t *testing.T) {
	journalled := &Bundle{Version: (1 << 32) - 1}
	ordinary := &Bundle{Version: 1 << 32}
	if !journalled.Journalled() {
		t.Fatalf("expected version 2^32-1 to be journalled")
	}
	if ordinary.Journalled() {
		t.Fatalf("expected version 2^32 to be ordinary")
	}
}
