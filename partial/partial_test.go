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

package partial

import (
	"testing"
	"time"
)

func key(b byte, version uint64) Key {
	var k Key
	for i := range k.BIDPrefix {
		k.BIDPrefix[i] = b
	}
	k.Version = version
	return k
}

// S2: body segments [(640,128),(0,320)] -> starting_position 320, bits 5 and 6 set.
func TestRequestBitmapScenario(t *testing.T) {
	var b Bundle
	b.BodySegments.Insert(640, 128, make([]byte, 128))
	b.BodySegments.Insert(0, 320, make([]byte, 320))
	b.BodySegments.Merge()
	b.updateRequestBitmap()

	if b.RequestBitmapStart != 320 {
		t.Fatalf("starting position = %d, want 320", b.RequestBitmapStart)
	}

	for block := 0; block < RequestBitmapBlocks; block++ {
		set := b.RequestBitmap[block/8]&(1<<(block%8)) != 0
		want := block == 5 || block == 6
		if set != want {
			t.Fatalf("block %d set=%v, want %v", block, set, want)
		}
	}
}

// P3 property: bit k set iff the 64-byte block starting at
// RequestBitmapStart+64k is fully covered by a body segment.
func TestRequestBitmapCoverageProperty(t *testing.T) {
	var b Bundle
	b.BodySegments.Insert(0, 100, make([]byte, 100))   // [0,100): contiguous prefix, so the window starts at 100
	b.BodySegments.Insert(256, 192, make([]byte, 192)) // [256,448)
	b.BodySegments.Merge()
	b.updateRequestBitmap()

	start := b.RequestBitmapStart
	for block := 0; block < 8; block++ {
		blockStart := start + uint32(block*64)
		want := b.BodySegments.Covered(blockStart, 64)
		got := b.RequestBitmap[block/8]&(1<<(block%8)) != 0
		if got != want {
			t.Fatalf("block %d: bit=%v, covered=%v", block, got, want)
		}
	}
}

func TestRequestBitmapEmptyBundleAllClear(t *testing.T) {
	var b Bundle
	b.updateRequestBitmap()
	for _, byteVal := range b.RequestBitmap {
		if byteVal != 0 {
			t.Fatalf("expected all-clear bitmap for empty body segments")
		}
	}
}

func TestUpdateRecentSendersReusesMatchingSlot(t *testing.T) {
	b := &Bundle{senders: make([]Sender, DefaultRecentSenders)}
	now := time.Now()

	b.updateRecentSenders([2]byte{1, 2}, now)
	firstLen := countNonZero(b.senders)
	if firstLen != 1 {
		t.Fatalf("expected 1 populated slot, got %d", firstLen)
	}

	later := now.Add(time.Second)
	b.updateRecentSenders([2]byte{1, 2}, later)
	if countNonZero(b.senders) != 1 {
		t.Fatalf("expected same sender to reuse its slot, not grow")
	}
}

func TestUpdateRecentSendersEvictsStaleSlot(t *testing.T) {
	b := &Bundle{senders: make([]Sender, MinRecentSenders)}
	now := time.Now()

	for i := 0; i < MinRecentSenders; i++ {
		b.updateRecentSenders([2]byte{byte(i), 0}, now)
	}
	if countNonZero(b.senders) != MinRecentSenders {
		t.Fatalf("expected all slots filled")
	}

	stale := now.Add(senderStaleAfter + time.Second)
	b.updateRecentSenders([2]byte{99, 99}, stale)

	found := false
	for _, s := range b.senders {
		if s.SIDPrefix == ([2]byte{99, 99}) {
			found = true
		}
	}
	if !found {
		t.Fatalf("new sender should have replaced a stale slot")
	}
}

func countNonZero(senders []Sender) int {
	n := 0
	for _, s := range senders {
		if !s.LastTime.IsZero() {
			n++
		}
	}
	return n
}

func TestSetOnPieceCreatesAndAssemblesBundle(t *testing.T) {
	s := NewSet(4, DefaultRecentSenders)
	k := key(0xAA, 1)
	now := time.Now()

	parse := func(prefix []byte) (uint32, uint32, bool) {
		if len(prefix) < 4 {
			return 0, 0, false
		}
		return 4, 10, true
	}

	b, err := s.OnPiece(k, [2]byte{1, 1}, now, true, 0, 4, []byte{0, 0, 0, 10}, parse, nil)
	if err != nil {
		t.Fatalf("OnPiece: %v", err)
	}
	if !b.LengthsKnown || b.BodyLength != 10 {
		t.Fatalf("expected lengths known with body length 10, got %+v", b)
	}

	_, err = s.OnPiece(k, [2]byte{1, 1}, now, false, 0, 10, make([]byte, 10), parse, nil)
	if err != nil {
		t.Fatalf("OnPiece body: %v", err)
	}

	got, ok := s.Get(k)
	if !ok {
		t.Fatalf("expected bundle tracked")
	}
	if !got.IsComplete() {
		t.Fatalf("expected bundle complete once manifest+body fully held")
	}
}

func TestSetEvictsOldestUnpinnedAtCapacity(t *testing.T) {
	s := NewSet(2, DefaultRecentSenders)
	now := time.Now()

	k1 := key(1, 1)
	k2 := key(2, 1)
	k3 := key(3, 1)

	s.OnPiece(k1, [2]byte{1}, now, false, 0, 10, make([]byte, 10), nil, nil)
	s.OnPiece(k2, [2]byte{1}, now.Add(time.Second), false, 0, 10, make([]byte, 10), nil, nil)

	pinned := func(k Key) bool { return k == k2 }
	_, err := s.OnPiece(k3, [2]byte{1}, now.Add(2*time.Second), false, 0, 10, make([]byte, 10), nil, pinned)
	if err != ErrCapacityExceeded {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}

	if _, ok := s.Get(k1); ok {
		t.Fatalf("k1 (oldest, unpinned) should have been evicted")
	}
	if _, ok := s.Get(k2); !ok {
		t.Fatalf("k2 (pinned) should survive")
	}
	if s.Len() != 2 {
		t.Fatalf("set length = %d, want 2", s.Len())
	}
}
