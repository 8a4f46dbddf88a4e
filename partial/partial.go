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

// Package partial implements the receiver-side reassembly state for
// bundles not yet fully received (C3 in the core design): per-bundle
// manifest/body segment lists, the derived request bitmap, and the
// recent-senders table, plus the bounded-capacity set that owns all
// in-progress partial bundles.
package partial

import (
	"errors"
	"math/rand"
	"time"

	"github.com/jbblache/lbard/segment"
)

// Window and bitmap geometry from §4.4/§6.
const (
	RequestBitmapWindow    = 16384
	RequestBitmapBlockSize = 64
	RequestBitmapBlocks    = RequestBitmapWindow / RequestBitmapBlockSize // 256
)

// MAX_RECENT_SENDERS bounds, per §6.
const (
	MinRecentSenders     = 8
	MaxRecentSendersHard = 32
	DefaultRecentSenders = 16
)

// senderStaleAfter is the age at which a recent-sender slot becomes a
// preferred eviction victim (§4.3).
const senderStaleAfter = 30 * time.Second

// ErrVersionMismatch is returned by OnPiece when the bundle fetched
// for a key carries a different Key than the one looked up — a
// corrupted-map invariant that should never happen in practice, but
// is checked rather than assumed.
var ErrVersionMismatch = errors.New("partial: version mismatch")

// ErrCapacityExceeded is surfaced (for metrics/logging only — it is
// not fatal) whenever adding a bundle evicts another to stay within
// capacity.
var ErrCapacityExceeded = errors.New("partial: capacity exceeded, evicted oldest")

// Key identifies one in-progress bundle by its 8-byte BID prefix and
// exact version (distinct versions of the same BID are distinct
// partials, since a journalled bundle's version is itself a byte
// watermark — see SPEC_FULL.md §3).
type Key struct {
	BIDPrefix [8]byte
	Version   uint64
}

// Sender is one slot of a bundle's recent-senders ring.
type Sender struct {
	SIDPrefix [2]byte
	LastTime  time.Time
}

// Bundle is the receiver-side reassembly state for one in-progress
// (bid_prefix, version).
type Bundle struct {
	Key Key

	ManifestLength uint32
	BodyLength     uint32
	LengthsKnown   bool

	ManifestSegments segment.List
	BodySegments     segment.List

	RequestBitmapStart uint32
	RequestBitmap      [32]byte

	senders      []Sender
	lastActivity time.Time
}

// RecentSenders returns the senders heard from in the last 10 seconds
// (§4.3: "recent senders older than 10s are ignored for display but
// remain in-table until replaced").
func (b *Bundle) RecentSenders(now time.Time) []Sender {
	var out []Sender
	for _, s := range b.senders {
		if !s.LastTime.IsZero() && now.Sub(s.LastTime) < 10*time.Second {
			out = append(out, s)
		}
	}
	return out
}

// updateRecentSenders implements §4.3's update_recent_senders.
func (b *Bundle) updateRecentSenders(sidPrefix [2]byte, now time.Time) {
	freeSlot := rand.Intn(len(b.senders))
	index := len(b.senders)

	for i, s := range b.senders {
		if s.SIDPrefix == sidPrefix {
			index = i
			break
		}
		if now.Sub(s.LastTime) >= senderStaleAfter {
			freeSlot = i
		}
	}

	if index == len(b.senders) {
		index = freeSlot
	}

	b.senders[index] = Sender{SIDPrefix: sidPrefix, LastTime: now}
}

// IsComplete reports whether both the manifest and body are fully held.
func (b *Bundle) IsComplete() bool {
	if !b.LengthsKnown {
		return false
	}
	return b.ManifestSegments.IsComplete(b.ManifestLength) && b.BodySegments.IsComplete(b.BodyLength)
}

// ManifestHeaderParser is supplied by the (out-of-scope) manifest
// decoder: given the bytes held so far at the start of the manifest,
// it reports the declared manifest and body lengths once enough
// header bytes have arrived. ok is false while more bytes are needed.
type ManifestHeaderParser func(manifestPrefix []byte) (manifestLength, bodyLength uint32, ok bool)

// updateRequestBitmap implements §4.4's request-bitmap derivation.
func (b *Bundle) updateRequestBitmap() {
	segs := b.BodySegments.Segments()

	var startingPosition uint32
	if len(segs) > 0 {
		tail := segs[len(segs)-1]
		if tail.Start == 0 {
			startingPosition = tail.Length
		}
	}

	var bitmap [32]byte
	windowEnd := startingPosition + RequestBitmapWindow

	for _, s := range segs {
		start, length := s.Start, s.Length
		end := start + length

		if end <= startingPosition || start >= windowEnd {
			continue
		}

		if start < startingPosition {
			trim := startingPosition - start
			start += trim
			length = subClamp(length, trim)
		}

		if rem := (start - startingPosition) % RequestBitmapBlockSize; rem != 0 {
			trim := RequestBitmapBlockSize - rem
			start += trim
			length = subClamp(length, trim)
		}

		for length >= RequestBitmapBlockSize && start < windowEnd {
			block := (start - startingPosition) / RequestBitmapBlockSize
			bitmap[block/8] |= 1 << (block % 8)
			start += RequestBitmapBlockSize
			length -= RequestBitmapBlockSize
		}
	}

	b.RequestBitmapStart = startingPosition
	b.RequestBitmap = bitmap
}

func subClamp(a, b uint32) uint32 {
	if b >= a {
		return 0
	}
	return a - b
}

// Set is the bounded-capacity collection of all in-progress partial
// bundles (§4.3: "Bounded-capacity LRU — if full, evict the partial
// with the oldest last-activity time whose bundle is not present in
// any recent BAR").
type Set struct {
	capacity         int
	maxRecentSenders int
	bundles          map[Key]*Bundle
}

// NewSet constructs an empty partial set with the given capacity and
// per-bundle recent-senders ring size (clamped to
// [MinRecentSenders, MaxRecentSendersHard]).
func NewSet(capacity, maxRecentSenders int) *Set {
	if maxRecentSenders < MinRecentSenders {
		maxRecentSenders = MinRecentSenders
	}
	if maxRecentSenders > MaxRecentSendersHard {
		maxRecentSenders = MaxRecentSendersHard
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Set{
		capacity:         capacity,
		maxRecentSenders: maxRecentSenders,
		bundles:          make(map[Key]*Bundle),
	}
}

// Get returns the tracked bundle for key, if any.
func (s *Set) Get(key Key) (*Bundle, bool) {
	b, ok := s.bundles[key]
	return b, ok
}

// Len reports the number of in-progress bundles.
func (s *Set) Len() int {
	return len(s.bundles)
}

// All returns every in-progress bundle, for diagnostics/iteration.
func (s *Set) All() []*Bundle {
	out := make([]*Bundle, 0, len(s.bundles))
	for _, b := range s.bundles {
		out = append(out, b)
	}
	return out
}

// announcedElsewhere reports, for eviction purposes, whether a key is
// currently known to be held by a peer (per a recent BAR) — supplied
// by the caller (the engine, which owns the peer table) since this
// package has no knowledge of peers.
type announcedElsewhere = func(Key) bool

// getOrCreate returns the existing bundle for key, or creates one,
// evicting per the LRU-with-pinning policy if at capacity.
func (s *Set) getOrCreate(key Key, now time.Time, pinned announcedElsewhere) (*Bundle, error) {
	if b, ok := s.bundles[key]; ok {
		return b, nil
	}

	var evictErr error
	if len(s.bundles) >= s.capacity {
		if victim, ok := s.selectEvictionVictim(pinned); ok {
			delete(s.bundles, victim)
			evictErr = ErrCapacityExceeded
		}
	}

	b := &Bundle{
		Key:          key,
		senders:      make([]Sender, s.maxRecentSenders),
		lastActivity: now,
	}
	s.bundles[key] = b
	return b, evictErr
}

func (s *Set) selectEvictionVictim(pinned announcedElsewhere) (Key, bool) {
	var victim Key
	var oldest time.Time
	found := false

	consider := func(preferUnpinned bool) bool {
		for k, b := range s.bundles {
			if preferUnpinned && pinned != nil && pinned(k) {
				continue
			}
			if !found || b.lastActivity.Before(oldest) {
				victim, oldest, found = k, b.lastActivity, true
			}
		}
		return found
	}

	if consider(true) {
		return victim, true
	}
	// every partial is currently pinned by a recent BAR; fall back to
	// plain oldest-activity so the set never grows unbounded.
	found = false
	consider(false)
	return victim, found
}

// OnPiece applies one received piece, per §4.3's five-step procedure.
// parseHeader is consulted only while LengthsKnown is false and the
// piece is a manifest piece. pinned reports whether a (bid_prefix,
// version) key is currently referenced in a recent BAR, used only for
// eviction victim selection.
func (s *Set) OnPiece(
	key Key,
	senderSIDPrefix [2]byte,
	now time.Time,
	isManifest bool,
	start, length uint32,
	data []byte,
	parseHeader ManifestHeaderParser,
	pinned announcedElsewhere,
) (*Bundle, error) {

	b, err := s.getOrCreate(key, now, pinned)
	if b.Key != key {
		return b, ErrVersionMismatch
	}

	if isManifest {
		b.ManifestSegments.Insert(start, length, data)
		b.ManifestSegments.Merge()
	} else {
		b.BodySegments.Insert(start, length, data)
		b.BodySegments.Merge()
	}

	if isManifest && !b.LengthsKnown && parseHeader != nil {
		if segs := b.ManifestSegments.Segments(); len(segs) > 0 {
			last := segs[len(segs)-1]
			if last.Start == 0 {
				if manifestLen, bodyLen, ok := parseHeader(last.Data); ok {
					b.ManifestLength = manifestLen
					b.BodyLength = bodyLen
					b.LengthsKnown = true
				}
			}
		}
	}

	b.updateRecentSenders(senderSIDPrefix, now)
	b.updateRequestBitmap()
	b.lastActivity = now

	return b, err
}

// Remove deletes a bundle from the set, e.g. once IsComplete() and the
// engine has handed it to the (out-of-scope) local store.
func (s *Set) Remove(key Key) {
	delete(s.bundles, key)
}
