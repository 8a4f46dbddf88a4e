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

// Package registry implements the local outbound bundle set (C4):
// the bundles this node offers to peers, their per-bundle announcement
// cursors, and the priority ordering used by the frame builder to pick
// which bundle to advance on a given tick.
package registry

import "time"

// DefaultAntiStarvationInterval is the default T in §4.5 tier 3: a
// bundle not announced within this long becomes eligible regardless of
// peer demand.
const DefaultAntiStarvationInterval = 30 * time.Second

// Bundle is one local bundle offered for announcement.
type Bundle struct {
	BID          [32]byte
	Version      uint64
	RecipientSID [32]byte
	// RecipientPrefix is the 4-byte prefix carried in BARs and matched
	// against peer records; all-zero means broadcast.
	RecipientPrefix [4]byte

	ManifestLength uint32
	BodyLength     uint32

	// IsMeshMS marks a bundle as belonging to the messaging application
	// layer, which takes strict priority over all other traffic when
	// addressed to a present, not-yet-BAR'd peer (§4.5 tier 1).
	IsMeshMS bool

	LastManifestOffsetAnnounced uint32
	LastOffsetAnnounced         uint32

	LastAnnouncedTime            time.Time
	LastVersionOfManifestAnnounced uint64
}

// Journalled reports whether this bundle's version identifies it as
// journalled (append-only body; version == body length), per §3.
func (b *Bundle) Journalled() bool {
	return b.Version < (1 << 32)
}

// ResetCursors zeros both announcement cursors and stamps
// LastAnnouncedTime/LastVersionOfManifestAnnounced, per §4.8's
// wrap-around behaviour (S6).
func (b *Bundle) ResetCursors(now time.Time) {
	b.LastManifestOffsetAnnounced = 0
	b.LastOffsetAnnounced = 0
	b.LastAnnouncedTime = now
	b.LastVersionOfManifestAnnounced = b.Version
}

// BARHolder is the subset of the peer table's knowledge the priority
// pass needs: whether a given peer prefix has BAR'd a (bid, version).
// Implemented by peer.Table; kept as an interface here so registry has
// no dependency on the peer package.
type BARHolder interface {
	// Present reports whether recipientPrefix identifies a peer
	// currently tracked (recently heard from).
	Present(recipientPrefix [4]byte) bool
	// HasBARd reports whether that peer has announced exactly this
	// (bid, version) pair.
	HasBARd(recipientPrefix [4]byte, bidPrefix [8]byte, version uint64) bool
}

func bidPrefix(bid [32]byte) (p [8]byte) {
	copy(p[:], bid[:8])
	return
}

// Registry owns the local bundle set and the round-robin BAR cursor.
type Registry struct {
	bundles    []*Bundle
	barCursor  int
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{}
}

// Add appends a bundle to the registry.
func (r *Registry) Add(b *Bundle) {
	r.bundles = append(r.bundles, b)
}

// Remove deletes the bundle at BID bid (all versions), e.g. once a
// journalled bundle is superseded locally.
func (r *Registry) Remove(bid [32]byte) {
	out := r.bundles[:0]
	for _, b := range r.bundles {
		if b.BID != bid {
			out = append(out, b)
		}
	}
	r.bundles = out
	if r.barCursor >= len(r.bundles) {
		r.barCursor = 0
	}
}

// Bundles returns the registry's bundles, in registration order. The
// returned slice aliases internal storage and must not be mutated in
// shape (element fields may be mutated by the engine).
func (r *Registry) Bundles() []*Bundle {
	return r.bundles
}

// Len reports the number of local bundles.
func (r *Registry) Len() int {
	return len(r.bundles)
}

// NextBARCursor returns the bundle the round-robin cursor points at and
// then advances the cursor, or returns (nil, false) if the registry is
// empty.
func (r *Registry) NextBARCursor() (*Bundle, bool) {
	if len(r.bundles) == 0 {
		return nil, false
	}
	b := r.bundles[r.barCursor]
	r.barCursor = (r.barCursor + 1) % len(r.bundles)
	return b, true
}

// FindHighestPriorityBundle implements §4.5's four-tier selection,
// returning an index into Bundles(), or -1 if the registry is empty.
func (r *Registry) FindHighestPriorityBundle(peers BARHolder, now time.Time, antiStarvation time.Duration) int {
	if len(r.bundles) == 0 {
		return -1
	}
	if antiStarvation <= 0 {
		antiStarvation = DefaultAntiStarvationInterval
	}

	best := -1
	bestTier := 5
	var bestTime time.Time

	for i, b := range r.bundles {
		tier, ok := r.tier(b, peers, now, antiStarvation)
		if !ok {
			continue
		}
		if best == -1 || tier < bestTier || (tier == bestTier && b.LastAnnouncedTime.Before(bestTime)) {
			best, bestTier, bestTime = i, tier, b.LastAnnouncedTime
		}
	}

	return best
}

// tier reports the priority tier (1 highest .. 4 lowest) a bundle
// qualifies for right now, and whether it qualifies for announcement
// at all (tier 4, round-robin, always qualifies).
func (r *Registry) tier(b *Bundle, peers BARHolder, now time.Time, antiStarvation time.Duration) (int, bool) {
	addressedAndPresent := peers != nil && peers.Present(b.RecipientPrefix) && b.RecipientPrefix != [4]byte{}
	notBARd := addressedAndPresent && !peers.HasBARd(b.RecipientPrefix, bidPrefix(b.BID), b.Version)

	switch {
	case b.IsMeshMS && notBARd:
		return 1, true
	case notBARd:
		return 2, true
	case now.Sub(b.LastAnnouncedTime) > antiStarvation:
		return 3, true
	default:
		return 4, true
	}
}
