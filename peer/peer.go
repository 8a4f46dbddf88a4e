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

// Package peer implements the per-nearby-peer table (C5): for each
// recently heard sender, which bundles and versions it has announced
// via BAR. This is the core's only view of "what does the network
// already know", and drives both priority selection (registry) and
// skip-ahead (engine).
package peer

import "time"

// DefaultMaxAnnouncedPerPeer bounds the number of (bid, version) pairs
// remembered per peer (the "up to K entries" of §3).
const DefaultMaxAnnouncedPerPeer = 64

// StaleAfter is how long a peer record is kept without being refreshed
// by a fresh frame before Prune removes it.
const StaleAfter = 2 * time.Minute

// Announced is one bundle a peer has told us, via BAR, that it holds.
//
// The legacy design kept a single "version" field doing double duty:
// the bundle's own version number, and (for journalled bundles) a
// received-byte watermark. This split makes that explicit —
// AnnouncedVersion is always the value carried in the BAR;
// ReceivedWatermark additionally records how many body bytes the peer
// is known to hold when the bundle is journalled (where, by
// definition, the BAR's version number equals a byte count).
type Announced struct {
	BIDPrefix         [8]byte
	AnnouncedVersion  uint64
	ReceivedWatermark uint64
	Journalled        bool
}

// Record is one recently heard peer.
type Record struct {
	SIDPrefix [6]byte
	LastSeen  time.Time

	announced []Announced
}

// Announced returns the peer's known announcements, in the order
// learned (oldest evicted first once the table's per-peer limit,
// DefaultMaxAnnouncedPerPeer unless configured, is exceeded).
func (r *Record) Announced() []Announced {
	return r.announced
}

// BAR'd reports whether this peer has announced exactly (bidPrefix, version).
func (r *Record) BARd(bidPrefix [8]byte, version uint64) bool {
	for _, a := range r.announced {
		if a.BIDPrefix == bidPrefix && a.AnnouncedVersion == version {
			return true
		}
	}
	return false
}

// AnnouncedVersionOf returns the version this peer last announced for
// bidPrefix, if any.
func (r *Record) AnnouncedVersionOf(bidPrefix [8]byte) (uint64, bool) {
	for _, a := range r.announced {
		if a.BIDPrefix == bidPrefix {
			return a.AnnouncedVersion, true
		}
	}
	return 0, false
}

// Table tracks all recently heard peers, keyed by their 6-byte SID prefix.
type Table struct {
	maxAnnouncedPerPeer int
	peers               map[[6]byte]*Record
}

// NewTable constructs an empty peer table.
func NewTable(maxAnnouncedPerPeer int) *Table {
	if maxAnnouncedPerPeer < 1 {
		maxAnnouncedPerPeer = DefaultMaxAnnouncedPerPeer
	}
	return &Table{
		maxAnnouncedPerPeer: maxAnnouncedPerPeer,
		peers:               make(map[[6]byte]*Record),
	}
}

// Touch marks sidPrefix as heard from at now, creating its record if needed.
func (t *Table) Touch(sidPrefix [6]byte, now time.Time) *Record {
	r, ok := t.peers[sidPrefix]
	if !ok {
		r = &Record{SIDPrefix: sidPrefix}
		t.peers[sidPrefix] = r
	}
	r.LastSeen = now
	return r
}

// RecordBAR applies one received BAR to the peer table: the sender is
// touched, and its announcement of (bidPrefix, version) is recorded or
// updated.
func (t *Table) RecordBAR(sidPrefix [6]byte, bidPrefix [8]byte, version uint64, now time.Time) {
	r := t.Touch(sidPrefix, now)

	journalled := version < (1 << 32)
	watermark := uint64(0)
	if journalled {
		watermark = version
	}

	for i, a := range r.announced {
		if a.BIDPrefix == bidPrefix {
			r.announced[i].AnnouncedVersion = version
			r.announced[i].ReceivedWatermark = watermark
			r.announced[i].Journalled = journalled
			return
		}
	}

	if len(r.announced) >= t.maxAnnouncedPerPeer {
		r.announced = r.announced[1:]
	}
	r.announced = append(r.announced, Announced{
		BIDPrefix:         bidPrefix,
		AnnouncedVersion:  version,
		ReceivedWatermark: watermark,
		Journalled:        journalled,
	})
}

// Get returns the peer record matching a 4-byte recipient prefix (the
// leading 4 bytes of its SID prefix), used by registry priority
// selection and engine skip-ahead, both of which only ever see the
// shorter recipient-prefix form carried on the wire.
func (t *Table) Get(recipientPrefix [4]byte) (*Record, bool) {
	for sidPrefix, r := range t.peers {
		var p [4]byte
		copy(p[:], sidPrefix[:4])
		if p == recipientPrefix {
			return r, true
		}
	}
	return nil, false
}

// Present reports whether any tracked peer's SID prefix begins with
// recipientPrefix. Implements registry.BARHolder.
func (t *Table) Present(recipientPrefix [4]byte) bool {
	_, ok := t.Get(recipientPrefix)
	return ok
}

// HasBARd implements registry.BARHolder.
func (t *Table) HasBARd(recipientPrefix [4]byte, bidPrefix [8]byte, version uint64) bool {
	r, ok := t.Get(recipientPrefix)
	if !ok {
		return false
	}
	return r.BARd(bidPrefix, version)
}

// MinAnnouncedVersion returns the minimum AnnouncedVersion of
// bidPrefix across all tracked peers, and whether at least one peer
// lacks the bundle entirely (which, per §4.8's skip-ahead rule, forces
// the minimum to 0 regardless of what other peers report).
func (t *Table) MinAnnouncedVersion(bidPrefix [8]byte) (minVersion uint64, anyMissing bool) {
	first := true
	for _, r := range t.peers {
		v, ok := r.AnnouncedVersionOf(bidPrefix)
		if !ok {
			anyMissing = true
			continue
		}
		if first || v < minVersion {
			minVersion, first = v, false
		}
	}
	return minVersion, anyMissing
}

// Peers returns every tracked peer record.
func (t *Table) Peers() []*Record {
	out := make([]*Record, 0, len(t.peers))
	for _, r := range t.peers {
		out = append(out, r)
	}
	return out
}

// Prune removes peers not heard from in more than StaleAfter.
func (t *Table) Prune(now time.Time) {
	for k, r := range t.peers {
		if now.Sub(r.LastSeen) > StaleAfter {
			delete(t.peers, k)
		}
	}
}
