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

// Package segment implements the ordered, coalescing list of received
// byte ranges used by the partial-bundle reassembler (C2 in the core
// design). A List always stores its Segments sorted in strictly
// descending order of Start, mirroring the wire protocol's own
// "walk head to tail" merge description; callers needing ascending
// iteration (e.g. the request-bitmap derivation) walk the slice
// backwards.
package segment

// Segment is a contiguous range of bytes [Start, Start+Length) with
// its associated data. Length always equals len(Data).
type Segment struct {
	Start  uint32
	Length uint32
	Data   []byte
}

// End returns the exclusive upper bound of the segment's range.
func (s Segment) End() uint32 {
	return s.Start + s.Length
}

// List is a descending-by-Start list of non-overlapping (after Merge)
// segments. The zero value is an empty list ready to use.
type List struct {
	segments []Segment
}

// Segments returns the list's segments in descending Start order. The
// returned slice aliases the list's storage and must not be mutated.
func (l *List) Segments() []Segment {
	return l.segments
}

// Len reports the number of segments currently in the list (pre- or
// post-merge).
func (l *List) Len() int {
	return len(l.segments)
}

// Insert adds a new segment, preserving descending order. The caller
// must not retain or mutate data afterwards: the list owns it from
// this call onward. Insert does not merge; call Merge afterwards.
func (l *List) Insert(start, length uint32, data []byte) {
	seg := Segment{Start: start, Length: length, Data: data}

	i := 0
	for i < len(l.segments) && l.segments[i].Start > start {
		i++
	}

	l.segments = append(l.segments, Segment{})
	copy(l.segments[i+1:], l.segments[i:])
	l.segments[i] = seg
}

// Merge coalesces overlapping or touching segments in a single
// head-to-tail sweep, matching the wire protocol's fold semantics:
// walking from the highest Start to the lowest, whenever the segment
// being carried forward (cur) begins at or before the next segment's
// end, the two are folded together. When cur extends past next's end,
// the merged segment keeps next's unique leading bytes and then cur's
// bytes in full (cur's bytes win over the shared range, since cur is
// the one reaching furthest and is assumed to be the most complete
// view of that tail); when cur is fully covered by next, cur is
// discarded and next is kept untouched.
func (l *List) Merge() {
	if len(l.segments) < 2 {
		return
	}

	out := make([]Segment, 0, len(l.segments))
	cur := l.segments[0]

	for i := 1; i < len(l.segments); i++ {
		next := l.segments[i]

		if cur.Start > next.End() {
			out = append(out, cur)
			cur = next
			continue
		}

		extra := int64(cur.End()) - int64(next.End())
		if extra > 0 {
			prefixLen := cur.Start - next.Start
			data := make([]byte, 0, prefixLen+cur.Length)
			data = append(data, next.Data[:prefixLen]...)
			data = append(data, cur.Data...)
			cur = Segment{Start: next.Start, Length: prefixLen + cur.Length, Data: data}
		} else {
			cur = next
		}
	}

	out = append(out, cur)
	l.segments = out
}

// Covered reports whether [start, start+length) is entirely contained
// in a single segment of the (merged) list.
func (l *List) Covered(start, length uint32) bool {
	end := start + length
	for _, s := range l.segments {
		if s.Start <= start && s.End() >= end {
			return true
		}
		if s.End() < start {
			break // descending order: nothing further can cover [start,end)
		}
	}
	return false
}

// IsComplete reports whether the list (merged) covers [0, total)
// exactly, i.e. a single segment starting at 0 reaching at least total.
func (l *List) IsComplete(total uint32) bool {
	if total == 0 {
		return true
	}
	return l.Covered(0, total)
}

// LeadingLength returns the length of the contiguous prefix held
// starting at byte 0, or 0 if byte 0 is not yet held. This is the
// starting position of the request-bitmap derivation (§4.4).
func (l *List) LeadingLength() uint32 {
	if len(l.segments) == 0 {
		return 0
	}
	tail := l.segments[len(l.segments)-1]
	if tail.Start == 0 {
		return tail.Length
	}
	return 0
}
