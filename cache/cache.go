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

// Package cache implements the single-slot content cache (C6): the
// manifest and body bytes of whichever local bundle the frame builder
// is currently announcing. Piece emission always reads from this
// cache, never straight from the store; the store is fetched only on a
// miss, synchronously, and a failed fetch skips piece emission for that
// bundle while the rest of the frame is still built.
package cache

import (
	"context"
	"errors"
)

// ErrStoreUnavailable is returned by PrimeBundleCache, joined with the
// fetcher's own error, whenever a fetch fails. Per §7, the policy is to skip piece
// emission for this tick and retain cursors — nothing here is fatal.
var ErrStoreUnavailable = errors.New("cache: store unavailable")

// Fetcher is the external collaborator (§6): given a full BID and
// version, retrieve the manifest and body bytes. Implemented by
// store.Client.
type Fetcher interface {
	Fetch(ctx context.Context, bid [32]byte, version uint64) (manifest, body []byte, err error)
}

// Cache holds the manifest+body bytes of exactly one bundle.
type Cache struct {
	bid      [32]byte
	version  uint64
	primed   bool
	manifest []byte
	body     []byte
}

// New constructs an empty cache.
func New() *Cache {
	return &Cache{}
}

// Primed reports whether the cache currently holds bid/version.
func (c *Cache) Primed(bid [32]byte, version uint64) bool {
	return c.primed && c.bid == bid && c.version == version
}

// Manifest returns the cached manifest bytes. Only valid when Primed
// for the bundle being queried.
func (c *Cache) Manifest() []byte {
	return c.manifest
}

// Body returns the cached body bytes. Only valid when Primed for the
// bundle being queried.
func (c *Cache) Body() []byte {
	return c.body
}

// Invalidate clears the slot, e.g. when the registry record's version
// changes out from under the cache (§4.6: "invalidated when the
// bundle's registry record changes version").
func (c *Cache) Invalidate() {
	*c = Cache{}
}

// PrimeBundleCache ensures the cache reflects (bid, version) before
// any piece is appended. A cache hit is a no-op; a miss fetches via
// fetcher and replaces the slot. On fetch failure the slot is left
// invalidated and ErrStoreUnavailable is returned.
func PrimeBundleCache(ctx context.Context, c *Cache, fetcher Fetcher, bid [32]byte, version uint64) error {
	if c.Primed(bid, version) {
		return nil
	}

	manifest, body, err := fetcher.Fetch(ctx, bid, version)
	if err != nil {
		c.Invalidate()
		return errors.Join(ErrStoreUnavailable, err)
	}

	c.bid = bid
	c.version = version
	c.manifest = manifest
	c.body = body
	c.primed = true
	return nil
}
