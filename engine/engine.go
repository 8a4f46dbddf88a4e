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

// Package engine is the single owning context for a meshbard node: the
// bundle registry, peer table, partial set and content cache, plus the
// frame builder (BuildFrame) and inbound dispatcher (HandleFrame) that
// drive them. Everything is guarded by one mutex so a decode goroutine
// reading off the radio and a ticker goroutine calling BuildFrame can
// share an Engine safely, the same way bgp.connection ran its reader
// and writer as separate goroutines over one session.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jbblache/lbard/cache"
	"github.com/jbblache/lbard/metrics"
	"github.com/jbblache/lbard/mlog"
	"github.com/jbblache/lbard/partial"
	"github.com/jbblache/lbard/peer"
	"github.com/jbblache/lbard/registry"
	"github.com/jbblache/lbard/wire"
)

// ErrMtuTooSmall is returned by BuildFrame when mtu cannot even hold
// the 8-byte frame header plus one record.
var ErrMtuTooSmall = errors.New("engine: mtu too small")

// minUsableMTU is the smallest MTU BuildFrame will accept: header (8)
// plus one BAR (21) plus headroom, per §4.7's "fail when mtu < 64".
const minUsableMTU = 64

// LinkMetadata is attached to every frame a RadioSource hands back to
// HandleFrame. RSSI is reserved for a future link-quality-aware
// priority pass; nothing in this package reads it yet.
type LinkMetadata struct {
	ReceivedAt time.Time
	RSSI       int
}

// RadioSink transmits a fully built frame. Send must not block for
// long; per §5 the core never retries a dropped send.
type RadioSink interface {
	Send(frame []byte)
}

// RadioSource receives inbound frames off the link.
type RadioSource interface {
	Recv() (frame []byte, meta LinkMetadata, err error)
}

// AssembledBundle is handed out over Engine.Assembled() once a partial
// bundle's manifest and body segment lists both cover their full
// range.
type AssembledBundle struct {
	BIDPrefix [8]byte
	Version   uint64
	Manifest  []byte
	Body      []byte
}

// noFetcher is the default cache.Fetcher substituted when Config
// leaves one unset: every fetch fails with ErrStoreUnavailable rather
// than the engine panicking on a nil interface the first time it
// needs to prime the cache.
type noFetcher struct{}

func (noFetcher) Fetch(ctx context.Context, bid [32]byte, version uint64) ([]byte, []byte, error) {
	return nil, nil, cache.ErrStoreUnavailable
}

// instrumentedFetcher times actual store fetches (cache hits never
// reach it) and reports them via meshbard_store_fetch_seconds.
type instrumentedFetcher struct {
	fetcher cache.Fetcher
	metrics *metrics.Metrics
}

func (f instrumentedFetcher) Fetch(ctx context.Context, bid [32]byte, version uint64) ([]byte, []byte, error) {
	start := time.Now()
	manifest, body, err := f.fetcher.Fetch(ctx, bid, version)
	f.metrics.StoreFetchSeconds.Observe(time.Since(start).Seconds())
	return manifest, body, err
}

// Config configures a new Engine. Fetcher, Metrics and Log may be nil;
// sensible no-op defaults are substituted (an unset Fetcher becomes
// one that always fails with cache.ErrStoreUnavailable, since the
// engine has no in-scope content store of its own).
type Config struct {
	SID [6]byte

	AntiStarvation      time.Duration
	PartialCapacity     int
	MaxRecentSenders    int
	MaxAnnouncedPerPeer int
	AssembledBuffer     int

	Fetcher              cache.Fetcher
	ManifestHeaderParser partial.ManifestHeaderParser

	Metrics *metrics.Metrics
	Log     mlog.Notify
}

// Engine owns C3-C6 (partial set, registry, peer table, cache) and
// drives C1/C7 (wire codec, frame builder) on top of them.
type Engine struct {
	mu sync.Mutex

	sid            [6]byte
	antiStarvation time.Duration
	counter        uint16

	reg      *registry.Registry
	peers    *peer.Table
	partials *partial.Set
	cache    *cache.Cache

	fetcher       cache.Fetcher
	parseManifest partial.ManifestHeaderParser

	metrics *metrics.Metrics
	log     mlog.Notify

	assembled chan AssembledBundle

	// now is overridden in tests for deterministic scenarios; the
	// zero Config always gets time.Now.
	now func() time.Time
}

// NewEngine constructs an Engine from cfg.
func NewEngine(cfg Config) *Engine {
	antiStarvation := cfg.AntiStarvation
	if antiStarvation <= 0 {
		antiStarvation = registry.DefaultAntiStarvationInterval
	}
	partialCapacity := cfg.PartialCapacity
	if partialCapacity <= 0 {
		partialCapacity = 64
	}
	maxRecentSenders := cfg.MaxRecentSenders
	if maxRecentSenders <= 0 {
		maxRecentSenders = partial.DefaultRecentSenders
	}
	assembledBuffer := cfg.AssembledBuffer
	if assembledBuffer <= 0 {
		assembledBuffer = 16
	}

	log := cfg.Log
	if log == nil {
		log = mlog.Nil{}
	}

	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = noFetcher{}
	}
	if cfg.Metrics != nil {
		fetcher = instrumentedFetcher{fetcher: fetcher, metrics: cfg.Metrics}
	}

	return &Engine{
		sid:            cfg.SID,
		antiStarvation: antiStarvation,
		reg:            registry.New(),
		peers:          peer.NewTable(cfg.MaxAnnouncedPerPeer),
		partials:       partial.NewSet(partialCapacity, maxRecentSenders),
		cache:          cache.New(),
		fetcher:        fetcher,
		parseManifest:  cfg.ManifestHeaderParser,
		metrics:        cfg.Metrics,
		log:            log,
		assembled:      make(chan AssembledBundle, assembledBuffer),
		now:            time.Now,
	}
}

// AddBundle registers a locally-held bundle as available to offer to
// peers. Callers (the out-of-scope local store integration) invoke
// this whenever the local bundle set changes.
func (e *Engine) AddBundle(b *registry.Bundle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reg.Add(b)
}

// RemoveBundle drops bid from the outbound registry, e.g. once it has
// been superseded or deleted locally.
func (e *Engine) RemoveBundle(bid [32]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reg.Remove(bid)
}

// Assembled returns the channel of bundles whose reassembly has just
// completed. The local store is expected to drain it; a full buffer
// means HandleFrame will drop further completions rather than block (per §5, no operation here may block on I/O it doesn't
// own).
func (e *Engine) Assembled() <-chan AssembledBundle {
	return e.assembled
}

func bidPrefixOf(bid [32]byte) (p [8]byte) {
	copy(p[:], bid[:8])
	return
}

func recipientPrefixOf(sid [32]byte) (p [4]byte) {
	copy(p[:], sid[:4])
	return
}

// BuildFrame composes the next outbound advertisement frame per §4.7:
// a BAR from the round-robin cursor, the highest-priority bundle's
// piece (attempted twice, to use leftover room after a short manifest
// tail), then trailing BARs until fewer than a BAR's worth of space
// remains.
func (e *Engine) BuildFrame(mtu int) ([]byte, error) {
	if mtu < minUsableMTU {
		return nil, ErrMtuTooSmall
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()

	out := make([]byte, wire.FrameHeaderLength, mtu)
	wire.EncodeFrameHeader(out, e.sid, e.counter, false)
	e.counter++

	if b, ok := e.reg.NextBARCursor(); ok {
		out = e.appendBAR(out, b)
	}

	if idx := e.reg.FindHighestPriorityBundle(e.peers, now, e.antiStarvation); idx >= 0 {
		bundles := e.reg.Bundles()
		b := bundles[idx]
		out = e.emitPiece(out, b, mtu, now)
		if mtu-len(out) >= wire.PieceHeaderSmall {
			out = e.emitPiece(out, b, mtu, now)
		}
	}

	for mtu-len(out) >= wire.BARLength {
		b, ok := e.reg.NextBARCursor()
		if !ok {
			break
		}
		out = e.appendBAR(out, b)
	}

	if e.metrics != nil {
		e.metrics.FramesBuilt.Inc()
		e.metrics.FrameBytes.Add(float64(len(out)))
	}
	e.log.FrameBuilt(len(out))

	return out, nil
}

func (e *Engine) appendBAR(out []byte, b *registry.Bundle) []byte {
	bar := wire.BAR{
		BIDPrefix:       bidPrefixOf(b.BID),
		Version:         b.Version,
		RecipientPrefix: b.RecipientPrefix,
	}
	if e.metrics != nil {
		e.metrics.BARsSent.Inc()
	}
	return append(out, bar.Encode()...)
}

// emitPiece implements §4.8: skip-ahead for journalled bundles, then
// piece source selection, budget computation, clipping, and cursor
// advance (including the wrap-around reset when the body cursor
// reaches cached_body_len).
func (e *Engine) emitPiece(out []byte, b *registry.Bundle, mtu int, now time.Time) []byte {
	if err := cache.PrimeBundleCache(context.Background(), e.cache, e.fetcher, b.BID, b.Version); err != nil {
		e.log.StoreFetchFailed(bidPrefixOf(b.BID), err)
		return out
	}

	manifest := e.cache.Manifest()
	body := e.cache.Body()
	cachedManifestLen := uint32(len(manifest))
	cachedBodyLen := uint32(len(body))

	if b.Journalled() {
		e.applySkipAhead(b, cachedBodyLen)
	}

	var isManifest bool
	var source []byte
	var cursor *uint32
	var itemLen uint32

	switch {
	case b.LastManifestOffsetAnnounced < cachedManifestLen:
		isManifest = true
		source = manifest
		cursor = &b.LastManifestOffsetAnnounced
		itemLen = cachedManifestLen
	case b.LastOffsetAnnounced < cachedBodyLen:
		isManifest = false
		source = body
		cursor = &b.LastOffsetAnnounced
		itemLen = cachedBodyLen
	default:
		return out
	}

	startOffset := uint64(*cursor)
	headerLen := wire.PieceHeaderSmall
	if startOffset > wire.SmallOffsetLimit {
		headerLen = wire.PieceHeaderLarge
	}

	maxBytes := mtu - len(out) - headerLen
	if maxBytes < 1 {
		return out
	}

	bytesAvailable := itemLen - *cursor
	actualBytes := bytesAvailable
	if uint32(maxBytes) < actualBytes {
		actualBytes = uint32(maxBytes)
	}
	if actualBytes > wire.MaxPieceLength {
		actualBytes = wire.MaxPieceLength
	}
	if actualBytes == 0 {
		return out
	}

	endOfItem := actualBytes == bytesAvailable
	header := wire.PieceHeader{
		BIDPrefix:   bidPrefixOf(b.BID),
		Version:     b.Version,
		IsManifest:  isManifest,
		StartOffset: startOffset,
		Length:      uint16(actualBytes),
		EndOfItem:   endOfItem,
	}
	out = append(out, header.Encode()...)
	out = append(out, source[*cursor:*cursor+actualBytes]...)

	*cursor += actualBytes

	if e.metrics != nil {
		kind := metrics.Body
		if isManifest {
			kind = metrics.Manifest
		}
		e.metrics.PiecesSent.WithLabelValues(string(kind)).Inc()
	}

	if b.LastOffsetAnnounced >= cachedBodyLen {
		b.ResetCursors(now)
	}

	return out
}

// applySkipAhead implements §4.8's skip-ahead rule for journalled
// bundles: fast-forward past bytes every relevant peer is already
// known to hold.
func (e *Engine) applySkipAhead(b *registry.Bundle, cachedBodyLen uint32) {
	bidPrefix := bidPrefixOf(b.BID)

	var firstByte uint64
	if rec, ok := e.peers.Get(b.RecipientPrefix); ok {
		if v, ok := rec.AnnouncedVersionOf(bidPrefix); ok {
			firstByte = v
		} else {
			firstByte = e.minAnnouncedAcrossPeers(bidPrefix, cachedBodyLen)
		}
	} else {
		firstByte = e.minAnnouncedAcrossPeers(bidPrefix, cachedBodyLen)
	}

	if firstByte > uint64(cachedBodyLen) {
		firstByte = uint64(cachedBodyLen)
	}
	if uint64(b.LastOffsetAnnounced) < firstByte {
		b.LastOffsetAnnounced = uint32(firstByte)
	}
}

// minAnnouncedAcrossPeers is the "otherwise" branch of §4.8's
// skip-ahead rule: the minimum reported version across all tracked
// peers, forced to 0 if any peer lacks the bundle entirely.
func (e *Engine) minAnnouncedAcrossPeers(bidPrefix [8]byte, cachedBodyLen uint32) uint64 {
	firstByte := uint64(cachedBodyLen)
	min, anyMissing := e.peers.MinAnnouncedVersion(bidPrefix)
	switch {
	case anyMissing:
		firstByte = 0
	case min < firstByte:
		firstByte = min
	}
	return firstByte
}

// HandleFrame decodes raw per C1 and dispatches every record to the
// peer table (BAR) or partial set (piece), per §2's "inbound frames
// are decoded by C1 and dispatched to C3 (piece) or C5 (BAR)".
// Malformed frames are logged and the already-decoded prefix is still
// dispatched, per §4.1.
func (e *Engine) HandleFrame(raw []byte, meta LinkMetadata) {
	frame, err := wire.Decode(raw)
	if err != nil {
		e.log.FrameMalformed(err.Error())
		if len(raw) < wire.FrameHeaderLength {
			// header itself never decoded; nothing usable to dispatch.
			return
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := meta.ReceivedAt
	if now.IsZero() {
		now = e.now()
	}

	e.peers.Touch(frame.Header.Sender, now)
	e.log.PeerSeen(frame.Header.Sender)

	var senderSIDPrefix [2]byte
	copy(senderSIDPrefix[:], frame.Header.Sender[:2])

	for _, rec := range frame.Records {
		switch rec.Kind {
		case wire.RecordKindBAR:
			e.peers.RecordBAR(frame.Header.Sender, rec.BAR.BIDPrefix, rec.BAR.Version, now)
			if e.metrics != nil {
				e.metrics.BARsReceived.Inc()
			}

		case wire.RecordKindPiece:
			key := partial.Key{BIDPrefix: rec.Piece.BIDPrefix, Version: rec.Piece.Version}
			pinned := func(k partial.Key) bool {
				return e.bundleIsAnnouncedElsewhere(k)
			}
			_, err := e.partials.OnPiece(
				key, senderSIDPrefix, now,
				rec.Piece.IsManifest, uint32(rec.Piece.StartOffset), uint32(rec.Piece.Length), rec.Payload,
				e.parseManifest, pinned,
			)
			if e.metrics != nil {
				kind := metrics.Body
				if rec.Piece.IsManifest {
					kind = metrics.Manifest
				}
				e.metrics.PiecesReceived.WithLabelValues(string(kind)).Inc()
			}
			switch {
			case errors.Is(err, partial.ErrCapacityExceeded):
				// Informational: a victim was evicted to make room,
				// this piece was still inserted fine.
				if e.metrics != nil {
					e.metrics.PartialsEvicted.Inc()
				}
			case err != nil:
				continue
			}
			e.drainCompleted(key)
		}
	}

	if e.metrics != nil {
		e.metrics.PartialsInProgress.Set(float64(e.partials.Len()))
	}
}

// bundleIsAnnouncedElsewhere reports whether any peer has BAR'd key,
// used by the partial set to decide eviction victims (a partial with
// an active BAR elsewhere is presumably still being actively sent).
func (e *Engine) bundleIsAnnouncedElsewhere(key partial.Key) bool {
	for _, r := range e.peers.Peers() {
		if r.BARd(key.BIDPrefix, key.Version) {
			return true
		}
	}
	return false
}

// drainCompleted hands a fully reassembled bundle to the Assembled
// channel and removes it from the partial set. A full channel drops
// the completion notice rather than blocking HandleFrame; the bundle
// stays in the partial set and will be retried on the next signal
// unless evicted first.
func (e *Engine) drainCompleted(key partial.Key) {
	b, ok := e.partials.Get(key)
	if !ok || !b.IsComplete() {
		return
	}

	manifestSegs := b.ManifestSegments.Segments()
	bodySegs := b.BodySegments.Segments()
	var manifest, body []byte
	if len(manifestSegs) == 1 {
		manifest = manifestSegs[0].Data
	}
	if len(bodySegs) == 1 {
		body = bodySegs[0].Data
	}

	select {
	case e.assembled <- AssembledBundle{BIDPrefix: key.BIDPrefix, Version: key.Version, Manifest: manifest, Body: body}:
		e.log.BundleAssembled(key.BIDPrefix, key.Version)
		e.partials.Remove(key)
		if e.metrics != nil {
			e.metrics.PartialsInProgress.Set(float64(e.partials.Len()))
		}
	default:
	}
}
