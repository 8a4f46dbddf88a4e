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

// Package mlog defines the engine's structured-event notification
// interface. The engine itself never decides how or where an event is
// written down; it just calls Notify and moves on, the same way the
// load balancer core calls its small log.Log interface rather than
// touching an output stream directly.
package mlog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Notify receives structured events from the engine as it runs. None
// of these calls may block meaningfully — the engine is on the hot
// path of BuildFrame/HandleFrame.
type Notify interface {
	PeerSeen(sidPrefix [6]byte)
	BundleAssembled(bidPrefix [8]byte, version uint64)
	FrameBuilt(bytes int)
	FrameMalformed(reason string)
	StoreFetchFailed(bidPrefix [8]byte, err error)
}

// Nil is a Notify that discards every event, for tests and for
// embedders that don't want logging.
type Nil struct{}

func (Nil) PeerSeen([6]byte)                  {}
func (Nil) BundleAssembled([8]byte, uint64)   {}
func (Nil) FrameBuilt(int)                    {}
func (Nil) FrameMalformed(string)             {}
func (Nil) StoreFetchFailed([8]byte, error)   {}

// Logrus is the default Notify, backed by a logrus.FieldLogger.
type Logrus struct {
	log logrus.FieldLogger
}

// NewLogrus wraps an existing logger (or logrus.StandardLogger() if
// nil) as a Notify.
func NewLogrus(log logrus.FieldLogger) *Logrus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Logrus{log: log}
}

func hexPrefix(b []byte) string {
	return fmt.Sprintf("%x", b)
}

func (l *Logrus) PeerSeen(sidPrefix [6]byte) {
	l.log.WithField("sid_prefix", hexPrefix(sidPrefix[:])).Debug("peer seen")
}

func (l *Logrus) BundleAssembled(bidPrefix [8]byte, version uint64) {
	l.log.WithFields(logrus.Fields{
		"bid_prefix": hexPrefix(bidPrefix[:]),
		"version":    version,
	}).Info("bundle assembled")
}

func (l *Logrus) FrameBuilt(bytes int) {
	l.log.WithField("bytes", bytes).Debug("frame built")
}

func (l *Logrus) FrameMalformed(reason string) {
	l.log.WithField("reason", reason).Warn("malformed frame discarded")
}

func (l *Logrus) StoreFetchFailed(bidPrefix [8]byte, err error) {
	l.log.WithFields(logrus.Fields{
		"bid_prefix": hexPrefix(bidPrefix[:]),
		"error":      err,
	}).Warn("store fetch failed")
}
